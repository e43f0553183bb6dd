package domain

import (
	"path/filepath"
	"time"
)

// ProcessNamePrefix is prepended to the sanitized instance name to form the
// stable supervisor process name.
const ProcessNamePrefix = "pb_"

// Instance is one managed PocketBase deployment. The registry is the owner of
// this record; live process state is never stored on it.
type Instance struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	Port      int       `json:"port"`
	Domain    string    `json:"domain,omitempty"`
	DevMode   bool      `json:"dev_mode"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProcessName returns the stable name the instance is registered under with
// the process supervisor.
func (i Instance) ProcessName() string {
	return ProcessNamePrefix + i.Name
}

// Dir returns the instance directory under the given instances root. The
// directory is derived from the name and never stored redundantly.
func (i Instance) Dir(instancesRoot string) string {
	return filepath.Join(instancesRoot, i.Name)
}

// ProcessStatus is the liveness state reported by the supervisor.
type ProcessStatus string

const (
	StatusRunning ProcessStatus = "running"
	StatusStopped ProcessStatus = "stopped"
	StatusErrored ProcessStatus = "errored"
)

// ProcessState is the ephemeral state of a supervised process. It is fetched
// fresh from the supervisor on every status query and never persisted.
type ProcessState struct {
	Name     string        `json:"name"`
	Status   ProcessStatus `json:"status"`
	PID      int           `json:"pid,omitempty"`
	CPU      float64       `json:"cpu"`
	Memory   int64         `json:"memory"`
	Uptime   time.Duration `json:"uptime"`
	Restarts int           `json:"restarts"`
}

// Running reports whether the process is live.
func (s ProcessState) Running() bool {
	return s.Status == StatusRunning
}

// InstanceStatus combines the durable registry row with the live supervisor
// state for the reconciliation read path.
type InstanceStatus struct {
	Instance Instance     `json:"instance"`
	Process  ProcessState `json:"process"`

	// DirMissing flags a registry row whose instance directory is absent on
	// disk. Surfaced as a reconciliation warning, never auto-repaired.
	DirMissing bool `json:"dir_missing,omitempty"`
}

// Admin is one administrator record inside an instance's own database.
type Admin struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Created  string `json:"created"`
	Updated  string `json:"updated"`
	Verified bool   `json:"verified"`
}
