// Package orchestrator is the top-level coordinator of instance lifecycle:
// creation with port allocation and directory provisioning, process control
// through the supervisor, version switches and the reconciliation read path
// combining registry rows with live supervisor state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/pbfleet/pbfleet-agent/internal/domain"
	domainerrors "github.com/pbfleet/pbfleet-agent/internal/domain/errors"
	"github.com/pbfleet/pbfleet-agent/internal/metrics"
	"github.com/pbfleet/pbfleet-agent/internal/registry"
	"github.com/pbfleet/pbfleet-agent/internal/switcher"
)

const maxPort = 65535

// Service coordinates all instance operations. Mutating operations on one
// instance are serialized by a per-instance lock; port allocation is the one
// globally-serialized step.
type Service struct {
	registry     *registry.Registry
	supervisor   domain.Supervisor
	artifacts    domain.ArtifactCache
	switcher     *switcher.Switcher
	bootstrap    Bootstrapper
	metrics      *metrics.Metrics
	logger       *slog.Logger
	instancesDir string
	startPort    int

	locks  *instanceLocks
	portMu sync.Mutex
}

// New creates the orchestrator Service.
func New(reg *registry.Registry, sup domain.Supervisor, artifacts domain.ArtifactCache, sw *switcher.Switcher, bootstrap Bootstrapper, m *metrics.Metrics, instancesDir string, startPort int, logger *slog.Logger) *Service {
	return &Service{
		registry:     reg,
		supervisor:   sup,
		artifacts:    artifacts,
		switcher:     sw,
		bootstrap:    bootstrap,
		metrics:      m,
		logger:       logger,
		instancesDir: instancesDir,
		startPort:    startPort,
		locks:        newInstanceLocks(),
	}
}

// CreateInput carries the parameters of a create operation. Port 0 requests
// automatic allocation. AdminEmail and AdminPassword must be supplied
// together or not at all.
type CreateInput struct {
	Name          string
	Version       string
	Port          int
	Domain        string
	DevMode       bool
	AdminEmail    string
	AdminPassword string
}

// Create provisions and registers a new instance. Any failure after the
// directory was created cleans the partial directory up before surfacing.
func (s *Service) Create(ctx context.Context, input CreateInput) (inst domain.Instance, err error) {
	defer func() { s.metrics.Record("create", err) }()

	name := SanitizeName(input.Name)
	if name == "" {
		return domain.Instance{}, domainerrors.ValidationError{Field: "name", Reason: fmt.Sprintf("nothing usable left after sanitizing %q", input.Name)}
	}
	if input.Version == "" {
		return domain.Instance{}, domainerrors.ValidationError{Field: "version", Reason: "must not be empty"}
	}
	if (input.AdminEmail == "") != (input.AdminPassword == "") {
		return domain.Instance{}, domainerrors.ValidationError{Field: "admin", Reason: "email and password must be supplied together"}
	}
	if input.Port != 0 && (input.Port < 1 || input.Port > maxPort) {
		return domain.Instance{}, domainerrors.ValidationError{Field: "port", Reason: "out of range"}
	}

	unlock := s.locks.acquire(name)
	defer unlock()

	if _, err := s.registry.GetByName(name); err == nil {
		return domain.Instance{}, domainerrors.NameConflict{Name: name}
	} else if !errors.As(err, &domainerrors.NotFound{}) {
		return domain.Instance{}, err
	}

	artifactPath, err := s.artifacts.Ensure(ctx, input.Version)
	if err != nil {
		return domain.Instance{}, err
	}

	candidate := domain.Instance{
		Name:    name,
		Version: input.Version,
		Port:    input.Port,
		Domain:  input.Domain,
		DevMode: input.DevMode,
	}
	dir := candidate.Dir(s.instancesDir)
	if _, err := os.Stat(dir); err == nil {
		return domain.Instance{}, domainerrors.InvalidState{Op: "create", Reason: fmt.Sprintf("directory %s already exists", dir)}
	}

	if candidate.Port == 0 {
		port, err := s.nextFreePort()
		if err != nil {
			return domain.Instance{}, err
		}
		candidate.Port = port
	}

	if err := provisionDir(dir, artifactPath, candidate); err != nil {
		s.cleanupDir(dir)
		return domain.Instance{}, err
	}

	if input.AdminEmail != "" {
		if err := s.bootstrap.CreateSuperuser(ctx, dir, input.AdminEmail, input.AdminPassword); err != nil {
			s.cleanupDir(dir)
			return domain.Instance{}, fmt.Errorf("seed administrator: %w", err)
		}
	}

	inst, err = s.commitRow(candidate, input.Port != 0)
	if err != nil {
		s.cleanupDir(dir)
		return domain.Instance{}, err
	}

	s.logger.Info("instance created", "name", inst.Name, "id", inst.ID, "version", inst.Version, "port", inst.Port)
	return inst, nil
}

// commitRow registers the provisioned instance. A lost race on an
// auto-allocated port retries with the next candidate; an explicit port
// surfaces the conflict.
func (s *Service) commitRow(candidate domain.Instance, explicitPort bool) (domain.Instance, error) {
	for {
		inst, err := s.registry.Create(candidate)
		if err == nil {
			return inst, nil
		}
		if _, raced := err.(domainerrors.PortConflict); !raced || explicitPort {
			return domain.Instance{}, err
		}

		port, probeErr := s.nextFreePortAfter(candidate.Port)
		if probeErr != nil {
			return domain.Instance{}, probeErr
		}
		candidate.Port = port
	}
}

// nextFreePort probes sequentially upward from the configured start port,
// skipping ports already claimed by any registry row. Globally serialized so
// two concurrent creations do not pick the same candidate.
func (s *Service) nextFreePort() (int, error) {
	return s.nextFreePortAfter(s.startPort - 1)
}

func (s *Service) nextFreePortAfter(prev int) (int, error) {
	s.portMu.Lock()
	defer s.portMu.Unlock()

	start := prev + 1
	if start < s.startPort {
		start = s.startPort
	}
	for port := start; port <= maxPort; port++ {
		taken, err := s.registry.PortTaken(port)
		if err != nil {
			return 0, err
		}
		if !taken {
			return port, nil
		}
	}
	return 0, domainerrors.ResourceExhausted{Reason: fmt.Sprintf("no free port between %d and %d", start, maxPort)}
}

func (s *Service) cleanupDir(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		s.logger.Warn("cleanup of partially created directory failed", "dir", dir, "err", err)
	}
}

// lockByID resolves the row for id and acquires its per-instance lock. The
// lock is keyed by name, the same key Create uses, so a create and a
// lifecycle operation on the same instance always contend. The row is
// re-read under the lock since it may have changed while waiting.
func (s *Service) lockByID(id string) (domain.Instance, func(), error) {
	inst, err := s.registry.Get(id)
	if err != nil {
		return domain.Instance{}, nil, err
	}

	unlock := s.locks.acquire(inst.Name)
	inst, err = s.registry.Get(id)
	if err != nil {
		unlock()
		return domain.Instance{}, nil, err
	}
	return inst, unlock, nil
}

// Get returns the registry row for id.
func (s *Service) Get(ctx context.Context, id string) (domain.Instance, error) {
	return s.registry.Get(id)
}

// Delete stops the instance if needed, removes the supervisor entry, the
// registry row and the directory. A directory that cannot be removed after
// the row is gone is logged as an orphan, not retried.
func (s *Service) Delete(ctx context.Context, id string) (err error) {
	defer func() { s.metrics.Record("delete", err) }()

	inst, unlock, err := s.lockByID(id)
	if err != nil {
		return err
	}
	defer unlock()

	running, err := s.isRunning(ctx, inst.ProcessName())
	if err != nil {
		return err
	}
	if running {
		if err := s.supervisor.Stop(ctx, inst.ProcessName()); err != nil {
			return fmt.Errorf("stop before delete: %w", err)
		}
	}
	if err := s.supervisor.Delete(ctx, inst.ProcessName()); err != nil {
		if !errors.As(err, &domainerrors.NotFound{}) {
			return fmt.Errorf("deregister process: %w", err)
		}
	}

	if err := s.registry.Delete(id); err != nil {
		return err
	}

	dir := inst.Dir(s.instancesDir)
	if err := os.RemoveAll(dir); err != nil {
		s.logger.Warn("orphaned instance directory: row deleted but directory remains", "dir", dir, "err", err)
	}

	s.logger.Info("instance deleted", "name", inst.Name, "id", id)
	return nil
}

// Start launches the instance process, rejecting an already-running one.
// The launch script is regenerated first so it reflects the current
// registry state.
func (s *Service) Start(ctx context.Context, id string) (err error) {
	defer func() { s.metrics.Record("start", err) }()

	inst, unlock, err := s.lockByID(id)
	if err != nil {
		return err
	}
	defer unlock()
	return s.startInstance(ctx, inst)
}

// startInstance launches inst. The caller holds its lock.
func (s *Service) startInstance(ctx context.Context, inst domain.Instance) error {
	running, err := s.isRunning(ctx, inst.ProcessName())
	if err != nil {
		return err
	}
	if running {
		return domainerrors.AlreadyRunning{Name: inst.Name}
	}

	dir := inst.Dir(s.instancesDir)
	if err := writeRunScript(inst, dir); err != nil {
		return err
	}
	return s.supervisor.EnsureStarted(ctx, inst.ProcessName(), runScriptPath(dir), dir)
}

// Stop stops the instance process. Stopping an already-stopped instance,
// including one the supervisor has no record of, is a no-op success.
func (s *Service) Stop(ctx context.Context, id string) (err error) {
	defer func() { s.metrics.Record("stop", err) }()

	inst, unlock, err := s.lockByID(id)
	if err != nil {
		return err
	}
	defer unlock()

	err = s.supervisor.Stop(ctx, inst.ProcessName())
	if err != nil && errors.As(err, &domainerrors.NotFound{}) {
		return nil
	}
	return err
}

// Restart restarts the instance process; a stopped instance is simply
// started.
func (s *Service) Restart(ctx context.Context, id string) (err error) {
	defer func() { s.metrics.Record("restart", err) }()

	inst, unlock, err := s.lockByID(id)
	if err != nil {
		return err
	}
	defer unlock()

	running, err := s.isRunning(ctx, inst.ProcessName())
	if err != nil {
		return err
	}
	if !running {
		return s.startInstance(ctx, inst)
	}
	return s.supervisor.Restart(ctx, inst.ProcessName())
}

// ToggleDevMode flips dev mode on a stopped instance. The change takes
// effect when the operator starts the instance again.
func (s *Service) ToggleDevMode(ctx context.Context, id string, enabled bool) (inst domain.Instance, err error) {
	defer func() { s.metrics.Record("toggle_dev_mode", err) }()

	inst, unlock, err := s.lockByID(id)
	if err != nil {
		return domain.Instance{}, err
	}
	defer unlock()

	running, err := s.isRunning(ctx, inst.ProcessName())
	if err != nil {
		return domain.Instance{}, err
	}
	if running {
		return domain.Instance{}, domainerrors.InvalidState{Op: "toggle dev mode", Reason: "instance must be stopped first"}
	}

	inst, err = s.registry.Update(id, func(i *domain.Instance) {
		i.DevMode = enabled
	})
	if err != nil {
		return domain.Instance{}, err
	}
	if err := writeRunScript(inst, inst.Dir(s.instancesDir)); err != nil {
		return domain.Instance{}, err
	}
	return inst, nil
}

// SetDomain updates the custom hostname. Empty clears it. Pure registry
// update, no process interaction.
func (s *Service) SetDomain(ctx context.Context, id, hostname string) (inst domain.Instance, err error) {
	defer func() { s.metrics.Record("set_domain", err) }()

	_, unlock, err := s.lockByID(id)
	if err != nil {
		return domain.Instance{}, err
	}
	defer unlock()

	return s.registry.Update(id, func(i *domain.Instance) {
		i.Domain = hostname
	})
}

// SwitchVersion replaces the instance executable, rolling back on a failed
// restart.
func (s *Service) SwitchVersion(ctx context.Context, id, targetTag string) (inst domain.Instance, err error) {
	started := time.Now()
	defer func() {
		s.metrics.Record("switch_version", err)
		s.metrics.SwitchDuration.Observe(time.Since(started).Seconds())
	}()

	_, unlock, err := s.lockByID(id)
	if err != nil {
		return domain.Instance{}, err
	}
	defer unlock()

	return s.switcher.Switch(ctx, id, targetTag)
}

// Logs returns the most recent captured output of the instance process.
func (s *Service) Logs(ctx context.Context, id string, lines int) (string, error) {
	inst, err := s.registry.Get(id)
	if err != nil {
		return "", err
	}
	out, err := s.supervisor.Tail(ctx, inst.ProcessName(), lines)
	if err != nil && errors.As(err, &domainerrors.NotFound{}) {
		return "", nil
	}
	return out, err
}

// Status returns the combined registry and live view of one instance.
func (s *Service) Status(ctx context.Context, id string) (domain.InstanceStatus, error) {
	inst, err := s.registry.Get(id)
	if err != nil {
		return domain.InstanceStatus{}, err
	}
	state, err := s.supervisor.Status(ctx, inst.ProcessName())
	if err != nil {
		if !errors.As(err, &domainerrors.NotFound{}) {
			return domain.InstanceStatus{}, err
		}
		state = domain.ProcessState{Name: inst.ProcessName(), Status: domain.StatusStopped}
	}
	return s.combined(inst, state), nil
}

// ListWithStatus is the reconciliation read path: every registry row paired
// with one live-state snapshot. A row with no matching live process is
// reported stopped, which is a normal state, not an error. It takes no
// instance lock and never mutates the registry.
func (s *Service) ListWithStatus(ctx context.Context) ([]domain.InstanceStatus, error) {
	rows, err := s.registry.List()
	if err != nil {
		return nil, err
	}

	live, err := s.supervisor.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]domain.InstanceStatus, 0, len(rows))
	for _, inst := range rows {
		state, ok := live[inst.ProcessName()]
		if !ok {
			state = domain.ProcessState{Name: inst.ProcessName(), Status: domain.StatusStopped}
		}
		out = append(out, s.combined(inst, state))
	}
	return out, nil
}

func (s *Service) combined(inst domain.Instance, state domain.ProcessState) domain.InstanceStatus {
	status := domain.InstanceStatus{Instance: inst, Process: state}
	if _, err := os.Stat(inst.Dir(s.instancesDir)); err != nil {
		status.DirMissing = true
		s.logger.Warn("registry row without instance directory", "name", inst.Name, "dir", inst.Dir(s.instancesDir))
	}
	return status
}

func (s *Service) isRunning(ctx context.Context, processName string) (bool, error) {
	state, err := s.supervisor.Status(ctx, processName)
	if err != nil {
		if errors.As(err, &domainerrors.NotFound{}) {
			return false, nil
		}
		return false, err
	}
	return state.Running(), nil
}

// RefreshLoop periodically refreshes the live snapshot to keep the instance
// gauges current. It runs until the context is cancelled.
func (s *Service) RefreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			statuses, err := s.ListWithStatus(ctx)
			if err != nil {
				s.logger.Error("status refresh failed", "err", err)
				continue
			}
			running := 0
			for _, st := range statuses {
				if st.Process.Running() {
					running++
				}
			}
			s.metrics.InstancesTotal.Set(float64(len(statuses)))
			s.metrics.InstancesRunning.Set(float64(running))
		}
	}
}
