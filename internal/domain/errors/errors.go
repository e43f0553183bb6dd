// Package errors defines the typed failures surfaced by the orchestration
// core. The boundary layer maps these to transport representations; the core
// never downgrades one to a partial success.
package errors

import "fmt"

// ValidationError reports bad input shape. No state is mutated.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NameConflict reports an instance name uniqueness violation.
type NameConflict struct {
	Name string
}

func (e NameConflict) Error() string {
	return fmt.Sprintf("instance name %q already exists", e.Name)
}

// PortConflict reports a port uniqueness violation.
type PortConflict struct {
	Port int
}

func (e PortConflict) Error() string {
	return fmt.Sprintf("port %d is already in use", e.Port)
}

// NotFound reports a missing instance, process, version or path.
type NotFound struct {
	Kind string
	Ref  string
}

func (e NotFound) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Ref)
}

// AlreadyRunning rejects a start of a live instance.
type AlreadyRunning struct {
	Name string
}

func (e AlreadyRunning) Error() string {
	return fmt.Sprintf("instance %q is already running", e.Name)
}

// InvalidState rejects an operation not valid for the current lifecycle state.
type InvalidState struct {
	Op     string
	Reason string
}

func (e InvalidState) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// ProtectedPath rejects delete/move of a protected entry without an explicit
// override.
type ProtectedPath struct {
	Path string
}

func (e ProtectedPath) Error() string {
	return fmt.Sprintf("path %q is protected", e.Path)
}

// PathEscape reports a sandbox boundary violation. Always fatal to the
// request; nothing is applied.
type PathEscape struct {
	Path string
}

func (e PathEscape) Error() string {
	return fmt.Sprintf("path %q escapes the instance directory", e.Path)
}

// SupervisorUnavailable reports that the process daemon itself is
// unreachable. It invalidates the liveness assumption for every instance and
// is propagated as-is, never retried silently.
type SupervisorUnavailable struct {
	Err error
}

func (e SupervisorUnavailable) Error() string {
	return "process supervisor unavailable: " + e.Err.Error()
}

func (e SupervisorUnavailable) Unwrap() error { return e.Err }

// VersionSwitchFailed reports a failed executable switch, carrying whether
// the rollback to the previous version succeeded.
type VersionSwitchFailed struct {
	RollbackOK bool
	Err        error
}

func (e VersionSwitchFailed) Error() string {
	if e.RollbackOK {
		return "version switch failed (rolled back): " + e.Err.Error()
	}
	return "version switch failed (rollback also failed): " + e.Err.Error()
}

func (e VersionSwitchFailed) Unwrap() error { return e.Err }

// ResourceExhausted reports that no free port could be found.
type ResourceExhausted struct {
	Reason string
}

func (e ResourceExhausted) Error() string {
	return "resource exhausted: " + e.Reason
}

// IOFailure reports a disk or filesystem error during provisioning, download
// or a file operation.
type IOFailure struct {
	Op  string
	Err error
}

func (e IOFailure) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e IOFailure) Unwrap() error { return e.Err }
