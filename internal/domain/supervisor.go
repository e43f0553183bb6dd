package domain

import "context"

// Supervisor is the adapter contract over the external process-management
// daemon. Processes are addressed by stable name, never by OS pid, so crashes
// and restarts do not break referencability.
//
// Every call may fail with errors.SupervisorUnavailable when the daemon itself
// cannot be reached; callers must surface that, not mask it.
type Supervisor interface {
	// EnsureStarted registers and starts the process if it is not already
	// running. Idempotent: a running process is left untouched.
	EnsureStarted(ctx context.Context, name, script, cwd string) error

	// Stop and Restart fail with errors.NotFound when the daemon has no
	// record of the name.
	Stop(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error

	// Delete removes the process from the daemon's registry entirely.
	Delete(ctx context.Context, name string) error

	// Status fetches the live state of one process, failing with
	// errors.NotFound when untracked.
	Status(ctx context.Context, name string) (ProcessState, error)

	// ListAll returns one snapshot of every tracked process keyed by name.
	ListAll(ctx context.Context) (map[string]ProcessState, error)

	// Tail returns up to lines of the most recent captured output.
	Tail(ctx context.Context, name string, lines int) (string, error)
}
