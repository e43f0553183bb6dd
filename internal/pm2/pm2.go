// Package pm2 adapts the external PM2 process-management daemon through its
// CLI. Processes are addressed by stable name; the daemon owns the live
// state and auto-restarts crashed processes.
package pm2

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/pbfleet/pbfleet-agent/internal/domain"
	domainerrors "github.com/pbfleet/pbfleet-agent/internal/domain/errors"
)

const commandTimeout = 30 * time.Second

// Runner executes one supervisor CLI invocation. Injectable so the adapter
// can be tested against canned output.
type Runner interface {
	Run(ctx context.Context, args ...string) (stdout, stderr string, err error)
}

type execRunner struct {
	binary string
}

func (r execRunner) Run(ctx context.Context, args ...string) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// Adapter implements domain.Supervisor over the PM2 CLI.
type Adapter struct {
	runner Runner
	logger *slog.Logger
}

// NewAdapter creates an Adapter invoking the given pm2 binary.
func NewAdapter(binary string, logger *slog.Logger) *Adapter {
	return &Adapter{runner: execRunner{binary: binary}, logger: logger}
}

// NewAdapterWithRunner creates an Adapter with a custom Runner.
func NewAdapterWithRunner(runner Runner, logger *slog.Logger) *Adapter {
	return &Adapter{runner: runner, logger: logger}
}

// run wraps the runner, translating a daemon that cannot be reached into
// SupervisorUnavailable. A non-zero exit with CLI output is returned to the
// caller for interpretation.
func (a *Adapter) run(ctx context.Context, args ...string) (string, string, error) {
	stdout, stderr, err := a.runner.Run(ctx, args...)
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			// The binary could not be executed at all: the daemon is
			// unreachable for every instance, not just this one.
			return "", "", domainerrors.SupervisorUnavailable{Err: err}
		}
	}
	return stdout, stderr, err
}

func isNotFoundOutput(stderr string) bool {
	return strings.Contains(strings.ToLower(stderr), "not found")
}

// EnsureStarted registers and starts the process if it is not already
// running. A live process is left untouched, keeping its identity.
func (a *Adapter) EnsureStarted(ctx context.Context, name, script, cwd string) error {
	state, err := a.Status(ctx, name)
	switch {
	case err == nil && state.Running():
		return nil
	case err == nil:
		// Tracked but stopped or errored: start the existing entry.
		_, stderr, runErr := a.run(ctx, "start", name)
		if runErr != nil {
			return supervisorError("start", name, stderr, runErr)
		}
		return nil
	}
	if _, ok := err.(domainerrors.NotFound); !ok {
		return err
	}

	_, stderr, runErr := a.run(ctx, "start", script, "--name", name, "--cwd", cwd, "--time")
	if runErr != nil {
		return supervisorError("start", name, stderr, runErr)
	}
	a.logger.Info("process registered with supervisor", "name", name, "cwd", cwd)
	return nil
}

// Stop stops the named process, failing with NotFound when the daemon has no
// record of it.
func (a *Adapter) Stop(ctx context.Context, name string) error {
	return a.manage(ctx, "stop", name)
}

// Restart restarts the named process, failing with NotFound when untracked.
func (a *Adapter) Restart(ctx context.Context, name string) error {
	return a.manage(ctx, "restart", name)
}

// Delete removes the named process from the daemon's registry.
func (a *Adapter) Delete(ctx context.Context, name string) error {
	return a.manage(ctx, "delete", name)
}

func (a *Adapter) manage(ctx context.Context, verb, name string) error {
	_, stderr, err := a.run(ctx, verb, name)
	if err != nil {
		if isNotFoundOutput(stderr) {
			return domainerrors.NotFound{Kind: "process", Ref: name}
		}
		return supervisorError(verb, name, stderr, err)
	}
	return nil
}

func supervisorError(verb, name, stderr string, err error) error {
	if _, ok := err.(domainerrors.SupervisorUnavailable); ok {
		return err
	}
	msg := strings.TrimSpace(stderr)
	if msg == "" {
		msg = err.Error()
	}
	return fmt.Errorf("pm2 %s %s: %s", verb, name, msg)
}

// jlistProcess mirrors the fields of `pm2 jlist` output this adapter reads.
type jlistProcess struct {
	Name   string `json:"name"`
	PID    int    `json:"pid"`
	PM2Env struct {
		Status      string `json:"status"`
		PMUptime    int64  `json:"pm_uptime"`
		RestartTime int    `json:"restart_time"`
	} `json:"pm2_env"`
	Monit struct {
		CPU    float64 `json:"cpu"`
		Memory int64   `json:"memory"`
	} `json:"monit"`
}

func (p jlistProcess) state() domain.ProcessState {
	status := domain.StatusStopped
	switch p.PM2Env.Status {
	case "online", "launching":
		status = domain.StatusRunning
	case "errored":
		status = domain.StatusErrored
	}

	var uptime time.Duration
	if status == domain.StatusRunning && p.PM2Env.PMUptime > 0 {
		uptime = time.Since(time.UnixMilli(p.PM2Env.PMUptime))
	}

	return domain.ProcessState{
		Name:     p.Name,
		Status:   status,
		PID:      p.PID,
		CPU:      p.Monit.CPU,
		Memory:   p.Monit.Memory,
		Uptime:   uptime,
		Restarts: p.PM2Env.RestartTime,
	}
}

// ListAll returns one snapshot of every tracked process keyed by name.
func (a *Adapter) ListAll(ctx context.Context) (map[string]domain.ProcessState, error) {
	stdout, stderr, err := a.run(ctx, "jlist")
	if err != nil {
		return nil, supervisorError("jlist", "", stderr, err)
	}

	var procs []jlistProcess
	if err := json.Unmarshal(findJSONArray(stdout), &procs); err != nil {
		return nil, domainerrors.SupervisorUnavailable{Err: fmt.Errorf("parse jlist output: %w", err)}
	}

	out := make(map[string]domain.ProcessState, len(procs))
	for _, p := range procs {
		out[p.Name] = p.state()
	}
	return out, nil
}

// Status fetches the live state of one process.
func (a *Adapter) Status(ctx context.Context, name string) (domain.ProcessState, error) {
	all, err := a.ListAll(ctx)
	if err != nil {
		return domain.ProcessState{}, err
	}
	state, ok := all[name]
	if !ok {
		return domain.ProcessState{}, domainerrors.NotFound{Kind: "process", Ref: name}
	}
	return state, nil
}

// Tail returns the most recent captured output lines for the named process.
func (a *Adapter) Tail(ctx context.Context, name string, lines int) (string, error) {
	if lines <= 0 {
		lines = 100
	}
	stdout, stderr, err := a.run(ctx, "logs", name, "--lines", strconv.Itoa(lines), "--nostream")
	if err != nil {
		if isNotFoundOutput(stderr) {
			return "", domainerrors.NotFound{Kind: "process", Ref: name}
		}
		return "", supervisorError("logs", name, stderr, err)
	}
	return stdout, nil
}

// findJSONArray isolates the JSON array in jlist output. PM2 occasionally
// prefixes it with daemon launch banners like "[PM2] Spawning PM2 daemon",
// whose leading bracket must not be mistaken for the array itself: a real
// array opener is followed by "{" or "]".
func findJSONArray(out string) []byte {
	for i := strings.Index(out, "["); i >= 0; {
		rest := strings.TrimLeft(out[i+1:], " \t\r\n")
		if strings.HasPrefix(rest, "{") || strings.HasPrefix(rest, "]") {
			return []byte(out[i:])
		}
		next := strings.Index(out[i+1:], "[")
		if next < 0 {
			break
		}
		i += 1 + next
	}
	return []byte(out)
}
