package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/pbfleet/pbfleet-agent/internal/domain"
	domainerrors "github.com/pbfleet/pbfleet-agent/internal/domain/errors"
	"github.com/pbfleet/pbfleet-agent/internal/versions"
)

const runScriptName = "run.sh"

func runScriptPath(dir string) string {
	return filepath.Join(dir, runScriptName)
}

var (
	nameUnsafe   = regexp.MustCompile(`[^a-z0-9_-]+`)
	nameCollapse = regexp.MustCompile(`_+`)
)

// SanitizeName reduces an operator-chosen label to the filesystem- and
// process-name-safe form stored in the registry.
func SanitizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = nameUnsafe.ReplaceAllString(name, "_")
	name = nameCollapse.ReplaceAllString(name, "_")
	return strings.Trim(name, "_")
}

// runScript renders the launch script the supervisor invokes. The data,
// hooks, migrations and public directories are pinned to the instance
// directory so the process cannot wander.
func runScript(inst domain.Instance, dir string) string {
	devFlag := ""
	if inst.DevMode {
		devFlag = " \\\n    --dev"
	}
	return fmt.Sprintf(`#!/bin/bash
set -e

cd %q

if [ ! -f "./pocketbase" ]; then
    echo "Error: pocketbase executable not found in $(pwd)"
    exit 1
fi

exec "./pocketbase" serve \
    --http "0.0.0.0:%d" \
    --dir %q \
    --hooksDir %q \
    --migrationsDir %q \
    --publicDir %q%s
`,
		dir,
		inst.Port,
		filepath.Join(dir, "pb_data"),
		filepath.Join(dir, "pb_hooks"),
		filepath.Join(dir, "pb_migrations"),
		filepath.Join(dir, "pb_public"),
		devFlag,
	)
}

// writeRunScript (re)generates run.sh from the current registry state.
func writeRunScript(inst domain.Instance, dir string) error {
	path := filepath.Join(dir, runScriptName)
	if err := os.WriteFile(path, []byte(runScript(inst, dir)), 0o755); err != nil {
		return domainerrors.IOFailure{Op: "write run script", Err: err}
	}
	return nil
}

// provisionDir lays out the standard instance subtree and copies the cached
// executable into place. pb_data is created lazily by the first process
// start, not here.
func provisionDir(dir, artifactPath string, inst domain.Instance) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domainerrors.IOFailure{Op: "create instance dir", Err: err}
	}
	for _, sub := range []string{"pb_hooks", "pb_migrations", "pb_public"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return domainerrors.IOFailure{Op: "create " + sub, Err: err}
		}
	}

	exePath := filepath.Join(dir, versions.ExecutableName())
	if err := copyFile(artifactPath, exePath, 0o755); err != nil {
		return domainerrors.IOFailure{Op: "install executable", Err: err}
	}

	return writeRunScript(inst, dir)
}

func copyFile(src, dst string, mode os.FileMode) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, mode)
}

// Bootstrapper seeds an initial administrator through the instance's own
// first-run admin-creation mode, a one-shot non-serving invocation of the
// instance executable.
type Bootstrapper interface {
	CreateSuperuser(ctx context.Context, instanceDir, email, password string) error
}

// ExecBootstrapper invokes the instance executable directly.
type ExecBootstrapper struct{}

func (ExecBootstrapper) CreateSuperuser(ctx context.Context, instanceDir, email, password string) error {
	exePath := filepath.Join(instanceDir, versions.ExecutableName())
	if _, err := os.Stat(exePath); err != nil {
		return domainerrors.NotFound{Kind: "executable", Ref: exePath}
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, exePath, "superuser", "upsert", email, password)
	cmd.Dir = instanceDir
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(output.String())
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("superuser upsert: %s", msg)
	}
	return nil
}
