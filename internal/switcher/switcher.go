// Package switcher swaps an instance's executable version with
// backup-and-rollback: the previous executable is kept aside until the new
// version is confirmed runnable, so a switch never leaves an instance with
// neither executable in place.
package switcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pbfleet/pbfleet-agent/internal/domain"
	domainerrors "github.com/pbfleet/pbfleet-agent/internal/domain/errors"
	"github.com/pbfleet/pbfleet-agent/internal/registry"
	"github.com/pbfleet/pbfleet-agent/internal/versions"
)

// DefaultGracePeriod is how long a restarted instance gets to prove itself
// before the switch is considered successful.
const DefaultGracePeriod = 3 * time.Second

// Switcher orchestrates executable version changes.
type Switcher struct {
	registry     *registry.Registry
	supervisor   domain.Supervisor
	artifacts    domain.ArtifactCache
	instancesDir string
	logger       *slog.Logger

	// GracePeriod can be lowered in tests.
	GracePeriod time.Duration
}

// New creates a Switcher.
func New(reg *registry.Registry, sup domain.Supervisor, artifacts domain.ArtifactCache, instancesDir string, logger *slog.Logger) *Switcher {
	return &Switcher{
		registry:     reg,
		supervisor:   sup,
		artifacts:    artifacts,
		instancesDir: instancesDir,
		logger:       logger,
		GracePeriod:  DefaultGracePeriod,
	}
}

// Switch replaces the instance executable with the target version. A running
// instance is stopped first and restarted afterwards; a failed restart rolls
// back to the previous executable and registry version. The caller holds the
// per-instance lock.
func (s *Switcher) Switch(ctx context.Context, id, targetTag string) (domain.Instance, error) {
	inst, err := s.registry.Get(id)
	if err != nil {
		return domain.Instance{}, err
	}
	if inst.Version == targetTag {
		return domain.Instance{}, domainerrors.ValidationError{Field: "version", Reason: fmt.Sprintf("instance already runs %s", targetTag)}
	}

	wasRunning, err := s.isRunning(ctx, inst.ProcessName())
	if err != nil {
		return domain.Instance{}, err
	}
	if wasRunning {
		if err := s.supervisor.Stop(ctx, inst.ProcessName()); err != nil {
			return domain.Instance{}, fmt.Errorf("stop before switch: %w", err)
		}
	}

	artifactPath, err := s.artifacts.Ensure(ctx, targetTag)
	if err != nil {
		return domain.Instance{}, err
	}

	dir := inst.Dir(s.instancesDir)
	exePath := filepath.Join(dir, versions.ExecutableName())
	backupPath := filepath.Join(dir, fmt.Sprintf("%s.backup.%d", versions.ExecutableName(), time.Now().Unix()))

	haveBackup := false
	if _, err := os.Stat(exePath); err == nil {
		if err := os.Rename(exePath, backupPath); err != nil {
			return domain.Instance{}, domainerrors.IOFailure{Op: "back up executable", Err: err}
		}
		haveBackup = true
	}

	if err := copyExecutable(artifactPath, exePath); err != nil {
		if haveBackup {
			if restoreErr := os.Rename(backupPath, exePath); restoreErr != nil {
				s.logger.Error("restore after failed copy also failed", "instance", inst.Name, "err", restoreErr)
			}
		}
		return domain.Instance{}, err
	}

	prevVersion := inst.Version
	updated, err := s.registry.Update(id, func(i *domain.Instance) {
		i.Version = targetTag
	})
	if err != nil {
		// The copy already landed; put the old executable back so disk
		// and registry agree again, and bring a previously-running
		// instance back up on it.
		s.rollbackExecutable(inst.Name, exePath, backupPath, haveBackup)
		if wasRunning {
			if restartErr := s.restartAndCheck(ctx, inst.ProcessName()); restartErr != nil {
				s.logger.Error("restart of restored version failed", "instance", inst.Name, "err", restartErr)
			}
		}
		return domain.Instance{}, err
	}
	inst = updated

	if wasRunning {
		if err := s.restartAndCheck(ctx, inst.ProcessName()); err != nil {
			return domain.Instance{}, s.rollback(ctx, id, inst, prevVersion, exePath, backupPath, haveBackup, err)
		}
	}

	if haveBackup {
		if err := os.Remove(backupPath); err != nil {
			s.logger.Warn("could not remove backup executable", "instance", inst.Name, "err", err)
		}
	}

	s.logger.Info("version switched", "instance", inst.Name, "from", prevVersion, "to", targetTag, "restarted", wasRunning)
	return inst, nil
}

func (s *Switcher) isRunning(ctx context.Context, processName string) (bool, error) {
	state, err := s.supervisor.Status(ctx, processName)
	if err != nil {
		if _, ok := err.(domainerrors.NotFound); ok {
			return false, nil
		}
		return false, err
	}
	return state.Running(), nil
}

// restartAndCheck restarts the process and verifies it is still alive after
// a short grace period.
func (s *Switcher) restartAndCheck(ctx context.Context, processName string) error {
	if err := s.supervisor.Restart(ctx, processName); err != nil {
		return fmt.Errorf("restart: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.GracePeriod):
	}

	state, err := s.supervisor.Status(ctx, processName)
	if err != nil {
		return fmt.Errorf("status after restart: %w", err)
	}
	if !state.Running() {
		return fmt.Errorf("process %s is %s after restart", processName, state.Status)
	}
	return nil
}

// rollback restores the backed-up executable, reverts the registry version
// and tries to bring the previous version back up.
func (s *Switcher) rollback(ctx context.Context, id string, inst domain.Instance, prevVersion, exePath, backupPath string, haveBackup bool, cause error) error {
	s.logger.Warn("version switch failed, rolling back", "instance", inst.Name, "err", cause)

	rollbackOK := s.rollbackExecutable(inst.Name, exePath, backupPath, haveBackup)

	if _, err := s.registry.Update(id, func(i *domain.Instance) {
		i.Version = prevVersion
	}); err != nil {
		s.logger.Error("revert registry version failed", "instance", inst.Name, "err", err)
		rollbackOK = false
	}

	if err := s.restartAndCheck(ctx, inst.ProcessName()); err != nil {
		s.logger.Error("restart of restored version failed", "instance", inst.Name, "err", err)
		rollbackOK = false
	}

	return domainerrors.VersionSwitchFailed{RollbackOK: rollbackOK, Err: cause}
}

func (s *Switcher) rollbackExecutable(name, exePath, backupPath string, haveBackup bool) bool {
	if !haveBackup {
		return false
	}
	if err := os.Remove(exePath); err != nil && !os.IsNotExist(err) {
		s.logger.Error("remove replaced executable failed", "instance", name, "err", err)
		return false
	}
	if err := os.Rename(backupPath, exePath); err != nil {
		s.logger.Error("restore backup executable failed", "instance", name, "err", err)
		return false
	}
	return true
}

func copyExecutable(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return domainerrors.IOFailure{Op: "open artifact", Err: err}
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return domainerrors.IOFailure{Op: "write executable", Err: err}
	}
	_, err = io.Copy(out, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return domainerrors.IOFailure{Op: "write executable", Err: err}
	}
	return nil
}
