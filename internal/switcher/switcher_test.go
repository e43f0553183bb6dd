package switcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbfleet/pbfleet-agent/internal/domain"
	domainerrors "github.com/pbfleet/pbfleet-agent/internal/domain/errors"
	"github.com/pbfleet/pbfleet-agent/internal/registry"
	"github.com/pbfleet/pbfleet-agent/internal/versions"
)

// fakeSupervisor tracks one process and can be told to fail a number of
// restarts in a row.
type fakeSupervisor struct {
	running      map[string]bool
	failRestarts int
	restarts     int

	// onStop, when set, runs after a successful Stop.
	onStop func()
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{running: map[string]bool{}}
}

func (f *fakeSupervisor) EnsureStarted(_ context.Context, name, _, _ string) error {
	f.running[name] = true
	return nil
}

func (f *fakeSupervisor) Stop(_ context.Context, name string) error {
	if _, ok := f.running[name]; !ok {
		return domainerrors.NotFound{Kind: "process", Ref: name}
	}
	f.running[name] = false
	if f.onStop != nil {
		f.onStop()
	}
	return nil
}

func (f *fakeSupervisor) Restart(_ context.Context, name string) error {
	f.restarts++
	if f.failRestarts > 0 {
		f.failRestarts--
		return errors.New("restart refused")
	}
	f.running[name] = true
	return nil
}

func (f *fakeSupervisor) Delete(_ context.Context, name string) error {
	delete(f.running, name)
	return nil
}

func (f *fakeSupervisor) Status(_ context.Context, name string) (domain.ProcessState, error) {
	up, ok := f.running[name]
	if !ok {
		return domain.ProcessState{}, domainerrors.NotFound{Kind: "process", Ref: name}
	}
	status := domain.StatusStopped
	if up {
		status = domain.StatusRunning
	}
	return domain.ProcessState{Name: name, Status: status}, nil
}

func (f *fakeSupervisor) ListAll(context.Context) (map[string]domain.ProcessState, error) {
	out := map[string]domain.ProcessState{}
	for name := range f.running {
		state, _ := f.Status(context.Background(), name)
		out[name] = state
	}
	return out, nil
}

func (f *fakeSupervisor) Tail(context.Context, string, int) (string, error) {
	return "", nil
}

// fakeArtifacts writes a distinct executable payload per tag.
type fakeArtifacts struct {
	dir  string
	errs map[string]error
}

func (f *fakeArtifacts) Ensure(_ context.Context, tag string) (string, error) {
	if err := f.errs[tag]; err != nil {
		return "", err
	}
	path := filepath.Join(f.dir, "pocketbase-"+tag)
	if err := os.WriteFile(path, []byte("binary "+tag), 0o755); err != nil {
		return "", err
	}
	return path, nil
}

type fixture struct {
	sw      *Switcher
	reg     *registry.Registry
	sup     *fakeSupervisor
	inst    domain.Instance
	exePath string
	dir     string
}

func newFixture(t *testing.T) *fixture {
	instancesDir := t.TempDir()
	reg, err := registry.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	inst, err := reg.Create(domain.Instance{Name: "blog", Version: "0.22.0", Port: 7200})
	require.NoError(t, err)

	dir := inst.Dir(instancesDir)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	exePath := filepath.Join(dir, versions.ExecutableName())
	require.NoError(t, os.WriteFile(exePath, []byte("binary 0.22.0"), 0o755))

	sup := newFakeSupervisor()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sw := New(reg, sup, &fakeArtifacts{dir: t.TempDir()}, instancesDir, logger)
	sw.GracePeriod = time.Millisecond

	return &fixture{sw: sw, reg: reg, sup: sup, inst: inst, exePath: exePath, dir: dir}
}

func readExe(t *testing.T, path string) string {
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func backups(t *testing.T, dir string) []string {
	matches, err := filepath.Glob(filepath.Join(dir, versions.ExecutableName()+".backup.*"))
	require.NoError(t, err)
	return matches
}

func TestSwitchStoppedInstance(t *testing.T) {
	f := newFixture(t)

	updated, err := f.sw.Switch(context.Background(), f.inst.ID, "0.23.0")
	require.NoError(t, err)
	assert.Equal(t, "0.23.0", updated.Version)
	assert.Equal(t, "binary 0.23.0", readExe(t, f.exePath))
	assert.Empty(t, backups(t, f.dir))
	// A stopped instance is not started by a switch.
	assert.Zero(t, f.sup.restarts)

	got, err := f.reg.Get(f.inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "0.23.0", got.Version)
}

func TestSwitchRunningInstanceRestarts(t *testing.T) {
	f := newFixture(t)
	f.sup.running[f.inst.ProcessName()] = true

	updated, err := f.sw.Switch(context.Background(), f.inst.ID, "0.23.0")
	require.NoError(t, err)
	assert.Equal(t, "0.23.0", updated.Version)
	assert.Equal(t, 1, f.sup.restarts)
	assert.True(t, f.sup.running[f.inst.ProcessName()])
}

func TestSwitchSameVersionRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.sw.Switch(context.Background(), f.inst.ID, "0.22.0")
	assert.ErrorAs(t, err, &domainerrors.ValidationError{})
	assert.Equal(t, "binary 0.22.0", readExe(t, f.exePath))
}

func TestSwitchUnknownInstance(t *testing.T) {
	f := newFixture(t)

	_, err := f.sw.Switch(context.Background(), "missing", "0.23.0")
	assert.ErrorAs(t, err, &domainerrors.NotFound{})
}

func TestSwitchArtifactFailureLeavesEverything(t *testing.T) {
	f := newFixture(t)
	f.sw.artifacts = &fakeArtifacts{
		dir:  t.TempDir(),
		errs: map[string]error{"0.23.0": domainerrors.NotFound{Kind: "version", Ref: "0.23.0"}},
	}

	_, err := f.sw.Switch(context.Background(), f.inst.ID, "0.23.0")
	assert.ErrorAs(t, err, &domainerrors.NotFound{})
	assert.Equal(t, "binary 0.22.0", readExe(t, f.exePath))

	got, err := f.reg.Get(f.inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "0.22.0", got.Version)
}

func TestSwitchRollbackOnRestartFailure(t *testing.T) {
	f := newFixture(t)
	f.sup.running[f.inst.ProcessName()] = true
	// First restart (new version) fails, second (restored version) succeeds.
	f.sup.failRestarts = 1

	_, err := f.sw.Switch(context.Background(), f.inst.ID, "0.23.0")
	var switchErr domainerrors.VersionSwitchFailed
	require.ErrorAs(t, err, &switchErr)
	assert.True(t, switchErr.RollbackOK)

	assert.Equal(t, "binary 0.22.0", readExe(t, f.exePath))
	got, err := f.reg.Get(f.inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "0.22.0", got.Version)
	assert.True(t, f.sup.running[f.inst.ProcessName()])
}

func TestSwitchRollbackAlsoFails(t *testing.T) {
	f := newFixture(t)
	f.sup.running[f.inst.ProcessName()] = true
	// Both the new version and the restored one refuse to come up.
	f.sup.failRestarts = 2

	_, err := f.sw.Switch(context.Background(), f.inst.ID, "0.23.0")
	var switchErr domainerrors.VersionSwitchFailed
	require.ErrorAs(t, err, &switchErr)
	assert.False(t, switchErr.RollbackOK)

	// The executable and registry are still rolled back even though the
	// process could not be revived.
	assert.Equal(t, "binary 0.22.0", readExe(t, f.exePath))
	got, err := f.reg.Get(f.inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "0.22.0", got.Version)
}

func TestSwitchRegistryFailureRestartsRestored(t *testing.T) {
	f := newFixture(t)
	f.sup.running[f.inst.ProcessName()] = true
	// The row vanishes while the instance is stopped for the switch, so the
	// registry update fails after the new executable is in place.
	f.sup.onStop = func() { _ = f.reg.Delete(f.inst.ID) }

	_, err := f.sw.Switch(context.Background(), f.inst.ID, "0.23.0")
	require.Error(t, err)
	assert.ErrorAs(t, err, &domainerrors.NotFound{})

	// The previous executable is restored and running again.
	assert.Equal(t, "binary 0.22.0", readExe(t, f.exePath))
	assert.Equal(t, 1, f.sup.restarts)
	assert.True(t, f.sup.running[f.inst.ProcessName()])
}

func TestSwitchWithoutExistingExecutable(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.Remove(f.exePath))

	updated, err := f.sw.Switch(context.Background(), f.inst.ID, "0.23.0")
	require.NoError(t, err)
	assert.Equal(t, "0.23.0", updated.Version)
	assert.Equal(t, "binary 0.23.0", readExe(t, f.exePath))
	assert.Empty(t, backups(t, f.dir))
}
