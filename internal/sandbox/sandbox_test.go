package sandbox

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainerrors "github.com/pbfleet/pbfleet-agent/internal/domain/errors"
)

func newSandbox(t *testing.T) *Sandbox {
	sb, err := New(t.TempDir())
	require.NoError(t, err)
	return sb
}

func TestResolveInsideRoot(t *testing.T) {
	sb := newSandbox(t)

	got, err := sb.Resolve("pb_hooks/main.pb.js")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(sb.Root(), "pb_hooks", "main.pb.js"), got)
}

func TestResolveEmptyPathIsRoot(t *testing.T) {
	sb := newSandbox(t)

	got, err := sb.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, sb.Root(), got)
}

func TestResolveRejectsEscapes(t *testing.T) {
	sb := newSandbox(t)

	cases := []string{
		"..",
		"../outside",
		"../../etc/passwd",
		"pb_data/../../other",
		"a/b/../../../c",
		"/etc/passwd",
		"..\\windows",
	}
	for _, rel := range cases {
		_, err := sb.Resolve(rel)
		assert.ErrorAs(t, err, &domainerrors.PathEscape{}, "path %q", rel)
	}
}

func TestResolveRejectsAbsolute(t *testing.T) {
	sb := newSandbox(t)

	_, err := sb.Resolve("/pb_public/index.html")
	assert.ErrorAs(t, err, &domainerrors.PathEscape{})
}

func TestProtectedPaths(t *testing.T) {
	sb := newSandbox(t)

	assert.True(t, sb.Protected("pocketbase"))
	assert.True(t, sb.Protected("run.sh"))
	assert.True(t, sb.Protected("pb_data/data.db"))
	assert.True(t, sb.Protected("pb_data/data.db-wal"))
	assert.False(t, sb.Protected("pb_data"))
	assert.False(t, sb.Protected("pb_hooks/main.pb.js"))
	assert.False(t, sb.Protected("pocketbase.log"))
}

func TestRelRoundTrip(t *testing.T) {
	sb := newSandbox(t)

	abs, err := sb.Resolve("pb_migrations/001_init.js")
	require.NoError(t, err)
	assert.Equal(t, "pb_migrations/001_init.js", sb.Rel(abs))
	assert.Equal(t, "", sb.Rel(sb.Root()))
}
