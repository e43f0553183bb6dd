// Package sandbox validates instance-relative paths against directory-escape
// and protected-file rules. Every file operation goes through it.
package sandbox

import (
	"path/filepath"
	"strings"

	domainerrors "github.com/pbfleet/pbfleet-agent/internal/domain/errors"
)

// protectedPaths are entries that may be listed and downloaded but reject
// delete and move without an explicit override: the executable, the launch
// script and the instance database's internal bookkeeping files.
var protectedPaths = []string{
	"pocketbase",
	"pocketbase.exe",
	"run.sh",
	"pb_data/data.db",
	"pb_data/data.db-shm",
	"pb_data/data.db-wal",
}

// Sandbox resolves paths relative to one instance directory.
type Sandbox struct {
	root string
}

// New creates a Sandbox rooted at the instance directory.
func New(root string) (*Sandbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, domainerrors.IOFailure{Op: "resolve sandbox root", Err: err}
	}
	return &Sandbox{root: abs}, nil
}

// Root returns the absolute instance directory.
func (s *Sandbox) Root() string {
	return s.root
}

// Resolve validates rel and returns its absolute path inside the root.
// Absolute input, parent-directory segments and anything normalizing outside
// the root fail with PathEscape; no filesystem state is touched.
func (s *Sandbox) Resolve(rel string) (string, error) {
	if filepath.IsAbs(rel) || strings.HasPrefix(rel, "\\") {
		return "", domainerrors.PathEscape{Path: rel}
	}
	for _, seg := range strings.FieldsFunc(rel, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return "", domainerrors.PathEscape{Path: rel}
		}
	}

	full := filepath.Clean(filepath.Join(s.root, filepath.FromSlash(strings.TrimLeft(rel, "/"))))
	if full != s.root && !strings.HasPrefix(full, s.root+string(filepath.Separator)) {
		return "", domainerrors.PathEscape{Path: rel}
	}
	return full, nil
}

// Rel converts an absolute path inside the root back to the slash-separated
// relative form used at the API surface.
func (s *Sandbox) Rel(abs string) string {
	rel, err := filepath.Rel(s.root, abs)
	if err != nil || rel == "." {
		return ""
	}
	return filepath.ToSlash(rel)
}

// Protected reports whether the relative path is a protected entry or lives
// under one.
func (s *Sandbox) Protected(rel string) bool {
	rel = filepath.ToSlash(rel)
	for _, p := range protectedPaths {
		if rel == p || strings.HasPrefix(rel, p+"/") {
			return true
		}
	}
	return false
}
