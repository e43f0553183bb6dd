// Package files implements the CRUD file-management surface of one instance
// directory, with every path checked by the sandbox.
package files

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pbfleet/pbfleet-agent/internal/domain"
	domainerrors "github.com/pbfleet/pbfleet-agent/internal/domain/errors"
	"github.com/pbfleet/pbfleet-agent/internal/sandbox"
)

// MaxUploadSize bounds a single uploaded file.
const MaxUploadSize = 100 << 20

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// sanitizeName reduces an uploaded file or folder name to a filesystem-safe
// form.
func sanitizeName(name string) string {
	name = filepath.Base(filepath.ToSlash(name))
	name = unsafeNameChars.ReplaceAllString(name, "_")
	return strings.Trim(name, "._")
}

// NamedStream is one uploaded file.
type NamedStream struct {
	Name   string
	Reader io.Reader
}

// Manager performs file operations inside one instance directory.
type Manager struct {
	sb     *sandbox.Sandbox
	logger *slog.Logger
}

// NewManager creates a Manager for the given instance directory.
func NewManager(instanceDir string, logger *slog.Logger) (*Manager, error) {
	if _, err := os.Stat(instanceDir); err != nil {
		return nil, domainerrors.NotFound{Kind: "instance directory", Ref: instanceDir}
	}
	sb, err := sandbox.New(instanceDir)
	if err != nil {
		return nil, err
	}
	return &Manager{sb: sb, logger: logger}, nil
}

func (m *Manager) entry(full string, info os.FileInfo) domain.FileEntry {
	rel := m.sb.Rel(full)
	e := domain.FileEntry{
		Name:      info.Name(),
		Path:      rel,
		IsDir:     info.IsDir(),
		Size:      domain.DirSizeSentinel,
		Modified:  info.ModTime(),
		Protected: m.sb.Protected(rel),
	}
	if !info.IsDir() {
		e.Size = info.Size()
		e.Extension = strings.ToLower(filepath.Ext(info.Name()))
	}
	return e
}

// List returns the entries of the directory at rel, directories first, then
// case-insensitive by name.
func (m *Manager) List(rel string) ([]domain.FileEntry, error) {
	full, err := m.sb.Resolve(rel)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return nil, domainerrors.NotFound{Kind: "path", Ref: rel}
	}
	if !info.IsDir() {
		return nil, domainerrors.ValidationError{Field: "path", Reason: "not a directory"}
	}

	dirents, err := os.ReadDir(full)
	if err != nil {
		return nil, domainerrors.IOFailure{Op: "list directory", Err: err}
	}

	entries := make([]domain.FileEntry, 0, len(dirents))
	for _, de := range dirents {
		info, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, m.entry(filepath.Join(full, de.Name()), info))
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})
	return entries, nil
}

// Upload writes the named streams under the sandboxed target directory.
// Without replace an existing file rejects the colliding stream; files
// already written for earlier streams are kept.
func (m *Manager) Upload(targetRel string, streams []NamedStream, replace bool) ([]domain.FileEntry, error) {
	dir, err := m.sb.Resolve(targetRel)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, domainerrors.NotFound{Kind: "directory", Ref: targetRel}
	}

	var written []domain.FileEntry
	for _, stream := range streams {
		name := sanitizeName(stream.Name)
		if name == "" {
			return written, domainerrors.ValidationError{Field: "filename", Reason: fmt.Sprintf("unusable name %q", stream.Name)}
		}

		// The sanitized name still goes through the sandbox so a
		// crafted target+name pair cannot compose an escape.
		full, err := m.sb.Resolve(filepath.ToSlash(filepath.Join(targetRel, name)))
		if err != nil {
			return written, err
		}

		if _, err := os.Stat(full); err == nil && !replace {
			return written, domainerrors.ValidationError{Field: "filename", Reason: fmt.Sprintf("%q already exists", name)}
		}

		out, err := os.Create(full)
		if err != nil {
			return written, domainerrors.IOFailure{Op: "write upload", Err: err}
		}
		n, err := io.Copy(out, io.LimitReader(stream.Reader, MaxUploadSize+1))
		if closeErr := out.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			_ = os.Remove(full)
			return written, domainerrors.IOFailure{Op: "write upload", Err: err}
		}
		if n > MaxUploadSize {
			_ = os.Remove(full)
			return written, domainerrors.ValidationError{Field: "file", Reason: fmt.Sprintf("%q exceeds the %d byte limit", name, int64(MaxUploadSize))}
		}

		info, err := os.Stat(full)
		if err != nil {
			return written, domainerrors.IOFailure{Op: "stat upload", Err: err}
		}
		written = append(written, m.entry(full, info))
	}
	return written, nil
}

// Open opens the file at rel for reading, for download by the caller.
// Protected files remain downloadable.
func (m *Manager) Open(rel string) (*os.File, domain.FileEntry, error) {
	full, err := m.sb.Resolve(rel)
	if err != nil {
		return nil, domain.FileEntry{}, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return nil, domain.FileEntry{}, domainerrors.NotFound{Kind: "file", Ref: rel}
	}
	if info.IsDir() {
		return nil, domain.FileEntry{}, domainerrors.ValidationError{Field: "path", Reason: "is a directory"}
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, domain.FileEntry{}, domainerrors.IOFailure{Op: "open file", Err: err}
	}
	return f, m.entry(full, info), nil
}

// Delete removes the entry at rel, recursively for directories. Protected
// entries are rejected unless force acknowledges the override. The instance
// root itself is never deletable.
func (m *Manager) Delete(rel string, force bool) error {
	full, err := m.sb.Resolve(rel)
	if err != nil {
		return err
	}
	if full == m.sb.Root() {
		return domainerrors.ValidationError{Field: "path", Reason: "cannot delete the instance root"}
	}
	if m.sb.Protected(m.sb.Rel(full)) && !force {
		return domainerrors.ProtectedPath{Path: rel}
	}
	info, err := os.Stat(full)
	if err != nil {
		return domainerrors.NotFound{Kind: "path", Ref: rel}
	}

	if info.IsDir() {
		err = os.RemoveAll(full)
	} else {
		err = os.Remove(full)
	}
	if err != nil {
		return domainerrors.IOFailure{Op: "delete", Err: err}
	}
	return nil
}

// BulkDelete deletes each path independently, accumulating per-item results.
// A failed item never aborts or undoes completed deletions of its siblings.
func (m *Manager) BulkDelete(rels []string, force bool) domain.BulkDeleteResult {
	result := domain.BulkDeleteResult{Errors: map[string]string{}}
	for _, rel := range rels {
		if err := m.Delete(rel, force); err != nil {
			result.Failed++
			result.Errors[rel] = err.Error()
			continue
		}
		result.Deleted++
	}
	if result.Failed == 0 {
		result.Errors = nil
	}
	return result
}

// Move renames srcRel to dstRel. Both ends are validated independently; a
// protected source needs force, an existing destination is rejected.
func (m *Manager) Move(srcRel, dstRel string, force bool) error {
	src, err := m.sb.Resolve(srcRel)
	if err != nil {
		return err
	}
	dst, err := m.sb.Resolve(dstRel)
	if err != nil {
		return err
	}
	if src == m.sb.Root() {
		return domainerrors.ValidationError{Field: "source", Reason: "cannot move the instance root"}
	}
	if m.sb.Protected(m.sb.Rel(src)) && !force {
		return domainerrors.ProtectedPath{Path: srcRel}
	}
	if _, err := os.Stat(src); err != nil {
		return domainerrors.NotFound{Kind: "path", Ref: srcRel}
	}
	if _, err := os.Stat(dst); err == nil {
		return domainerrors.ValidationError{Field: "destination", Reason: fmt.Sprintf("%q already exists", dstRel)}
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return domainerrors.IOFailure{Op: "move", Err: err}
	}
	if err := os.Rename(src, dst); err != nil {
		return domainerrors.IOFailure{Op: "move", Err: err}
	}
	return nil
}

// Copy duplicates srcRel at dstRel, recursively for directories.
func (m *Manager) Copy(srcRel, dstRel string) error {
	src, err := m.sb.Resolve(srcRel)
	if err != nil {
		return err
	}
	dst, err := m.sb.Resolve(dstRel)
	if err != nil {
		return err
	}
	info, err := os.Stat(src)
	if err != nil {
		return domainerrors.NotFound{Kind: "path", Ref: srcRel}
	}
	if _, err := os.Stat(dst); err == nil {
		return domainerrors.ValidationError{Field: "destination", Reason: fmt.Sprintf("%q already exists", dstRel)}
	}

	if info.IsDir() {
		err = copyDir(src, dst)
	} else {
		err = copyFile(src, dst, info.Mode())
	}
	if err != nil {
		return domainerrors.IOFailure{Op: "copy", Err: err}
	}
	return nil
}

// Mkdir creates a new folder named name under parentRel.
func (m *Manager) Mkdir(parentRel, name string) (string, error) {
	safe := sanitizeName(name)
	if safe == "" {
		return "", domainerrors.ValidationError{Field: "folder", Reason: fmt.Sprintf("unusable name %q", name)}
	}
	full, err := m.sb.Resolve(filepath.ToSlash(filepath.Join(parentRel, safe)))
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(full); err == nil {
		return "", domainerrors.ValidationError{Field: "folder", Reason: fmt.Sprintf("%q already exists", safe)}
	}
	if err := os.MkdirAll(full, 0o755); err != nil {
		return "", domainerrors.IOFailure{Op: "mkdir", Err: err}
	}
	return m.sb.Rel(full), nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	_, err = io.Copy(out, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	return err
}

func copyDir(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		return copyFile(path, target, info.Mode())
	})
}
