package orchestrator

import (
	"context"
	"os"

	"github.com/pbfleet/pbfleet-agent/internal/domain"
	"github.com/pbfleet/pbfleet-agent/internal/files"
)

// lockedManager acquires the instance lock and opens a file manager scoped
// to the instance directory. The caller runs the returned unlock on every
// path.
func (s *Service) lockedManager(id string) (*files.Manager, func(), error) {
	inst, unlock, err := s.lockByID(id)
	if err != nil {
		return nil, nil, err
	}
	mgr, err := files.NewManager(inst.Dir(s.instancesDir), s.logger)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return mgr, unlock, nil
}

// ListFiles lists the directory at rel inside the instance directory.
func (s *Service) ListFiles(ctx context.Context, id, rel string) ([]domain.FileEntry, error) {
	mgr, unlock, err := s.lockedManager(id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return mgr.List(rel)
}

// UploadFiles writes the named streams under the target directory.
func (s *Service) UploadFiles(ctx context.Context, id, target string, streams []files.NamedStream, replace bool) (written []domain.FileEntry, err error) {
	defer func() { s.metrics.Record("upload", err) }()

	mgr, unlock, err := s.lockedManager(id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return mgr.Upload(target, streams, replace)
}

// OpenFile opens a file for download. The caller closes it.
func (s *Service) OpenFile(ctx context.Context, id, rel string) (*os.File, domain.FileEntry, error) {
	mgr, unlock, err := s.lockedManager(id)
	if err != nil {
		return nil, domain.FileEntry{}, err
	}
	defer unlock()
	return mgr.Open(rel)
}

// DeleteFiles deletes each path independently, accumulating per-item
// outcomes.
func (s *Service) DeleteFiles(ctx context.Context, id string, rels []string, force bool) (domain.BulkDeleteResult, error) {
	mgr, unlock, err := s.lockedManager(id)
	if err != nil {
		return domain.BulkDeleteResult{}, err
	}
	defer unlock()
	result := mgr.BulkDelete(rels, force)
	s.metrics.Record("delete_files", nil)
	return result, nil
}

// MoveFile renames src to dst inside the instance directory.
func (s *Service) MoveFile(ctx context.Context, id, src, dst string, force bool) error {
	mgr, unlock, err := s.lockedManager(id)
	if err != nil {
		return err
	}
	defer unlock()
	return mgr.Move(src, dst, force)
}

// CopyFile duplicates src at dst inside the instance directory.
func (s *Service) CopyFile(ctx context.Context, id, src, dst string) error {
	mgr, unlock, err := s.lockedManager(id)
	if err != nil {
		return err
	}
	defer unlock()
	return mgr.Copy(src, dst)
}

// MkdirFile creates a folder under parent inside the instance directory.
func (s *Service) MkdirFile(ctx context.Context, id, parent, name string) (string, error) {
	mgr, unlock, err := s.lockedManager(id)
	if err != nil {
		return "", err
	}
	defer unlock()
	return mgr.Mkdir(parent, name)
}
