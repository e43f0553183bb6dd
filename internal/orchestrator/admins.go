package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/pbfleet/pbfleet-agent/internal/domain"
	domainerrors "github.com/pbfleet/pbfleet-agent/internal/domain/errors"
)

// installerEmail is the synthetic account PocketBase seeds on first run; it
// is hidden from operators and never counted as an administrator.
const installerEmail = "__pbinstaller@example.com"

func adminDBPath(dir string) string {
	return filepath.Join(dir, "pb_data", "data.db")
}

func openAdminDB(dir string) (*sql.DB, error) {
	path := adminDBPath(dir)
	if _, err := os.Stat(path); err != nil {
		return nil, domainerrors.NotFound{Kind: "instance database", Ref: path}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, domainerrors.IOFailure{Op: "open instance database", Err: err}
	}
	return db, nil
}

// ListAdmins reads the administrator records out of the instance's own
// database. An instance that has never been started has no database yet and
// reports no admins.
func (s *Service) ListAdmins(ctx context.Context, id string) ([]domain.Admin, error) {
	inst, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}

	db, err := openAdminDB(inst.Dir(s.instancesDir))
	if err != nil {
		if errors.As(err, &domainerrors.NotFound{}) {
			return []domain.Admin{}, nil
		}
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `
		SELECT id, email, created, updated, verified
		FROM _superusers
		WHERE email != ?
		ORDER BY created DESC`, installerEmail)
	if err != nil {
		return nil, domainerrors.IOFailure{Op: "query administrators", Err: err}
	}
	defer rows.Close()

	admins := []domain.Admin{}
	for rows.Next() {
		var a domain.Admin
		if err := rows.Scan(&a.ID, &a.Email, &a.Created, &a.Updated, &a.Verified); err != nil {
			return nil, domainerrors.IOFailure{Op: "scan administrator", Err: err}
		}
		admins = append(admins, a)
	}
	if err := rows.Err(); err != nil {
		return nil, domainerrors.IOFailure{Op: "query administrators", Err: err}
	}
	return admins, nil
}

// AddAdmin seeds another administrator through the instance executable's
// one-shot admin-creation mode.
func (s *Service) AddAdmin(ctx context.Context, id, email, password string) (err error) {
	defer func() { s.metrics.Record("add_admin", err) }()

	if email == "" || password == "" {
		return domainerrors.ValidationError{Field: "admin", Reason: "email and password are required"}
	}

	inst, unlock, err := s.lockByID(id)
	if err != nil {
		return err
	}
	defer unlock()

	return s.bootstrap.CreateSuperuser(ctx, inst.Dir(s.instancesDir), email, password)
}

// RemoveAdmin deletes an administrator record. Removing the last remaining
// administrator is rejected before any mutation.
func (s *Service) RemoveAdmin(ctx context.Context, id, adminID string) (err error) {
	defer func() { s.metrics.Record("remove_admin", err) }()

	inst, unlock, err := s.lockByID(id)
	if err != nil {
		return err
	}
	defer unlock()

	db, err := openAdminDB(inst.Dir(s.instancesDir))
	if err != nil {
		return err
	}
	defer db.Close()

	var count int
	err = db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM _superusers WHERE email != ?`, installerEmail).Scan(&count)
	if err != nil {
		return domainerrors.IOFailure{Op: "count administrators", Err: err}
	}
	if count <= 1 {
		return domainerrors.InvalidState{Op: "remove admin", Reason: "cannot remove the last administrator"}
	}

	res, err := db.ExecContext(ctx, `DELETE FROM _superusers WHERE id = ?`, adminID)
	if err != nil {
		return domainerrors.IOFailure{Op: "remove administrator", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domainerrors.IOFailure{Op: "remove administrator", Err: err}
	}
	if affected == 0 {
		return domainerrors.NotFound{Kind: "administrator", Ref: adminID}
	}

	s.logger.Info("administrator removed", "instance", inst.Name, "admin", adminID)
	return nil
}
