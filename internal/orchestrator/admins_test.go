package orchestrator

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbfleet/pbfleet-agent/internal/domain"
	domainerrors "github.com/pbfleet/pbfleet-agent/internal/domain/errors"
)

func seedAdminDB(t *testing.T, dir string, admins ...domain.Admin) {
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "pb_data"), 0o755))
	db, err := sql.Open("sqlite", adminDBPath(dir))
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE _superusers (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL,
		created TEXT NOT NULL,
		updated TEXT NOT NULL,
		verified INTEGER NOT NULL DEFAULT 0
	)`)
	require.NoError(t, err)

	for _, a := range admins {
		_, err = db.Exec(`INSERT INTO _superusers (id, email, created, updated, verified) VALUES (?, ?, ?, ?, ?)`,
			a.ID, a.Email, a.Created, a.Updated, a.Verified)
		require.NoError(t, err)
	}
}

func TestListAdminsNoDatabaseYet(t *testing.T) {
	f := newService(t)
	inst := f.create(t, CreateInput{Name: "blog", Version: "0.23.0"})

	admins, err := f.svc.ListAdmins(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Empty(t, admins)
}

func TestListAdminsHidesInstallerAccount(t *testing.T) {
	f := newService(t)
	inst := f.create(t, CreateInput{Name: "blog", Version: "0.23.0"})
	seedAdminDB(t, inst.Dir(f.instancesDir),
		domain.Admin{ID: "a1", Email: "ops@example.com", Created: "2024-06-02 10:00:00", Updated: "2024-06-02 10:00:00", Verified: true},
		domain.Admin{ID: "a2", Email: installerEmail, Created: "2024-06-01 10:00:00", Updated: "2024-06-01 10:00:00"},
		domain.Admin{ID: "a3", Email: "dev@example.com", Created: "2024-06-03 10:00:00", Updated: "2024-06-03 10:00:00"},
	)

	admins, err := f.svc.ListAdmins(context.Background(), inst.ID)
	require.NoError(t, err)
	require.Len(t, admins, 2)
	// Newest first, installer account hidden.
	assert.Equal(t, "dev@example.com", admins[0].Email)
	assert.Equal(t, "ops@example.com", admins[1].Email)
}

func TestAddAdminValidatesAndDelegates(t *testing.T) {
	f := newService(t)
	inst := f.create(t, CreateInput{Name: "blog", Version: "0.23.0"})

	err := f.svc.AddAdmin(context.Background(), inst.ID, "", "secret1234")
	assert.ErrorAs(t, err, &domainerrors.ValidationError{})

	require.NoError(t, f.svc.AddAdmin(context.Background(), inst.ID, "new@example.com", "secret1234"))
	assert.Equal(t, []string{"new@example.com"}, f.boot.calls)
}

func TestRemoveAdmin(t *testing.T) {
	f := newService(t)
	inst := f.create(t, CreateInput{Name: "blog", Version: "0.23.0"})
	seedAdminDB(t, inst.Dir(f.instancesDir),
		domain.Admin{ID: "a1", Email: "ops@example.com", Created: "2024-06-02 10:00:00", Updated: "2024-06-02 10:00:00"},
		domain.Admin{ID: "a2", Email: "dev@example.com", Created: "2024-06-03 10:00:00", Updated: "2024-06-03 10:00:00"},
	)

	require.NoError(t, f.svc.RemoveAdmin(context.Background(), inst.ID, "a2"))

	admins, err := f.svc.ListAdmins(context.Background(), inst.ID)
	require.NoError(t, err)
	require.Len(t, admins, 1)
	assert.Equal(t, "ops@example.com", admins[0].Email)
}

func TestRemoveLastAdminRejected(t *testing.T) {
	f := newService(t)
	inst := f.create(t, CreateInput{Name: "blog", Version: "0.23.0"})
	seedAdminDB(t, inst.Dir(f.instancesDir),
		domain.Admin{ID: "a1", Email: "ops@example.com", Created: "2024-06-02 10:00:00", Updated: "2024-06-02 10:00:00"},
	)

	err := f.svc.RemoveAdmin(context.Background(), inst.ID, "a1")
	assert.ErrorAs(t, err, &domainerrors.InvalidState{})

	admins, err := f.svc.ListAdmins(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Len(t, admins, 1)
}

func TestRemoveUnknownAdmin(t *testing.T) {
	f := newService(t)
	inst := f.create(t, CreateInput{Name: "blog", Version: "0.23.0"})
	seedAdminDB(t, inst.Dir(f.instancesDir),
		domain.Admin{ID: "a1", Email: "ops@example.com", Created: "2024-06-02 10:00:00", Updated: "2024-06-02 10:00:00"},
		domain.Admin{ID: "a2", Email: "dev@example.com", Created: "2024-06-03 10:00:00", Updated: "2024-06-03 10:00:00"},
	)

	err := f.svc.RemoveAdmin(context.Background(), inst.ID, "ghost")
	assert.ErrorAs(t, err, &domainerrors.NotFound{})
}
