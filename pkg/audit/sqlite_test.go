package audit

import (
	"context"
	"database/sql"
	"io"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/pkg/observability"
)

// setupAuditDB opens an in-memory database with the audit_log schema so
// the writer and store run against real SQL.
func setupAuditDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			organization_id INTEGER,
			actor_id TEXT NOT NULL,
			action TEXT NOT NULL,
			resource_type TEXT NOT NULL,
			resource_id TEXT NOT NULL,
			old_value TEXT,
			new_value TEXT,
			created_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		t.Fatalf("Failed to create schema: %v", err)
	}
	return db
}

func TestAuditLogRoundTrip(t *testing.T) {
	db := setupAuditDB(t)
	ctx := context.Background()
	writer := NewWriter(nil)
	store := NewStore(db)

	orgID := int64(1)
	base := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)

	entries := []*Entry{
		{
			OrganizationID: &orgID,
			ActorID:        "owner-1",
			Action:         ActionOrgCreate,
			ResourceType:   "organization",
			ResourceID:     "1",
			NewValue:       []byte(`{"name":"Acme"}`),
			CreatedAt:      base,
		},
		{
			OrganizationID: &orgID,
			ActorID:        "owner-1",
			Action:         ActionRoleCreate,
			ResourceType:   "role",
			ResourceID:     "7",
			NewValue:       []byte(`{"name":"Support"}`),
			CreatedAt:      base.Add(time.Hour),
		},
		{
			OrganizationID: &orgID,
			ActorID:        "admin-1",
			Action:         ActionRoleDelete,
			ResourceType:   "role",
			ResourceID:     "7",
			OldValue:       []byte(`{"name":"Support"}`),
			CreatedAt:      base.Add(2 * time.Hour),
		},
	}
	for _, e := range entries {
		require.NoError(t, writer.Write(ctx, db, e))
		assert.NotZero(t, e.ID)
	}

	t.Run("search newest first", func(t *testing.T) {
		got, err := store.Search(ctx, SearchFilter{OrganizationID: &orgID})
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, ActionRoleDelete, got[0].Action)
		assert.Equal(t, ActionOrgCreate, got[2].Action)
		assert.JSONEq(t, `{"name":"Acme"}`, string(got[2].NewValue))
	})

	t.Run("filter by actor and resource", func(t *testing.T) {
		got, err := store.Search(ctx, SearchFilter{ActorID: "owner-1", ResourceType: "role"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, ActionRoleCreate, got[0].Action)
	})

	t.Run("time window", func(t *testing.T) {
		since := base.Add(30 * time.Minute)
		until := base.Add(90 * time.Minute)
		got, err := store.Search(ctx, SearchFilter{Since: &since, Until: &until})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, ActionRoleCreate, got[0].Action)
	})

	t.Run("get by id", func(t *testing.T) {
		got, err := store.Get(ctx, entries[0].ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, ActionOrgCreate, got.Action)

		missing, err := store.Get(ctx, 9999)
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("export from live rows", func(t *testing.T) {
		data, err := store.Export(ctx, SearchFilter{OrganizationID: &orgID}, ExportFormatCSV)
		require.NoError(t, err)
		assert.Contains(t, string(data), "organization.create")
	})
}

func TestCleanerAgainstSQLite(t *testing.T) {
	db := setupAuditDB(t)
	ctx := context.Background()
	writer := NewWriter(nil)

	expired := &Entry{
		ActorID:      "owner-1",
		Action:       ActionMemberRemove,
		ResourceType: "membership",
		ResourceID:   "3",
		CreatedAt:    time.Now().AddDate(0, 0, -400),
	}
	recent := &Entry{
		ActorID:      "owner-1",
		Action:       ActionMemberInvite,
		ResourceType: "membership",
		ResourceID:   "4",
		CreatedAt:    time.Now().AddDate(0, 0, -5),
	}
	require.NoError(t, writer.Write(ctx, db, expired))
	require.NoError(t, writer.Write(ctx, db, recent))

	archiver := &fakeArchiver{}
	cleaner := NewCleaner(db, archiver, RetentionPolicy{
		RetentionDays:  365,
		ArchiveEnabled: true,
		ArchiveFormat:  ExportFormatNDJSON,
	}, observability.NewLogger(observability.ErrorLevel, io.Discard))

	deleted, err := cleaner.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	assert.Contains(t, string(archiver.data), "membership.remove")

	store := NewStore(db)
	remaining, err := store.Search(ctx, SearchFilter{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, ActionMemberInvite, remaining[0].Action)
}
