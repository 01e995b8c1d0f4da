package audit

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entryColumns() []string {
	return []string{
		"id", "organization_id", "actor_id", "action", "resource_type", "resource_id", "old_value", "new_value", "created_at",
	}
}

func TestSearch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewStore(db)

	t.Run("no filter", func(t *testing.T) {
		rows := sqlmock.NewRows(entryColumns()).
			AddRow(2, 1, "user-1", "role.update", "role", "7", []byte(`{"v":1}`), []byte(`{"v":2}`), time.Now()).
			AddRow(1, nil, "user-2", "organization.create", "organization", "1", nil, []byte(`{"name":"Acme"}`), time.Now())
		mock.ExpectQuery("FROM audit_log ORDER BY created_at DESC, id DESC LIMIT 100").
			WillReturnRows(rows)

		entries, err := store.Search(context.Background(), SearchFilter{})
		require.NoError(t, err)
		require.Len(t, entries, 2)

		assert.Equal(t, int64(2), entries[0].ID)
		require.NotNil(t, entries[0].OrganizationID)
		assert.Equal(t, int64(1), *entries[0].OrganizationID)
		assert.Equal(t, Action("role.update"), entries[0].Action)
		assert.JSONEq(t, `{"v":1}`, string(entries[0].OldValue))

		assert.Nil(t, entries[1].OrganizationID, "system-level entries have no organization")
		assert.Nil(t, entries[1].OldValue)
	})

	t.Run("all filters", func(t *testing.T) {
		since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		until := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
		orgID := int64(1)

		mock.ExpectQuery(`WHERE organization_id = \$1 AND actor_id = \$2 AND action = \$3 AND resource_type = \$4 AND resource_id = \$5 AND created_at >= \$6 AND created_at < \$7 ORDER BY created_at DESC, id DESC LIMIT 50 OFFSET 10`).
			WithArgs(orgID, "user-1", ActionRoleUpdate, "role", "7", since, until).
			WillReturnRows(sqlmock.NewRows(entryColumns()))

		entries, err := store.Search(context.Background(), SearchFilter{
			OrganizationID: &orgID,
			ActorID:        "user-1",
			Action:         ActionRoleUpdate,
			ResourceType:   "role",
			ResourceID:     "7",
			Since:          &since,
			Until:          &until,
			Limit:          50,
			Offset:         10,
		})
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("limit is clamped", func(t *testing.T) {
		mock.ExpectQuery("LIMIT 100").WillReturnRows(sqlmock.NewRows(entryColumns()))

		_, err := store.Search(context.Background(), SearchFilter{Limit: 50000})
		require.NoError(t, err)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGet(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewStore(db)

	t.Run("found", func(t *testing.T) {
		rows := sqlmock.NewRows(entryColumns()).
			AddRow(7, 1, "user-1", "agent.create", "agent", "5", nil, []byte(`{"slug":"support-bot"}`), time.Now())
		mock.ExpectQuery("WHERE id =").WithArgs(int64(7)).WillReturnRows(rows)

		entry, err := store.Get(context.Background(), 7)
		require.NoError(t, err)
		require.NotNil(t, entry)
		assert.Equal(t, ActionAgentCreate, entry.Action)
	})

	t.Run("not found", func(t *testing.T) {
		mock.ExpectQuery("WHERE id =").WithArgs(int64(404)).
			WillReturnRows(sqlmock.NewRows(entryColumns()))

		entry, err := store.Get(context.Background(), 404)
		require.NoError(t, err)
		assert.Nil(t, entry)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetStats(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewStore(db)

	oldest := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	newest := time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC)
	orgID := int64(1)

	rows := sqlmock.NewRows([]string{"action", "count", "min", "max"}).
		AddRow("role.update", 3, oldest, newest.Add(-time.Hour)).
		AddRow("membership.invite", 2, oldest.Add(time.Hour), newest)
	mock.ExpectQuery(`GROUP BY action`).WithArgs(orgID).WillReturnRows(rows)

	stats, err := store.GetStats(context.Background(), &orgID, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), stats.TotalEntries)
	assert.Equal(t, int64(3), stats.ByAction["role.update"])
	assert.Equal(t, oldest, *stats.OldestEntry)
	assert.Equal(t, newest, *stats.NewestEntry)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExportFormats(t *testing.T) {
	orgID := int64(1)
	entries := []*Entry{
		{
			ID:             1,
			OrganizationID: &orgID,
			ActorID:        "user-1",
			Action:         ActionRoleCreate,
			ResourceType:   "role",
			ResourceID:     "7",
			NewValue:       []byte(`{"name":"Support"}`),
			CreatedAt:      time.Date(2026, 1, 5, 10, 30, 0, 0, time.UTC),
		},
		{
			ID:           2,
			ActorID:      "user-2",
			Action:       ActionMemberRemove,
			ResourceType: "membership",
			ResourceID:   "3",
			CreatedAt:    time.Date(2026, 1, 6, 8, 0, 0, 0, time.UTC),
		},
	}

	t.Run("json", func(t *testing.T) {
		data, err := exportJSON(entries)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(data), "["), "JSON export is an array")
		assert.Contains(t, string(data), `"role.create"`)
	})

	t.Run("ndjson", func(t *testing.T) {
		data, err := exportNDJSON(entries)
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		require.Len(t, lines, 2)
		assert.Contains(t, lines[0], `"role.create"`)
		assert.Contains(t, lines[1], `"membership.remove"`)
	})

	t.Run("csv", func(t *testing.T) {
		data, err := exportCSV(entries)
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		require.Len(t, lines, 3, "header plus one row per entry")
		assert.Equal(t, "ID,Timestamp,OrganizationID,ActorID,Action,ResourceType,ResourceID,OldValue,NewValue", lines[0])
		assert.Contains(t, lines[1], "2026-01-05T10:30:00Z")
		assert.Contains(t, lines[2], ",,user-2", "missing organization exports as an empty column")
	})
}

func TestStoreExport(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewStore(db)

	rows := sqlmock.NewRows(entryColumns()).
		AddRow(1, 1, "user-1", "role.create", "role", "7", nil, nil, time.Now())
	mock.ExpectQuery("FROM audit_log").WillReturnRows(rows)

	data, err := store.Export(context.Background(), SearchFilter{}, ExportFormatNDJSON)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"role.create"`)
	assert.NoError(t, mock.ExpectationsWereMet())
}
