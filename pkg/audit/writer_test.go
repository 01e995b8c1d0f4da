package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/pkg/observability"
)

func TestWrite(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	writer := NewWriter(metrics)

	orgID := int64(1)
	entry := &Entry{
		OrganizationID: &orgID,
		ActorID:        "user-1",
		Action:         ActionRoleCreate,
		ResourceType:   "role",
		ResourceID:     "7",
		NewValue:       []byte(`{"name":"Support"}`),
	}

	mock.ExpectQuery("INSERT INTO audit_log").
		WithArgs(&orgID, "user-1", ActionRoleCreate, "role", "7", []byte(`{"name":"Support"}`), nil, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))

	require.NoError(t, writer.Write(context.Background(), db, entry))
	assert.Equal(t, int64(42), entry.ID)
	assert.False(t, entry.CreatedAt.IsZero(), "Write stamps CreatedAt when unset")
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.AuditWritesTotal.WithLabelValues("success")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWritePreservesTimestamp(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	writer := NewWriter(nil)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entry := &Entry{ActorID: "user-1", Action: ActionMemberInvite, ResourceType: "membership", ResourceID: "3", CreatedAt: at}

	mock.ExpectQuery("INSERT INTO audit_log").
		WithArgs(nil, "user-1", ActionMemberInvite, "membership", "3", nil, nil, at).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

	require.NoError(t, writer.Write(context.Background(), db, entry))
	assert.Equal(t, at, entry.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	writer := NewWriter(metrics)

	mock.ExpectQuery("INSERT INTO audit_log").
		WillReturnError(errors.New("connection reset"))

	err = writer.Write(context.Background(), db, &Entry{ActorID: "user-1", Action: ActionRoleDelete})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to write audit entry")
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.AuditWritesTotal.WithLabelValues("failure")))
}

func TestMarshalValue(t *testing.T) {
	raw, err := MarshalValue(nil)
	require.NoError(t, err)
	assert.Nil(t, raw, "nil values carry no snapshot")

	raw, err = MarshalValue(map[string]any{"name": "Support"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Support"}`, string(raw))
}
