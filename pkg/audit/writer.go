package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/wardenhq/warden/pkg/observability"
)

// Execer is the subset of *sql.DB and *sql.Tx the writer needs. Mutation
// paths pass their open transaction so the audit row commits or rolls
// back with the mutation itself.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Writer appends audit entries. It is stateless; the caller supplies the
// transaction (or connection) each write should ride on.
type Writer struct {
	metrics *observability.Metrics
}

// NewWriter creates a new audit writer.
func NewWriter(metrics *observability.Metrics) *Writer {
	return &Writer{metrics: metrics}
}

// Write appends one entry using the given Execer. When q is the mutation's
// transaction, a failed audit write aborts the whole mutation: callers
// must treat a non-nil error as fatal to the enclosing transaction.
func (w *Writer) Write(ctx context.Context, q Execer, entry *Entry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO audit_log (organization_id, actor_id, action, resource_type, resource_id, old_value, new_value, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`

	err := q.QueryRowContext(ctx, query,
		entry.OrganizationID,
		entry.ActorID,
		entry.Action,
		entry.ResourceType,
		entry.ResourceID,
		nullableJSON(entry.OldValue),
		nullableJSON(entry.NewValue),
		entry.CreatedAt,
	).Scan(&entry.ID)

	if err != nil {
		w.count("failure")
		return fmt.Errorf("failed to write audit entry: %w", err)
	}

	w.count("success")
	return nil
}

func (w *Writer) count(status string) {
	if w.metrics != nil {
		w.metrics.AuditWritesTotal.WithLabelValues(status).Inc()
	}
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
