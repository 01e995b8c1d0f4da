package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Store reads the audit log. Reads are gated by the caller on
// manage:* before reaching this type.
type Store struct {
	db *sql.DB
}

// NewStore creates a new audit store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Search returns entries matching the filter, newest first.
func (s *Store) Search(ctx context.Context, filter SearchFilter) ([]*Entry, error) {
	query := `
		SELECT id, organization_id, actor_id, action, resource_type, resource_id, old_value, new_value, created_at
		FROM audit_log
	`

	var conditions []string
	var args []any

	addCondition := func(clause string, value any) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(clause, len(args)))
	}

	if filter.OrganizationID != nil {
		addCondition("organization_id = $%d", *filter.OrganizationID)
	}
	if filter.ActorID != "" {
		addCondition("actor_id = $%d", filter.ActorID)
	}
	if filter.Action != "" {
		addCondition("action = $%d", filter.Action)
	}
	if filter.ResourceType != "" {
		addCondition("resource_type = $%d", filter.ResourceType)
	}
	if filter.ResourceID != "" {
		addCondition("resource_id = $%d", filter.ResourceID)
	}
	if filter.Since != nil {
		addCondition("created_at >= $%d", *filter.Since)
	}
	if filter.Until != nil {
		addCondition("created_at < $%d", *filter.Until)
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += " LIMIT " + strconv.Itoa(limit)
	if filter.Offset > 0 {
		query += " OFFSET " + strconv.Itoa(filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit log: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// Get returns one entry by ID.
func (s *Store) Get(ctx context.Context, id int64) (*Entry, error) {
	query := `
		SELECT id, organization_id, actor_id, action, resource_type, resource_id, old_value, new_value, created_at
		FROM audit_log
		WHERE id = $1
	`

	row := s.db.QueryRowContext(ctx, query, id)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// GetStats summarizes audit volume for an organization over a window.
func (s *Store) GetStats(ctx context.Context, organizationID *int64, since, until *time.Time) (*Stats, error) {
	query := `
		SELECT action, COUNT(*), MIN(created_at), MAX(created_at)
		FROM audit_log
	`

	var conditions []string
	var args []any
	if organizationID != nil {
		args = append(args, *organizationID)
		conditions = append(conditions, fmt.Sprintf("organization_id = $%d", len(args)))
	}
	if since != nil {
		args = append(args, *since)
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if until != nil {
		args = append(args, *until)
		conditions = append(conditions, fmt.Sprintf("created_at < $%d", len(args)))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " GROUP BY action"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get audit stats: %w", err)
	}
	defer rows.Close()

	stats := &Stats{ByAction: map[string]int64{}}
	for rows.Next() {
		var action string
		var count int64
		var oldest, newest time.Time
		if err := rows.Scan(&action, &count, &oldest, &newest); err != nil {
			return nil, fmt.Errorf("failed to scan audit stats: %w", err)
		}
		stats.ByAction[action] = count
		stats.TotalEntries += count
		if stats.OldestEntry == nil || oldest.Before(*stats.OldestEntry) {
			o := oldest
			stats.OldestEntry = &o
		}
		if stats.NewestEntry == nil || newest.After(*stats.NewestEntry) {
			n := newest
			stats.NewestEntry = &n
		}
	}

	return stats, rows.Err()
}

// Export serializes entries matching the filter in the given format.
func (s *Store) Export(ctx context.Context, filter SearchFilter, format ExportFormat) ([]byte, error) {
	entries, err := s.Search(ctx, filter)
	if err != nil {
		return nil, err
	}

	switch format {
	case ExportFormatCSV:
		return exportCSV(entries)
	case ExportFormatNDJSON:
		return exportNDJSON(entries)
	default:
		return exportJSON(entries)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(scanner rowScanner) (*Entry, error) {
	var entry Entry
	var orgID sql.NullInt64
	var oldValue, newValue []byte

	err := scanner.Scan(
		&entry.ID,
		&orgID,
		&entry.ActorID,
		&entry.Action,
		&entry.ResourceType,
		&entry.ResourceID,
		&oldValue,
		&newValue,
		&entry.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit entry: %w", err)
	}

	if orgID.Valid {
		id := orgID.Int64
		entry.OrganizationID = &id
	}
	if len(oldValue) > 0 {
		entry.OldValue = json.RawMessage(oldValue)
	}
	if len(newValue) > 0 {
		entry.NewValue = json.RawMessage(newValue)
	}

	return &entry, nil
}
