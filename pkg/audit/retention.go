package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/wardenhq/warden/pkg/observability"
)

// Cleaner removes audit entries past the retention window. Deletion by
// retention policy is the single sanctioned mutation of the audit log;
// application code otherwise never touches written rows.
type Cleaner struct {
	db       *sql.DB
	store    *Store
	archiver Archiver
	policy   RetentionPolicy
	logger   *observability.Logger
}

// NewCleaner creates a retention cleaner. archiver may be nil when
// ArchiveEnabled is false.
func NewCleaner(db *sql.DB, archiver Archiver, policy RetentionPolicy, logger *observability.Logger) *Cleaner {
	return &Cleaner{
		db:       db,
		store:    NewStore(db),
		archiver: archiver,
		policy:   policy,
		logger:   logger,
	}
}

// Run executes one retention pass: archive (if enabled), then delete.
// The archive upload happens before the delete so a failed upload leaves
// every row in place for the next pass.
func (c *Cleaner) Run(ctx context.Context) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -c.policy.RetentionDays)

	if c.policy.ArchiveEnabled {
		if c.archiver == nil {
			return 0, fmt.Errorf("archiving enabled but no archiver configured")
		}
		if err := c.archive(ctx, cutoff); err != nil {
			return 0, err
		}
	}

	result, err := c.db.ExecContext(ctx, "DELETE FROM audit_log WHERE created_at < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired audit entries: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	c.logger.WithFields(map[string]any{
		"deleted": deleted,
		"cutoff":  cutoff.UTC().Format(time.RFC3339),
	}).Info("audit retention pass complete")

	return deleted, nil
}

func (c *Cleaner) archive(ctx context.Context, cutoff time.Time) error {
	format := c.policy.ArchiveFormat
	if format == "" {
		format = ExportFormatNDJSON
	}

	// Page through expired entries so one oversized window cannot pin
	// the whole set in memory.
	const pageSize = 1000
	offset := 0
	var archived []byte

	for {
		page, err := c.store.Search(ctx, SearchFilter{
			Until:  &cutoff,
			Limit:  pageSize,
			Offset: offset,
		})
		if err != nil {
			return fmt.Errorf("failed to collect entries for archive: %w", err)
		}
		if len(page) == 0 {
			break
		}

		data, err := encodeEntries(page, format)
		if err != nil {
			return err
		}
		archived = append(archived, data...)

		if len(page) < pageSize {
			break
		}
		offset += pageSize
	}

	if len(archived) == 0 {
		return nil
	}

	key := ArchiveKey(cutoff, format)
	if err := c.archiver.Archive(ctx, key, archived, contentTypeFor(format)); err != nil {
		return err
	}

	c.logger.WithField("key", key).Info("archived expired audit entries")
	return nil
}

func encodeEntries(entries []*Entry, format ExportFormat) ([]byte, error) {
	switch format {
	case ExportFormatCSV:
		return exportCSV(entries)
	case ExportFormatJSON:
		return exportJSON(entries)
	default:
		return exportNDJSON(entries)
	}
}

func contentTypeFor(format ExportFormat) string {
	switch format {
	case ExportFormatCSV:
		return "text/csv"
	case ExportFormatJSON:
		return "application/json"
	default:
		return "application/x-ndjson"
	}
}
