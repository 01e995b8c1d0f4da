package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wardenhq/warden/pkg/audit"
	"github.com/wardenhq/warden/pkg/authz"
)

// Service manages the agent and data-source registries. The two kinds
// share a schema and differ only in table name, so one service covers
// both, keyed by resource.
type Service struct {
	db          *sql.DB
	auditor     *audit.Writer
	invalidator authz.Invalidator
}

// NewService creates a registry service.
func NewService(db *sql.DB, auditor *audit.Writer, invalidator authz.Invalidator) *Service {
	if invalidator == nil {
		invalidator = authz.NopInvalidator{}
	}
	return &Service{db: db, auditor: auditor, invalidator: invalidator}
}

// Create registers an instance.
func (s *Service) Create(ctx context.Context, resource authz.Resource, orgID int64, req CreateInstanceRequest, actorID string) (*Instance, error) {
	table, err := tableFor(resource)
	if err != nil {
		return nil, err
	}
	if req.Name == "" || req.Slug == "" {
		return nil, fmt.Errorf("name and slug are required")
	}

	inst := &Instance{
		OrganizationID: orgID,
		Resource:       resource,
		Name:           req.Name,
		Slug:           req.Slug,
		Config:         req.Config,
		IsActive:       true,
		Visibility:     req.Visibility,
	}

	configJSON, visibilityJSON, err := marshalDocs(inst.Config, inst.Visibility)
	if err != nil {
		return nil, err
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		query := fmt.Sprintf(`
			INSERT INTO %s (organization_id, name, slug, config, is_active, visibility)
			VALUES ($1, $2, $3, $4, TRUE, $5)
			RETURNING id, created_at, updated_at
		`, table)
		if err := tx.QueryRowContext(ctx, query,
			orgID, inst.Name, inst.Slug, configJSON, visibilityJSON,
		).Scan(&inst.ID, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
			return fmt.Errorf("failed to create %s: %w", resource, err)
		}

		newValue, err := audit.MarshalValue(inst)
		if err != nil {
			return err
		}
		return s.auditor.Write(ctx, tx, &audit.Entry{
			OrganizationID: &orgID,
			ActorID:        actorID,
			Action:         createAction(resource),
			ResourceType:   string(resource),
			ResourceID:     inst.Slug,
			NewValue:       newValue,
		})
	})
	if err != nil {
		return nil, err
	}

	if err := s.invalidator.BumpOrganization(ctx, orgID); err != nil {
		return nil, err
	}
	return inst, nil
}

// Get retrieves an instance by slug.
func (s *Service) Get(ctx context.Context, resource authz.Resource, orgID int64, slug string) (*Instance, error) {
	table, err := tableFor(resource)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT id, organization_id, name, slug, config, is_active, visibility, created_at, updated_at
		FROM %s
		WHERE organization_id = $1 AND slug = $2
	`, table)

	inst, err := scanInstance(s.db.QueryRowContext(ctx, query, orgID, slug), resource)
	if err == sql.ErrNoRows {
		return nil, authz.ErrNotFound
	}
	return inst, err
}

// List returns all instances of a kind in an organization.
func (s *Service) List(ctx context.Context, resource authz.Resource, orgID int64) ([]*Instance, error) {
	table, err := tableFor(resource)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT id, organization_id, name, slug, config, is_active, visibility, created_at, updated_at
		FROM %s
		WHERE organization_id = $1
		ORDER BY name ASC
	`, table)

	rows, err := s.db.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list %ss: %w", resource, err)
	}
	defer rows.Close()

	var instances []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows, resource)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}

	return instances, rows.Err()
}

// Update applies a partial update. Toggling is_active changes what the
// resolver answers, so it bumps the organization's generation.
func (s *Service) Update(ctx context.Context, resource authz.Resource, orgID int64, slug string, req UpdateInstanceRequest, actorID string) (*Instance, error) {
	table, err := tableFor(resource)
	if err != nil {
		return nil, err
	}

	existing, err := s.Get(ctx, resource, orgID, slug)
	if err != nil {
		return nil, err
	}

	updated := *existing
	if req.Name != nil {
		updated.Name = *req.Name
	}
	if req.Config != nil {
		updated.Config = req.Config
	}
	if req.IsActive != nil {
		updated.IsActive = *req.IsActive
	}
	if req.Visibility != nil {
		updated.Visibility = req.Visibility
	}
	updated.UpdatedAt = time.Now()

	configJSON, visibilityJSON, err := marshalDocs(updated.Config, updated.Visibility)
	if err != nil {
		return nil, err
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		query := fmt.Sprintf(`
			UPDATE %s
			SET name = $1, config = $2, is_active = $3, visibility = $4, updated_at = $5
			WHERE id = $6
		`, table)
		if _, err := tx.ExecContext(ctx, query,
			updated.Name, configJSON, updated.IsActive, visibilityJSON, updated.UpdatedAt, existing.ID,
		); err != nil {
			return fmt.Errorf("failed to update %s: %w", resource, err)
		}

		oldValue, err := audit.MarshalValue(existing)
		if err != nil {
			return err
		}
		newValue, err := audit.MarshalValue(&updated)
		if err != nil {
			return err
		}
		return s.auditor.Write(ctx, tx, &audit.Entry{
			OrganizationID: &orgID,
			ActorID:        actorID,
			Action:         updateAction(resource),
			ResourceType:   string(resource),
			ResourceID:     slug,
			OldValue:       oldValue,
			NewValue:       newValue,
		})
	})
	if err != nil {
		return nil, err
	}

	if err := s.invalidator.BumpOrganization(ctx, orgID); err != nil {
		return nil, err
	}
	return &updated, nil
}

// Delete removes an instance. Overrides referencing it go with it via
// the foreign key cascade.
func (s *Service) Delete(ctx context.Context, resource authz.Resource, orgID int64, slug string, actorID string) error {
	table, err := tableFor(resource)
	if err != nil {
		return err
	}

	existing, err := s.Get(ctx, resource, orgID, slug)
	if err != nil {
		return err
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, table)
		if _, err := tx.ExecContext(ctx, query, existing.ID); err != nil {
			return fmt.Errorf("failed to delete %s: %w", resource, err)
		}

		oldValue, err := audit.MarshalValue(existing)
		if err != nil {
			return err
		}
		return s.auditor.Write(ctx, tx, &audit.Entry{
			OrganizationID: &orgID,
			ActorID:        actorID,
			Action:         deleteAction(resource),
			ResourceType:   string(resource),
			ResourceID:     slug,
			OldValue:       oldValue,
		})
	})
	if err != nil {
		return err
	}

	return s.invalidator.BumpOrganization(ctx, orgID)
}

func (s *Service) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", authz.ErrMutationFailed, err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("%w: %v", authz.ErrMutationFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", authz.ErrMutationFailed, err)
	}
	return nil
}

func tableFor(resource authz.Resource) (string, error) {
	switch resource {
	case authz.ResourceAgent:
		return "agents", nil
	case authz.ResourceDataSource:
		return "data_sources", nil
	}
	return "", fmt.Errorf("resource %q is not registrable", resource)
}

func createAction(resource authz.Resource) audit.Action {
	if resource == authz.ResourceAgent {
		return audit.ActionAgentCreate
	}
	return audit.ActionDataSourceCreate
}

func updateAction(resource authz.Resource) audit.Action {
	if resource == authz.ResourceAgent {
		return audit.ActionAgentUpdate
	}
	return audit.ActionDataSourceUpdate
}

func deleteAction(resource authz.Resource) audit.Action {
	if resource == authz.ResourceAgent {
		return audit.ActionAgentDelete
	}
	return audit.ActionDataSourceDelete
}

func marshalDocs(config map[string]any, visibility VisibilityMap) (configJSON, visibilityJSON []byte, err error) {
	if config == nil {
		config = map[string]any{}
	}
	if visibility == nil {
		visibility = VisibilityMap{}
	}
	configJSON, err = json.Marshal(config)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	visibilityJSON, err = json.Marshal(visibility)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal visibility: %w", err)
	}
	return configJSON, visibilityJSON, nil
}

func scanInstance(scanner interface{ Scan(dest ...any) error }, resource authz.Resource) (*Instance, error) {
	inst := &Instance{Resource: resource}
	var configJSON, visibilityJSON []byte

	err := scanner.Scan(
		&inst.ID,
		&inst.OrganizationID,
		&inst.Name,
		&inst.Slug,
		&configJSON,
		&inst.IsActive,
		&visibilityJSON,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", resource, err)
	}

	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &inst.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}
	if len(visibilityJSON) > 0 {
		if err := json.Unmarshal(visibilityJSON, &inst.Visibility); err != nil {
			return nil, fmt.Errorf("failed to unmarshal visibility: %w", err)
		}
	}

	return inst, nil
}
