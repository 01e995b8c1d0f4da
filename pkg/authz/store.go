package authz

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wardenhq/warden/pkg/audit"
)

// Invalidator notifies the allow-list cache that snapshots derived from a
// principal or a whole organization are stale.
type Invalidator interface {
	BumpPrincipal(ctx context.Context, organizationID int64, principalID string) error
	BumpOrganization(ctx context.Context, organizationID int64) error
}

// NopInvalidator is used when no cache is wired (tests, CLI tools).
type NopInvalidator struct{}

func (NopInvalidator) BumpPrincipal(context.Context, int64, string) error { return nil }
func (NopInvalidator) BumpOrganization(context.Context, int64) error      { return nil }

// SQLStore persists roles and overrides and serves the resolver's read
// path. All mutations run in one transaction together with their audit
// entry.
type SQLStore struct {
	db          *sql.DB
	auditor     *audit.Writer
	invalidator Invalidator
}

// NewSQLStore creates a store over the given database.
func NewSQLStore(db *sql.DB, auditor *audit.Writer, invalidator Invalidator) *SQLStore {
	if invalidator == nil {
		invalidator = NopInvalidator{}
	}
	return &SQLStore{db: db, auditor: auditor, invalidator: invalidator}
}

// GetMembership implements ResolverStore.
func (s *SQLStore) GetMembership(ctx context.Context, organizationID int64, principalID string) (*MembershipInfo, error) {
	query := `
		SELECT principal_id, organization_id, role_id, status
		FROM memberships
		WHERE organization_id = $1 AND principal_id = $2
	`

	var m MembershipInfo
	err := s.db.QueryRowContext(ctx, query, organizationID, principalID).Scan(
		&m.PrincipalID,
		&m.OrganizationID,
		&m.RoleID,
		&m.Status,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}

	return &m, nil
}

// GetRole implements ResolverStore.
func (s *SQLStore) GetRole(ctx context.Context, roleID int64) (*Role, error) {
	query := `
		SELECT id, name, slug, description, organization_id, rules, is_system, created_at, updated_at, created_by
		FROM roles
		WHERE id = $1
	`
	return s.scanRoleRow(s.db.QueryRowContext(ctx, query, roleID))
}

// GetRoleBySlug returns the organization's role with the given slug, or
// the system role of that slug when the organization has none.
func (s *SQLStore) GetRoleBySlug(ctx context.Context, organizationID *int64, slug string) (*Role, error) {
	query := `
		SELECT id, name, slug, description, organization_id, rules, is_system, created_at, updated_at, created_by
		FROM roles
		WHERE slug = $1 AND (organization_id = $2 OR organization_id IS NULL)
		ORDER BY organization_id DESC NULLS LAST
		LIMIT 1
	`
	return s.scanRoleRow(s.db.QueryRowContext(ctx, query, slug, organizationID))
}

// ListRoles lists system roles plus the organization's custom roles.
func (s *SQLStore) ListRoles(ctx context.Context, organizationID int64) ([]Role, error) {
	query := `
		SELECT id, name, slug, description, organization_id, rules, is_system, created_at, updated_at, created_by
		FROM roles
		WHERE organization_id = $1 OR is_system = TRUE
		ORDER BY is_system DESC, slug ASC
	`

	rows, err := s.db.QueryContext(ctx, query, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, *role)
	}

	return roles, rows.Err()
}

// CreateRole persists a custom role and its audit entry in one
// transaction.
func (s *SQLStore) CreateRole(ctx context.Context, role *Role, actorID string) error {
	rulesJSON, err := json.Marshal(role.Rules)
	if err != nil {
		return fmt.Errorf("failed to marshal rules: %w", err)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		now := time.Now()
		query := `
			INSERT INTO roles (name, slug, description, organization_id, rules, is_system, created_at, updated_at, created_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING id
		`
		err := tx.QueryRowContext(ctx, query,
			role.Name,
			role.Slug,
			role.Description,
			role.OrganizationID,
			string(rulesJSON),
			role.IsSystem,
			now,
			now,
			role.CreatedBy,
		).Scan(&role.ID)
		if err != nil {
			return fmt.Errorf("failed to create role: %w", err)
		}
		role.CreatedAt = now
		role.UpdatedAt = now

		newValue, err := audit.MarshalValue(role)
		if err != nil {
			return err
		}
		return s.auditor.Write(ctx, tx, &audit.Entry{
			OrganizationID: role.OrganizationID,
			ActorID:        actorID,
			Action:         audit.ActionRoleCreate,
			ResourceType:   string(ResourceRole),
			ResourceID:     role.Slug,
			NewValue:       newValue,
		})
	})
}

// UpdateRole replaces a custom role's rule set. System roles are
// immutable.
func (s *SQLStore) UpdateRole(ctx context.Context, role *Role, actorID string) error {
	existing, err := s.GetRole(ctx, role.ID)
	if err != nil {
		return err
	}
	if existing.IsSystem {
		return ErrImmutableRole
	}

	rulesJSON, err := json.Marshal(role.Rules)
	if err != nil {
		return fmt.Errorf("failed to marshal rules: %w", err)
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		role.UpdatedAt = time.Now()
		query := `
			UPDATE roles
			SET name = $1, description = $2, rules = $3, updated_at = $4
			WHERE id = $5 AND is_system = FALSE
		`
		if _, err := tx.ExecContext(ctx, query,
			role.Name,
			role.Description,
			string(rulesJSON),
			role.UpdatedAt,
			role.ID,
		); err != nil {
			return fmt.Errorf("failed to update role: %w", err)
		}

		oldValue, err := audit.MarshalValue(existing)
		if err != nil {
			return err
		}
		newValue, err := audit.MarshalValue(role)
		if err != nil {
			return err
		}
		return s.auditor.Write(ctx, tx, &audit.Entry{
			OrganizationID: existing.OrganizationID,
			ActorID:        actorID,
			Action:         audit.ActionRoleUpdate,
			ResourceType:   string(ResourceRole),
			ResourceID:     existing.Slug,
			OldValue:       oldValue,
			NewValue:       newValue,
		})
	})
	if err != nil {
		return err
	}

	// Every member bound to this role derives stale snapshots now.
	if existing.OrganizationID != nil {
		return s.invalidator.BumpOrganization(ctx, *existing.OrganizationID)
	}
	return nil
}

// DeleteRole removes a custom role.
func (s *SQLStore) DeleteRole(ctx context.Context, roleID int64, actorID string) error {
	existing, err := s.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if existing.IsSystem {
		return ErrImmutableRole
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM roles WHERE id = $1 AND is_system = FALSE`, roleID); err != nil {
			return fmt.Errorf("failed to delete role: %w", err)
		}

		oldValue, err := audit.MarshalValue(existing)
		if err != nil {
			return err
		}
		return s.auditor.Write(ctx, tx, &audit.Entry{
			OrganizationID: existing.OrganizationID,
			ActorID:        actorID,
			Action:         audit.ActionRoleDelete,
			ResourceType:   string(ResourceRole),
			ResourceID:     existing.Slug,
			OldValue:       oldValue,
		})
	})
	if err != nil {
		return err
	}

	if existing.OrganizationID != nil {
		return s.invalidator.BumpOrganization(ctx, *existing.OrganizationID)
	}
	return nil
}

// GetInstance implements ResolverStore.
func (s *SQLStore) GetInstance(ctx context.Context, organizationID int64, resource Resource, slug string) (*Instance, error) {
	table, err := instanceTable(resource)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT id, organization_id, slug, is_active, config
		FROM %s
		WHERE organization_id = $1 AND slug = $2
	`, table)

	var inst Instance
	var configJSON []byte
	err = s.db.QueryRowContext(ctx, query, organizationID, slug).Scan(
		&inst.ID,
		&inst.OrganizationID,
		&inst.Slug,
		&inst.IsActive,
		&configJSON,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", resource, err)
	}

	inst.Resource = resource
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &inst.Attributes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s config: %w", resource, err)
		}
	}

	return &inst, nil
}

// ListInstances returns every instance of a kind in an organization,
// inactive ones included. The allow-list builder needs the full set to
// evaluate conditional rules against each instance's stored config.
func (s *SQLStore) ListInstances(ctx context.Context, organizationID int64, resource Resource) ([]Instance, error) {
	table, err := instanceTable(resource)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT id, organization_id, slug, is_active, config
		FROM %s
		WHERE organization_id = $1
		ORDER BY slug ASC
	`, table)

	rows, err := s.db.QueryContext(ctx, query, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list %ss: %w", resource, err)
	}
	defer rows.Close()

	var instances []Instance
	for rows.Next() {
		var inst Instance
		var configJSON []byte
		if err := rows.Scan(&inst.ID, &inst.OrganizationID, &inst.Slug, &inst.IsActive, &configJSON); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", resource, err)
		}
		inst.Resource = resource
		if len(configJSON) > 0 {
			if err := json.Unmarshal(configJSON, &inst.Attributes); err != nil {
				return nil, fmt.Errorf("failed to unmarshal %s config: %w", resource, err)
			}
		}
		instances = append(instances, inst)
	}

	return instances, rows.Err()
}

// ListOverrides implements ResolverStore.
func (s *SQLStore) ListOverrides(ctx context.Context, resource Resource, instanceID int64) ([]Override, error) {
	table, fk, err := overrideTable(resource)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT id, %s, role_id, principal_id, rules, created_at, updated_at, created_by
		FROM %s
		WHERE %s = $1
	`, fk, table, fk)

	rows, err := s.db.QueryContext(ctx, query, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list overrides: %w", err)
	}
	defer rows.Close()

	var overrides []Override
	for rows.Next() {
		o, err := scanOverride(rows, resource)
		if err != nil {
			return nil, err
		}
		overrides = append(overrides, *o)
	}

	return overrides, rows.Err()
}

// GetOverride returns one override by ID.
func (s *SQLStore) GetOverride(ctx context.Context, resource Resource, overrideID int64) (*Override, error) {
	table, fk, err := overrideTable(resource)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT id, %s, role_id, principal_id, rules, created_at, updated_at, created_by
		FROM %s
		WHERE id = $1
	`, fk, table)

	row := s.db.QueryRowContext(ctx, query, overrideID)
	o, err := scanOverride(row, resource)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return o, err
}

// CreateOverride validates the scope, persists the override, and writes
// its audit entry in one transaction. A scope bound to both a role and a
// principal (or neither) fails with ErrInvalidOverride before any row is
// written.
func (s *SQLStore) CreateOverride(ctx context.Context, o *Override, actorID string, organizationID int64) error {
	if !o.Scope.Valid() {
		return ErrInvalidOverride
	}

	table, fk, err := overrideTable(o.Resource)
	if err != nil {
		return err
	}

	rulesJSON, err := json.Marshal(o.Rules)
	if err != nil {
		return fmt.Errorf("failed to marshal rules: %w", err)
	}

	roleID, principalID := scopeFields(o.Scope)

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		now := time.Now()
		query := fmt.Sprintf(`
			INSERT INTO %s (%s, role_id, principal_id, rules, created_at, updated_at, created_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id
		`, table, fk)
		err := tx.QueryRowContext(ctx, query,
			o.InstanceID,
			roleID,
			principalID,
			string(rulesJSON),
			now,
			now,
			o.CreatedBy,
		).Scan(&o.ID)
		if err != nil {
			return fmt.Errorf("failed to create override: %w", err)
		}
		o.CreatedAt = now
		o.UpdatedAt = now

		newValue, err := audit.MarshalValue(o)
		if err != nil {
			return err
		}
		return s.auditor.Write(ctx, tx, &audit.Entry{
			OrganizationID: &organizationID,
			ActorID:        actorID,
			Action:         audit.ActionOverrideCreate,
			ResourceType:   string(o.Resource) + "_override",
			ResourceID:     fmt.Sprintf("%d", o.InstanceID),
			NewValue:       newValue,
		})
	})
	if err != nil {
		return err
	}

	return s.invalidateForScope(ctx, organizationID, o.Scope)
}

// UpdateOverride replaces an override's rule set.
func (s *SQLStore) UpdateOverride(ctx context.Context, resource Resource, overrideID int64, rules RuleSet, actorID string, organizationID int64) (*Override, error) {
	existing, err := s.GetOverride(ctx, resource, overrideID)
	if err != nil {
		return nil, err
	}

	table, _, err := overrideTable(resource)
	if err != nil {
		return nil, err
	}

	rulesJSON, err := json.Marshal(rules)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rules: %w", err)
	}

	updated := *existing
	updated.Rules = rules
	updated.UpdatedAt = time.Now()

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		query := fmt.Sprintf(`UPDATE %s SET rules = $1, updated_at = $2 WHERE id = $3`, table)
		if _, err := tx.ExecContext(ctx, query, string(rulesJSON), updated.UpdatedAt, overrideID); err != nil {
			return fmt.Errorf("failed to update override: %w", err)
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
			OrganizationID: &organizationID,
			ActorID:        actorID,
			Action:         audit.ActionOverrideUpdate,
			ResourceType:   string(resource) + "_override",
			ResourceID:     fmt.Sprintf("%d", existing.InstanceID),
			OldValue:       oldValue,
			NewValue:       newValue,
		})
	})
	if err != nil {
		return nil, err
	}

	if err := s.invalidateForScope(ctx, organizationID, existing.Scope); err != nil {
		return nil, err
	}
	return &updated, nil
}

// DeleteOverride removes an override.
func (s *SQLStore) DeleteOverride(ctx context.Context, resource Resource, overrideID int64, actorID string, organizationID int64) error {
	existing, err := s.GetOverride(ctx, resource, overrideID)
	if err != nil {
		return err
	}

	table, _, err := overrideTable(resource)
	if err != nil {
		return err
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, table)
		if _, err := tx.ExecContext(ctx, query, overrideID); err != nil {
			return fmt.Errorf("failed to delete override: %w", err)
		}

		oldValue, err := audit.MarshalValue(existing)
		if err != nil {
			return err
		}
		return s.auditor.Write(ctx, tx, &audit.Entry{
			OrganizationID: &organizationID,
			ActorID:        actorID,
			Action:         audit.ActionOverrideDelete,
			ResourceType:   string(resource) + "_override",
			ResourceID:     fmt.Sprintf("%d", existing.InstanceID),
			OldValue:       oldValue,
		})
	})
	if err != nil {
		return err
	}

	return s.invalidateForScope(ctx, organizationID, existing.Scope)
}

// SeedSystemRoles creates the seeded roles if absent. Idempotent.
func (s *SQLStore) SeedSystemRoles(ctx context.Context) error {
	for _, role := range SystemRoles() {
		existing, err := s.GetRoleBySlug(ctx, nil, role.Slug)
		if err == nil && existing != nil && existing.IsSystem {
			continue
		}
		if err != nil && !IsNotFound(err) {
			return err
		}

		rulesJSON, err := json.Marshal(role.Rules)
		if err != nil {
			return fmt.Errorf("failed to marshal rules: %w", err)
		}

		now := time.Now()
		query := `
			INSERT INTO roles (name, slug, description, organization_id, rules, is_system, created_at, updated_at)
			VALUES ($1, $2, $3, NULL, $4, TRUE, $5, $6)
		`
		if _, err := s.db.ExecContext(ctx, query, role.Name, role.Slug, role.Description, string(rulesJSON), now, now); err != nil {
			return fmt.Errorf("failed to seed role %s: %w", role.Slug, err)
		}
	}
	return nil
}

// inTx runs fn inside a transaction, translating any failure into
// ErrMutationFailed so callers surface nothing more specific.
func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMutationFailed, err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("%w: %v", ErrMutationFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrMutationFailed, err)
	}
	return nil
}

func (s *SQLStore) invalidateForScope(ctx context.Context, organizationID int64, scope OverrideScope) error {
	if principalID, ok := scope.PrincipalID(); ok {
		return s.invalidator.BumpPrincipal(ctx, organizationID, principalID)
	}
	// Role-scoped: every member holding the role is affected.
	return s.invalidator.BumpOrganization(ctx, organizationID)
}

func instanceTable(resource Resource) (string, error) {
	switch resource {
	case ResourceAgent:
		return "agents", nil
	case ResourceDataSource:
		return "data_sources", nil
	}
	return "", fmt.Errorf("resource %q has no instances", resource)
}

func overrideTable(resource Resource) (table, fk string, err error) {
	switch resource {
	case ResourceAgent:
		return "agent_overrides", "agent_id", nil
	case ResourceDataSource:
		return "data_source_overrides", "data_source_id", nil
	}
	return "", "", fmt.Errorf("resource %q has no overrides", resource)
}

func scopeFields(scope OverrideScope) (roleID *int64, principalID *string) {
	if id, ok := scope.RoleID(); ok {
		roleID = &id
	}
	if id, ok := scope.PrincipalID(); ok {
		principalID = &id
	}
	return roleID, principalID
}

func (s *SQLStore) scanRoleRow(row *sql.Row) (*Role, error) {
	role, err := scanRole(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return role, err
}

func scanRole(scanner rowScanner) (*Role, error) {
	var role Role
	var rulesJSON []byte
	var orgID sql.NullInt64
	var createdBy sql.NullString

	err := scanner.Scan(
		&role.ID,
		&role.Name,
		&role.Slug,
		&role.Description,
		&orgID,
		&rulesJSON,
		&role.IsSystem,
		&role.CreatedAt,
		&role.UpdatedAt,
		&createdBy,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan role: %w", err)
	}

	if orgID.Valid {
		id := orgID.Int64
		role.OrganizationID = &id
	}
	if createdBy.Valid {
		cb := createdBy.String
		role.CreatedBy = &cb
	}
	if len(rulesJSON) > 0 {
		if err := json.Unmarshal(rulesJSON, &role.Rules); err != nil {
			return nil, fmt.Errorf("failed to unmarshal rules: %w", err)
		}
	}

	return &role, nil
}

func scanOverride(scanner rowScanner, resource Resource) (*Override, error) {
	var o Override
	var rulesJSON []byte
	var roleID sql.NullInt64
	var principalID sql.NullString
	var createdBy sql.NullString

	err := scanner.Scan(
		&o.ID,
		&o.InstanceID,
		&roleID,
		&principalID,
		&rulesJSON,
		&o.CreatedAt,
		&o.UpdatedAt,
		&createdBy,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan override: %w", err)
	}

	o.Resource = resource

	var rid *int64
	if roleID.Valid {
		rid = &roleID.Int64
	}
	var pid *string
	if principalID.Valid {
		pid = &principalID.String
	}
	scope, err := ScopeFromFields(rid, pid)
	if err != nil {
		return nil, fmt.Errorf("override %d has invalid scope: %w", o.ID, err)
	}
	o.Scope = scope

	if createdBy.Valid {
		cb := createdBy.String
		o.CreatedBy = &cb
	}
	if len(rulesJSON) > 0 {
		if err := json.Unmarshal(rulesJSON, &o.Rules); err != nil {
			return nil, fmt.Errorf("failed to unmarshal rules: %w", err)
		}
	}

	return &o, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}
