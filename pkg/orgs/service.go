package orgs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/pkg/audit"
	"github.com/wardenhq/warden/pkg/authz"
)

// Service manages organizations and memberships over PostgreSQL. Every
// mutation runs in one transaction with its audit entry.
type Service struct {
	db          *sql.DB
	auditor     *audit.Writer
	invalidator authz.Invalidator
}

// NewService creates an organization service.
func NewService(db *sql.DB, auditor *audit.Writer, invalidator authz.Invalidator) *Service {
	if invalidator == nil {
		invalidator = authz.NopInvalidator{}
	}
	return &Service{db: db, auditor: auditor, invalidator: invalidator}
}

// CreateOrganization creates a tenant and seats the creator as owner.
func (s *Service) CreateOrganization(ctx context.Context, req CreateOrgRequest, creator string, creatorEmail string) (*Organization, error) {
	org := &Organization{
		Name:      req.Name,
		Slug:      req.Slug,
		Settings:  req.Settings,
		CreatedBy: &creator,
	}
	if org.Slug == "" {
		org.Slug = generateSlug(org.Name)
	}
	if org.Settings == nil {
		org.Settings = map[string]any{}
	}

	settingsJSON, err := marshalSettings(org.Settings)
	if err != nil {
		return nil, err
	}

	ownerRole, err := s.systemRoleID(ctx, authz.RoleOwner)
	if err != nil {
		return nil, err
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		query := `
			INSERT INTO organizations (name, slug, settings, created_by)
			VALUES ($1, $2, $3, $4)
			RETURNING id, created_at, updated_at
		`
		if err := tx.QueryRowContext(ctx, query, org.Name, org.Slug, settingsJSON, creator).
			Scan(&org.ID, &org.CreatedAt, &org.UpdatedAt); err != nil {
			return fmt.Errorf("failed to create organization: %w", err)
		}

		memberQuery := `
			INSERT INTO memberships (organization_id, principal_id, email, role_id, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $6)
		`
		if _, err := tx.ExecContext(ctx, memberQuery,
			org.ID, creator, creatorEmail, ownerRole, authz.StatusActive, time.Now(),
		); err != nil {
			return fmt.Errorf("failed to seat creator: %w", err)
		}

		newValue, err := audit.MarshalValue(org)
		if err != nil {
			return err
		}
		return s.auditor.Write(ctx, tx, &audit.Entry{
			OrganizationID: &org.ID,
			ActorID:        creator,
			Action:         audit.ActionOrgCreate,
			ResourceType:   string(authz.ResourceOrganization),
			ResourceID:     org.Slug,
			NewValue:       newValue,
		})
	})
	if err != nil {
		return nil, err
	}

	return org, nil
}

// GetOrganization retrieves an organization by ID.
func (s *Service) GetOrganization(ctx context.Context, id int64) (*Organization, error) {
	query := `
		SELECT id, name, slug, settings, created_by, created_at, updated_at
		FROM organizations
		WHERE id = $1
	`
	return s.scanOrg(s.db.QueryRowContext(ctx, query, id))
}

// GetOrganizationBySlug retrieves an organization by slug.
func (s *Service) GetOrganizationBySlug(ctx context.Context, slug string) (*Organization, error) {
	query := `
		SELECT id, name, slug, settings, created_by, created_at, updated_at
		FROM organizations
		WHERE slug = $1
	`
	return s.scanOrg(s.db.QueryRowContext(ctx, query, slug))
}

// UpdateSettings replaces an organization's settings document.
func (s *Service) UpdateSettings(ctx context.Context, orgID int64, settings map[string]any, actorID string) error {
	existing, err := s.GetOrganization(ctx, orgID)
	if err != nil {
		return err
	}

	settingsJSON, err := marshalSettings(settings)
	if err != nil {
		return err
	}

	updated := *existing
	updated.Settings = settings
	updated.UpdatedAt = time.Now()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		query := `UPDATE organizations SET settings = $1, updated_at = $2 WHERE id = $3`
		if _, err := tx.ExecContext(ctx, query, settingsJSON, updated.UpdatedAt, orgID); err != nil {
			return fmt.Errorf("failed to update settings: %w", err)
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
			Action:         audit.ActionOrgSettingsUpdate,
			ResourceType:   string(authz.ResourceOrganization),
			ResourceID:     existing.Slug,
			OldValue:       oldValue,
			NewValue:       newValue,
		})
	})
}

// InviteMember creates an invited membership bound to an email. The
// principal binds at acceptance, when the identity provider has vouched
// for the address.
func (s *Service) InviteMember(ctx context.Context, orgID int64, req InviteMemberRequest, actorID string) (*Membership, error) {
	m := &Membership{
		OrganizationID:  orgID,
		Email:           strings.ToLower(strings.TrimSpace(req.Email)),
		RoleID:          req.RoleID,
		Status:          authz.StatusInvited,
		InvitedBy:       &actorID,
		InvitationToken: uuid.NewString(),
	}
	if m.Email == "" {
		return nil, fmt.Errorf("email is required")
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := time.Now()
		query := `
			INSERT INTO memberships (organization_id, principal_id, email, role_id, status, invited_by, invitation_token, created_at, updated_at)
			VALUES ($1, NULL, $2, $3, $4, $5, $6, $7, $7)
			RETURNING id
		`
		if err := tx.QueryRowContext(ctx, query,
			orgID, m.Email, m.RoleID, m.Status, actorID, m.InvitationToken, now,
		).Scan(&m.ID); err != nil {
			return fmt.Errorf("failed to invite member: %w", err)
		}
		m.CreatedAt = now
		m.UpdatedAt = now

		newValue, err := audit.MarshalValue(m)
		if err != nil {
			return err
		}
		return s.auditor.Write(ctx, tx, &audit.Entry{
			OrganizationID: &orgID,
			ActorID:        actorID,
			Action:         audit.ActionMemberInvite,
			ResourceType:   string(authz.ResourceUser),
			ResourceID:     m.Email,
			NewValue:       newValue,
		})
	})
	if err != nil {
		return nil, err
	}

	return m, nil
}

// AcceptInvitation binds the authenticated principal to an invited
// membership. The principal's verified email must match the invitation.
func (s *Service) AcceptInvitation(ctx context.Context, token, principalID, verifiedEmail string) (*Membership, error) {
	m, err := s.getByInvitationToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if m.Status != authz.StatusInvited {
		return nil, authz.ErrNotFound
	}
	if !strings.EqualFold(m.Email, verifiedEmail) {
		// An email mismatch is indistinguishable from an unknown token.
		return nil, authz.ErrNotFound
	}

	old := *m
	m.PrincipalID = principalID
	m.Status = authz.StatusActive
	m.UpdatedAt = time.Now()

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		query := `
			UPDATE memberships
			SET principal_id = $1, status = $2, invitation_token = NULL, updated_at = $3
			WHERE id = $4 AND status = $5
		`
		result, err := tx.ExecContext(ctx, query, principalID, authz.StatusActive, m.UpdatedAt, m.ID, authz.StatusInvited)
		if err != nil {
			return fmt.Errorf("failed to accept invitation: %w", err)
		}
		if affected, err := result.RowsAffected(); err != nil || affected == 0 {
			return fmt.Errorf("invitation no longer valid")
		}

		oldValue, err := audit.MarshalValue(&old)
		if err != nil {
			return err
		}
		newValue, err := audit.MarshalValue(m)
		if err != nil {
			return err
		}
		return s.auditor.Write(ctx, tx, &audit.Entry{
			OrganizationID: &m.OrganizationID,
			ActorID:        principalID,
			Action:         audit.ActionMemberAccept,
			ResourceType:   string(authz.ResourceUser),
			ResourceID:     principalID,
			OldValue:       oldValue,
			NewValue:       newValue,
		})
	})
	if err != nil {
		return nil, err
	}

	if err := s.invalidator.BumpPrincipal(ctx, m.OrganizationID, principalID); err != nil {
		return nil, err
	}
	return m, nil
}

// GetMember retrieves a membership by (organization, principal).
func (s *Service) GetMember(ctx context.Context, orgID int64, principalID string) (*Membership, error) {
	query := `
		SELECT id, organization_id, principal_id, email, role_id, status, invited_by, created_at, updated_at
		FROM memberships
		WHERE organization_id = $1 AND principal_id = $2
	`
	return s.scanMembership(s.db.QueryRowContext(ctx, query, orgID, principalID))
}

// ListMembers lists memberships of an organization, invitations included.
func (s *Service) ListMembers(ctx context.Context, orgID int64) ([]*Membership, error) {
	query := `
		SELECT id, organization_id, principal_id, email, role_id, status, invited_by, created_at, updated_at
		FROM memberships
		WHERE organization_id = $1
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var members []*Membership
	for rows.Next() {
		m, err := scanMembershipRow(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}

	return members, rows.Err()
}

// UpdateMemberRole changes a member's role.
func (s *Service) UpdateMemberRole(ctx context.Context, orgID int64, principalID string, newRoleID int64, actorID string) error {
	existing, err := s.GetMember(ctx, orgID, principalID)
	if err != nil {
		return err
	}

	updated := *existing
	updated.RoleID = newRoleID
	updated.UpdatedAt = time.Now()

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		query := `UPDATE memberships SET role_id = $1, updated_at = $2 WHERE id = $3`
		if _, err := tx.ExecContext(ctx, query, newRoleID, updated.UpdatedAt, existing.ID); err != nil {
			return fmt.Errorf("failed to update member role: %w", err)
		}

		oldValue, err := audit.MarshalValue(roleChange{Role: existing.RoleID, Status: existing.Status})
		if err != nil {
			return err
		}
		newValue, err := audit.MarshalValue(roleChange{Role: newRoleID, Status: updated.Status})
		if err != nil {
			return err
		}
		return s.auditor.Write(ctx, tx, &audit.Entry{
			OrganizationID: &orgID,
			ActorID:        actorID,
			Action:         audit.ActionMemberRoleChange,
			ResourceType:   string(authz.ResourceUser),
			ResourceID:     principalID,
			OldValue:       oldValue,
			NewValue:       newValue,
		})
	})
	if err != nil {
		return err
	}

	return s.invalidator.BumpPrincipal(ctx, orgID, principalID)
}

// SuspendMember moves an active membership to suspended.
func (s *Service) SuspendMember(ctx context.Context, orgID int64, principalID, actorID string) error {
	return s.setStatus(ctx, orgID, principalID, authz.StatusSuspended, audit.ActionMemberSuspend, actorID)
}

// ReinstateMember moves a suspended membership back to active.
func (s *Service) ReinstateMember(ctx context.Context, orgID int64, principalID, actorID string) error {
	return s.setStatus(ctx, orgID, principalID, authz.StatusActive, audit.ActionMemberReinstate, actorID)
}

// RemoveMember deletes the membership row. The resolver treats the
// principal as having no membership from the next call on.
func (s *Service) RemoveMember(ctx context.Context, orgID int64, principalID, actorID string) error {
	existing, err := s.GetMember(ctx, orgID, principalID)
	if err != nil {
		return err
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM memberships WHERE id = $1`, existing.ID); err != nil {
			return fmt.Errorf("failed to remove member: %w", err)
		}

		oldValue, err := audit.MarshalValue(existing)
		if err != nil {
			return err
		}
		return s.auditor.Write(ctx, tx, &audit.Entry{
			OrganizationID: &orgID,
			ActorID:        actorID,
			Action:         audit.ActionMemberRemove,
			ResourceType:   string(authz.ResourceUser),
			ResourceID:     principalID,
			OldValue:       oldValue,
		})
	})
	if err != nil {
		return err
	}

	return s.invalidator.BumpPrincipal(ctx, orgID, principalID)
}

func (s *Service) setStatus(ctx context.Context, orgID int64, principalID string, to authz.MembershipStatus, action audit.Action, actorID string) error {
	existing, err := s.GetMember(ctx, orgID, principalID)
	if err != nil {
		return err
	}
	if !canTransition(existing.Status, to) {
		return fmt.Errorf("cannot move membership from %s to %s", existing.Status, to)
	}

	updated := *existing
	updated.Status = to
	updated.UpdatedAt = time.Now()

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		query := `UPDATE memberships SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`
		result, err := tx.ExecContext(ctx, query, to, updated.UpdatedAt, existing.ID, existing.Status)
		if err != nil {
			return fmt.Errorf("failed to update member status: %w", err)
		}
		if affected, err := result.RowsAffected(); err != nil || affected == 0 {
			return fmt.Errorf("membership status changed concurrently")
		}

		oldValue, err := audit.MarshalValue(roleChange{Role: existing.RoleID, Status: existing.Status})
		if err != nil {
			return err
		}
		newValue, err := audit.MarshalValue(roleChange{Role: updated.RoleID, Status: updated.Status})
		if err != nil {
			return err
		}
		return s.auditor.Write(ctx, tx, &audit.Entry{
			OrganizationID: &orgID,
			ActorID:        actorID,
			Action:         action,
			ResourceType:   string(authz.ResourceUser),
			ResourceID:     principalID,
			OldValue:       oldValue,
			NewValue:       newValue,
		})
	})
	if err != nil {
		return err
	}

	return s.invalidator.BumpPrincipal(ctx, orgID, principalID)
}

// roleChange is the audited shape of a membership's permission-relevant
// fields.
type roleChange struct {
	Role   int64                  `json:"role"`
	Status authz.MembershipStatus `json:"status"`
}

func (s *Service) getByInvitationToken(ctx context.Context, token string) (*Membership, error) {
	query := `
		SELECT id, organization_id, principal_id, email, role_id, status, invited_by, created_at, updated_at
		FROM memberships
		WHERE invitation_token = $1
	`
	return s.scanMembership(s.db.QueryRowContext(ctx, query, token))
}

func (s *Service) systemRoleID(ctx context.Context, slug string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM roles WHERE slug = $1 AND organization_id IS NULL AND is_system = TRUE`, slug,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("system role %s not seeded", slug)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to look up system role: %w", err)
	}
	return id, nil
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

func (s *Service) scanOrg(row *sql.Row) (*Organization, error) {
	org := &Organization{}
	var settingsJSON []byte
	var createdBy sql.NullString

	err := row.Scan(&org.ID, &org.Name, &org.Slug, &settingsJSON, &createdBy, &org.CreatedAt, &org.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, authz.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}

	if createdBy.Valid {
		cb := createdBy.String
		org.CreatedBy = &cb
	}
	if len(settingsJSON) > 0 {
		if err := unmarshalSettings(settingsJSON, &org.Settings); err != nil {
			return nil, err
		}
	}

	return org, nil
}

func (s *Service) scanMembership(row *sql.Row) (*Membership, error) {
	m, err := scanMembershipRow(row)
	if err == sql.ErrNoRows {
		return nil, authz.ErrNotFound
	}
	return m, err
}

func scanMembershipRow(scanner interface{ Scan(dest ...any) error }) (*Membership, error) {
	m := &Membership{}
	var principalID, invitedBy sql.NullString

	err := scanner.Scan(
		&m.ID,
		&m.OrganizationID,
		&principalID,
		&m.Email,
		&m.RoleID,
		&m.Status,
		&invitedBy,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan membership: %w", err)
	}

	if principalID.Valid {
		m.PrincipalID = principalID.String
	}
	if invitedBy.Valid {
		ib := invitedBy.String
		m.InvitedBy = &ib
	}

	return m, nil
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// generateSlug derives a URL-safe slug from a display name.
func generateSlug(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = slugPattern.ReplaceAllString(slug, "-")
	return strings.Trim(slug, "-")
}

func marshalSettings(settings map[string]any) ([]byte, error) {
	data, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal settings: %w", err)
	}
	return data, nil
}

func unmarshalSettings(data []byte, into *map[string]any) error {
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	return nil
}
