package orgs

import (
	"time"

	"github.com/wardenhq/warden/pkg/authz"
)

// Organization is the tenant boundary. It owns all memberships, agents,
// data sources, and overrides (cascading delete).
type Organization struct {
	ID        int64          `json:"id"`
	Name      string         `json:"name"`
	Slug      string         `json:"slug"`
	Settings  map[string]any `json:"settings,omitempty"`
	CreatedBy *string        `json:"created_by,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Membership binds a principal to an organization with one role and a
// status. A principal may hold independent memberships in multiple
// organizations.
type Membership struct {
	ID              int64                  `json:"id"`
	OrganizationID  int64                  `json:"organization_id"`
	PrincipalID     string                 `json:"principal_id"`
	Email           string                 `json:"email,omitempty"`
	RoleID          int64                  `json:"role_id"`
	Status          authz.MembershipStatus `json:"status"`
	InvitedBy       *string                `json:"invited_by,omitempty"`
	InvitationToken string                 `json:"-"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// CreateOrgRequest is the payload for creating an organization.
type CreateOrgRequest struct {
	Name     string         `json:"name"`
	Slug     string         `json:"slug,omitempty"`
	Settings map[string]any `json:"settings,omitempty"`
}

// InviteMemberRequest is the payload for inviting a member.
type InviteMemberRequest struct {
	Email  string `json:"email"`
	RoleID int64  `json:"role_id"`
}

// UpdateMemberRoleRequest is the payload for changing a member's role.
type UpdateMemberRoleRequest struct {
	RoleID int64 `json:"role_id"`
}

// validTransitions is the membership lifecycle:
// invited -(accept)-> active -(suspend)-> suspended -(reinstate)-> active.
// There is no deleted state; removal is a row deletion the resolver
// treats as membership absent.
var validTransitions = map[authz.MembershipStatus][]authz.MembershipStatus{
	authz.StatusInvited:   {authz.StatusActive},
	authz.StatusActive:    {authz.StatusSuspended},
	authz.StatusSuspended: {authz.StatusActive},
}

// canTransition reports whether moving from one status to another is a
// legal lifecycle step.
func canTransition(from, to authz.MembershipStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
