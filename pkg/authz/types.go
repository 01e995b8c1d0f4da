package authz

import (
	"time"
)

// Resource represents a resource type in the system
type Resource string

const (
	ResourceOrganization Resource = "organization"
	ResourceAgent        Resource = "agent"
	ResourceDataSource   Resource = "data_source"
	ResourceUser         Resource = "user"
	ResourceRole         Resource = "role"
	ResourceAny          Resource = "*"
)

// Action represents an action that can be performed on a resource
type Action string

const (
	ActionCreate Action = "create"
	ActionRead   Action = "read"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionUse    Action = "use"
	ActionManage Action = "manage"
	ActionAny    Action = "*"
)

// Rule grants an action on a resource type, optionally constrained by
// attribute conditions evaluated against the concrete resource instance
// supplied at query time. An absent condition map means unconditional.
type Rule struct {
	Resource   Resource       `json:"resource"`
	Action     Action         `json:"action"`
	Conditions map[string]any `json:"conditions,omitempty"`
}

// String returns a string representation of the rule's permission
func (r Rule) String() string {
	return string(r.Resource) + ":" + string(r.Action)
}

// Matches reports whether this rule allows the given resource/action pair
// for a resource instance carrying the given attributes. Wildcards in the
// rule match any value in that position; conditions must all hold, and a
// missing attribute fails its condition.
func (r Rule) Matches(resource Resource, action Action, attrs map[string]any) bool {
	if !matchResource(r.Resource, resource) || !matchAction(r.Action, action) {
		return false
	}
	return conditionsHold(r.Conditions, attrs)
}

// Unconditional reports whether the rule matches the resource/action pair
// with no attribute constraints.
func (r Rule) Unconditional(resource Resource, action Action) bool {
	return len(r.Conditions) == 0 && matchResource(r.Resource, resource) && matchAction(r.Action, action)
}

func matchResource(rule, query Resource) bool {
	return rule == ResourceAny || rule == query
}

func matchAction(rule, query Action) bool {
	return rule == ActionAny || rule == query
}

// conditionsHold evaluates every condition against the supplied attributes.
// All predicates must hold; a condition whose attribute is absent fails.
func conditionsHold(conditions, attrs map[string]any) bool {
	for key, want := range conditions {
		got, ok := attrs[key]
		if !ok {
			return false
		}
		if !scalarEqual(want, got) {
			return false
		}
	}
	return true
}

// scalarEqual compares scalar condition values, tolerating the numeric
// widening JSON decoding introduces (all JSON numbers arrive as float64).
func scalarEqual(a, b any) bool {
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		return bok && af == bf
	}
	return a == b
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// RuleSet is a role's rule list, evaluated with logical OR.
type RuleSet []Rule

// Allows reports whether any rule in the set matches.
func (rs RuleSet) Allows(resource Resource, action Action, attrs map[string]any) bool {
	for _, rule := range rs {
		if rule.Matches(resource, action, attrs) {
			return true
		}
	}
	return false
}

// AllowsUnconditionally reports whether any rule matches with no
// attribute constraints attached.
func (rs RuleSet) AllowsUnconditionally(resource Resource, action Action) bool {
	for _, rule := range rs {
		if rule.Unconditional(resource, action) {
			return true
		}
	}
	return false
}

// Role is a named, reusable bundle of permission rules. System roles are
// seeded at startup and immutable; custom roles belong to one organization.
type Role struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	Slug           string    `json:"slug"`
	Description    string    `json:"description,omitempty"`
	OrganizationID *int64    `json:"organization_id,omitempty"` // nil for system roles
	Rules          RuleSet   `json:"rules"`
	IsSystem       bool      `json:"is_system"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	CreatedBy      *string   `json:"created_by,omitempty"`
}

// System role slugs
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
	RoleGuest  = "guest"
)

// MembershipStatus is the lifecycle state of a membership as seen by the
// resolver. Only active memberships grant anything.
type MembershipStatus string

const (
	StatusInvited   MembershipStatus = "invited"
	StatusActive    MembershipStatus = "active"
	StatusSuspended MembershipStatus = "suspended"
)

// MembershipInfo is the resolver's view of a principal's binding to an
// organization.
type MembershipInfo struct {
	PrincipalID    string           `json:"principal_id"`
	OrganizationID int64            `json:"organization_id"`
	RoleID         int64            `json:"role_id"`
	Status         MembershipStatus `json:"status"`
}

// Instance is the resolver's view of a concrete resource instance
// (an agent or a data source).
type Instance struct {
	ID             int64          `json:"id"`
	OrganizationID int64          `json:"organization_id"`
	Resource       Resource       `json:"resource"`
	Slug           string         `json:"slug"`
	IsActive       bool           `json:"is_active"`
	Attributes     map[string]any `json:"attributes,omitempty"`
}

// Query is one authorization question: may this principal perform this
// action on this resource within this organization?
type Query struct {
	PrincipalID    string         `json:"principal_id"`
	OrganizationID int64          `json:"organization_id"`
	Resource       Resource       `json:"resource"`
	Action         Action         `json:"action"`
	ResourceID     *string        `json:"resource_id,omitempty"` // instance slug, when targeting one
	Attributes     map[string]any `json:"attributes,omitempty"`
}

// Decision is the resolver's answer. Deny is the zero value; every path
// that cannot prove Allow falls through to it.
type Decision struct {
	Allow     bool      `json:"allow"`
	Reason    string    `json:"reason,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// SystemRoles returns the seeded, immutable role definitions.
func SystemRoles() []Role {
	return []Role{
		{
			Name:        "Owner",
			Slug:        RoleOwner,
			Description: "Unrestricted access to everything in the organization",
			IsSystem:    true,
			Rules: RuleSet{
				{Resource: ResourceAny, Action: ActionAny},
			},
		},
		{
			Name:        "Admin",
			Slug:        RoleAdmin,
			Description: "Manages organization resources and membership",
			IsSystem:    true,
			Rules: RuleSet{
				{Resource: ResourceOrganization, Action: ActionRead},
				{Resource: ResourceOrganization, Action: ActionUpdate},
				{Resource: ResourceAgent, Action: ActionAny},
				{Resource: ResourceDataSource, Action: ActionAny},
				{Resource: ResourceUser, Action: ActionAny},
				{Resource: ResourceRole, Action: ActionRead},
			},
		},
		{
			Name:        "Member",
			Slug:        RoleMember,
			Description: "Uses agents and reads data sources",
			IsSystem:    true,
			Rules: RuleSet{
				{Resource: ResourceOrganization, Action: ActionRead},
				{Resource: ResourceAgent, Action: ActionRead},
				{Resource: ResourceAgent, Action: ActionUse},
				{Resource: ResourceDataSource, Action: ActionRead},
			},
		},
		{
			Name:        "Guest",
			Slug:        RoleGuest,
			Description: "Read-only visibility into the catalog",
			IsSystem:    true,
			Rules: RuleSet{
				{Resource: ResourceAgent, Action: ActionRead},
				{Resource: ResourceDataSource, Action: ActionRead},
			},
		},
	}
}
