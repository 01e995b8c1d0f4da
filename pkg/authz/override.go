package authz

import (
	"encoding/json"
	"time"
)

// ScopeKind distinguishes the two override scope variants.
type ScopeKind string

const (
	ScopeRole      ScopeKind = "role"
	ScopePrincipal ScopeKind = "principal"
)

// OverrideScope binds an override to exactly one role or one principal.
// The zero value is invalid; construct via RoleScope or PrincipalScope.
type OverrideScope struct {
	kind        ScopeKind
	roleID      int64
	principalID string
}

// RoleScope returns a scope binding an override to a role.
func RoleScope(roleID int64) OverrideScope {
	return OverrideScope{kind: ScopeRole, roleID: roleID}
}

// PrincipalScope returns a scope binding an override to a principal.
func PrincipalScope(principalID string) OverrideScope {
	return OverrideScope{kind: ScopePrincipal, principalID: principalID}
}

// Kind returns which variant this scope is.
func (s OverrideScope) Kind() ScopeKind { return s.kind }

// RoleID returns the bound role, if role-scoped.
func (s OverrideScope) RoleID() (int64, bool) {
	return s.roleID, s.kind == ScopeRole
}

// PrincipalID returns the bound principal, if principal-scoped.
func (s OverrideScope) PrincipalID() (string, bool) {
	return s.principalID, s.kind == ScopePrincipal
}

// Valid reports whether the scope was constructed properly.
func (s OverrideScope) Valid() bool {
	switch s.kind {
	case ScopeRole:
		return s.roleID != 0
	case ScopePrincipal:
		return s.principalID != ""
	}
	return false
}

// scopeWire is the JSON/API shape of a scope: two nullable fields that
// must resolve to exactly one variant.
type scopeWire struct {
	RoleID      *int64  `json:"role_id,omitempty"`
	PrincipalID *string `json:"principal_id,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (s OverrideScope) MarshalJSON() ([]byte, error) {
	var w scopeWire
	switch s.kind {
	case ScopeRole:
		w.RoleID = &s.roleID
	case ScopePrincipal:
		w.PrincipalID = &s.principalID
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler, rejecting writes that carry
// both or neither scope field.
func (s *OverrideScope) UnmarshalJSON(data []byte) error {
	var w scopeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	scope, err := ScopeFromFields(w.RoleID, w.PrincipalID)
	if err != nil {
		return err
	}
	*s = scope
	return nil
}

// ScopeFromFields builds a scope from the nullable wire/database fields,
// returning ErrInvalidOverride unless exactly one is set.
func ScopeFromFields(roleID *int64, principalID *string) (OverrideScope, error) {
	switch {
	case roleID != nil && principalID != nil:
		return OverrideScope{}, ErrInvalidOverride
	case roleID != nil:
		return RoleScope(*roleID), nil
	case principalID != nil && *principalID != "":
		return PrincipalScope(*principalID), nil
	}
	return OverrideScope{}, ErrInvalidOverride
}

// Override carries its own rule set for one resource instance, scoped to
// exactly one role or principal. An applicable override takes precedence
// over the role's base rules, principal-scoped before role-scoped.
type Override struct {
	ID         int64         `json:"id"`
	Resource   Resource      `json:"resource"`
	InstanceID int64         `json:"instance_id"`
	Scope      OverrideScope `json:"scope"`
	Rules      RuleSet       `json:"rules"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
	CreatedBy  *string       `json:"created_by,omitempty"`
}

// AppliesTo reports whether the override's scope matches the querying
// principal or their role.
func (o Override) AppliesTo(principalID string, roleID int64) bool {
	switch o.Scope.kind {
	case ScopePrincipal:
		return o.Scope.principalID == principalID
	case ScopeRole:
		return o.Scope.roleID == roleID
	}
	return false
}

// pickOverride selects the applicable override with the precedence
// principal-scoped > role-scoped. At most one override exists per
// (instance, scope target), enforced by a unique index, so no further
// tie-break is needed.
func pickOverride(overrides []Override, principalID string, roleID int64) *Override {
	var roleMatch *Override
	for i := range overrides {
		o := &overrides[i]
		if !o.AppliesTo(principalID, roleID) {
			continue
		}
		if o.Scope.kind == ScopePrincipal {
			return o
		}
		if roleMatch == nil {
			roleMatch = o
		}
	}
	return roleMatch
}
