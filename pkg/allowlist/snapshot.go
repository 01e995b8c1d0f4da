package allowlist

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/wardenhq/warden/pkg/authz"
)

// Wildcard marks a snapshot list as "every instance of the kind". It
// appears only when the member's role grants the kind unconditionally.
const Wildcard = "*"

// Snapshot is an advisory capability summary for one principal in one
// organization. It is a denormalized view of resolver state, pinned to a
// generation; readers compare generations before trusting it. The
// resolver, not the snapshot, remains the authority on any single call.
type Snapshot struct {
	PrincipalID    string    `json:"principal_id"`
	OrganizationID int64     `json:"organization_id"`
	Generation     int64     `json:"generation"`
	Agents         []string  `json:"allowed_agents"`
	DataSources    []string  `json:"allowed_data_sources"`
	Custom         bool      `json:"has_custom_permission"`
	BuiltAt        time.Time `json:"built_at"`
}

// HasAgent reports whether the snapshot lists the agent.
func (s *Snapshot) HasAgent(slug string) bool {
	return contains(s.Agents, slug)
}

// HasDataSource reports whether the snapshot lists the data source.
func (s *Snapshot) HasDataSource(slug string) bool {
	return contains(s.DataSources, slug)
}

// HasCustomPermission reports whether any override applies to the
// principal, directly or through their role.
func (s *Snapshot) HasCustomPermission() bool {
	return s.Custom
}

func contains(list []string, slug string) bool {
	for _, v := range list {
		if v == Wildcard || v == slug {
			return true
		}
	}
	return false
}

// Source supplies the state a snapshot is derived from. *authz.SQLStore
// satisfies it.
type Source interface {
	GetMembership(ctx context.Context, organizationID int64, principalID string) (*authz.MembershipInfo, error)
	GetRole(ctx context.Context, roleID int64) (*authz.Role, error)
	ListInstances(ctx context.Context, organizationID int64, resource authz.Resource) ([]authz.Instance, error)
	ListOverrides(ctx context.Context, resource authz.Resource, instanceID int64) ([]authz.Override, error)
}

// Builder derives snapshots from resolver state.
type Builder struct {
	source Source
}

// NewBuilder creates a snapshot builder.
func NewBuilder(source Source) *Builder {
	return &Builder{source: source}
}

// gateAction is the action a snapshot list summarizes for each kind.
func gateAction(resource authz.Resource) authz.Action {
	if resource == authz.ResourceAgent {
		return authz.ActionUse
	}
	return authz.ActionRead
}

// Build computes a snapshot at the given generation. A principal with no
// active membership gets an empty snapshot, which denies everything.
func (b *Builder) Build(ctx context.Context, organizationID int64, principalID string, generation int64) (*Snapshot, error) {
	snap := &Snapshot{
		PrincipalID:    principalID,
		OrganizationID: organizationID,
		Generation:     generation,
		Agents:         []string{},
		DataSources:    []string{},
		BuiltAt:        time.Now(),
	}

	membership, err := b.source.GetMembership(ctx, organizationID, principalID)
	if err != nil {
		if errors.Is(err, authz.ErrNotFound) {
			return snap, nil
		}
		return nil, err
	}
	if membership.Status != authz.StatusActive {
		return snap, nil
	}

	role, err := b.source.GetRole(ctx, membership.RoleID)
	if err != nil {
		if errors.Is(err, authz.ErrNotFound) {
			return snap, nil
		}
		return nil, err
	}

	for _, resource := range []authz.Resource{authz.ResourceAgent, authz.ResourceDataSource} {
		slugs, custom, err := b.buildKind(ctx, resource, organizationID, principalID, role)
		if err != nil {
			return nil, err
		}
		if resource == authz.ResourceAgent {
			snap.Agents = slugs
		} else {
			snap.DataSources = slugs
		}
		snap.Custom = snap.Custom || custom
	}

	return snap, nil
}

func (b *Builder) buildKind(ctx context.Context, resource authz.Resource, organizationID int64, principalID string, role *authz.Role) ([]string, bool, error) {
	action := gateAction(resource)

	// An unconditional role grant collapses the list to the wildcard,
	// but overrides can still exist and count as custom permissions.
	wildcard := role.Rules.AllowsUnconditionally(resource, action)

	instances, err := b.source.ListInstances(ctx, organizationID, resource)
	if err != nil {
		return nil, false, err
	}

	var slugs []string
	var custom bool
	for i := range instances {
		inst := &instances[i]

		overrides, err := b.source.ListOverrides(ctx, resource, inst.ID)
		if err != nil {
			return nil, false, err
		}

		allowed := role.Rules.Allows(resource, action, inst.Attributes)
		if o := pickApplicable(overrides, principalID, role.ID); o != nil {
			custom = true
			allowed = o.Rules.Allows(resource, action, inst.Attributes)
		}

		if allowed && inst.IsActive && !wildcard {
			slugs = append(slugs, inst.Slug)
		}
	}

	if wildcard {
		return []string{Wildcard}, custom, nil
	}
	if slugs == nil {
		slugs = []string{}
	}
	sort.Strings(slugs)
	return slugs, custom, nil
}

func pickApplicable(overrides []authz.Override, principalID string, roleID int64) *authz.Override {
	var roleMatch *authz.Override
	for i := range overrides {
		o := &overrides[i]
		if !o.AppliesTo(principalID, roleID) {
			continue
		}
		if _, ok := o.Scope.PrincipalID(); ok {
			return o
		}
		if roleMatch == nil {
			roleMatch = o
		}
	}
	return roleMatch
}
