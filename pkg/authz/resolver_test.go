package authz

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/pkg/observability"
)

// fakeStore is an in-memory ResolverStore for resolver tests.
type fakeStore struct {
	membership *MembershipInfo
	role       *Role
	instance   *Instance
	overrides  []Override

	membershipErr error
	roleErr       error
	instanceErr   error
	overridesErr  error
}

func (f *fakeStore) GetMembership(ctx context.Context, organizationID int64, principalID string) (*MembershipInfo, error) {
	if f.membershipErr != nil {
		return nil, f.membershipErr
	}
	if f.membership == nil {
		return nil, ErrNotFound
	}
	return f.membership, nil
}

func (f *fakeStore) GetRole(ctx context.Context, roleID int64) (*Role, error) {
	if f.roleErr != nil {
		return nil, f.roleErr
	}
	if f.role == nil {
		return nil, ErrNotFound
	}
	return f.role, nil
}

func (f *fakeStore) GetInstance(ctx context.Context, organizationID int64, resource Resource, slug string) (*Instance, error) {
	if f.instanceErr != nil {
		return nil, f.instanceErr
	}
	if f.instance == nil {
		return nil, ErrNotFound
	}
	return f.instance, nil
}

func (f *fakeStore) ListOverrides(ctx context.Context, resource Resource, instanceID int64) ([]Override, error) {
	if f.overridesErr != nil {
		return nil, f.overridesErr
	}
	return f.overrides, nil
}

func newTestResolver(store ResolverStore) *Resolver {
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	return NewResolver(store, logger, metrics)
}

func activeMembership(roleID int64) *MembershipInfo {
	return &MembershipInfo{
		PrincipalID:    "user-1",
		OrganizationID: 1,
		RoleID:         roleID,
		Status:         StatusActive,
	}
}

func memberRole() *Role {
	return &Role{
		ID:   10,
		Slug: RoleMember,
		Rules: RuleSet{
			{Resource: ResourceOrganization, Action: ActionRead},
			{Resource: ResourceAgent, Action: ActionRead},
			{Resource: ResourceAgent, Action: ActionUse},
			{Resource: ResourceDataSource, Action: ActionRead},
		},
	}
}

func memberQuery() Query {
	return Query{
		PrincipalID:    "user-1",
		OrganizationID: 1,
		Resource:       ResourceAgent,
		Action:         ActionUse,
	}
}

func TestResolveMembershipGate(t *testing.T) {
	t.Run("absent membership denies", func(t *testing.T) {
		r := newTestResolver(&fakeStore{})

		decision, err := r.Resolve(context.Background(), memberQuery())
		require.NoError(t, err)
		assert.False(t, decision.Allow)
		assert.Equal(t, "denied", decision.Reason)
	})

	t.Run("invited membership denies", func(t *testing.T) {
		m := activeMembership(10)
		m.Status = StatusInvited
		r := newTestResolver(&fakeStore{membership: m, role: memberRole()})

		decision, err := r.Resolve(context.Background(), memberQuery())
		require.NoError(t, err)
		assert.False(t, decision.Allow)
	})

	t.Run("suspended membership denies", func(t *testing.T) {
		m := activeMembership(10)
		m.Status = StatusSuspended
		r := newTestResolver(&fakeStore{membership: m, role: memberRole()})

		decision, err := r.Resolve(context.Background(), memberQuery())
		require.NoError(t, err)
		assert.False(t, decision.Allow)
	})

	t.Run("active membership with matching rule allows", func(t *testing.T) {
		r := newTestResolver(&fakeStore{membership: activeMembership(10), role: memberRole()})

		decision, err := r.Resolve(context.Background(), memberQuery())
		require.NoError(t, err)
		assert.True(t, decision.Allow)
		assert.Contains(t, decision.Reason, RoleMember)
	})

	t.Run("active membership without matching rule denies", func(t *testing.T) {
		r := newTestResolver(&fakeStore{membership: activeMembership(10), role: memberRole()})

		q := memberQuery()
		q.Action = ActionDelete
		decision, err := r.Resolve(context.Background(), q)
		require.NoError(t, err)
		assert.False(t, decision.Allow)
	})

	t.Run("dangling role denies", func(t *testing.T) {
		r := newTestResolver(&fakeStore{membership: activeMembership(10)})

		decision, err := r.Resolve(context.Background(), memberQuery())
		require.NoError(t, err)
		assert.False(t, decision.Allow)
	})
}

func TestResolveOwnerWildcard(t *testing.T) {
	owner := &Role{ID: 1, Slug: RoleOwner, Rules: RuleSet{{Resource: ResourceAny, Action: ActionAny}}}
	r := newTestResolver(&fakeStore{membership: activeMembership(1), role: owner})

	for _, q := range []Query{
		{PrincipalID: "user-1", OrganizationID: 1, Resource: ResourceOrganization, Action: ActionDelete},
		{PrincipalID: "user-1", OrganizationID: 1, Resource: ResourceRole, Action: ActionCreate},
		{PrincipalID: "user-1", OrganizationID: 1, Resource: ResourceUser, Action: ActionManage},
	} {
		decision, err := r.Resolve(context.Background(), q)
		require.NoError(t, err)
		assert.True(t, decision.Allow, "query %s:%s", q.Resource, q.Action)
	}
}

func TestResolveInstanceTargeted(t *testing.T) {
	slug := "support-bot"

	instanceQuery := func() Query {
		q := memberQuery()
		q.ResourceID = &slug
		return q
	}

	t.Run("missing instance denies", func(t *testing.T) {
		r := newTestResolver(&fakeStore{membership: activeMembership(10), role: memberRole()})

		decision, err := r.Resolve(context.Background(), instanceQuery())
		require.NoError(t, err)
		assert.False(t, decision.Allow)
	})

	t.Run("active instance allows via role rules", func(t *testing.T) {
		r := newTestResolver(&fakeStore{
			membership: activeMembership(10),
			role:       memberRole(),
			instance:   &Instance{ID: 5, OrganizationID: 1, Resource: ResourceAgent, Slug: slug, IsActive: true},
		})

		decision, err := r.Resolve(context.Background(), instanceQuery())
		require.NoError(t, err)
		assert.True(t, decision.Allow)
	})

	t.Run("inactive instance denies despite matching rules", func(t *testing.T) {
		r := newTestResolver(&fakeStore{
			membership: activeMembership(10),
			role:       memberRole(),
			instance:   &Instance{ID: 5, OrganizationID: 1, Resource: ResourceAgent, Slug: slug, IsActive: false},
		})

		decision, err := r.Resolve(context.Background(), instanceQuery())
		require.NoError(t, err)
		assert.False(t, decision.Allow)
	})

	t.Run("conditions see stored instance attributes", func(t *testing.T) {
		role := &Role{
			ID:   10,
			Slug: "analyst",
			Rules: RuleSet{
				{Resource: ResourceAgent, Action: ActionUse, Conditions: map[string]any{"tier": "standard"}},
			},
		}
		r := newTestResolver(&fakeStore{
			membership: activeMembership(10),
			role:       role,
			instance: &Instance{
				ID: 5, OrganizationID: 1, Resource: ResourceAgent, Slug: slug, IsActive: true,
				Attributes: map[string]any{"tier": "standard"},
			},
		})

		decision, err := r.Resolve(context.Background(), instanceQuery())
		require.NoError(t, err)
		assert.True(t, decision.Allow)
	})

	t.Run("query attributes layer over stored attributes", func(t *testing.T) {
		role := &Role{
			ID:   10,
			Slug: "analyst",
			Rules: RuleSet{
				{Resource: ResourceAgent, Action: ActionUse, Conditions: map[string]any{"tier": "premium"}},
			},
		}
		r := newTestResolver(&fakeStore{
			membership: activeMembership(10),
			role:       role,
			instance: &Instance{
				ID: 5, OrganizationID: 1, Resource: ResourceAgent, Slug: slug, IsActive: true,
				Attributes: map[string]any{"tier": "standard"},
			},
		})

		q := instanceQuery()
		q.Attributes = map[string]any{"tier": "premium"}
		decision, err := r.Resolve(context.Background(), q)
		require.NoError(t, err)
		assert.True(t, decision.Allow)
	})
}

func TestResolveOverrides(t *testing.T) {
	slug := "support-bot"
	instance := &Instance{ID: 5, OrganizationID: 1, Resource: ResourceAgent, Slug: slug, IsActive: true}

	query := func() Query {
		q := memberQuery()
		q.ResourceID = &slug
		return q
	}

	t.Run("role override grants beyond base rules", func(t *testing.T) {
		guest := &Role{ID: 20, Slug: RoleGuest, Rules: RuleSet{{Resource: ResourceAgent, Action: ActionRead}}}
		r := newTestResolver(&fakeStore{
			membership: activeMembership(20),
			role:       guest,
			instance:   instance,
			overrides: []Override{
				{ID: 1, Scope: RoleScope(20), Rules: RuleSet{{Resource: ResourceAgent, Action: ActionUse}}},
			},
		})

		decision, err := r.Resolve(context.Background(), query())
		require.NoError(t, err)
		assert.True(t, decision.Allow)
		assert.Contains(t, decision.Reason, "override")
	})

	t.Run("override replaces base rules rather than adding to them", func(t *testing.T) {
		// Member role would allow use, but the applicable override only
		// grants read, so use is denied.
		r := newTestResolver(&fakeStore{
			membership: activeMembership(10),
			role:       memberRole(),
			instance:   instance,
			overrides: []Override{
				{ID: 1, Scope: RoleScope(10), Rules: RuleSet{{Resource: ResourceAgent, Action: ActionRead}}},
			},
		})

		decision, err := r.Resolve(context.Background(), query())
		require.NoError(t, err)
		assert.False(t, decision.Allow)
	})

	t.Run("principal override wins over role override", func(t *testing.T) {
		r := newTestResolver(&fakeStore{
			membership: activeMembership(10),
			role:       memberRole(),
			instance:   instance,
			overrides: []Override{
				{ID: 1, Scope: RoleScope(10), Rules: RuleSet{{Resource: ResourceAgent, Action: ActionRead}}},
				{ID: 2, Scope: PrincipalScope("user-1"), Rules: RuleSet{{Resource: ResourceAgent, Action: ActionUse}}},
			},
		})

		decision, err := r.Resolve(context.Background(), query())
		require.NoError(t, err)
		assert.True(t, decision.Allow)
		assert.Contains(t, decision.Reason, "principal override")
	})

	t.Run("override for another principal is ignored", func(t *testing.T) {
		r := newTestResolver(&fakeStore{
			membership: activeMembership(10),
			role:       memberRole(),
			instance:   instance,
			overrides: []Override{
				{ID: 2, Scope: PrincipalScope("user-2"), Rules: RuleSet{}},
			},
		})

		decision, err := r.Resolve(context.Background(), query())
		require.NoError(t, err)
		assert.True(t, decision.Allow)
	})

	t.Run("inactive instance beats an allowing override", func(t *testing.T) {
		inactive := *instance
		inactive.IsActive = false
		r := newTestResolver(&fakeStore{
			membership: activeMembership(10),
			role:       memberRole(),
			instance:   &inactive,
			overrides: []Override{
				{ID: 2, Scope: PrincipalScope("user-1"), Rules: RuleSet{{Resource: ResourceAny, Action: ActionAny}}},
			},
		})

		decision, err := r.Resolve(context.Background(), query())
		require.NoError(t, err)
		assert.False(t, decision.Allow)
	})
}

func TestResolveFailsClosed(t *testing.T) {
	storeErr := errors.New("connection refused")
	slug := "support-bot"

	tests := []struct {
		name  string
		store *fakeStore
		query Query
	}{
		{
			name:  "membership lookup fails",
			store: &fakeStore{membershipErr: storeErr},
			query: memberQuery(),
		},
		{
			name:  "role lookup fails",
			store: &fakeStore{membership: activeMembership(10), roleErr: storeErr},
			query: memberQuery(),
		},
		{
			name: "instance lookup fails",
			store: &fakeStore{
				membership:  activeMembership(10),
				role:        memberRole(),
				instanceErr: storeErr,
			},
			query: Query{PrincipalID: "user-1", OrganizationID: 1, Resource: ResourceAgent, Action: ActionUse, ResourceID: &slug},
		},
		{
			name: "override listing fails",
			store: &fakeStore{
				membership:   activeMembership(10),
				role:         memberRole(),
				instance:     &Instance{ID: 5, OrganizationID: 1, Resource: ResourceAgent, Slug: slug, IsActive: true},
				overridesErr: storeErr,
			},
			query: Query{PrincipalID: "user-1", OrganizationID: 1, Resource: ResourceAgent, Action: ActionUse, ResourceID: &slug},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestResolver(tt.store)

			decision, err := r.Resolve(context.Background(), tt.query)
			assert.ErrorIs(t, err, ErrStoreUnavailable)
			assert.False(t, decision.Allow)
			assert.Equal(t, "denied", decision.Reason)
		})
	}
}
