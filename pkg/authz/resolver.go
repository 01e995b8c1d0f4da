package authz

import (
	"context"
	"errors"
	"time"

	"github.com/wardenhq/warden/pkg/observability"
)

// ResolverStore is the read surface the resolver needs. The production
// implementation is SQLStore; tests substitute in-memory fakes.
type ResolverStore interface {
	// GetMembership returns the membership binding a principal to an
	// organization, or ErrNotFound.
	GetMembership(ctx context.Context, organizationID int64, principalID string) (*MembershipInfo, error)

	// GetRole returns a role by ID, or ErrNotFound.
	GetRole(ctx context.Context, roleID int64) (*Role, error)

	// GetInstance returns a resource instance by organization, resource
	// type, and slug, or ErrNotFound.
	GetInstance(ctx context.Context, organizationID int64, resource Resource, slug string) (*Instance, error)

	// ListOverrides returns every override attached to a resource instance.
	ListOverrides(ctx context.Context, resource Resource, instanceID int64) ([]Override, error)
}

// Resolver is the authoritative decision point. Resolution is a pure read
// path: calls never block one another and are safe to run concurrently.
type Resolver struct {
	store   ResolverStore
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewResolver creates a resolver over the given store.
func NewResolver(store ResolverStore, logger *observability.Logger, metrics *observability.Metrics) *Resolver {
	return &Resolver{store: store, logger: logger, metrics: metrics}
}

// Resolve answers one authorization query.
//
// Evaluation order:
//  1. membership lookup; absent or non-active denies
//  2. the bound role's rule set, evaluated with logical OR
//  3. instance overrides, principal-scoped > role-scoped > base rules
//  4. is_active=false on the targeted instance forces Deny
//  5. anything unresolved denies
//
// Any store error degrades the call to Deny and is returned alongside the
// decision so callers can report it as an availability signal; the caller
// must still answer the user with a generic denial.
func (r *Resolver) Resolve(ctx context.Context, q Query) (Decision, error) {
	decision, err := r.resolve(ctx, q)
	decision.CheckedAt = time.Now()

	if err != nil && !errors.Is(err, ErrNotFound) {
		r.metrics.StoreErrorsTotal.Inc()
		r.logger.WithError(err).WithFields(map[string]any{
			"organization_id": q.OrganizationID,
			"resource":        string(q.Resource),
			"action":          string(q.Action),
		}).Error("resolve degraded to deny: store unavailable")
		r.countDecision(false)
		return Decision{Allow: false, Reason: "denied", CheckedAt: decision.CheckedAt}, ErrStoreUnavailable
	}

	r.countDecision(decision.Allow)
	return decision, nil
}

func (r *Resolver) resolve(ctx context.Context, q Query) (Decision, error) {
	membership, err := r.store.GetMembership(ctx, q.OrganizationID, q.PrincipalID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// A missing organization or membership is indistinguishable
			// from any other deny.
			return deny(), nil
		}
		return deny(), err
	}
	if membership.Status != StatusActive {
		return deny(), nil
	}

	role, err := r.store.GetRole(ctx, membership.RoleID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return deny(), nil
		}
		return deny(), err
	}

	decision := deny()
	if role.Rules.Allows(q.Resource, q.Action, q.Attributes) {
		decision = allow("granted by role " + role.Slug)
	}

	if q.ResourceID == nil {
		return decision, nil
	}

	instance, err := r.store.GetInstance(ctx, q.OrganizationID, q.Resource, *q.ResourceID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return deny(), nil
		}
		return deny(), err
	}

	// Conditions on instance-targeted queries see the instance's stored
	// attributes, with request attributes layered on top.
	attrs := mergeAttributes(instance.Attributes, q.Attributes)
	if role.Rules.Allows(q.Resource, q.Action, attrs) {
		decision = allow("granted by role " + role.Slug)
	} else {
		decision = deny()
	}

	overrides, err := r.store.ListOverrides(ctx, q.Resource, instance.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return deny(), err
	}

	if o := pickOverride(overrides, q.PrincipalID, membership.RoleID); o != nil {
		if o.Rules.Allows(q.Resource, q.Action, attrs) {
			decision = allow("granted by " + string(o.Scope.Kind()) + " override")
		} else {
			decision = deny()
		}
	}

	// Hard gate: an inactive instance denies regardless of rules or
	// overrides.
	if !instance.IsActive {
		return deny(), nil
	}

	return decision, nil
}

func (r *Resolver) countDecision(allowed bool) {
	if allowed {
		r.metrics.DecisionsTotal.WithLabelValues("allow").Inc()
	} else {
		r.metrics.DecisionsTotal.WithLabelValues("deny").Inc()
	}
}

func mergeAttributes(base, extra map[string]any) map[string]any {
	if len(extra) == 0 {
		return base
	}
	if len(base) == 0 {
		return extra
	}
	merged := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}

func deny() Decision {
	return Decision{Allow: false, Reason: "denied"}
}

func allow(reason string) Decision {
	return Decision{Allow: true, Reason: reason}
}
