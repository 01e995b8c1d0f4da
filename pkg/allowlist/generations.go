package allowlist

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"
)

// Generations tracks staleness counters in Redis. Every permission-
// relevant mutation bumps a counter; a snapshot built at a lower
// effective generation is stale. It implements authz.Invalidator.
//
// Two counters exist per axis: one per organization (role edits,
// role-scoped overrides, registry changes) and one per (organization,
// principal) pair (membership and principal-scoped override changes).
// The effective generation for a principal is their sum.
type Generations struct {
	client *redis.Client
}

// NewGenerations creates a generation tracker over the given client.
func NewGenerations(client *redis.Client) *Generations {
	return &Generations{client: client}
}

func orgKey(organizationID int64) string {
	return fmt.Sprintf("warden:gen:org:%d", organizationID)
}

func principalKey(organizationID int64, principalID string) string {
	return fmt.Sprintf("warden:gen:org:%d:principal:%s", organizationID, principalID)
}

// BumpPrincipal marks one principal's snapshots stale.
func (g *Generations) BumpPrincipal(ctx context.Context, organizationID int64, principalID string) error {
	if err := g.client.Incr(ctx, principalKey(organizationID, principalID)).Err(); err != nil {
		return fmt.Errorf("failed to bump principal generation: %w", err)
	}
	return nil
}

// BumpOrganization marks every snapshot in the organization stale.
func (g *Generations) BumpOrganization(ctx context.Context, organizationID int64) error {
	if err := g.client.Incr(ctx, orgKey(organizationID)).Err(); err != nil {
		return fmt.Errorf("failed to bump organization generation: %w", err)
	}
	return nil
}

// Current returns the effective generation for a principal. Missing
// counters read as zero, so a fresh deployment starts at generation 0.
func (g *Generations) Current(ctx context.Context, organizationID int64, principalID string) (int64, error) {
	values, err := g.client.MGet(ctx, orgKey(organizationID), principalKey(organizationID, principalID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read generations: %w", err)
	}

	var sum int64
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("corrupt generation counter: %w", err)
		}
		sum += n
	}
	return sum, nil
}
