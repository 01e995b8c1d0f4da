package allowlist

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/wardenhq/warden/pkg/observability"
)

// DefaultCacheSize bounds the in-process snapshot cache.
const DefaultCacheSize = 4096

// Cache serves snapshots from an in-process LRU, rebuilding whenever the
// Redis generation has moved past the cached copy. If Redis is
// unreachable the cached snapshot is NOT served; callers fall back to
// the resolver, which stays fail-closed.
type Cache struct {
	builder     *Builder
	generations *Generations
	entries     *lru.Cache[string, *Snapshot]
	metrics     *observability.Metrics
}

// NewCache creates a snapshot cache. size <= 0 uses DefaultCacheSize.
func NewCache(builder *Builder, generations *Generations, size int, metrics *observability.Metrics) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	entries, err := lru.New[string, *Snapshot](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot cache: %w", err)
	}
	return &Cache{
		builder:     builder,
		generations: generations,
		entries:     entries,
		metrics:     metrics,
	}, nil
}

// Get returns a current snapshot for the principal, rebuilding if the
// cached one predates the effective generation.
func (c *Cache) Get(ctx context.Context, organizationID int64, principalID string) (*Snapshot, error) {
	gen, err := c.generations.Current(ctx, organizationID, principalID)
	if err != nil {
		return nil, err
	}

	key := cacheKey(organizationID, principalID)
	if snap, ok := c.entries.Get(key); ok {
		if snap.Generation == gen {
			c.metrics.SnapshotHitsTotal.Inc()
			return snap, nil
		}
		c.metrics.SnapshotStaleTotal.Inc()
	} else {
		c.metrics.SnapshotMissesTotal.Inc()
	}

	snap, err := c.builder.Build(ctx, organizationID, principalID, gen)
	if err != nil {
		return nil, err
	}
	c.metrics.SnapshotRebuildsTotal.Inc()

	c.entries.Add(key, snap)
	return snap, nil
}

// Invalidate drops the cached snapshot for one principal. Generation
// bumps make this unnecessary for correctness; it exists for tests and
// admin tooling.
func (c *Cache) Invalidate(organizationID int64, principalID string) {
	c.entries.Remove(cacheKey(organizationID, principalID))
}

func cacheKey(organizationID int64, principalID string) string {
	return fmt.Sprintf("%d:%s", organizationID, principalID)
}
