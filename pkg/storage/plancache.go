package storage

import (
	"context"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/settle/pkg/billing"
	"github.com/platinummonkey/settle/pkg/observability"
)

const (
	planCacheName = "plans"
	allPlansKey   = "\x00all"
)

// PlanCacheConfig sizes the in-process plan cache
type PlanCacheConfig struct {
	MaxEntries int
	TTL        time.Duration
}

// DefaultPlanCacheConfig returns a cache suited to a catalog of a few dozen plans
func DefaultPlanCacheConfig() PlanCacheConfig {
	return PlanCacheConfig{MaxEntries: 256, TTL: 5 * time.Minute}
}

// CachedStore wraps a billing.Store and serves plan reads from an
// expiring LRU. Concurrent misses for the same code share one query.
// Every other method passes straight through.
type CachedStore struct {
	billing.Store

	plans   *lru.LRU[string, *billing.Plan]
	lists   *lru.LRU[string, []*billing.Plan]
	group   singleflight.Group
	metrics *observability.Metrics

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCachedStore wraps store
func NewCachedStore(store billing.Store, cfg PlanCacheConfig, metrics *observability.Metrics) *CachedStore {
	if cfg.MaxEntries < 1 {
		cfg.MaxEntries = DefaultPlanCacheConfig().MaxEntries
	}
	return &CachedStore{
		Store:   store,
		plans:   lru.NewLRU[string, *billing.Plan](cfg.MaxEntries, nil, cfg.TTL),
		lists:   lru.NewLRU[string, []*billing.Plan](1, nil, cfg.TTL),
		metrics: metrics,
	}
}

// GetPlan returns a cached plan or loads it once
func (c *CachedStore) GetPlan(ctx context.Context, code string) (*billing.Plan, error) {
	if p, ok := c.plans.Get(code); ok {
		c.record(true)
		return p, nil
	}
	c.record(false)

	v, err, _ := c.group.Do(code, func() (interface{}, error) {
		p, err := c.Store.GetPlan(ctx, code)
		if err != nil {
			return nil, err
		}
		c.plans.Add(code, p)
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*billing.Plan), nil
}

// ListPlans returns the cached catalog or loads it once
func (c *CachedStore) ListPlans(ctx context.Context) ([]*billing.Plan, error) {
	if plans, ok := c.lists.Get(allPlansKey); ok {
		c.record(true)
		return plans, nil
	}
	c.record(false)

	v, err, _ := c.group.Do(allPlansKey, func() (interface{}, error) {
		plans, err := c.Store.ListPlans(ctx)
		if err != nil {
			return nil, err
		}
		c.lists.Add(allPlansKey, plans)
		for _, p := range plans {
			c.plans.Add(p.Code, p)
		}
		return plans, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*billing.Plan), nil
}

// CreatePlan inserts through to the store and drops the cached catalog
func (c *CachedStore) CreatePlan(ctx context.Context, plan *billing.Plan) (bool, error) {
	created, err := c.Store.CreatePlan(ctx, plan)
	if created {
		c.lists.Purge()
	}
	return created, err
}

// Purge empties the cache
func (c *CachedStore) Purge() {
	c.plans.Purge()
	c.lists.Purge()
}

// CacheStats reports lookup counters since creation
type CacheStats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Entries int     `json:"entries"`
	HitRate float64 `json:"hit_rate"`
}

// Stats returns cache statistics
func (c *CachedStore) Stats() CacheStats {
	stats := CacheStats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: c.plans.Len(),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

func (c *CachedStore) record(hit bool) {
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	c.metrics.RecordCacheLookup(planCacheName, hit)
}
