// Package cache implements the two-tier response cache: a Redis fast tier
// in front of the durable SQLite tier. The fast tier is best-effort; every
// error there is served as a miss. The durable tier is authoritative for
// hit counts and TTLs.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	gateway "github.com/cognitude/cognitude/internal"
	"github.com/cognitude/cognitude/internal/storage"
	"github.com/cognitude/cognitude/internal/telemetry"
)

// DefaultTTL applies when a tenant does not configure an entry TTL.
const DefaultTTL = 24 * time.Hour

// DefaultFastTTL bounds how long a stored payload lives in the fast tier;
// durable-tier lookups refresh it.
const DefaultFastTTL = time.Hour

// Clear scopes.
const (
	ScopeFast    = "fast"
	ScopeDurable = "durable"
	ScopeAll     = "all"
)

// Cache is the two-tier response cache. Safe for concurrent use.
type Cache struct {
	redis   *redis.Client // nil disables the fast tier
	store   storage.CacheStore
	metrics *telemetry.Metrics
	log     *slog.Logger
	group   singleflight.Group
	ttl     time.Duration
	fastTTL time.Duration
	bypass  bool

	fastHits   atomic.Int64
	fastMisses atomic.Int64
}

// New returns a Cache over the given tiers. redisCli may be nil, which
// disables the fast tier. ttl <= 0 selects DefaultTTL; fastTTL <= 0 selects
// DefaultFastTTL.
func New(redisCli *redis.Client, store storage.CacheStore, metrics *telemetry.Metrics, log *slog.Logger, ttl, fastTTL time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if fastTTL <= 0 {
		fastTTL = DefaultFastTTL
	}
	return &Cache{redis: redisCli, store: store, metrics: metrics, log: log, ttl: ttl, fastTTL: fastTTL}
}

// TTL returns the configured default entry lifetime.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Bypass turns off both storage tiers: lookups miss and writes are dropped.
// Fetch still collapses concurrent identical requests. Call before serving.
func (c *Cache) Bypass() { c.bypass = true }

// Get looks up a fingerprint across both tiers. On a fast-tier hit the
// durable hit counter is still advanced; on a durable-only hit the fast
// tier is backfilled with the remaining TTL. Expired durable entries are
// deleted lazily and served as misses.
func (c *Cache) Get(ctx context.Context, fingerprint string) (*gateway.CacheEntry, bool) {
	if c.bypass {
		c.metrics.CacheMisses.Inc()
		return nil, false
	}
	now := time.Now().UTC()

	if payload, ok := c.fastGet(ctx, fingerprint); ok {
		c.fastHits.Add(1)
		entry, err := c.store.GetCacheEntry(ctx, fingerprint)
		if err != nil {
			// Fast tier outlived the durable row (cleared or expired
			// out of band). Treat as a miss and drop the stale key.
			c.fastDelete(ctx, fingerprint)
			c.metrics.CacheMisses.Inc()
			return nil, false
		}
		if c.expired(entry, now) {
			c.evict(ctx, fingerprint)
			c.metrics.CacheMisses.Inc()
			return nil, false
		}
		c.touch(ctx, fingerprint, now)
		entry.Payload = payload
		c.metrics.CacheHits.Inc()
		return entry, true
	}
	c.fastMisses.Add(1)

	entry, err := c.store.GetCacheEntry(ctx, fingerprint)
	if err != nil {
		c.metrics.CacheMisses.Inc()
		return nil, false
	}
	if c.expired(entry, now) {
		c.evict(ctx, fingerprint)
		c.metrics.CacheMisses.Inc()
		return nil, false
	}

	c.fastSet(ctx, fingerprint, entry.Payload, c.remaining(entry, now))
	c.touch(ctx, fingerprint, now)
	c.metrics.CacheHits.Inc()
	return entry, true
}

// Put stores an entry in both tiers. The durable write is authoritative; a
// failed fast-tier write degrades silently.
func (c *Cache) Put(ctx context.Context, e *gateway.CacheEntry) error {
	if c.bypass {
		return nil
	}
	if e.TTLHours <= 0 {
		e.TTLHours = int(c.ttl / time.Hour)
	}
	if err := c.store.UpsertCacheEntry(ctx, e); err != nil {
		return err
	}
	c.fastSet(ctx, e.Fingerprint, e.Payload, c.fastTTL)
	return nil
}

// Fetch collapses concurrent misses for one fingerprint into a single fill
// call. Waiters share the leader's entry; shared reports whether this caller
// got its entry from someone else's fill. When the leader's fill fails, the
// key is forgotten and waiters are promoted: each re-checks the cache and
// re-enters once, so the retries coalesce into at most one more fill. The
// leader itself returns its error.
func (c *Cache) Fetch(ctx context.Context, fingerprint string, fill func(context.Context) (*gateway.CacheEntry, error)) (*gateway.CacheEntry, bool, error) {
	for promoted := false; ; promoted = true {
		led := false
		v, err, shared := c.group.Do(fingerprint, func() (any, error) {
			led = true
			entry, err := fill(ctx)
			if err != nil {
				c.group.Forget(fingerprint)
				return nil, err
			}
			return entry, nil
		})
		if err == nil {
			return v.(*gateway.CacheEntry), shared && !led, nil
		}
		if led || promoted || ctx.Err() != nil {
			return nil, shared && !led, err
		}
		// The leader may have populated the cache before failing a later
		// step; a hit here avoids the second fill entirely.
		if entry, ok := c.Get(ctx, fingerprint); ok {
			return entry, true, nil
		}
	}
}

// Invalidate removes a single fingerprint from both tiers.
func (c *Cache) Invalidate(ctx context.Context, fingerprint string) error {
	c.fastDelete(ctx, fingerprint)
	return c.store.DeleteCacheEntry(ctx, fingerprint)
}

// Clear empties the requested tier(s) and returns the durable entry count
// removed; a fast-only clear reports zero.
func (c *Cache) Clear(ctx context.Context, scope string) (int64, error) {
	switch scope {
	case ScopeFast:
		c.fastClear(ctx)
		return 0, nil
	case ScopeDurable:
		return c.store.ClearCacheEntries(ctx)
	case ScopeAll:
		c.fastClear(ctx)
		return c.store.ClearCacheEntries(ctx)
	default:
		return 0, fmt.Errorf("%w: unknown cache clear scope %q", gateway.ErrBadRequest, scope)
	}
}

// Stats describes cache effectiveness: process-lifetime fast-tier counters
// plus durable-tier totals.
type Stats struct {
	FastHits     int64
	FastMisses   int64
	Entries      int64
	ApproxBytes  int64
	CostSavedUSD float64
}

// Stats reports both tiers.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	entries, approxBytes, costSaved, err := c.store.CacheStats(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		FastHits:     c.fastHits.Load(),
		FastMisses:   c.fastMisses.Load(),
		Entries:      entries,
		ApproxBytes:  approxBytes,
		CostSavedUSD: costSaved,
	}, nil
}

func (c *Cache) expired(e *gateway.CacheEntry, now time.Time) bool {
	if e.TTLHours <= 0 {
		return false
	}
	return now.After(e.CreatedAt.Add(time.Duration(e.TTLHours) * time.Hour))
}

func (c *Cache) remaining(e *gateway.CacheEntry, now time.Time) time.Duration {
	if e.TTLHours <= 0 {
		return c.ttl
	}
	return e.CreatedAt.Add(time.Duration(e.TTLHours) * time.Hour).Sub(now)
}

func (c *Cache) evict(ctx context.Context, fingerprint string) {
	c.fastDelete(ctx, fingerprint)
	if err := c.store.DeleteCacheEntry(ctx, fingerprint); err != nil {
		c.log.LogAttrs(ctx, slog.LevelWarn, "cache evict failed",
			slog.String("fingerprint", fingerprint),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Cache) touch(ctx context.Context, fingerprint string, now time.Time) {
	if err := c.store.TouchCacheEntry(ctx, fingerprint, now); err != nil {
		c.log.LogAttrs(ctx, slog.LevelWarn, "cache touch failed",
			slog.String("fingerprint", fingerprint),
			slog.String("error", err.Error()),
		)
	}
}
