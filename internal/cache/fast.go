package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	fastKeyPrefix    = "cache:"
	fastQueryTimeout = 500 * time.Millisecond
)

// fastGet reads the fast tier. Any Redis error is served as a miss so the
// pipeline never fails on a degraded cache.
func (c *Cache) fastGet(ctx context.Context, fingerprint string) ([]byte, bool) {
	if c.redis == nil {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(ctx, fastQueryTimeout)
	defer cancel()

	val, err := c.redis.Get(ctx, fastKeyPrefix+fingerprint).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.degraded(ctx, "get", err)
		}
		return nil, false
	}
	return val, true
}

// fastSet writes the fast tier, silently degrading on error.
func (c *Cache) fastSet(ctx context.Context, fingerprint string, payload []byte, ttl time.Duration) {
	if c.redis == nil || ttl <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, fastQueryTimeout)
	defer cancel()

	if err := c.redis.Set(ctx, fastKeyPrefix+fingerprint, payload, ttl).Err(); err != nil {
		c.degraded(ctx, "set", err)
	}
}

// fastDelete removes one key from the fast tier.
func (c *Cache) fastDelete(ctx context.Context, fingerprint string) {
	if c.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, fastQueryTimeout)
	defer cancel()

	if err := c.redis.Del(ctx, fastKeyPrefix+fingerprint).Err(); err != nil {
		c.degraded(ctx, "del", err)
	}
}

// fastClear removes every cache key from the fast tier with an iterated SCAN,
// never FLUSHDB, because the rate limiter shares the Redis database.
func (c *Cache) fastClear(ctx context.Context) {
	if c.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	iter := c.redis.Scan(ctx, 0, fastKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := c.redis.Del(ctx, iter.Val()).Err(); err != nil {
			c.degraded(ctx, "clear", err)
			return
		}
	}
	if err := iter.Err(); err != nil {
		c.degraded(ctx, "clear", err)
	}
}

func (c *Cache) degraded(ctx context.Context, op string, err error) {
	c.metrics.CacheDegraded.Inc()
	c.log.LogAttrs(ctx, slog.LevelWarn, "cache fast tier error",
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
}
