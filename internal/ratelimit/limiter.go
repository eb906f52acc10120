// Package ratelimit implements per-tenant sliding window rate limiting over
// Redis bucket counters with an atomic Lua script.
//
// Each window keeps two fixed buckets (current and previous). The sliding
// estimate weights the previous bucket by the unelapsed fraction of the
// window: prev*(1-elapsed/W) + curr. All configured windows are checked and
// incremented in one script so a denial in the day window never consumes a
// slot in the minute window.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/redis/go-redis/v9"

	gateway "github.com/cognitude/cognitude/internal"
	"github.com/cognitude/cognitude/internal/storage"
	"github.com/cognitude/cognitude/internal/telemetry"
)

const (
	configCacheTTL    = 30 * time.Second // short enough to pick up limit changes promptly
	configCacheMaxLen = 10_000
)

// checkScript evaluates every window first and increments only when all of
// them allow, so denied requests consume no slots.
//
// KEYS: current bucket keys, then previous bucket keys, same window order.
// ARGV: for window i: limit, elapsed fraction (0..1), bucket TTL seconds.
// Returns {allowed, est_1, ..., est_n} with estimates as strings; the
// estimates do not include the current request.
var checkScript = redis.NewScript(`
	local n = #KEYS / 2
	local est = {}
	local allowed = 1
	for i = 1, n do
		local curr = tonumber(redis.call('GET', KEYS[i]) or '0')
		local prev = tonumber(redis.call('GET', KEYS[n+i]) or '0')
		local limit = tonumber(ARGV[3*i-2])
		local frac = tonumber(ARGV[3*i-1])
		est[i] = prev * (1 - frac) + curr
		if limit > 0 and est[i] + 1 > limit then
			allowed = 0
		end
	end
	if allowed == 1 then
		for i = 1, n do
			redis.call('INCR', KEYS[i])
			redis.call('EXPIRE', KEYS[i], tonumber(ARGV[3*i]))
		end
	end
	local out = {allowed}
	for i = 1, n do
		out[i+1] = tostring(est[i])
	end
	return out
`)

// window is one sliding window definition.
type window struct {
	name    string
	seconds int64
}

var windows = []window{
	{"minute", 60},
	{"hour", 3600},
	{"day", 86400},
}

// WindowStatus is the post-check state of one window.
type WindowStatus struct {
	Name      string
	Limit     int64
	Remaining int64
	// Reset is the unix time the current bucket rolls over.
	Reset int64
}

// Result is the outcome of one rate limit check.
type Result struct {
	Allowed bool
	// Enforced is false when the tenant has no enabled limits; Windows is
	// empty in that case.
	Enforced bool
	Windows  []WindowStatus
	// Denied is the smallest exceeded window when Allowed is false.
	Denied *WindowStatus
	// RetryAfter is the whole seconds until the denied window rolls.
	RetryAfter int64
}

// Limiter checks tenant request limits. Safe for concurrent use.
type Limiter struct {
	redis   *redis.Client
	store   storage.RateLimitStore
	configs *otter.Cache[int64, *gateway.RateLimitConfig]
	metrics *telemetry.Metrics
	log     *slog.Logger
}

// New returns a Limiter over the given Redis client and config store.
func New(redisCli *redis.Client, store storage.RateLimitStore, metrics *telemetry.Metrics, log *slog.Logger) (*Limiter, error) {
	configs, err := otter.New(&otter.Options[int64, *gateway.RateLimitConfig]{
		MaximumSize:      configCacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[int64, *gateway.RateLimitConfig](configCacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create ratelimit config cache: %w", err)
	}
	return &Limiter{redis: redisCli, store: store, configs: configs, metrics: metrics, log: log}, nil
}

// Check applies the tenant's configured limits to one request. When Redis is
// unavailable the request is allowed; availability wins over strictness.
func (l *Limiter) Check(ctx context.Context, orgID int64) (*Result, error) {
	cfg, err := l.config(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if cfg == nil || !cfg.Enabled {
		return &Result{Allowed: true}, nil
	}

	limits := []int64{cfg.PerMinute, cfg.PerHour, cfg.PerDay}
	now := time.Now()

	keys := make([]string, 0, 2*len(windows))
	argv := make([]any, 0, 3*len(windows))
	for _, w := range windows {
		bucket := now.Unix() / w.seconds
		keys = append(keys, bucketKey(orgID, w.name, bucket))
	}
	for _, w := range windows {
		bucket := now.Unix() / w.seconds
		keys = append(keys, bucketKey(orgID, w.name, bucket-1))
	}
	for i, w := range windows {
		frac := float64(now.Unix()%w.seconds) / float64(w.seconds)
		argv = append(argv, limits[i],
			strconv.FormatFloat(frac, 'f', 6, 64),
			2*w.seconds, // keep the bucket alive through its previous-window role
		)
	}

	raw, err := checkScript.Run(ctx, l.redis, keys, argv...).Slice()
	if err != nil {
		l.log.LogAttrs(ctx, slog.LevelWarn, "rate limiter degraded, allowing request",
			slog.Int64("org_id", orgID),
			slog.String("error", err.Error()),
		)
		return &Result{Allowed: true, Enforced: true}, nil
	}

	return l.buildResult(now, limits, raw, orgID), nil
}

func (l *Limiter) buildResult(now time.Time, limits []int64, raw []any, orgID int64) *Result {
	allowed := toInt(raw[0]) == 1
	res := &Result{Allowed: allowed, Enforced: true}

	for i, w := range windows {
		est := toFloat(raw[i+1])
		used := int64(math.Ceil(est))
		if allowed {
			used++ // this request was just counted
		}
		remaining := limits[i] - used
		if remaining < 0 {
			remaining = 0
		}
		status := WindowStatus{
			Name:      w.name,
			Limit:     limits[i],
			Remaining: remaining,
			Reset:     (now.Unix()/w.seconds + 1) * w.seconds,
		}
		res.Windows = append(res.Windows, status)

		exceeded := limits[i] > 0 && int64(math.Ceil(est))+1 > limits[i]
		if !allowed && res.Denied == nil && exceeded {
			denied := status
			res.Denied = &denied
			res.RetryAfter = status.Reset - now.Unix()
			l.metrics.RateLimitRejects.WithLabelValues(w.name).Inc()
		}
	}
	return res
}

func (l *Limiter) config(ctx context.Context, orgID int64) (*gateway.RateLimitConfig, error) {
	if cfg, ok := l.configs.GetIfPresent(orgID); ok {
		return cfg, nil
	}
	cfg, err := l.store.GetRateLimitConfig(ctx, orgID)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			// Cache the absence too; most tenants configure no limits.
			l.configs.Set(orgID, nil)
			return nil, nil
		}
		return nil, err
	}
	l.configs.Set(orgID, cfg)
	return cfg, nil
}

// InvalidateConfig drops the cached config after an admin update.
func (l *Limiter) InvalidateConfig(orgID int64) {
	l.configs.Invalidate(orgID)
}

func bucketKey(orgID int64, window string, bucket int64) string {
	return fmt.Sprintf("ratelimit:%d:%s:%d", orgID, window, bucket)
}

func toInt(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case string:
		n, _ := strconv.ParseInt(x, 10, 64)
		return n
	}
	return 0
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case int64:
		return float64(x)
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	}
	return 0
}
