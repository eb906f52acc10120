package ratelimit

import (
	"context"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	gateway "github.com/cognitude/cognitude/internal"
	"github.com/cognitude/cognitude/internal/telemetry"
)

type stubConfigStore struct {
	configs map[int64]*gateway.RateLimitConfig
}

func (s *stubConfigStore) GetRateLimitConfig(_ context.Context, orgID int64) (*gateway.RateLimitConfig, error) {
	cfg, ok := s.configs[orgID]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return cfg, nil
}

func (s *stubConfigStore) PutRateLimitConfig(_ context.Context, cfg *gateway.RateLimitConfig) error {
	s.configs[cfg.OrgID] = cfg
	return nil
}

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis, *stubConfigStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cli.Close() })

	store := &stubConfigStore{configs: make(map[int64]*gateway.RateLimitConfig)}
	l, err := New(cli, store, telemetry.NewMetrics(prometheus.NewRegistry()), slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	return l, mr, store
}

func TestCheckAllowsUnderLimit(t *testing.T) {
	t.Parallel()
	l, _, store := newTestLimiter(t)
	ctx := context.Background()
	store.configs[1] = &gateway.RateLimitConfig{OrgID: 1, PerMinute: 5, PerHour: 100, PerDay: 1000, Enabled: true}

	var last *Result
	for i := range 5 {
		res, err := l.Check(ctx, 1)
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		last = res
	}

	if !last.Enforced || len(last.Windows) != 3 {
		t.Fatalf("result = %+v", last)
	}
	minute := last.Windows[0]
	if minute.Name != "minute" || minute.Limit != 5 {
		t.Errorf("minute window = %+v", minute)
	}
	if minute.Remaining != 0 {
		t.Errorf("remaining after 5/5 = %d, want 0", minute.Remaining)
	}
	if minute.Reset <= time.Now().Unix() {
		t.Errorf("reset = %d not in the future", minute.Reset)
	}

	res, err := l.Check(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed {
		t.Fatal("6th request should be denied")
	}
	if res.Denied == nil || res.Denied.Name != "minute" {
		t.Fatalf("denied window = %+v", res.Denied)
	}
	if res.RetryAfter <= 0 || res.RetryAfter > 60 {
		t.Errorf("retry after = %d", res.RetryAfter)
	}
}

func TestDenialConsumesNoSlot(t *testing.T) {
	t.Parallel()
	l, mr, store := newTestLimiter(t)
	ctx := context.Background()
	store.configs[2] = &gateway.RateLimitConfig{OrgID: 2, PerMinute: 1, PerHour: 100, PerDay: 1000, Enabled: true}

	if res, _ := l.Check(ctx, 2); !res.Allowed {
		t.Fatal("first request should pass")
	}
	if res, _ := l.Check(ctx, 2); res.Allowed {
		t.Fatal("second request should be denied")
	}

	bucket := time.Now().Unix() / 60
	val, err := mr.Get(bucketKey(2, "minute", bucket))
	if err != nil {
		t.Fatalf("bucket read: %v", err)
	}
	if val != "1" {
		t.Errorf("bucket = %s, want 1 (denial must not increment)", val)
	}
}

func TestNoConfigAllows(t *testing.T) {
	t.Parallel()
	l, _, _ := newTestLimiter(t)

	res, err := l.Check(context.Background(), 9)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed || res.Enforced {
		t.Errorf("result = %+v, want unenforced allow", res)
	}
}

func TestDisabledConfigAllows(t *testing.T) {
	t.Parallel()
	l, _, store := newTestLimiter(t)
	store.configs[3] = &gateway.RateLimitConfig{OrgID: 3, PerMinute: 0, Enabled: false}

	res, err := l.Check(context.Background(), 3)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed || res.Enforced {
		t.Errorf("result = %+v", res)
	}
}

func TestRedisDownAllows(t *testing.T) {
	t.Parallel()
	l, mr, store := newTestLimiter(t)
	store.configs[4] = &gateway.RateLimitConfig{OrgID: 4, PerMinute: 1, Enabled: true}
	mr.Close()

	res, err := l.Check(context.Background(), 4)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed {
		t.Error("limiter must allow when Redis is down")
	}
}

func TestInvalidateConfigPicksUpChanges(t *testing.T) {
	t.Parallel()
	l, _, store := newTestLimiter(t)
	ctx := context.Background()
	store.configs[5] = &gateway.RateLimitConfig{OrgID: 5, PerMinute: 1, PerHour: 10, PerDay: 10, Enabled: true}

	if res, _ := l.Check(ctx, 5); !res.Allowed {
		t.Fatal("first request should pass")
	}
	if res, _ := l.Check(ctx, 5); res.Allowed {
		t.Fatal("second request should be denied at limit 1")
	}

	store.configs[5] = &gateway.RateLimitConfig{OrgID: 5, PerMinute: 100, PerHour: 100, PerDay: 100, Enabled: true}
	l.InvalidateConfig(5)

	if res, _ := l.Check(ctx, 5); !res.Allowed {
		t.Error("raised limit should allow after invalidation")
	}
}

func TestBuildResultSlidingEstimate(t *testing.T) {
	t.Parallel()
	l, _, _ := newTestLimiter(t)

	now := time.Unix(1_700_000_030, 0) // 30s into the minute bucket
	limits := []int64{10, 100, 1000}
	// Estimates already computed by the script; minute window sits at 7.5.
	raw := []any{int64(1), "7.5", "20", "50"}

	res := l.buildResult(now, limits, raw, 1)
	if !res.Allowed {
		t.Fatal("want allowed")
	}
	minute := res.Windows[0]
	// ceil(7.5) = 8 used, +1 for this request, 10 - 9 = 1 remaining.
	if minute.Remaining != 1 {
		t.Errorf("minute remaining = %d, want 1", minute.Remaining)
	}
	if wantReset := (now.Unix()/60 + 1) * 60; minute.Reset != wantReset {
		t.Errorf("minute reset = %d, want %d", minute.Reset, wantReset)
	}
}

func TestBuildResultDeniedSmallestWindow(t *testing.T) {
	t.Parallel()
	l, _, _ := newTestLimiter(t)

	now := time.Unix(1_700_000_000, 0)
	limits := []int64{10, 20, 1000}
	// Minute and hour both exceeded; the minute window should be reported.
	raw := []any{int64(0), "10", "20", "5"}

	res := l.buildResult(now, limits, raw, 1)
	if res.Allowed {
		t.Fatal("want denied")
	}
	if res.Denied.Name != "minute" {
		t.Errorf("denied = %s, want minute", res.Denied.Name)
	}
	if res.RetryAfter != res.Denied.Reset-now.Unix() {
		t.Errorf("retry after = %d", res.RetryAfter)
	}
	if res.Denied.Remaining != 0 {
		t.Errorf("denied remaining = %d", res.Denied.Remaining)
	}
}

func TestBucketKeyFormat(t *testing.T) {
	t.Parallel()
	got := bucketKey(7, "hour", 472222)
	want := "ratelimit:7:hour:" + strconv.Itoa(472222)
	if got != want {
		t.Errorf("key = %s, want %s", got, want)
	}
}
