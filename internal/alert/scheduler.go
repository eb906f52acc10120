package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"

	gateway "github.com/cognitude/cognitude/internal"
)

// DefaultInterval is the evaluation cadence when none is configured.
const DefaultInterval = 15 * time.Minute

// cacheWarnMinRequests is the minimum rolling-window traffic before the
// cache-hit-warning fires; below it the hit rate is noise.
const cacheWarnMinRequests = 20

// Store is the persistence surface the scheduler reads and stamps.
type Store interface {
	GetOrg(ctx context.Context, id int64) (*gateway.Organization, error)
	ListEnabledAlertConfigs(ctx context.Context) ([]*gateway.AlertConfig, error)
	ListAlertChannels(ctx context.Context, orgID int64, activeOnly bool) ([]*gateway.AlertChannel, error)
	StampAlertTriggered(ctx context.Context, id int64, at time.Time) error
	SumCost(ctx context.Context, orgID int64, since, until time.Time) (float64, error)
	CacheHitStats(ctx context.Context, orgID int64, since, until time.Time) (hits, total int64, err error)
	CountRateLimited(ctx context.Context, orgID int64, since, until time.Time) (int64, error)
}

// Scheduler periodically evaluates enabled alert configs against the ledger
// and dispatches notifications. Runs never overlap: a tick arriving while
// the previous evaluation is still running is skipped, not queued.
type Scheduler struct {
	store    Store
	sender   Sender
	interval time.Duration
	log      *slog.Logger

	running sync.Mutex

	// now is swapped out in tests.
	now func() time.Time
}

// NewScheduler returns a Scheduler evaluating every interval.
// interval <= 0 selects DefaultInterval.
func NewScheduler(store Store, sender Sender, interval time.Duration, log *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		store:    store,
		sender:   sender,
		interval: interval,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Name returns the worker identifier.
func (s *Scheduler) Name() string { return "alert_scheduler" }

// Run evaluates on a fixed ticker until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !s.running.TryLock() {
				s.log.LogAttrs(ctx, slog.LevelWarn, "alert evaluation still running, skipping tick")
				continue
			}
			s.evaluateAll(ctx)
			s.running.Unlock()

		case <-ctx.Done():
			return nil
		}
	}
}

// evaluateAll walks every enabled config once.
func (s *Scheduler) evaluateAll(ctx context.Context) {
	configs, err := s.store.ListEnabledAlertConfigs(ctx)
	if err != nil {
		s.log.LogAttrs(ctx, slog.LevelError, "list alert configs failed",
			slog.String("error", err.Error()))
		return
	}

	for _, cfg := range configs {
		if ctx.Err() != nil {
			return
		}
		if err := s.evaluate(ctx, cfg); err != nil {
			s.log.LogAttrs(ctx, slog.LevelError, "alert evaluation failed",
				slog.Int64("org_id", cfg.OrgID),
				slog.String("kind", cfg.Kind),
				slog.String("error", err.Error()),
			)
		}
	}
}

// evaluate checks one config and dispatches when the threshold is crossed
// for a window instance that has not alerted yet.
func (s *Scheduler) evaluate(ctx context.Context, cfg *gateway.AlertConfig) error {
	now := s.now()

	observed, windowStart, windowName, triggered, err := s.measure(ctx, cfg, now)
	if err != nil {
		return err
	}
	if !triggered {
		return nil
	}
	// One alert per (kind, window instance).
	if cfg.LastTriggered != nil && !cfg.LastTriggered.Before(windowStart) {
		return nil
	}

	org, err := s.store.GetOrg(ctx, cfg.OrgID)
	if err != nil {
		return err
	}
	channels, err := s.store.ListAlertChannels(ctx, cfg.OrgID, true)
	if err != nil {
		return err
	}
	if len(channels) == 0 {
		s.log.LogAttrs(ctx, slog.LevelWarn, "alert triggered but no active channels",
			slog.Int64("org_id", cfg.OrgID), slog.String("kind", cfg.Kind))
		return nil
	}

	a := &Alert{
		Kind:       cfg.Kind,
		OrgID:      cfg.OrgID,
		OrgName:    org.Name,
		Threshold:  cfg.Threshold,
		Observed:   observed,
		Window:     windowName,
		DetectedAt: now,
	}

	delivered := false
	for _, ch := range channels {
		if err := s.sender.Send(ctx, ch, a); err != nil {
			s.log.LogAttrs(ctx, slog.LevelError, "alert dispatch failed",
				slog.Int64("org_id", cfg.OrgID),
				slog.String("kind", cfg.Kind),
				slog.String("channel", ch.Kind),
				slog.String("error", err.Error()),
			)
			continue
		}
		delivered = true
	}

	// Stamp only after a delivery; a fully failed dispatch retries on the
	// next tick of the same window.
	if delivered {
		return s.store.StampAlertTriggered(ctx, cfg.ID, now)
	}
	return nil
}

// measure computes the observed value and window for one config kind.
func (s *Scheduler) measure(ctx context.Context, cfg *gateway.AlertConfig, now time.Time) (observed float64, windowStart time.Time, windowName string, triggered bool, err error) {
	switch cfg.Kind {
	case gateway.AlertDailyCost:
		windowStart = startOfDay(now)
		windowName = "daily"
		observed, err = s.store.SumCost(ctx, cfg.OrgID, windowStart, now)
		triggered = err == nil && observed >= cfg.Threshold

	case gateway.AlertMonthlyCost:
		windowStart = startOfMonth(now)
		windowName = "monthly"
		observed, err = s.store.SumCost(ctx, cfg.OrgID, windowStart, now)
		triggered = err == nil && observed >= cfg.Threshold

	case gateway.AlertRateLimitWarning:
		windowStart = startOfDay(now)
		windowName = "daily"
		var n int64
		n, err = s.store.CountRateLimited(ctx, cfg.OrgID, windowStart, now)
		observed = float64(n)
		triggered = err == nil && observed >= cfg.Threshold

	case gateway.AlertCacheHitWarning:
		// Rolling hour; the threshold is the minimum acceptable hit rate
		// in percent, so this alert fires on dropping below it.
		windowStart = now.Truncate(time.Hour)
		windowName = "hourly"
		var hits, total int64
		hits, total, err = s.store.CacheHitStats(ctx, cfg.OrgID, now.Add(-time.Hour), now)
		if err == nil && total >= cacheWarnMinRequests {
			observed = 100 * float64(hits) / float64(total)
			triggered = observed < cfg.Threshold
		}

	default:
		s.log.LogAttrs(ctx, slog.LevelWarn, "unknown alert kind",
			slog.String("kind", cfg.Kind))
	}
	return observed, windowStart, windowName, triggered, err
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func startOfMonth(t time.Time) time.Time {
	y, m, _ := t.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}
