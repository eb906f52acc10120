package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	gateway "github.com/cognitude/cognitude/internal"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestOrg(t *testing.T, s *Store, name string) *gateway.Organization {
	t.Helper()
	org := &gateway.Organization{Name: name, KeyHash: gateway.HashKey("salt", name)}
	if err := s.CreateOrg(context.Background(), org); err != nil {
		t.Fatalf("create org: %v", err)
	}
	return org
}

func TestOrgLookup(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	org := newTestOrg(t, s, "acme")
	if org.ID == 0 {
		t.Fatal("org ID not backfilled")
	}

	got, err := s.GetOrgByKeyHash(ctx, org.KeyHash)
	if err != nil {
		t.Fatalf("get by hash: %v", err)
	}
	if got.ID != org.ID || got.Name != "acme" {
		t.Errorf("got %+v", got)
	}

	if _, err := s.GetOrgByKeyHash(ctx, "nope"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("missing hash error = %v, want ErrNotFound", err)
	}
}

func TestProviderConfigEnabledUnique(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	org := newTestOrg(t, s, "acme-providers")

	first := &gateway.ProviderConfig{OrgID: org.ID, Provider: "openai", APIKeyEnc: "enc1", Enabled: true, Priority: 1}
	if err := s.CreateProviderConfig(ctx, first); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Second enabled config for the same (org, provider) must conflict.
	dup := &gateway.ProviderConfig{OrgID: org.ID, Provider: "openai", APIKeyEnc: "enc2", Enabled: true, Priority: 2}
	if err := s.CreateProviderConfig(ctx, dup); !errors.Is(err, gateway.ErrConflict) {
		t.Errorf("duplicate enabled config error = %v, want ErrConflict", err)
	}

	// A disabled duplicate is allowed.
	disabled := &gateway.ProviderConfig{OrgID: org.ID, Provider: "openai", APIKeyEnc: "enc3", Enabled: false, Priority: 3}
	if err := s.CreateProviderConfig(ctx, disabled); err != nil {
		t.Errorf("disabled duplicate: %v", err)
	}

	list, err := s.ListProviderConfigs(ctx, org.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("list length = %d, want 2", len(list))
	}
	if list[0].Priority > list[1].Priority {
		t.Error("list not ordered by priority")
	}
}

func TestCacheEntryLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	e := &gateway.CacheEntry{
		Fingerprint: "fp1",
		PromptHash:  "ph1",
		Model:       "gpt-3.5-turbo",
		Payload:     []byte(`{"id":"chatcmpl-1"}`),
		TTLHours:    2,
		CostUSD:     0.0025,
	}
	if err := s.UpsertCacheEntry(ctx, e); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.GetCacheEntry(ctx, "fp1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Payload) != `{"id":"chatcmpl-1"}` || got.TTLHours != 2 {
		t.Errorf("entry = %+v", got)
	}

	// Touch twice; hit counter is monotone.
	now := time.Now()
	if err := s.TouchCacheEntry(ctx, "fp1", now); err != nil {
		t.Fatal(err)
	}
	if err := s.TouchCacheEntry(ctx, "fp1", now.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetCacheEntry(ctx, "fp1")
	if got.HitCount != 2 {
		t.Errorf("hit count = %d, want 2", got.HitCount)
	}
	if got.LastAccessedAt.Before(got.CreatedAt) {
		t.Error("last accessed before first seen")
	}

	// Re-upsert replaces payload but keeps the hit counter.
	e2 := *e
	e2.Payload = []byte(`{"id":"chatcmpl-2"}`)
	if err := s.UpsertCacheEntry(ctx, &e2); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetCacheEntry(ctx, "fp1")
	if string(got.Payload) != `{"id":"chatcmpl-2"}` {
		t.Error("payload should be last-writer-wins")
	}
	if got.HitCount != 2 {
		t.Errorf("hit count after upsert = %d, want 2", got.HitCount)
	}

	entries, bytes, saved, err := s.CacheStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if entries != 1 || bytes == 0 {
		t.Errorf("stats entries=%d bytes=%d", entries, bytes)
	}
	if saved != 2*0.0025 {
		t.Errorf("cost saved = %v, want %v", saved, 2*0.0025)
	}

	n, err := s.ClearCacheEntries(ctx)
	if err != nil || n != 1 {
		t.Fatalf("clear = (%d, %v)", n, err)
	}
	if _, err := s.GetCacheEntry(ctx, "fp1"); !errors.Is(err, gateway.ErrNotFound) {
		t.Error("entry should be gone after clear")
	}
}

func TestLedgerAggregation(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	org := newTestOrg(t, s, "acme-ledger")

	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	rows := []gateway.LedgerRow{
		{ID: "r1", OrgID: org.ID, CreatedAt: base, RequestedModel: "gpt-4", Provider: "openai",
			Model: "gpt-4", PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150,
			CostUSD: 0.006, LatencyMs: 800, Endpoint: "/v1/chat/completions", UpstreamStatus: 200},
		{ID: "r2", OrgID: org.ID, CreatedAt: base.Add(time.Minute), RequestedModel: "gpt-4",
			Provider: "openai", Model: "gpt-4", CacheHit: true, CacheKey: "fp", LatencyMs: 4,
			Endpoint: "/v1/chat/completions"},
		{ID: "r3", OrgID: org.ID, CreatedAt: base.Add(2 * time.Minute), RequestedModel: "gpt-4",
			Endpoint: "/v1/chat/completions", ErrorText: "rate limited"},
	}
	if err := s.InsertLedgerRows(ctx, rows); err != nil {
		t.Fatalf("insert: %v", err)
	}

	since, until := base.Add(-time.Hour), base.Add(time.Hour)

	cost, err := s.SumCost(ctx, org.ID, since, until)
	if err != nil || cost != 0.006 {
		t.Errorf("SumCost = (%v, %v)", cost, err)
	}

	hits, total, err := s.CacheHitStats(ctx, org.ID, since, until)
	if err != nil || hits != 1 || total != 3 {
		t.Errorf("CacheHitStats = (%d, %d, %v)", hits, total, err)
	}

	limited, err := s.CountRateLimited(ctx, org.ID, since, until)
	if err != nil || limited != 1 {
		t.Errorf("CountRateLimited = (%d, %v)", limited, err)
	}

	byDay, err := s.AggregateUsage(ctx, org.ID, since, until, "day")
	if err != nil {
		t.Fatal(err)
	}
	if len(byDay) != 1 || byDay[0].Group != "2026-08-24" || byDay[0].Requests != 3 {
		t.Errorf("byDay = %+v", byDay)
	}

	byProvider, err := s.AggregateUsage(ctx, org.ID, since, until, "provider")
	if err != nil {
		t.Fatal(err)
	}
	if len(byProvider) != 2 { // "" for the denied row, "openai" for the rest
		t.Errorf("byProvider groups = %d, want 2", len(byProvider))
	}

	if _, err := s.AggregateUsage(ctx, org.ID, since, until, "nope"); !errors.Is(err, gateway.ErrBadRequest) {
		t.Errorf("bad group_by error = %v", err)
	}
}

func TestRoutingDecisionSummary(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	org := newTestOrg(t, s, "acme-routing")

	now := time.Now().UTC()
	decisions := []gateway.RoutingDecision{
		{OrgID: org.ID, RequestedModel: "gpt-4", SelectedModel: "gpt-3.5-turbo",
			TaskClass: gateway.TaskTrivial, EstimatedSavings: 0.01, Confidence: 0.9,
			PromptLength: 20, CreatedAt: now},
		{OrgID: org.ID, RequestedModel: "gpt-4", SelectedModel: "gpt-3.5-turbo",
			TaskClass: gateway.TaskTrivial, EstimatedSavings: 0.02, Confidence: 0.8,
			PromptLength: 25, CreatedAt: now},
		{OrgID: org.ID, RequestedModel: "gpt-4", SelectedModel: "gpt-4",
			TaskClass: gateway.TaskComplex, EstimatedSavings: 0, Confidence: 0.95,
			PromptLength: 4000, CreatedAt: now},
	}
	if err := s.InsertRoutingDecisions(ctx, decisions); err != nil {
		t.Fatal(err)
	}

	sums, err := s.SummarizeSavings(ctx, org.ID, now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(sums) != 2 {
		t.Fatalf("summary groups = %d, want 2", len(sums))
	}
	for _, sm := range sums {
		if sm.TaskClass == gateway.TaskTrivial {
			if sm.Decisions != 2 || sm.EstimatedSavings != 0.03 {
				t.Errorf("trivial summary = %+v", sm)
			}
		}
	}
}

func TestRateLimitConfigRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	org := newTestOrg(t, s, "acme-limits")

	if _, err := s.GetRateLimitConfig(ctx, org.ID); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("missing config error = %v", err)
	}

	cfg := &gateway.RateLimitConfig{OrgID: org.ID, PerMinute: 10, PerHour: 100, PerDay: 1000, Enabled: true}
	if err := s.PutRateLimitConfig(ctx, cfg); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetRateLimitConfig(ctx, org.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.PerMinute != 10 || got.PerHour != 100 || got.PerDay != 1000 || !got.Enabled {
		t.Errorf("config = %+v", got)
	}

	// Replace.
	cfg.PerMinute = 20
	if err := s.PutRateLimitConfig(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetRateLimitConfig(ctx, org.ID)
	if got.PerMinute != 20 {
		t.Errorf("per-minute after update = %d", got.PerMinute)
	}
}

func TestAlertConfigUpsertKeepsLastTriggered(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	org := newTestOrg(t, s, "acme-alerts")

	cfg := &gateway.AlertConfig{OrgID: org.ID, Kind: gateway.AlertDailyCost, Threshold: 5, Enabled: true}
	if err := s.UpsertAlertConfig(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.ID == 0 {
		t.Fatal("config ID not backfilled")
	}

	at := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	if err := s.StampAlertTriggered(ctx, cfg.ID, at); err != nil {
		t.Fatal(err)
	}

	// Threshold update must not clear last-triggered.
	cfg.Threshold = 10
	if err := s.UpsertAlertConfig(ctx, cfg); err != nil {
		t.Fatal(err)
	}

	configs, err := s.ListAlertConfigs(ctx, org.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(configs) != 1 {
		t.Fatalf("configs = %d, want 1 (upsert must not duplicate)", len(configs))
	}
	got := configs[0]
	if got.Threshold != 10 {
		t.Errorf("threshold = %v", got.Threshold)
	}
	if got.LastTriggered == nil || !got.LastTriggered.Equal(at) {
		t.Errorf("last triggered = %v, want %v", got.LastTriggered, at)
	}

	enabled, err := s.ListEnabledAlertConfigs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(enabled) == 0 {
		t.Error("enabled configs should include the upserted one")
	}
}

func TestAlertChannels(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	org := newTestOrg(t, s, "acme-channels")

	ch := &gateway.AlertChannel{
		OrgID:  org.ID,
		Kind:   gateway.ChannelChatWebhook,
		Config: map[string]string{"url": "https://hooks.example.com/T/B"},
		Active: true,
	}
	if err := s.CreateAlertChannel(ctx, ch); err != nil {
		t.Fatal(err)
	}
	inactive := &gateway.AlertChannel{OrgID: org.ID, Kind: gateway.ChannelEmail,
		Config: map[string]string{"to": "ops@example.com"}, Active: false}
	if err := s.CreateAlertChannel(ctx, inactive); err != nil {
		t.Fatal(err)
	}

	active, err := s.ListAlertChannels(ctx, org.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].Config["url"] != "https://hooks.example.com/T/B" {
		t.Errorf("active channels = %+v", active)
	}

	all, err := s.ListAlertChannels(ctx, org.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("all channels = %d, want 2", len(all))
	}

	if err := s.DeleteAlertChannel(ctx, org.ID, ch.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteAlertChannel(ctx, org.ID, ch.ID); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("double delete error = %v", err)
	}
}
