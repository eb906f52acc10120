package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	gateway "github.com/cognitude/cognitude/internal"
	"github.com/cognitude/cognitude/internal/cache"
)

// maxAdminBody is the maximum allowed management request body size (1 MB).
const maxAdminBody = 1 << 20

// defaultAnalyticsWindow applies when the caller omits start/end.
const defaultAnalyticsWindow = 30 * 24 * time.Hour

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on error.
// Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// writeAdminError logs the full error server-side and returns a sanitized
// message to the client to avoid leaking internal details (e.g. SQLite errors).
func writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, gateway.ErrNotFound):
		writeTypedError(w, http.StatusNotFound, "not_found_error", "not found")
	case errors.Is(err, gateway.ErrConflict):
		writeError(w, http.StatusConflict, "conflict")
	case errors.Is(err, gateway.ErrBadRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.LogAttrs(r.Context(), slog.LevelError, "admin error",
			slog.String("error", err.Error()),
		)
		writeTypedError(w, http.StatusInternalServerError, "api_error", "internal error")
	}
}

// urlID parses the {id} route parameter.
func urlID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

// parseRange validates optional start/end RFC3339 query params, defaulting
// to the trailing 30 days.
func parseRange(w http.ResponseWriter, r *http.Request) (since, until time.Time, ok bool) {
	q := r.URL.Query()
	until = time.Now().UTC()
	since = until.Add(-defaultAnalyticsWindow)

	if raw := q.Get("start"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid start format, use RFC3339")
			return time.Time{}, time.Time{}, false
		}
		since = t
	}
	if raw := q.Get("end"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid end format, use RFC3339")
			return time.Time{}, time.Time{}, false
		}
		until = t
	}
	if !until.After(since) {
		writeError(w, http.StatusBadRequest, "end must be after start")
		return time.Time{}, time.Time{}, false
	}
	return since, until, true
}

func validProviderKind(kind string) bool {
	switch kind {
	case gateway.ProviderOpenAI, gateway.ProviderAnthropic, gateway.ProviderMistral, gateway.ProviderGroq:
		return true
	}
	return false
}

// --- Providers ---

func (s *server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	org := gateway.OrgFromContext(r.Context())
	configs, err := s.deps.Store.ListProviderConfigs(r.Context(), org.ID)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if configs == nil {
		configs = []*gateway.ProviderConfig{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": configs})
}

// providerCreateRequest carries the plaintext upstream key exactly once, on
// the way in. It is sealed before it touches the store.
type providerCreateRequest struct {
	Provider string `json:"provider"`
	APIKey   string `json:"api_key"`
	Enabled  *bool  `json:"enabled,omitempty"`
	Priority *int   `json:"priority,omitempty"`
}

func (s *server) handleCreateProvider(w http.ResponseWriter, r *http.Request) {
	var req providerCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !validProviderKind(req.Provider) {
		writeError(w, http.StatusBadRequest, "unknown provider")
		return
	}
	if req.APIKey == "" {
		writeError(w, http.StatusBadRequest, "api_key is required")
		return
	}

	sealed, err := s.deps.Sealer.Seal(req.APIKey)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}

	org := gateway.OrgFromContext(r.Context())
	cfg := &gateway.ProviderConfig{
		OrgID:     org.ID,
		Provider:  req.Provider,
		APIKeyEnc: sealed,
		Enabled:   true,
		Priority:  100,
	}
	if req.Enabled != nil {
		cfg.Enabled = *req.Enabled
	}
	if req.Priority != nil {
		cfg.Priority = *req.Priority
	}

	if err := s.deps.Store.CreateProviderConfig(r.Context(), cfg); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.Header().Set("Location", "/providers/"+strconv.FormatInt(cfg.ID, 10))
	writeJSON(w, http.StatusCreated, cfg)
}

func (s *server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r)
	if !ok {
		return
	}
	org := gateway.OrgFromContext(r.Context())
	cfg, err := s.deps.Store.GetProviderConfig(r.Context(), org.ID, id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

type providerUpdateRequest struct {
	APIKey   *string `json:"api_key,omitempty"`
	Enabled  *bool   `json:"enabled,omitempty"`
	Priority *int    `json:"priority,omitempty"`
}

func (s *server) handleUpdateProvider(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r)
	if !ok {
		return
	}
	var req providerUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	org := gateway.OrgFromContext(r.Context())
	cfg, err := s.deps.Store.GetProviderConfig(r.Context(), org.ID, id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}

	if req.APIKey != nil {
		if *req.APIKey == "" {
			writeError(w, http.StatusBadRequest, "api_key must not be empty")
			return
		}
		sealed, err := s.deps.Sealer.Seal(*req.APIKey)
		if err != nil {
			writeAdminError(w, r, err)
			return
		}
		cfg.APIKeyEnc = sealed
	}
	if req.Enabled != nil {
		cfg.Enabled = *req.Enabled
	}
	if req.Priority != nil {
		cfg.Priority = *req.Priority
	}

	if err := s.deps.Store.UpdateProviderConfig(r.Context(), cfg); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *server) handleDeleteProvider(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r)
	if !ok {
		return
	}
	org := gateway.OrgFromContext(r.Context())
	if err := s.deps.Store.DeleteProviderConfig(r.Context(), org.ID, id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Rate limits ---

func (s *server) handleGetRateLimit(w http.ResponseWriter, r *http.Request) {
	org := gateway.OrgFromContext(r.Context())
	cfg, err := s.deps.Store.GetRateLimitConfig(r.Context(), org.ID)
	if errors.Is(err, gateway.ErrNotFound) {
		cfg = &gateway.RateLimitConfig{OrgID: org.ID}
	} else if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *server) handlePutRateLimit(w http.ResponseWriter, r *http.Request) {
	var cfg gateway.RateLimitConfig
	if !decodeJSON(w, r, &cfg) {
		return
	}
	org := gateway.OrgFromContext(r.Context())
	cfg.OrgID = org.ID

	if cfg.Enabled {
		if cfg.PerMinute <= 0 || cfg.PerHour <= 0 || cfg.PerDay <= 0 {
			writeError(w, http.StatusBadRequest, "enabled limits must be positive")
			return
		}
		if cfg.PerMinute > cfg.PerHour || cfg.PerHour > cfg.PerDay {
			writeError(w, http.StatusBadRequest, "limits must satisfy minute <= hour <= day")
			return
		}
	}

	if err := s.deps.Store.PutRateLimitConfig(r.Context(), &cfg); err != nil {
		writeAdminError(w, r, err)
		return
	}
	if s.deps.Limiter != nil {
		s.deps.Limiter.InvalidateConfig(org.ID)
	}
	writeJSON(w, http.StatusOK, cfg)
}

// --- Alert channels ---

func validChannelKind(kind string) bool {
	switch kind {
	case gateway.ChannelEmail, gateway.ChannelChatWebhook, gateway.ChannelGenericWebhook:
		return true
	}
	return false
}

func (s *server) handleListAlertChannels(w http.ResponseWriter, r *http.Request) {
	org := gateway.OrgFromContext(r.Context())
	channels, err := s.deps.Store.ListAlertChannels(r.Context(), org.ID, false)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if channels == nil {
		channels = []*gateway.AlertChannel{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": channels})
}

func (s *server) handleCreateAlertChannel(w http.ResponseWriter, r *http.Request) {
	var ch gateway.AlertChannel
	if !decodeJSON(w, r, &ch) {
		return
	}
	if !validChannelKind(ch.Kind) {
		writeError(w, http.StatusBadRequest, "unknown channel kind")
		return
	}
	switch ch.Kind {
	case gateway.ChannelEmail:
		if ch.Config["to"] == "" {
			writeError(w, http.StatusBadRequest, "email channel requires config.to")
			return
		}
	default:
		if ch.Config["url"] == "" {
			writeError(w, http.StatusBadRequest, "webhook channel requires config.url")
			return
		}
	}

	org := gateway.OrgFromContext(r.Context())
	ch.OrgID = org.ID
	ch.Active = true
	if err := s.deps.Store.CreateAlertChannel(r.Context(), &ch); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ch)
}

func (s *server) handleDeleteAlertChannel(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r)
	if !ok {
		return
	}
	org := gateway.OrgFromContext(r.Context())
	if err := s.deps.Store.DeleteAlertChannel(r.Context(), org.ID, id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Alert configs ---

func validAlertKind(kind string) bool {
	switch kind {
	case gateway.AlertDailyCost, gateway.AlertMonthlyCost,
		gateway.AlertRateLimitWarning, gateway.AlertCacheHitWarning:
		return true
	}
	return false
}

func (s *server) handleListAlertConfigs(w http.ResponseWriter, r *http.Request) {
	org := gateway.OrgFromContext(r.Context())
	configs, err := s.deps.Store.ListAlertConfigs(r.Context(), org.ID)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if configs == nil {
		configs = []*gateway.AlertConfig{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": configs})
}

func (s *server) handleUpsertAlertConfig(w http.ResponseWriter, r *http.Request) {
	var cfg gateway.AlertConfig
	if !decodeJSON(w, r, &cfg) {
		return
	}
	if !validAlertKind(cfg.Kind) {
		writeError(w, http.StatusBadRequest, "unknown alert kind")
		return
	}
	if cfg.Threshold <= 0 {
		writeError(w, http.StatusBadRequest, "threshold must be positive")
		return
	}

	org := gateway.OrgFromContext(r.Context())
	cfg.OrgID = org.ID
	if err := s.deps.Store.UpsertAlertConfig(r.Context(), &cfg); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// --- Analytics ---

func (s *server) handleAnalyticsUsage(w http.ResponseWriter, r *http.Request) {
	since, until, ok := parseRange(w, r)
	if !ok {
		return
	}
	org := gateway.OrgFromContext(r.Context())
	totals, err := s.deps.Store.AggregateUsage(r.Context(), org.ID, since, until, r.URL.Query().Get("group_by"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if totals == nil {
		totals = []gateway.UsageTotals{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": totals})
}

func (s *server) handleAnalyticsRecommendations(w http.ResponseWriter, r *http.Request) {
	since, until, ok := parseRange(w, r)
	if !ok {
		return
	}
	org := gateway.OrgFromContext(r.Context())
	summaries, err := s.deps.Store.SummarizeSavings(r.Context(), org.ID, since, until)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if summaries == nil {
		summaries = []gateway.SavingsSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": summaries})
}

// --- Cache ---

func (s *server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Cache.Stats(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"fast_hits":      stats.FastHits,
		"fast_misses":    stats.FastMisses,
		"entries":        stats.Entries,
		"approx_bytes":   stats.ApproxBytes,
		"cost_saved_usd": stats.CostSavedUSD,
	})
}

func (s *server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		scope = cache.ScopeAll
	}
	cleared, err := s.deps.Cache.Clear(r.Context(), scope)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scope": scope, "cleared": cleared})
}
