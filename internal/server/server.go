// Package server implements the HTTP transport layer for the Cognitude gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	gateway "github.com/cognitude/cognitude/internal"
	"github.com/cognitude/cognitude/internal/app"
	"github.com/cognitude/cognitude/internal/cache"
	"github.com/cognitude/cognitude/internal/provider"
	"github.com/cognitude/cognitude/internal/ratelimit"
	"github.com/cognitude/cognitude/internal/storage"
	"github.com/cognitude/cognitude/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth     gateway.Authenticator
	Pipeline *app.Pipeline
	Limiter  *ratelimit.Limiter // nil = no rate limiting
	Store    storage.Store
	Sealer   *provider.Sealer
	Cache    *cache.Cache
	Metrics  *telemetry.Metrics

	MetricsHandler http.Handler // promhttp; nil = /metrics not mounted
	ReadyCheck     ReadyChecker // nil = always ready (for tests)
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	r.Use(s.logging)

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Get("/metrics", deps.MetricsHandler.ServeHTTP)
	}

	// Client-facing API (auth + rate limiting)
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)
		r.Post("/v1/chat/completions", s.handleChatCompletion)
		r.Post("/v1/smart/completions", s.handleSmartCompletion)
		r.Post("/v1/smart/analyze", s.handleAnalyze)
	})

	// Tenant management API (auth, no rate limiting)
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Get("/providers", s.handleListProviders)
		r.Post("/providers", s.handleCreateProvider)
		r.Get("/providers/{id}", s.handleGetProvider)
		r.Put("/providers/{id}", s.handleUpdateProvider)
		r.Delete("/providers/{id}", s.handleDeleteProvider)

		r.Get("/rate-limits/config", s.handleGetRateLimit)
		r.Put("/rate-limits/config", s.handlePutRateLimit)

		r.Get("/alerts/channels", s.handleListAlertChannels)
		r.Post("/alerts/channels", s.handleCreateAlertChannel)
		r.Delete("/alerts/channels/{id}", s.handleDeleteAlertChannel)
		r.Get("/alerts/config", s.handleListAlertConfigs)
		r.Post("/alerts/config", s.handleUpsertAlertConfig)
		r.Put("/alerts/config", s.handleUpsertAlertConfig)

		r.Get("/analytics/usage", s.handleAnalyticsUsage)
		r.Get("/analytics/recommendations", s.handleAnalyticsRecommendations)

		r.Get("/cache/stats", s.handleCacheStats)
		r.Post("/cache/clear", s.handleCacheClear)
	})

	return r
}

type server struct {
	deps Deps
}
