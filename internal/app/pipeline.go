// Package app implements the request pipeline: routing, caching, upstream
// dispatch with failover, and usage recording. The pipeline is transport
// agnostic; the HTTP layer handles auth and rate limiting before calling in.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gateway "github.com/cognitude/cognitude/internal"
	"github.com/cognitude/cognitude/internal/cache"
	"github.com/cognitude/cognitude/internal/circuitbreaker"
	"github.com/cognitude/cognitude/internal/fingerprint"
	"github.com/cognitude/cognitude/internal/pricing"
	"github.com/cognitude/cognitude/internal/provider"
	"github.com/cognitude/cognitude/internal/router"
	"github.com/cognitude/cognitude/internal/telemetry"
	"github.com/cognitude/cognitude/internal/tokencount"
	"github.com/cognitude/cognitude/internal/worker"
)

const (
	// defaultTimeout bounds one request end to end, including failover.
	defaultTimeout = 35 * time.Second
	// maxFailover caps the number of candidates tried per request.
	maxFailover = 3
)

// Pipeline executes chat completion requests for authenticated tenants.
type Pipeline struct {
	registry *provider.Registry
	cache    *cache.Cache
	ledger   *worker.LedgerWriter
	breakers *circuitbreaker.Registry
	metrics  *telemetry.Metrics
	log      *slog.Logger
	timeout  time.Duration
}

// New returns a Pipeline. A nil breakers registry disables circuit
// breaking; timeout <= 0 selects the default.
func New(registry *provider.Registry, c *cache.Cache, ledger *worker.LedgerWriter, breakers *circuitbreaker.Registry, metrics *telemetry.Metrics, log *slog.Logger, timeout time.Duration) *Pipeline {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Pipeline{
		registry: registry,
		cache:    c,
		ledger:   ledger,
		breakers: breakers,
		metrics:  metrics,
		log:      log,
		timeout:  timeout,
	}
}

// ChatCompletion runs one request through the full pipeline: route, cache
// lookup, upstream dispatch with failover on a miss, and async ledger
// recording. mode selects the routing strategy; endpoint is recorded on
// ledger rows.
func (p *Pipeline) ChatCompletion(ctx context.Context, org *gateway.Organization, req *gateway.ChatRequest, mode, endpoint string) (*gateway.ChatResponse, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()

	candidates, err := p.registry.Resolve(ctx, org.ID, "")
	if err != nil {
		return nil, err
	}

	sel, err := router.Route(req, mode, kindsOf(candidates))
	if err != nil {
		return nil, err
	}
	preferCandidate(candidates, sel.Provider)

	if mode != gateway.ModeExplicit && mode != "" {
		p.metrics.RoutingDecisions.WithLabelValues(sel.TaskClass).Inc()
	}

	// The fingerprint covers the routed request, so explicit and smart
	// requests that land on the same model share cache entries.
	outReq := *req
	outReq.Model = sel.Model
	fp := fingerprint.Compute(&outReq)

	if entry, ok := p.cache.Get(ctx, fp); ok {
		return p.respondCached(ctx, org, req, sel, entry, fp, endpoint, start)
	}

	var (
		dispatched bool
		usage      gateway.Usage
	)
	entry, _, err := p.cache.Fetch(ctx, fp, func(ctx context.Context) (*gateway.CacheEntry, error) {
		dispatched = true
		resp, kind, model, err := p.dispatch(ctx, candidates, sel, &outReq)
		if err != nil {
			return nil, err
		}
		if resp.Usage != nil {
			usage = *resp.Usage
		}
		return p.storeResponse(ctx, resp, req, fp, kind, model)
	})
	if err != nil {
		p.recordFailure(org, req, sel, endpoint, start, err)
		return nil, err
	}

	resp, derr := decodeEntry(entry)
	if derr != nil {
		return nil, derr
	}

	latency := time.Since(start).Milliseconds()
	if dispatched {
		resp.Cognitude = &gateway.Meta{
			Cached:    false,
			CostUSD:   entry.CostUSD,
			Provider:  entry.Provider,
			CacheKey:  fp,
			LatencyMs: latency,
		}
		p.metrics.TokensProcessed.WithLabelValues(entry.Model, "prompt").Add(float64(usage.PromptTokens))
		p.metrics.TokensProcessed.WithLabelValues(entry.Model, "completion").Add(float64(usage.CompletionTokens))
		p.record(org, req, entry, endpoint, fp, latency, false, usage)
	} else {
		// Another in-flight request won the fill; this caller pays nothing.
		resp.Cognitude = &gateway.Meta{
			Cached:    true,
			Provider:  entry.Provider,
			CacheKey:  fp,
			LatencyMs: latency,
		}
		p.record(org, req, entry, endpoint, fp, latency, true, gateway.Usage{})
	}

	p.annotateSmart(org, req.Model, resp, sel, entry.Model)
	return resp, nil
}

// Analysis is the classify-only result for one request.
type Analysis struct {
	TaskClass        string  `json:"task_class"`
	ComplexityScore  float64 `json:"complexity_score"`
	Confidence       float64 `json:"confidence"`
	RecommendedModel string  `json:"recommended_model,omitempty"`
	Reasoning        string  `json:"reasoning"`
}

// Analyze classifies a request without dispatching it. The recommended model
// is the cost-mode selection over the tenant's providers; it is empty when
// the tenant has none configured.
func (p *Pipeline) Analyze(ctx context.Context, org *gateway.Organization, req *gateway.ChatRequest) (*Analysis, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	cls := router.Classify(req)
	out := &Analysis{
		TaskClass:       cls.TaskClass,
		ComplexityScore: cls.Score,
		Confidence:      cls.Confidence,
		Reasoning:       cls.Reasoning,
	}

	if candidates, err := p.registry.Resolve(ctx, org.ID, ""); err == nil {
		if sel, err := router.Route(req, gateway.ModeCost, kindsOf(candidates)); err == nil {
			out.RecommendedModel = sel.Model
		}
	}
	return out, nil
}

// RecordRateLimited writes a ledger row for a denied request. Denials carry
// no tokens or cost but count toward the rate-limit alert.
func (p *Pipeline) RecordRateLimited(org *gateway.Organization, model, endpoint string) {
	p.ledger.Record(gateway.LedgerRow{
		OrgID:          org.ID,
		RequestedModel: model,
		Endpoint:       endpoint,
		ErrorText:      gateway.ErrRateLimited.Error(),
	})
}

// dispatch walks the candidate list, translating the selection to a model
// each candidate actually serves. Transient and model-level failures move
// to the next candidate; permanent failures abort. Candidates whose
// circuit breaker is open are skipped without counting against the
// failover budget.
func (p *Pipeline) dispatch(ctx context.Context, candidates []provider.Candidate, sel *router.Selection, req *gateway.ChatRequest) (*gateway.ChatResponse, string, string, error) {
	promptTokens := tokencount.EstimateRequest(req.Messages)
	completionTokens := 0
	if req.MaxTokens != nil {
		completionTokens = *req.MaxTokens
	}

	var lastErr error
	tried := 0
	for _, cand := range candidates {
		if tried >= maxFailover {
			break
		}
		kind := cand.Config.Provider

		var breaker *circuitbreaker.Breaker
		if p.breakers != nil {
			breaker = p.breakers.For(kind)
			if !breaker.Allow() {
				p.log.LogAttrs(ctx, slog.LevelWarn, "provider circuit open, skipping",
					slog.String("provider", kind),
				)
				continue
			}
		}

		model := sel.Model
		if !pricing.Known(kind, model) {
			m, ok := router.CheapestFor(kind, sel.TaskClass, promptTokens, completionTokens)
			if !ok {
				// Unknown model on an unknown provider table; send the
				// requested model and let the upstream decide.
				m = req.Model
			}
			model = m
		}

		outReq := *req
		outReq.Model = model
		tried++

		upStart := time.Now()
		resp, err := cand.Provider.ChatCompletion(ctx, &outReq, cand.APIKey)
		p.metrics.UpstreamDuration.WithLabelValues(kind, model).Observe(time.Since(upStart).Seconds())
		if err == nil {
			if breaker != nil {
				breaker.RecordSuccess()
			}
			return resp, kind, model, nil
		}
		if breaker != nil {
			breaker.RecordError(circuitbreaker.Weight(err))
		}

		class := provider.Classify(err)
		p.metrics.UpstreamErrors.WithLabelValues(kind, class).Inc()
		p.log.LogAttrs(ctx, slog.LevelWarn, "upstream call failed",
			slog.String("provider", kind),
			slog.String("model", model),
			slog.String("class", class),
			slog.String("error", err.Error()),
		)
		lastErr = err
		if class == provider.FailPermanent {
			break
		}
	}
	if lastErr == nil {
		lastErr = gateway.ErrNoProvider
	}
	return nil, "", "", lastErr
}

// storeResponse canonicalizes the upstream response and writes it through
// the cache. A failed cache write is logged, not surfaced; the caller still
// gets the response.
func (p *Pipeline) storeResponse(ctx context.Context, resp *gateway.ChatResponse, req *gateway.ChatRequest, fp, kind, model string) (*gateway.CacheEntry, error) {
	var cost float64
	if resp.Usage != nil {
		cost = pricing.Cost(pricing.Lookup(kind, model), resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}

	entry := &gateway.CacheEntry{
		Fingerprint: fp,
		PromptHash:  fingerprint.PromptHash(req.Messages),
		Model:       model,
		Provider:    kind,
		Payload:     payload,
		CostUSD:     cost,
	}
	if err := p.cache.Put(ctx, entry); err != nil {
		p.log.LogAttrs(ctx, slog.LevelWarn, "cache write failed",
			slog.String("fingerprint", fp),
			slog.String("error", err.Error()),
		)
	}
	return entry, nil
}

// respondCached serves a hit from either cache tier.
func (p *Pipeline) respondCached(ctx context.Context, org *gateway.Organization, req *gateway.ChatRequest, sel *router.Selection, entry *gateway.CacheEntry, fp, endpoint string, start time.Time) (*gateway.ChatResponse, error) {
	resp, err := decodeEntry(entry)
	if err != nil {
		// A corrupt payload is unrecoverable; drop it so the next request
		// refills the slot.
		if ierr := p.cache.Invalidate(ctx, fp); ierr != nil {
			p.log.LogAttrs(ctx, slog.LevelWarn, "cache invalidate failed",
				slog.String("fingerprint", fp),
				slog.String("error", ierr.Error()),
			)
		}
		return nil, err
	}

	latency := time.Since(start).Milliseconds()
	resp.Cognitude = &gateway.Meta{
		Cached:    true,
		Provider:  entry.Provider,
		CacheKey:  fp,
		LatencyMs: latency,
	}
	p.record(org, req, entry, endpoint, fp, latency, true, gateway.Usage{})
	p.annotateSmart(org, req.Model, resp, sel, entry.Model)
	return resp, nil
}

// record enqueues the ledger row for one completed request. Cache hits cost
// nothing and carry no token counts.
func (p *Pipeline) record(org *gateway.Organization, req *gateway.ChatRequest, entry *gateway.CacheEntry, endpoint, fp string, latency int64, cacheHit bool, usage gateway.Usage) {
	row := gateway.LedgerRow{
		OrgID:          org.ID,
		RequestedModel: req.Model,
		Provider:       entry.Provider,
		Model:          entry.Model,
		LatencyMs:      latency,
		CacheHit:       cacheHit,
		CacheKey:       fp,
		Endpoint:       endpoint,
	}
	if !cacheHit {
		row.PromptTokens = usage.PromptTokens
		row.CompletionTokens = usage.CompletionTokens
		row.TotalTokens = usage.TotalTokens
		row.CostUSD = entry.CostUSD
		row.Estimated = usage.Estimated
	}
	p.ledger.Record(row)
}

// recordFailure enqueues the ledger row for a request that exhausted all
// candidates or hit a permanent upstream error.
func (p *Pipeline) recordFailure(org *gateway.Organization, req *gateway.ChatRequest, sel *router.Selection, endpoint string, start time.Time, err error) {
	row := gateway.LedgerRow{
		OrgID:          org.ID,
		RequestedModel: req.Model,
		Model:          sel.Model,
		LatencyMs:      time.Since(start).Milliseconds(),
		Endpoint:       endpoint,
		ErrorText:      err.Error(),
	}
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		row.UpstreamStatus = apiErr.StatusCode
	}
	p.ledger.Record(row)
}

// annotateSmart attaches the selection fields for smart-routed responses and
// records the decision for the savings analytics.
func (p *Pipeline) annotateSmart(org *gateway.Organization, requestedModel string, resp *gateway.ChatResponse, sel *router.Selection, servedModel string) {
	if sel.TaskClass == "" {
		return
	}
	resp.SelectedModel = servedModel
	resp.ComplexityScore = sel.Score
	resp.Reasoning = sel.Reason

	p.ledger.RecordDecision(gateway.RoutingDecision{
		OrgID:            org.ID,
		RequestedModel:   requestedModel,
		SelectedModel:    servedModel,
		TaskClass:        sel.TaskClass,
		Reason:           sel.Reason,
		EstimatedSavings: sel.EstimatedSavings,
		Confidence:       sel.Confidence,
		PromptLength:     sel.PromptLength,
	})
}

func decodeEntry(entry *gateway.CacheEntry) (*gateway.ChatResponse, error) {
	var resp gateway.ChatResponse
	if err := json.Unmarshal(entry.Payload, &resp); err != nil {
		return nil, fmt.Errorf("decode cached response: %w", err)
	}
	return &resp, nil
}

func validate(req *gateway.ChatRequest) error {
	if req.Model == "" {
		return fmt.Errorf("model is required: %w", gateway.ErrBadRequest)
	}
	if len(req.Messages) == 0 {
		return fmt.Errorf("messages must not be empty: %w", gateway.ErrBadRequest)
	}
	for i, m := range req.Messages {
		switch m.Role {
		case "system", "user", "assistant":
		default:
			return fmt.Errorf("messages[%d]: unknown role %q: %w", i, m.Role, gateway.ErrBadRequest)
		}
	}
	return nil
}

func kindsOf(candidates []provider.Candidate) []string {
	seen := make(map[string]bool, len(candidates))
	kinds := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if k := c.Config.Provider; !seen[k] {
			seen[k] = true
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// preferCandidate stably moves the selected provider's candidates to the
// front so dispatch tries them first.
func preferCandidate(candidates []provider.Candidate, kind string) {
	if kind == "" {
		return
	}
	out := candidates[:0]
	var rest []provider.Candidate
	for _, c := range candidates {
		if c.Config.Provider == kind {
			out = append(out, c)
		} else {
			rest = append(rest, c)
		}
	}
	copy(candidates[len(out):], rest)
}
