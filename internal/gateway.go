// Package gateway defines domain types and interfaces for the Cognitude LLM gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// --- Canonical chat shapes ---

// ChatRequest is the OpenAI-compatible chat completion request the pipeline
// operates on internally. Unrecognized client keys are stripped during decode.
type ChatRequest struct {
	Model            string    `json:"model"`
	Messages         []Message `json:"messages"`
	Temperature      *float64  `json:"temperature,omitempty"`
	TopP             *float64  `json:"top_p,omitempty"`
	MaxTokens        *int      `json:"max_tokens,omitempty"`
	PresencePenalty  *float64  `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64  `json:"frequency_penalty,omitempty"`
	User             string    `json:"user,omitempty"`
}

// Message is a single chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the OpenAI-compatible chat completion response, extended
// with gateway metadata under "x_cognitude" and, for smart routing, the
// selection fields.
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`

	Cognitude       *Meta   `json:"x_cognitude,omitempty"`
	SelectedModel   string  `json:"selected_model,omitempty"`
	ComplexityScore float64 `json:"complexity_score,omitempty"`
	Reasoning       string  `json:"reasoning,omitempty"`
}

// Meta is the gateway metadata attached to every chat response.
type Meta struct {
	Cached    bool    `json:"cached"`
	CostUSD   float64 `json:"cost"`
	Provider  string  `json:"provider"`
	CacheKey  string  `json:"cache_key,omitempty"`
	LatencyMs int64   `json:"latency_ms"`
}

// Choice is a single completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage holds token counts for one upstream call. Estimated is set when the
// provider returned no usage block and counts were approximated.
type Usage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	TotalTokens      int  `json:"total_tokens"`
	Estimated        bool `json:"-"`
}

// --- Provider adapters ---

// Provider kinds supported as upstreams.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderMistral   = "mistral"
	ProviderGroq      = "groq"
)

// Provider is the interface every upstream adapter implements. The credential
// is passed per call because keys are tenant-owned; it must never be logged
// or persisted past the adapter boundary.
type Provider interface {
	// Name returns the provider kind (e.g. "openai").
	Name() string
	// ChatCompletion issues one upstream HTTP call and translates the
	// response into the canonical shape.
	ChatCompletion(ctx context.Context, req *ChatRequest, apiKey string) (*ChatResponse, error)
}

// --- Tenant identity ---

// Organization is a tenant. KeyHash is the salted SHA-256 of the tenant's
// API key; the raw key is never stored.
type Organization struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	KeyHash   string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// ProviderConfig is a tenant's configured upstream provider. APIKeyEnc holds
// the AES-GCM sealed upstream credential.
type ProviderConfig struct {
	ID        int64     `json:"id"`
	OrgID     int64     `json:"org_id"`
	Provider  string    `json:"provider"`
	APIKeyEnc string    `json:"-"`
	Enabled   bool      `json:"enabled"`
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
}

// RateLimitConfig holds a tenant's request limits per window.
// Invariant: PerMinute <= PerHour <= PerDay when enabled.
type RateLimitConfig struct {
	OrgID     int64 `json:"org_id"`
	PerMinute int64 `json:"requests_per_minute"`
	PerHour   int64 `json:"requests_per_hour"`
	PerDay    int64 `json:"requests_per_day"`
	Enabled   bool  `json:"enabled"`
}

// --- Cache ---

// CacheEntry is the durable-tier record for one fingerprint.
type CacheEntry struct {
	Fingerprint    string          `json:"fingerprint"`
	PromptHash     string          `json:"prompt_hash"`
	Model          string          `json:"model"`
	Provider       string          `json:"provider"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
	LastAccessedAt time.Time       `json:"last_accessed_at"`
	HitCount       int64           `json:"hit_count"`
	TTLHours       int             `json:"ttl_hours"`
	// CostUSD is what the original upstream call cost; each hit saves it.
	CostUSD float64 `json:"cost_usd"`
}

// --- Ledger ---

// LedgerRow is one append-only usage record. When CacheHit is true, CostUSD
// is zero and LatencyMs is gateway-internal latency only.
type LedgerRow struct {
	ID               string    `json:"id"`
	OrgID            int64     `json:"org_id"`
	CreatedAt        time.Time `json:"created_at"`
	RequestedModel   string    `json:"requested_model"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	LatencyMs        int64     `json:"latency_ms"`
	CacheHit         bool      `json:"cache_hit"`
	CacheKey         string    `json:"cache_key,omitempty"`
	Endpoint         string    `json:"endpoint"`
	UpstreamStatus   int       `json:"upstream_status,omitempty"`
	ErrorText        string    `json:"error,omitempty"`
	Estimated        bool      `json:"estimated,omitempty"`
}

// RoutingDecision captures the smart router's inputs and outputs for one
// routed request.
type RoutingDecision struct {
	ID               int64     `json:"id"`
	OrgID            int64     `json:"org_id"`
	RequestedModel   string    `json:"requested_model"`
	SelectedModel    string    `json:"selected_model"`
	TaskClass        string    `json:"task_class"`
	Reason           string    `json:"reason"`
	EstimatedSavings float64   `json:"estimated_savings"`
	Confidence       float64   `json:"confidence"`
	PromptLength     int       `json:"prompt_length"`
	CreatedAt        time.Time `json:"created_at"`
}

// UsageTotals is one aggregated analytics bucket.
type UsageTotals struct {
	Group            string  `json:"group"`
	Requests         int64   `json:"requests"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	CacheHits        int64   `json:"cache_hits"`
	AvgLatencyMs     float64 `json:"avg_latency_ms"`
}

// SavingsSummary aggregates routing decisions for recommendations.
type SavingsSummary struct {
	TaskClass        string  `json:"task_class"`
	Decisions        int64   `json:"decisions"`
	EstimatedSavings float64 `json:"estimated_savings"`
}

// --- Alerts ---

// Alert kinds.
const (
	AlertDailyCost        = "daily-cost"
	AlertMonthlyCost      = "monthly-cost"
	AlertRateLimitWarning = "rate-limit-warning"
	AlertCacheHitWarning  = "cache-hit-warning"
)

// Channel kinds.
const (
	ChannelEmail          = "email"
	ChannelChatWebhook    = "chat-webhook"
	ChannelGenericWebhook = "generic-webhook"
)

// AlertChannel is a tenant-configured notification transport. Config keys
// depend on Kind (email: "to"; webhooks: "url").
type AlertChannel struct {
	ID     int64             `json:"id"`
	OrgID  int64             `json:"org_id"`
	Kind   string            `json:"kind"`
	Config map[string]string `json:"config"`
	Active bool              `json:"active"`
}

// AlertConfig is a tenant threshold for one alert kind. At most one config
// per (org, kind). LastTriggered gates one alert per window instance.
type AlertConfig struct {
	ID            int64      `json:"id"`
	OrgID         int64      `json:"org_id"`
	Kind          string     `json:"kind"`
	Threshold     float64    `json:"threshold"`
	Enabled       bool       `json:"enabled"`
	LastTriggered *time.Time `json:"last_triggered,omitempty"`
}

// --- Routing modes and task classes ---

// Routing modes.
const (
	ModeExplicit = "explicit"
	ModeCost     = "cost"
	ModeBalanced = "balanced"
)

// Task classes in ascending capability order.
const (
	TaskTrivial  = "trivial"
	TaskSimple   = "simple"
	TaskModerate = "moderate"
	TaskComplex  = "complex"
)

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Org field is set later by the authenticate middleware via mutation of
// the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Org       *Organization
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// OrgFromContext extracts the authenticated tenant from context.
func OrgFromContext(ctx context.Context) *Organization {
	if m := metaFromContext(ctx); m != nil {
		return m.Org
	}
	return nil
}

// ContextWithOrg stores the tenant in the existing requestMeta if present,
// avoiding a new context.WithValue allocation. Falls back to creating new
// metadata if none exists (e.g. in tests).
func ContextWithOrg(ctx context.Context, org *Organization) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Org = org
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Org: org})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Shared helpers ---

// HashKey returns the hex-encoded SHA-256 of salt||key. Only the hash is
// ever persisted or compared.
func HashKey(salt, raw string) string {
	h := sha256.Sum256([]byte(salt + raw))
	return hex.EncodeToString(h[:])
}

// UserText concatenates the user-role message contents, newline separated.
// Used by the router's complexity features and the prompt hash.
func UserText(messages []Message) string {
	var n int
	for _, m := range messages {
		if m.Role == "user" {
			n += len(m.Content) + 1
		}
	}
	if n == 0 {
		return ""
	}
	buf := make([]byte, 0, n)
	for _, m := range messages {
		if m.Role != "user" {
			continue
		}
		if len(buf) > 0 {
			buf = append(buf, '\n')
		}
		buf = append(buf, m.Content...)
	}
	return string(buf)
}

// Authenticator resolves request credentials to a tenant.
type Authenticator interface {
	Authenticate(ctx context.Context, apiKey string) (*Organization, error)
}
