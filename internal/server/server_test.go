package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	gateway "github.com/cognitude/cognitude/internal"
	"github.com/cognitude/cognitude/internal/app"
	"github.com/cognitude/cognitude/internal/auth"
	"github.com/cognitude/cognitude/internal/cache"
	"github.com/cognitude/cognitude/internal/provider"
	"github.com/cognitude/cognitude/internal/ratelimit"
	"github.com/cognitude/cognitude/internal/storage/sqlite"
	"github.com/cognitude/cognitude/internal/telemetry"
	"github.com/cognitude/cognitude/internal/worker"
)

const (
	testSalt = "pepper"
	testKey  = "cgd_test_key"
)

type upstreamStub struct {
	name string
}

func (u *upstreamStub) Name() string { return u.name }

func (u *upstreamStub) ChatCompletion(_ context.Context, req *gateway.ChatRequest, _ string) (*gateway.ChatResponse, error) {
	return &gateway.ChatResponse{
		ID:      "chatcmpl-test",
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []gateway.Choice{
			{Message: gateway.Message{Role: "assistant", Content: "42"}, FinishReason: "stop"},
		},
		Usage: &gateway.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

type env struct {
	handler http.Handler
	store   *sqlite.Store
	org     *gateway.Organization
	limiter *ratelimit.Limiter
}

// newEnv stands up the full stack over an in-memory store: one tenant with
// the test key and one enabled openai provider config.
func newEnv(t *testing.T, redisCli *redis.Client) *env {
	t.Helper()

	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	org := &gateway.Organization{Name: "acme", KeyHash: gateway.HashKey(testSalt, testKey)}
	if err := store.CreateOrg(context.Background(), org); err != nil {
		t.Fatalf("create org: %v", err)
	}

	sealer, err := provider.NewSealer("test-secret")
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := sealer.Seal("sk-upstream")
	if err != nil {
		t.Fatal(err)
	}
	cfg := &gateway.ProviderConfig{OrgID: org.ID, Provider: gateway.ProviderOpenAI, APIKeyEnc: sealed, Enabled: true, Priority: 10}
	if err := store.CreateProviderConfig(context.Background(), cfg); err != nil {
		t.Fatalf("create provider config: %v", err)
	}

	registry := provider.NewRegistry(store, sealer)
	registry.Register(gateway.ProviderOpenAI, &upstreamStub{name: gateway.ProviderOpenAI})
	registry.Register(gateway.ProviderGroq, &upstreamStub{name: gateway.ProviderGroq})

	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	log := slog.Default()
	c := cache.New(redisCli, store, metrics, log, time.Hour, 0)
	writer := worker.NewLedgerWriter(store, metrics, worker.LedgerConfig{})
	pipeline := app.New(registry, c, writer, nil, metrics, log, 0)

	authn, err := auth.NewAPIKeyAuth(store, testSalt)
	if err != nil {
		t.Fatal(err)
	}

	var limiter *ratelimit.Limiter
	if redisCli != nil {
		limiter, err = ratelimit.New(redisCli, store, metrics, log)
		if err != nil {
			t.Fatal(err)
		}
	}

	handler := New(Deps{
		Auth:     authn,
		Pipeline: pipeline,
		Limiter:  limiter,
		Store:    store,
		Sealer:   sealer,
		Cache:    c,
		Metrics:  metrics,
	})
	return &env{handler: handler, store: store, org: org, limiter: limiter}
}

func (e *env) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+testKey)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func chatBody(model, content string) map[string]any {
	return map[string]any{
		"model":    model,
		"messages": []map[string]string{{"role": "user", "content": content}},
	}
}

func TestChatCompletionEndpoint(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)

	w := e.do(t, http.MethodPost, "/v1/chat/completions", chatBody("gpt-4o-mini", "hi"))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Request-Id") == "" {
		t.Error("missing request id header")
	}

	var resp gateway.ChatResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Cognitude == nil || resp.Cognitude.Provider != "openai" {
		t.Errorf("metadata = %+v", resp.Cognitude)
	}
	if resp.Cognitude.Cached {
		t.Error("first request reported cached")
	}

	// Identical request is a cache hit.
	w = e.do(t, http.MethodPost, "/v1/chat/completions", chatBody("gpt-4o-mini", "hi"))
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Cognitude.Cached || resp.Cognitude.CostUSD != 0 {
		t.Errorf("repeat metadata = %+v", resp.Cognitude)
	}
}

func TestAuthRequired(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader("{}"))
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
	var envlp apiError
	if err := json.Unmarshal(w.Body.Bytes(), &envlp); err != nil {
		t.Fatal(err)
	}
	if envlp.Error.Type != "authentication_error" {
		t.Errorf("error type = %q", envlp.Error.Type)
	}
}

func TestAuthViaAPIKeyHeader(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)

	var buf bytes.Buffer
	json.NewEncoder(&buf).Encode(chatBody("gpt-4o-mini", "hi")) //nolint:errcheck
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", &buf)
	req.Header.Set("X-API-Key", testKey)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestSmartCompletionEndpoint(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)

	w := e.do(t, http.MethodPost, "/v1/smart/completions", chatBody("gpt-4o", "what is 2+2"))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp gateway.ChatResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.SelectedModel == "" || resp.Reasoning == "" {
		t.Errorf("selected_model = %q, reasoning = %q", resp.SelectedModel, resp.Reasoning)
	}

	if w := e.do(t, http.MethodPost, "/v1/smart/completions?mode=turbo", chatBody("gpt-4o", "hi")); w.Code != http.StatusBadRequest {
		t.Errorf("unknown mode status = %d", w.Code)
	}
}

func TestAnalyzeEndpoint(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)

	w := e.do(t, http.MethodPost, "/v1/smart/analyze", chatBody("gpt-4o", "what is the capital of france"))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var result struct {
		TaskClass        string  `json:"task_class"`
		ComplexityScore  float64 `json:"complexity_score"`
		RecommendedModel string  `json:"recommended_model"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if result.TaskClass == "" || result.RecommendedModel == "" {
		t.Errorf("result = %+v", result)
	}
}

func TestInvalidBody(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer "+testKey)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d", w.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err     error
		status  int
		errType string
	}{
		{context.DeadlineExceeded, http.StatusServiceUnavailable, "service_unavailable"},
		{gateway.ErrNoProvider, http.StatusBadGateway, "api_error"},
		{gateway.ErrRateLimited, http.StatusTooManyRequests, "rate_limit_error"},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		writeErrorFor(w, tc.err)
		if w.Code != tc.status {
			t.Errorf("%v: status = %d, want %d", tc.err, w.Code, tc.status)
		}
		var envlp apiError
		if err := json.Unmarshal(w.Body.Bytes(), &envlp); err != nil {
			t.Fatal(err)
		}
		if envlp.Error.Type != tc.errType {
			t.Errorf("%v: error type = %q, want %q", tc.err, envlp.Error.Type, tc.errType)
		}
	}
}

func TestRateLimitEnforced(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	redisCli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisCli.Close() })

	e := newEnv(t, redisCli)
	cfg := &gateway.RateLimitConfig{OrgID: e.org.ID, PerMinute: 2, PerHour: 10, PerDay: 100, Enabled: true}
	if err := e.store.PutRateLimitConfig(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		last = e.do(t, http.MethodPost, "/v1/chat/completions", chatBody("gpt-4o-mini", fmt.Sprintf("q%d", i)))
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d, want 429", last.Code)
	}
	if last.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	if last.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("remaining = %q", last.Header().Get("X-RateLimit-Remaining"))
	}

	// Every window reports its own triple; the bare headers carry the
	// tightest one (the minute window here).
	wantLimits := map[string]string{"Minute": "2", "Hour": "10", "Day": "100"}
	for suffix, want := range wantLimits {
		if got := last.Header().Get("X-RateLimit-Limit-" + suffix); got != want {
			t.Errorf("limit %s = %q, want %q", suffix, got, want)
		}
		if last.Header().Get("X-RateLimit-Remaining-"+suffix) == "" {
			t.Errorf("missing remaining header for %s window", suffix)
		}
		if last.Header().Get("X-RateLimit-Reset-"+suffix) == "" {
			t.Errorf("missing reset header for %s window", suffix)
		}
	}
	if got := last.Header().Get("X-RateLimit-Limit"); got != "2" {
		t.Errorf("bare limit = %q, want the exhausted minute window", got)
	}

	var envlp apiError
	if err := json.Unmarshal(last.Body.Bytes(), &envlp); err != nil {
		t.Fatal(err)
	}
	if envlp.Error.Type != "rate_limit_error" {
		t.Errorf("error type = %q", envlp.Error.Type)
	}
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)

	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		e.handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK || w.Body.String() != "ok" {
			t.Errorf("%s: status = %d, body = %q", path, w.Code, w.Body.String())
		}
	}
}
