package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	gateway "github.com/cognitude/cognitude/internal"
)

type stubProvider struct{ name string }

func (p *stubProvider) Name() string { return p.name }
func (p *stubProvider) ChatCompletion(context.Context, *gateway.ChatRequest, string) (*gateway.ChatResponse, error) {
	return nil, nil
}

type stubConfigStore struct {
	configs []*gateway.ProviderConfig
}

func (s *stubConfigStore) CreateProviderConfig(context.Context, *gateway.ProviderConfig) error {
	return nil
}
func (s *stubConfigStore) GetProviderConfig(context.Context, int64, int64) (*gateway.ProviderConfig, error) {
	return nil, gateway.ErrNotFound
}
func (s *stubConfigStore) UpdateProviderConfig(context.Context, *gateway.ProviderConfig) error {
	return nil
}
func (s *stubConfigStore) DeleteProviderConfig(context.Context, int64, int64) error { return nil }
func (s *stubConfigStore) ListProviderConfigs(context.Context, int64) ([]*gateway.ProviderConfig, error) {
	return s.configs, nil
}

func newTestRegistry(t *testing.T, store *stubConfigStore) *Registry {
	t.Helper()
	sealer, err := NewSealer("test-secret")
	if err != nil {
		t.Fatal(err)
	}
	r := NewRegistry(store, sealer)
	r.Register(gateway.ProviderOpenAI, &stubProvider{name: gateway.ProviderOpenAI})
	r.Register(gateway.ProviderAnthropic, &stubProvider{name: gateway.ProviderAnthropic})
	r.Register(gateway.ProviderGroq, &stubProvider{name: gateway.ProviderGroq})
	return r
}

func sealed(t *testing.T, r *Registry, key string) string {
	t.Helper()
	enc, err := r.sealer.Seal(key)
	if err != nil {
		t.Fatal(err)
	}
	return enc
}

func TestResolveOrdersPreferredFirst(t *testing.T) {
	t.Parallel()

	store := &stubConfigStore{}
	r := newTestRegistry(t, store)
	store.configs = []*gateway.ProviderConfig{
		{ID: 1, Provider: gateway.ProviderOpenAI, APIKeyEnc: sealed(t, r, "k-openai"), Enabled: true, Priority: 1},
		{ID: 2, Provider: gateway.ProviderAnthropic, APIKeyEnc: sealed(t, r, "k-anthropic"), Enabled: true, Priority: 2},
		{ID: 3, Provider: gateway.ProviderGroq, APIKeyEnc: sealed(t, r, "k-groq"), Enabled: true, Priority: 3},
	}

	got, err := r.Resolve(context.Background(), 1, gateway.ProviderGroq)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	want := []string{gateway.ProviderGroq, gateway.ProviderOpenAI, gateway.ProviderAnthropic}
	for i, c := range got {
		if c.Provider.Name() != want[i] {
			t.Errorf("candidate[%d] = %s, want %s", i, c.Provider.Name(), want[i])
		}
	}
	if got[0].APIKey != "k-groq" {
		t.Errorf("credential not unsealed: %q", got[0].APIKey)
	}
}

func TestResolveSkipsDisabledAndUnknown(t *testing.T) {
	t.Parallel()

	store := &stubConfigStore{}
	r := newTestRegistry(t, store)
	store.configs = []*gateway.ProviderConfig{
		{ID: 1, Provider: gateway.ProviderOpenAI, APIKeyEnc: sealed(t, r, "k1"), Enabled: false, Priority: 1},
		{ID: 2, Provider: "bedrock", APIKeyEnc: sealed(t, r, "k2"), Enabled: true, Priority: 2},
		{ID: 3, Provider: gateway.ProviderAnthropic, APIKeyEnc: sealed(t, r, "k3"), Enabled: true, Priority: 3},
	}

	got, err := r.Resolve(context.Background(), 1, "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(got) != 1 || got[0].Provider.Name() != gateway.ProviderAnthropic {
		t.Errorf("candidates = %d, want anthropic only", len(got))
	}
}

func TestResolveNoProviders(t *testing.T) {
	t.Parallel()

	store := &stubConfigStore{}
	r := newTestRegistry(t, store)
	if _, err := r.Resolve(context.Background(), 1, ""); !errors.Is(err, gateway.ErrNoProvider) {
		t.Errorf("error = %v, want ErrNoProvider", err)
	}
}

func TestSealerRoundTrip(t *testing.T) {
	t.Parallel()

	s, err := NewSealer("secret-one")
	if err != nil {
		t.Fatal(err)
	}

	enc, err := s.Seal("sk-live-abc123")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(enc, "sk-live") {
		t.Error("sealed value leaks plaintext")
	}

	got, err := s.Open(enc)
	if err != nil {
		t.Fatal(err)
	}
	if got != "sk-live-abc123" {
		t.Errorf("opened = %q", got)
	}

	// Distinct nonces make repeated seals of the same value differ.
	enc2, _ := s.Seal("sk-live-abc123")
	if enc == enc2 {
		t.Error("sealed values should not repeat")
	}

	// A sealer with a different secret cannot open it.
	other, _ := NewSealer("secret-two")
	if _, err := other.Open(enc); err == nil {
		t.Error("open with wrong secret should fail")
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"rate limited", &APIError{StatusCode: 429}, FailTransient},
		{"timeout status", &APIError{StatusCode: 408}, FailTransient},
		{"server error", &APIError{StatusCode: 503}, FailTransient},
		{"bad request", &APIError{StatusCode: 400, Body: `{"error":"invalid temperature"}`}, FailPermanent},
		{"unauthorized", &APIError{StatusCode: 401}, FailPermanent},
		{"forbidden", &APIError{StatusCode: 403}, FailPermanent},
		{"not found", &APIError{StatusCode: 404}, FailModel},
		{"model missing via 400", &APIError{StatusCode: 400, Body: `{"error":{"code":"model_not_found","message":"The model does not exist"}}`}, FailModel},
		{"deadline", context.DeadlineExceeded, FailTransient},
		{"canceled", context.Canceled, FailPermanent},
		{"decode failure", io.ErrUnexpectedEOF, FailTransient},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("%s: Classify = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestClassifyWrappedAPIError(t *testing.T) {
	t.Parallel()

	err := &APIError{Provider: "openai", StatusCode: http.StatusServiceUnavailable}
	wrapped := errors.Join(errors.New("dispatch"), err)
	if got := Classify(wrapped); got != FailTransient {
		t.Errorf("classify wrapped = %q", got)
	}
}
