// Package mistral implements the gateway.Provider adapter for the Mistral API.
// The wire format is OpenAI-compatible.
package mistral

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	gateway "github.com/cognitude/cognitude/internal"
	"github.com/cognitude/cognitude/internal/provider"
)

const (
	defaultBaseURL = "https://api.mistral.ai/v1"
	providerName   = "mistral"
)

var _ gateway.Provider = (*Client)(nil)

// Client is a Mistral provider adapter that implements gateway.Provider.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Mistral Client. If baseURL is empty, it defaults to
// "https://api.mistral.ai/v1".
func New(baseURL string, client *http.Client) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: client}
}

// Name returns the provider kind.
func (c *Client) Name() string { return providerName }

// ChatCompletion sends a non-streaming chat completion request to the Mistral API.
func (c *Client) ChatCompletion(ctx context.Context, req *gateway.ChatRequest, apiKey string) (*gateway.ChatResponse, error) {
	// Mistral rejects penalty parameters it does not implement.
	outReq := *req
	outReq.PresencePenalty = nil
	outReq.FrequencyPenalty = nil

	body, err := json.Marshal(&outReq)
	if err != nil {
		return nil, fmt.Errorf("mistral: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("mistral: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("mistral: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(providerName, resp)
	}

	var out gateway.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("mistral: decode response: %w", err)
	}
	provider.EnsureUsage(req, &out)
	return &out, nil
}
