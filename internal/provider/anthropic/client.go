// Package anthropic implements the gateway.Provider adapter for the Anthropic API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	gateway "github.com/cognitude/cognitude/internal"
	"github.com/cognitude/cognitude/internal/provider"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	providerName     = "anthropic"
	anthropicVersion = "2023-06-01"
)

var _ gateway.Provider = (*Client)(nil)

// Client is an Anthropic provider adapter that implements gateway.Provider.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates an Anthropic Client. If baseURL is empty, it defaults to
// "https://api.anthropic.com/v1".
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

// ChatCompletion sends a non-streaming request to the Anthropic Messages API
// and translates the response into the canonical OpenAI shape.
func (c *Client) ChatCompletion(ctx context.Context, req *gateway.ChatRequest, apiKey string) (*gateway.ChatResponse, error) {
	aReq := translateRequest(req)

	body, err := json.Marshal(aReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(providerName, resp)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1MB limit
	if err != nil {
		return nil, fmt.Errorf("anthropic: read response: %w", err)
	}

	out, err := translateResponse(respBody)
	if err != nil {
		return nil, err
	}
	provider.EnsureUsage(req, out)
	return out, nil
}
