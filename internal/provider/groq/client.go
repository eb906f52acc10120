// Package groq implements the gateway.Provider adapter for the Groq API.
// The wire format is OpenAI-compatible under /openai/v1.
package groq

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
	defaultBaseURL = "https://api.groq.com/openai/v1"
	providerName   = "groq"
)

var _ gateway.Provider = (*Client)(nil)

// Client is a Groq provider adapter that implements gateway.Provider.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Groq Client. If baseURL is empty, it defaults to
// "https://api.groq.com/openai/v1".
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

// ChatCompletion sends a non-streaming chat completion request to the Groq API.
func (c *Client) ChatCompletion(ctx context.Context, req *gateway.ChatRequest, apiKey string) (*gateway.ChatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("groq: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("groq: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("groq: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(providerName, resp)
	}

	var out gateway.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("groq: decode response: %w", err)
	}
	provider.EnsureUsage(req, &out)
	return &out, nil
}
