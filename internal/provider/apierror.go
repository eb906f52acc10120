package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

// Failure classes used by the dispatch failover walk.
//
// Transient failures (timeouts, 429s, 5xx, connection and parse errors) are
// worth retrying against the next candidate with the same model. A
// model-level failure (the upstream does not serve the model) is retried
// with a different candidate, which may map to a different model. Permanent
// failures (auth, malformed request) abort the walk.
const (
	FailTransient = "transient"
	FailModel     = "model"
	FailPermanent = "permanent"
)

// APIError represents an error response from an upstream LLM provider.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

// Error returns a formatted error string including provider, status, and body.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
}

// HTTPStatus returns the HTTP status code for failover decisions.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// ParseAPIError reads up to 4KB from the response body and returns an APIError.
func ParseAPIError(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{Provider: provider, StatusCode: resp.StatusCode, Body: string(body)}
}

// Classify maps an upstream call error to a failure class.
func Classify(err error) string {
	if err == nil {
		return ""
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusNotFound,
			isModelNotFound(apiErr.Body):
			return FailModel
		case apiErr.StatusCode == http.StatusRequestTimeout,
			apiErr.StatusCode == http.StatusTooManyRequests,
			apiErr.StatusCode >= 500:
			return FailTransient
		case apiErr.StatusCode == http.StatusBadRequest,
			apiErr.StatusCode == http.StatusUnauthorized,
			apiErr.StatusCode == http.StatusForbidden:
			return FailPermanent
		default:
			return FailTransient
		}
	}

	if errors.Is(err, context.Canceled) {
		return FailPermanent
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return FailTransient
	}
	// Unmarshalable upstream bodies and other adapter-level failures.
	return FailTransient
}

// isModelNotFound recognizes the model-unknown error shapes the upstreams
// return with a 400 instead of a 404.
func isModelNotFound(body string) bool {
	lower := strings.ToLower(body)
	if !strings.Contains(lower, "model") {
		return false
	}
	return strings.Contains(lower, "not found") ||
		strings.Contains(lower, "does not exist") ||
		strings.Contains(lower, "not_found_error") ||
		strings.Contains(lower, "model_not_found") ||
		strings.Contains(lower, "invalid model")
}
