package circuitbreaker

import (
	"context"
	"errors"
	"net/http"
	"os"

	"github.com/cognitude/cognitude/internal/provider"
)

// Weight maps an upstream call error to a breaker error weight.
//
// Timeouts weigh heaviest: the request held a slot for the full deadline.
// Rate limiting weighs half; the provider is up, just shedding. Permanent
// and model-level failures weigh zero, they indicate tenant configuration
// (bad credentials, unknown model) rather than provider health.
func Weight(err error) float64 {
	if err == nil {
		return 0
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return 1.5
	}

	switch provider.Classify(err) {
	case provider.FailPermanent, provider.FailModel:
		return 0
	}

	var apiErr *provider.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		return 0.5
	}
	return 1.0
}
