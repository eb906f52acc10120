package gateway

import "errors"

// Sentinel errors for the gateway domain.
var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrRateLimited    = errors.New("rate limited")
	ErrBadRequest     = errors.New("bad request")
	ErrNoProvider     = errors.New("no enabled provider")
	ErrProviderError  = errors.New("provider error")
	ErrPipelineExpiry = errors.New("pipeline deadline exceeded")
)
