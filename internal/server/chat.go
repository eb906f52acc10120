package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	gateway "github.com/cognitude/cognitude/internal"
	"github.com/cognitude/cognitude/internal/provider"
)

// maxChatBody caps inbound chat request bodies (1 MB).
const maxChatBody = 1 << 20

func (s *server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	s.serveChat(w, r, gateway.ModeExplicit)
}

// handleSmartCompletion routes by cost. ?mode=balanced trades some savings
// for one class of capability headroom.
func (s *server) handleSmartCompletion(w http.ResponseWriter, r *http.Request) {
	mode := gateway.ModeCost
	switch r.URL.Query().Get("mode") {
	case "", gateway.ModeCost:
	case gateway.ModeBalanced:
		mode = gateway.ModeBalanced
	default:
		writeError(w, http.StatusBadRequest, "mode must be cost or balanced")
		return
	}
	s.serveChat(w, r, mode)
}

func (s *server) serveChat(w http.ResponseWriter, r *http.Request, mode string) {
	var req gateway.ChatRequest
	if !decodeChat(w, r, &req) {
		return
	}

	org := gateway.OrgFromContext(r.Context())
	resp, err := s.deps.Pipeline.ChatCompletion(r.Context(), org, &req, mode, r.URL.Path)
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req gateway.ChatRequest
	if !decodeChat(w, r, &req) {
		return
	}

	org := gateway.OrgFromContext(r.Context())
	result, err := s.deps.Pipeline.Analyze(r.Context(), org, &req)
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// decodeChat limits body size and decodes the canonical request shape.
// Unknown client keys are dropped by encoding/json, which keeps the
// fingerprint canonical.
func decodeChat(w http.ResponseWriter, r *http.Request, req *gateway.ChatRequest) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxChatBody)
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// apiError is the OpenAI-style error envelope.
type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

func errorResponse(errType, msg string) apiError {
	var e apiError
	e.Error.Message = msg
	e.Error.Type = errType
	return e
}

// writeErrorFor maps a pipeline or store error to its HTTP shape. Upstream
// provider errors surface as 502 without the raw upstream body.
func writeErrorFor(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gateway.ErrUnauthorized):
		writeTypedError(w, http.StatusUnauthorized, "authentication_error", "invalid API key")
	case errors.Is(err, gateway.ErrForbidden):
		writeTypedError(w, http.StatusForbidden, "permission_error", "forbidden")
	case errors.Is(err, gateway.ErrNotFound):
		writeTypedError(w, http.StatusNotFound, "not_found_error", "not found")
	case errors.Is(err, gateway.ErrRateLimited):
		writeTypedError(w, http.StatusTooManyRequests, "rate_limit_error", "rate limit exceeded")
	case errors.Is(err, gateway.ErrBadRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, gateway.ErrNoProvider):
		writeTypedError(w, http.StatusBadGateway, "api_error", "no upstream provider available")
	case errors.Is(err, gateway.ErrProviderError), isUpstreamError(err):
		writeTypedError(w, http.StatusBadGateway, "api_error", "upstream provider error")
	case errors.Is(err, context.DeadlineExceeded):
		writeTypedError(w, http.StatusServiceUnavailable, "service_unavailable", "request timed out")
	default:
		writeTypedError(w, http.StatusInternalServerError, "api_error", "internal error")
	}
}

func isUpstreamError(err error) bool {
	var apiErr *provider.APIError
	return errors.As(err, &apiErr)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse("invalid_request_error", msg))
}

func writeTypedError(w http.ResponseWriter, status int, errType, msg string) {
	writeJSON(w, status, errorResponse(errType, msg))
}

// jsonCT is a pre-allocated header value slice. Direct map assignment avoids
// the []string{v} alloc that Header.Set creates on every call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
