package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	gateway "github.com/cognitude/cognitude/internal"
	"github.com/cognitude/cognitude/internal/ratelimit"
)

// statusWriterPool eliminates 1 alloc/req from &statusWriter{} escaping to heap.
// Reset fields on Get, nil ResponseWriter on Put to avoid retaining references.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// recovery catches panics and returns 500.
func (s *server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.LogAttrs(r.Context(), slog.LevelError, "panic recovered",
					slog.Any("error", rec),
					slog.String("path", r.URL.Path),
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader uses the canonical MIME form so direct map access
// (r.Header[key], w.Header()[key] = ...) skips textproto.CanonicalMIMEHeaderKey.
const requestIDHeader = "X-Request-Id"

// requestID adds a UUID v7 request ID to the context and response header.
func (s *server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id string
		if vals := r.Header[requestIDHeader]; len(vals) > 0 {
			id = vals[0]
		} else {
			id = uuid.Must(uuid.NewV7()).String()
		}
		w.Header()[requestIDHeader] = []string{id}
		ctx := gateway.ContextWithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// logging logs each request with method, path, status, and duration.
func (s *server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := statusWriterPool.Get().(*statusWriter)
		sw.ResponseWriter = w
		sw.status = http.StatusOK
		sw.wroteHeader = false
		next.ServeHTTP(sw, r)
		// LogAttrs with typed attrs keeps values on the stack, avoiding the
		// boxing slog.Info does per key and value.
		slog.LogAttrs(r.Context(), slog.LevelInfo, "request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.status),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("request_id", gateway.RequestIDFromContext(r.Context())),
		)
		sw.ResponseWriter = nil
		statusWriterPool.Put(sw)
	})
}

// apiKey extracts the tenant credential from X-API-Key or a Bearer token.
func apiKey(r *http.Request) string {
	if k := r.Header.Get("X-Api-Key"); k != "" {
		return k
	}
	auth := r.Header.Get("Authorization")
	if rest, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return rest
	}
	return ""
}

// authenticate resolves the API key to a tenant and stores it in context.
// When requestMeta already exists (set by requestID), the org is stored by
// mutation; no new context or request copy is needed.
func (s *server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		org, err := s.deps.Auth.Authenticate(r.Context(), apiKey(r))
		if err != nil {
			writeErrorFor(w, err)
			return
		}
		ctx := gateway.ContextWithOrg(r.Context(), org)
		if ctx == r.Context() {
			next.ServeHTTP(w, r)
		} else {
			next.ServeHTTP(w, r.WithContext(ctx))
		}
	})
}

// rateLimit enforces the tenant's sliding-window limits. Window state is
// reported via X-RateLimit headers; denials are 429 with Retry-After and a
// ledger row so they show up in the rate-limit alert.
func (s *server) rateLimit(next http.Handler) http.Handler {
	if s.deps.Limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		org := gateway.OrgFromContext(r.Context())
		res, err := s.deps.Limiter.Check(r.Context(), org.ID)
		if err != nil {
			// Limit state is unavailable; serving beats shedding.
			slog.LogAttrs(r.Context(), slog.LevelWarn, "rate limit check failed",
				slog.Int64("org_id", org.ID),
				slog.String("error", err.Error()),
			)
			next.ServeHTTP(w, r)
			return
		}

		if res.Enforced {
			setRateLimitHeaders(w, res)
		}
		if !res.Allowed {
			if res.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.FormatInt(res.RetryAfter, 10))
			}
			s.deps.Pipeline.RecordRateLimited(org, "", r.URL.Path)
			writeTypedError(w, http.StatusTooManyRequests, "rate_limit_error", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// windowHeaderSuffix maps limiter window names to header suffixes.
var windowHeaderSuffix = map[string]string{
	"minute": "Minute",
	"hour":   "Hour",
	"day":    "Day",
}

// setRateLimitHeaders emits a limit/remaining/reset triple per window, plus
// the bare triple for the most constrained window.
func setRateLimitHeaders(w http.ResponseWriter, res *ratelimit.Result) {
	h := w.Header()
	tightest := res.Denied
	for i := range res.Windows {
		win := &res.Windows[i]
		if tightest == nil || win.Remaining < tightest.Remaining {
			tightest = win
		}
		suffix, ok := windowHeaderSuffix[win.Name]
		if !ok {
			continue
		}
		h.Set("X-RateLimit-Limit-"+suffix, strconv.FormatInt(win.Limit, 10))
		h.Set("X-RateLimit-Remaining-"+suffix, strconv.FormatInt(win.Remaining, 10))
		h.Set("X-RateLimit-Reset-"+suffix, strconv.FormatInt(win.Reset, 10))
	}
	if tightest == nil {
		return
	}
	h.Set("X-RateLimit-Limit", strconv.FormatInt(tightest.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(tightest.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(tightest.Reset, 10))
}

// statusWriter wraps ResponseWriter to capture the HTTP status code.
// WriteHeader records only the first status code, matching net/http
// semantics where only the first WriteHeader takes effect.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.wroteHeader {
		sw.wroteHeader = true
	}
	return sw.ResponseWriter.Write(b)
}

// Unwrap returns the underlying ResponseWriter, allowing
// http.ResponseController and similar utilities to find implementations.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}
