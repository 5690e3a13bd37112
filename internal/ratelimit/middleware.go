package ratelimit

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/kokoro/internal/model"
)

// KeyFunc derives the bucket key for a request: the client IP for the
// unauthenticated account endpoints, the user ID everywhere else. An empty
// key exempts the request.
type KeyFunc func(r *http.Request) string

// RequestIDFunc reads the request ID for the 429 envelope. Injected so this
// package stays independent of the server's context plumbing.
type RequestIDFunc func(r *http.Request) string

// Middleware enforces rule on every request keyed by keyFunc. A nil limiter
// turns the middleware into a pass-through, which is how the server runs
// when rate limiting is disabled.
func Middleware(limiter *Limiter, rule Rule, keyFunc KeyFunc) func(http.Handler) http.Handler {
	return MiddlewareWithRequestID(limiter, rule, keyFunc, nil)
}

// MiddlewareWithRequestID is Middleware with the request ID threaded into
// denied responses, so a 429 correlates with the server logs like any other
// API error.
func MiddlewareWithRequestID(limiter *Limiter, rule Rule, keyFunc KeyFunc, reqIDFunc RequestIDFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			result := limiter.Allow(r.Context(), rule, key)

			// Headers go out on allowed requests too, so well-behaved
			// clients can pace themselves before hitting the limit.
			for k, v := range result.FormatHeaders() {
				w.Header().Set(k, v)
			}
			if result.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			var requestID string
			if reqIDFunc != nil {
				requestID = reqIDFunc(r)
			}
			deny(w, result, requestID)
		})
	}
}

// deny writes the 429 response in the standard API error envelope, with a
// Retry-After rounded up so a client that waits exactly that long finds a
// token available.
func deny(w http.ResponseWriter, result Result, requestID string) {
	retryAfter := int(math.Ceil(time.Until(result.ResetAt).Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{
			Code:    model.ErrCodeRateLimited,
			Message: "too many requests",
		},
		Meta: model.ResponseMeta{
			RequestID: requestID,
			Timestamp: time.Now().UTC(),
		},
	})
}

// IPKeyFunc keys by the connection's RemoteAddr with the port stripped.
// X-Forwarded-For is deliberately ignored: the header is client-controlled
// unless a trusted proxy rewrites it, so honoring it would let anyone choose
// their own bucket. Deployments behind a sanitizing proxy should have the
// proxy rewrite RemoteAddr instead.
func IPKeyFunc(r *http.Request) string {
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
