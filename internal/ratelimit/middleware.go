package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/noah-isme/shop-reduction/internal/common"
)

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// Backend counts one event for key and decides whether it fits the limit.
type Backend interface {
	Take(ctx context.Context, key string) (Decision, error)
}

// Handler enforces rate limits before delegating to the next handler.
// Backend errors let the request through and are reported to OnError.
type Handler struct {
	Backend Backend
	Key     func(*http.Request) string
	OnError func(error)
}

// ByClientIP keys requests by caller address.
func ByClientIP(prefix string) func(*http.Request) string {
	return func(r *http.Request) string {
		return prefix + common.ClientIP(r)
	}
}

// Middleware implements the http.Handler middleware interface.
func (h Handler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Key == nil || h.Backend == nil {
			next.ServeHTTP(w, r)
			return
		}
		decision, err := h.Backend.Take(r.Context(), h.Key(r))
		if err != nil {
			if h.OnError != nil {
				h.OnError(err)
			}
			next.ServeHTTP(w, r)
			return
		}

		headers := w.Header()
		headers.Set("X-RateLimit-Limit", strconv.Itoa(max(decision.Limit, 0)))
		headers.Set("X-RateLimit-Remaining", strconv.Itoa(max(decision.Remaining, 0)))
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.Reset.Unix(), 10))

		if !decision.Allowed {
			retryAfter := int(time.Until(decision.Reset).Seconds())
			headers.Set("Retry-After", strconv.Itoa(max(retryAfter, 0)))
			common.JSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
