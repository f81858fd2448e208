package httpserver

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"
)

// RateAllower is the slice of the session rate limiter this middleware needs.
type RateAllower interface {
	Allow(ctx context.Context, key string, cost int64) (bool, time.Duration, error)
}

// SessionRateLimit throttles requests per credential session. It must sit
// after RequireCredential; requests without a credential pass through, and
// limiter errors admit the request (the limiter fails open).
func SessionRateLimit(limiter RateAllower) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cred, ok := CredentialFrom(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			allowed, retryAfter, err := limiter.Allow(r.Context(), cred.SessionID, 1)
			if err != nil || allowed {
				next.ServeHTTP(w, r)
				return
			}
			if retryAfter > 0 {
				w.Header().Set("Retry-After", strconv.FormatInt(int64(math.Ceil(retryAfter.Seconds())), 10))
			}
			writeJSON(w, http.StatusTooManyRequests, errorEnvelope{Error: apiError{
				Code:    "RATE_LIMITED",
				Message: "session request rate exceeded",
			}})
		})
	}
}
