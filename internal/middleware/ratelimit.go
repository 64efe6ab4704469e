package middleware

import (
	"log/slog"
	"net/http"

	"github.com/renderloom/backend/internal/ratelimit"
)

// RateLimit caps requests per authenticated user using the injected limiter.
// Counter backend failures fail open and are logged; an anonymous request is
// keyed by remote address.
func RateLimit(limiter *ratelimit.Limiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := UserIDFromCtx(r.Context())
			if key == "" {
				key = r.RemoteAddr
			}

			ok, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("rate limit counter failed", "key", key, "error", err)
			}
			if !ok {
				http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
