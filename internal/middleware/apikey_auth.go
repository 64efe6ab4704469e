package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/renderloom/backend/internal/models"
)

type contextKey string

const ctxAPIKey contextKey = "api_key"

// APIKeyLookup resolves a SHA-256 key hash to an active API key row.
type APIKeyLookup interface {
	FindByKeyHash(ctx context.Context, keyHash string) (*models.APIKey, error)
}

// APIKeyAuth authenticates requests by hashing the Bearer token (SHA-256)
// and looking it up in api_keys. On success the key, including its user id,
// rides the request context.
func APIKeyAuth(lookup APIKeyLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				http.Error(w, `{"error":"missing or malformed Authorization header"}`, http.StatusUnauthorized)
				return
			}

			key, err := lookup.FindByKeyHash(r.Context(), HashKey(raw))
			if err != nil || !key.IsActive {
				http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), ctxAPIKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin gates a route on the authenticated key's admin flag.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := KeyFromCtx(r.Context())
		if key == nil || !key.IsAdmin {
			http.Error(w, `{"error":"admin access required"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// KeyFromCtx returns the authenticated API key or nil.
func KeyFromCtx(ctx context.Context) *models.APIKey {
	key, _ := ctx.Value(ctxAPIKey).(*models.APIKey)
	return key
}

// UserIDFromCtx returns the authenticated user id or "".
func UserIDFromCtx(ctx context.Context) string {
	if key := KeyFromCtx(ctx); key != nil {
		return key.UserID
	}
	return ""
}

// WithKey returns a context carrying the given API key.
func WithKey(ctx context.Context, key *models.APIKey) context.Context {
	return context.WithValue(ctx, ctxAPIKey, key)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// HashKey is the storage form of a raw API key. Key minting and auth share
// it so a key looked up by hash always matches the one handed out.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
