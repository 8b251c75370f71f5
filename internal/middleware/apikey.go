package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/taskmesh/taskmesh/internal/config"
)

// APIKey returns a middleware that requires the configured API key on every
// request. The key is read from the configured header, falling back to a query
// parameter of the same name. Comparison is constant-time.
func APIKey(cfg *config.ServerConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(cfg.APIKeyName)
			if key == "" {
				key = r.URL.Query().Get(cfg.APIKeyName)
			}

			if subtle.ConstantTimeCompare([]byte(key), []byte(cfg.APIKey)) != 1 {
				slog.Warn("rejected request with invalid API key",
					"method", r.Method,
					"path", r.URL.Path,
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized","message":"a valid API key is required"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
