package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/sungwon/mailqueue/internal/metrics"
)

type contextKey string

const clientKey contextKey = "api_client"

// ClientFromContext returns the index of the API key that authenticated the
// request, or -1 when the request was not authenticated.
func ClientFromContext(ctx context.Context) int {
	if idx, ok := ctx.Value(clientKey).(int); ok {
		return idx
	}
	return -1
}

// BearerAuth returns an HTTP middleware that validates Bearer token
// authentication against keys. When keys is empty every request passes.
func BearerAuth(keys *KeyRing) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if keys.Empty() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				unauthorized(w, "authorization header required")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				unauthorized(w, "invalid authorization format, expected Bearer <token>")
				return
			}

			apiKey := strings.TrimSpace(parts[1])
			if apiKey == "" {
				unauthorized(w, "empty API key")
				return
			}

			idx, err := keys.Verify(apiKey)
			if err != nil {
				unauthorized(w, "invalid API key")
				return
			}

			ctx := context.WithValue(r.Context(), clientKey, idx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	metrics.APIAuthFailuresTotal.Inc()
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
