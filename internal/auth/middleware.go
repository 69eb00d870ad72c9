package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

type contextKey string

// IssuerKey holds the authenticated token issuer in the request context.
const IssuerKey contextKey = "issuer"

// HTTPMiddleware rejects requests whose bearer token does not verify
// against secret.
func HTTPMiddleware(secret string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth for health checks
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		tokenString, err := BearerToken(r)
		if err != nil {
			writeUnauthorized(w, err)
			return
		}
		claims, err := VerifyToken(tokenString, secret, time.Now())
		if err != nil {
			writeUnauthorized(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), IssuerKey, claims.Issuer)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IssuerFromContext returns the issuer set by HTTPMiddleware.
func IssuerFromContext(ctx context.Context) (string, bool) {
	issuer, ok := ctx.Value(IssuerKey).(string)
	return issuer, ok
}

func writeUnauthorized(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "message": err.Error()})
}
