package middleware

import (
	"context"
	"net/http"
	"strings"

	jwtinfra "github.com/go-join-verify/internal/infrastructure/jwt"
)

type contextKey string

const ClaimsKey contextKey = "claims"

// Auth returns middleware that validates the operator Bearer JWT and injects
// its claims into the context.
func Auth(provider *jwtinfra.Provider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				writeJSONError(w, http.StatusUnauthorized, "missing or invalid authorization header")
				return
			}
			claims, err := provider.Verify(strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				writeJSONError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}
			ctx := context.WithValue(r.Context(), ClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext extracts operator claims from the request context.
func ClaimsFromContext(ctx context.Context) (*jwtinfra.OperatorClaims, bool) {
	c, ok := ctx.Value(ClaimsKey).(*jwtinfra.OperatorClaims)
	return c, ok
}
