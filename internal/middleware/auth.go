package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/wudi/hangar/internal/errors"
)

// PrincipalVerifier validates a bearer token and returns the principal
// (username) it belongs to.
type PrincipalVerifier interface {
	VerifyToken(token string) (string, error)
}

// principalKey is the context key for the authenticated principal.
type principalKey struct{}

// BearerAuth creates a middleware enforcing RFC 6750 bearer tokens on every
// request except the listed exempt paths.
func BearerAuth(verifier PrincipalVerifier, exemptPaths ...string) Middleware {
	exempt := make(map[string]bool, len(exemptPaths))
	for _, p := range exemptPaths {
		exempt[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if exempt[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				w.Header().Set("WWW-Authenticate", "Bearer")
				errors.ErrUnauthorized.WithDetails("Could not validate credentials").WriteJSON(w)
				return
			}

			principal, err := verifier.VerifyToken(token)
			if err != nil {
				w.Header().Set("WWW-Authenticate", "Bearer")
				errors.ErrUnauthorized.WithDetails("Could not validate credentials").WriteJSON(w)
				return
			}

			ctx := context.WithValue(r.Context(), principalKey{}, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// PrincipalFromContext returns the authenticated username, if any.
func PrincipalFromContext(ctx context.Context) string {
	if p, ok := ctx.Value(principalKey{}).(string); ok {
		return p
	}
	return ""
}
