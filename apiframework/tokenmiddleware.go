package apiframework

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

type tokenContextKey struct{}

// TokenMiddleware lifts the bearer token out of the Authorization header so
// handlers can read it from the context.
func TokenMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := BearerToken(r)
		if token != "" {
			ctx := context.WithValue(r.Context(), tokenContextKey{}, token)
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(w, r)
	})
}

// TokenFromContext returns the bearer token placed by TokenMiddleware.
func TokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(tokenContextKey{}).(string)
	return token
}

// BearerToken extracts the token from the Authorization header.
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// EnforceToken rejects requests whose bearer token does not match the
// configured admin token. Comparison is constant-time.
func EnforceToken(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := BearerToken(r)
		if presented == "" {
			_ = Error(w, r, ErrUnauthorized, ServerOperation)
			return
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			_ = Error(w, r, ErrForbidden, AuthorizeOperation)
			return
		}
		next.ServeHTTP(w, r)
	})
}
