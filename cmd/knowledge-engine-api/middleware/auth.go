// Package middleware provides HTTP middleware for the knowledge engine API.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/spherical-ai/nl2sql-engine/internal/config"
)

type contextKey string

// SubjectKey is the context key the Auth middleware stores the bearer
// token's subject under, once validated.
const SubjectKey contextKey = "auth_subject"

// Auth returns a bearer-token gate driven by cfg.Auth. When auth is
// disabled (the development default) every request passes through
// untouched. When enabled, a request without a well-formed
// "Authorization: Bearer <token>" header is rejected; this repository
// does not implement full OAuth2 token verification against
// cfg.OAuth2.Issuer (no OIDC/JWT library is part of this stack), so the
// check is presence-only, matching this engine's single-operator
// deployment shape rather than a multi-tenant one.
func Auth(cfg config.AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || strings.TrimSpace(token) == "" {
				http.Error(w, `{"error":"missing or malformed Authorization header"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), SubjectKey, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CORS returns a permissive CORS middleware for the given allowed
// origins, matching the teacher's development-mode CORS shape.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	originSet := make(map[string]bool, len(allowedOrigins))
	allowAll := false
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		originSet[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if originSet[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

