package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/toolplane/toolplane/pkg/contracts"
	pkgmw "github.com/toolplane/toolplane/pkg/middleware"
)

// AuthMiddleware authenticates ops-surface requests through the pluggable
// AuthProviderChain and stores the resulting Identity in context.
//
// The MCP transport pair (/mcp, /events) is never key-guarded: tool calls
// authenticate against the platform through the vault, not against this
// server. Only /api/v1 falls under the chain.
type AuthMiddleware struct {
	chain    contracts.AuthProviderChain
	required bool
}

// NewAuthMiddleware creates the auth middleware. When required is false
// (no API keys configured) unauthenticated requests pass through anonymously;
// a presented-but-invalid credential is still rejected.
func NewAuthMiddleware(chain contracts.AuthProviderChain, required bool) *AuthMiddleware {
	return &AuthMiddleware{
		chain:    chain,
		required: required,
	}
}

// Handler returns the HTTP handler middleware that authenticates requests.
func (am *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Public paths — skip auth
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		// Walk the provider chain
		identity, err := am.chain.Authenticate(r.Context(), r)
		if err != nil {
			log.Debug().Err(err).Str("path", r.URL.Path).Msg("Authentication failed")
			respondUnauthorized(w, "authentication_failed", err.Error())
			return
		}

		// No identity and auth is required → reject
		if identity == nil && am.required {
			respondUnauthorized(w, "authentication_required",
				"This endpoint requires authentication. Set Authorization: Bearer <key> or X-API-Key header.")
			return
		}

		// Store identity in context (nil is fine — means anonymous)
		ctx := r.Context()
		if identity != nil {
			ctx = pkgmw.SetIdentity(ctx, identity)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// isPublicPath returns true for paths that never require ops credentials.
func isPublicPath(path string) bool {
	publicPaths := []string{
		"/healthz",
		"/version",
	}
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	// MCP transport pair — credentials are platform tokens, not API keys.
	if strings.HasPrefix(path, "/mcp") || strings.HasPrefix(path, "/events") {
		return true
	}
	return false
}

func respondUnauthorized(w http.ResponseWriter, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="toolplane"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": msg,
	})
}
