package middleware

import (
	"net/http"
	"strings"

	pkgmw "github.com/toolplane/toolplane/pkg/middleware"
)

// SessionExtractor derives the MCP session identity for a request.
// It checks the X-Session-ID header, then the session query parameter,
// and falls back to "default" so stateless clients share one logical
// session. The session key pairs POST /mcp requests with their
// GET /events stream.
func SessionExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session := ""

		// Priority 1: X-Session-ID header
		if h := r.Header.Get("X-Session-ID"); h != "" {
			session = strings.TrimSpace(h)
		}

		// Priority 2: session query parameter (EventSource clients)
		if session == "" {
			if q := r.URL.Query().Get("session"); q != "" {
				session = strings.TrimSpace(q)
			}
		}

		if session == "" {
			session = "default"
		}

		ctx := pkgmw.SetSession(r.Context(), session)

		// A caller-scoped user token outranks the configured one for this
		// request only. It is carried in context and never logged.
		if tok := strings.TrimSpace(r.Header.Get("X-User-Token")); tok != "" {
			ctx = pkgmw.SetUserToken(ctx, tok)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
