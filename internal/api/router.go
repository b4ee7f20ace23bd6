// Package api wires the HTTP surface: the MCP transport pair at the root
// (POST /mcp, GET /events) and the ops endpoints under /api/v1.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/toolplane/toolplane/internal/api/handlers"
	"github.com/toolplane/toolplane/internal/api/middleware"
)

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(h *handlers.Handlers, ch *handlers.ConversationHandlers,
	guard *middleware.AuthMiddleware, corsOrigins []string) http.Handler {
	r := chi.NewRouter()

	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.SessionExtractor)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Session-ID", "X-User-Token", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(guard.Handler)

	// Health & info
	r.Get("/healthz", h.Healthz)
	r.Get("/version", h.VersionInfo)

	// MCP transport pair
	r.Post("/mcp", h.MCPEndpoint)
	r.Get("/events", h.MCPSSEEndpoint)

	// Ops surface
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/tools", h.ListTools)

		// Task queue
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", h.EnqueueTask)
			r.Get("/stats", h.QueueStats)
			r.Get("/{taskId}", h.GetTask)
			r.Delete("/{taskId}", h.RemoveTask)
		})

		// Cache manager
		r.Route("/cache", func(r chi.Router) {
			r.Get("/metrics", h.CacheMetrics)
			r.Delete("/", h.ClearCache)
		})

		// Rate limiter
		r.Route("/ratelimit", func(r chi.Router) {
			r.Get("/metrics", h.RateLimitMetrics)
			r.Post("/reset", h.ResetRateLimit)
			r.Put("/{tier}", h.UpdateRateLimit)
		})

		// Token vault (masked status only)
		r.Get("/vault/status", h.VaultStatus)

		// Conversations
		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", ch.ListConversations)
			r.Get("/stats", ch.ConversationStats)
			r.Post("/cleanup", ch.CleanupConversations)
			r.Get("/{conversationId}", ch.GetConversation)
			r.Delete("/{conversationId}", ch.DeleteConversation)
		})
	})

	return r
}
