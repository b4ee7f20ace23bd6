// Package contracts defines the service interfaces behind the toolplane
// transports.
//
// The HTTP handlers and the stdio loop consume these interfaces, never the
// concrete types, so a subsystem can be swapped (an in-memory queue for a
// Redis one, a file conversation store for Postgres) with a single line in
// the wiring code (pkg/server).
package contracts

import (
	"context"
	"time"

	"github.com/toolplane/toolplane/internal/convstore"
	"github.com/toolplane/toolplane/pkg/models"
)

// ConversationStore is a type alias for the internal store interface.
// Exposed in pkg/ so embedders can reference it without importing internal/.
type ConversationStore = convstore.Store

// ErrNotFound is a type alias for the store's not-found error.
type ErrNotFound = convstore.ErrNotFound

// ── Tool Dispatcher ─────────────────────────────────────────

// DispatcherService resolves and executes tools on behalf of the transports.
type DispatcherService interface {
	// ListTools returns the served descriptors, names rendered in the
	// registry's configured casing.
	ListTools() []models.MCPToolInfo

	// ListToolsAs renders the served descriptors in the requested casing
	// ("dotted", "camel", "snake", "underscore"); empty means the configured
	// one. Unknown casings error.
	ListToolsAs(casing string) ([]models.MCPToolInfo, error)

	// Invoke runs one tool call. Handler failures come back as an
	// {isError:true} envelope with a nil error; a non-nil error means the
	// call never reached a handler (unknown tool, bad params, no token).
	Invoke(ctx context.Context, name string, args map[string]any) (*models.ToolResult, error)

	// Complete returns tool names matching a prefix, for editor completion.
	Complete(prefix string) []string

	// SetUserToken validates and stores a user access token for subsequent
	// calls that prefer user identity.
	SetUserToken(token string) error
}

// ── MCP Gateway ─────────────────────────────────────────────

// GatewayService handles MCP (Model Context Protocol) JSON-RPC requests.
type GatewayService interface {
	// HandleJSONRPC processes one MCP request for a session. A nil return
	// means the request was a notification and gets no reply.
	HandleJSONRPC(ctx context.Context, session string, req *models.MCPRequest) *models.MCPResponse

	// Subscribe registers a channel for SSE frames bound to a session.
	Subscribe(session string) chan models.MCPResponse

	// Unsubscribe removes an SSE channel for a session.
	Unsubscribe(session string, ch chan models.MCPResponse)

	// Publish pushes a frame to a session's live streams, reporting whether
	// any stream received it. The HTTP layer uses it to deliver replies over
	// SSE, falling back to a direct response when it returns false.
	Publish(session string, frame models.MCPResponse) bool
}

// ── Task Queue ──────────────────────────────────────────────

// TaskQueueService is the queue surface the ops API exposes.
type TaskQueueService interface {
	// Enqueue adds a task and returns its id.
	Enqueue(ctx context.Context, task *models.Task) (string, error)

	// GetTask returns a task by id, wherever it currently lives.
	GetTask(ctx context.Context, id string) (*models.Task, error)

	// Remove drops a task that has not started processing.
	Remove(ctx context.Context, id string) error

	// Stats returns queue depths and throughput counters.
	Stats(ctx context.Context) (*models.QueueStats, error)
}

// ── Token Rotation ──────────────────────────────────────────

// TokenRotator mints a replacement credential for a token kind. The platform
// client provides the production implementation, driven by APP_ID/APP_SECRET.
type TokenRotator interface {
	Rotate(ctx context.Context, kind models.TokenKind, refreshToken string) (token string, expiresAt time.Time, err error)
}
