// Package gateway serves the MCP (Model Context Protocol) surface.
//
// One Gateway instance answers JSON-RPC requests regardless of transport:
// the stdio loop feeds it line-delimited requests, the HTTP layer feeds it
// POST bodies and delivers replies over per-session SSE streams. It supports:
//   - the initialize handshake and per-session lifecycle state
//   - tools/list, tools/call and completion/complete against the dispatcher
//   - server-initiated task status notifications pushed to the session that
//     enqueued the work
//   - idle session expiry
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolplane/toolplane/internal/ratelimit"
	"github.com/toolplane/toolplane/internal/registry"
	"github.com/toolplane/toolplane/pkg/contracts"
	"github.com/toolplane/toolplane/pkg/middleware"
	"github.com/toolplane/toolplane/pkg/models"
)

// protocolVersion is the MCP revision this gateway speaks.
const protocolVersion = "2024-11-05"

// serverName identifies this server in the initialize handshake.
const serverName = "toolplane"

// JSON-RPC error codes. The -32000 block is the application space.
const (
	CodeToolNotFound   = -32001
	CodeRateLimited    = -32002
	CodeUnavailable    = -32003
	CodeNotInitialized = -32004
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
	CodeParse          = -32700
)

// Gateway implements contracts.GatewayService.
type Gateway struct {
	dispatcher contracts.DispatcherService
	sessions   *sessionRegistry
}

// Options tune session housekeeping.
type Options struct {
	// IdleTTL is how long a session with no live stream survives between
	// requests. Zero means the 30 minute default.
	IdleTTL time.Duration

	// SweepInterval is how often expired sessions are collected.
	SweepInterval time.Duration
}

// New builds a gateway over a dispatcher.
func New(disp contracts.DispatcherService, opts Options) *Gateway {
	return &Gateway{
		dispatcher: disp,
		sessions:   newSessionRegistry(opts.IdleTTL, opts.SweepInterval),
	}
}

// Start runs the session sweep loop until ctx is canceled. Run it in a
// goroutine alongside the transports.
func (gw *Gateway) Start(ctx context.Context) {
	gw.sessions.start(ctx)
}

// HandleJSONRPC processes one MCP request for a session. A nil return means
// the request was a notification and gets no reply.
func (gw *Gateway) HandleJSONRPC(ctx context.Context, session string, req *models.MCPRequest) *models.MCPResponse {
	if req == nil || req.Method == "" || (req.Jsonrpc != "" && req.Jsonrpc != "2.0") {
		return rpcError(reqID(req), CodeInvalidRequest, "Invalid request", nil)
	}
	gw.sessions.touch(session)

	switch req.Method {

	// ── Lifecycle ────────────────────────────────────
	case "initialize":
		return gw.handleInitialize(session, req)

	case "notifications/initialized":
		log.Debug().Str("session", session).Msg("MCP client initialized")
		return nil

	case "ping":
		return &models.MCPResponse{
			Jsonrpc: "2.0",
			Result:  map[string]string{"status": "pong"},
			ID:      req.ID,
		}

	// ── Tools ────────────────────────────────────────
	case "tools/list":
		return gw.handleToolsList(session, req)

	case "tools/call":
		return gw.handleToolsCall(ctx, session, req)

	case "completion/complete":
		return gw.handleComplete(session, req)

	default:
		return rpcError(req.ID, CodeMethodNotFound, "Method not found",
			fmt.Sprintf("method %q is not supported", req.Method))
	}
}

func (gw *Gateway) handleInitialize(session string, req *models.MCPRequest) *models.MCPResponse {
	gw.sessions.markInitialized(session)
	log.Info().Str("session", session).Msg("MCP session initialized")
	return &models.MCPResponse{
		Jsonrpc: "2.0",
		Result: map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities": map[string]any{
				"tools":       map[string]any{"listChanged": false},
				"completions": map[string]any{},
			},
			"serverInfo": map[string]string{
				"name":    serverName,
				"version": models.Version,
			},
		},
		ID: req.ID,
	}
}

func (gw *Gateway) handleToolsList(session string, req *models.MCPRequest) *models.MCPResponse {
	if resp := gw.gate(session, req); resp != nil {
		return resp
	}
	return &models.MCPResponse{
		Jsonrpc: "2.0",
		Result:  map[string]any{"tools": gw.dispatcher.ListTools()},
		ID:      req.ID,
	}
}

func (gw *Gateway) handleToolsCall(ctx context.Context, session string, req *models.MCPRequest) *models.MCPResponse {
	if resp := gw.gate(session, req); resp != nil {
		return resp
	}
	name, _ := req.Params["name"].(string)
	if name == "" {
		return rpcError(req.ID, CodeInvalidParams, "Invalid params", "params.name is required")
	}
	args, _ := req.Params["arguments"].(map[string]any)

	// System tools route task notifications back to the calling session.
	ctx = middleware.SetSession(ctx, session)

	result, err := gw.dispatcher.Invoke(ctx, name, args)
	if err != nil {
		return gw.errorResponse(req.ID, err)
	}
	return &models.MCPResponse{Jsonrpc: "2.0", Result: result, ID: req.ID}
}

func (gw *Gateway) handleComplete(session string, req *models.MCPRequest) *models.MCPResponse {
	if resp := gw.gate(session, req); resp != nil {
		return resp
	}
	prefix := completionPrefix(req.Params)
	values := gw.dispatcher.Complete(prefix)
	return &models.MCPResponse{
		Jsonrpc: "2.0",
		Result: map[string]any{
			"completion": map[string]any{
				"values":  values,
				"total":   len(values),
				"hasMore": false,
			},
		},
		ID: req.ID,
	}
}

// completionPrefix accepts both the MCP argument shape and a bare prefix.
func completionPrefix(params map[string]any) string {
	if arg, ok := params["argument"].(map[string]any); ok {
		if v, ok := arg["value"].(string); ok {
			return v
		}
	}
	if v, ok := params["prefix"].(string); ok {
		return v
	}
	return ""
}

// gate rejects tool-surface requests on sessions that have not completed the
// initialize handshake, and any request when no dispatcher is wired.
func (gw *Gateway) gate(session string, req *models.MCPRequest) *models.MCPResponse {
	if gw.dispatcher == nil {
		return rpcError(req.ID, CodeUnavailable, "Unavailable", "tool dispatch is not available")
	}
	if !gw.sessions.isInitialized(session) {
		return rpcError(req.ID, CodeNotInitialized, "Not initialized", "send initialize first")
	}
	return nil
}

// errorResponse maps dispatcher errors onto the JSON-RPC error space.
func (gw *Gateway) errorResponse(id any, err error) *models.MCPResponse {
	var limitErr *ratelimit.LimitError
	var validationErr *registry.ValidationError
	var nameErr *registry.InvalidNameError

	switch {
	case errors.Is(err, registry.ErrToolNotFound):
		return rpcError(id, CodeToolNotFound, "Tool not found", err.Error())
	case errors.As(err, &limitErr):
		return rpcError(id, CodeRateLimited, "Rate limit exceeded",
			map[string]string{"tier": limitErr.Tier})
	case errors.Is(err, registry.ErrAuthUnavailable):
		return rpcError(id, CodeNotInitialized, "Auth unavailable", err.Error())
	case errors.As(err, &validationErr):
		return rpcError(id, CodeInvalidParams, "Invalid params", validationErr.Problems)
	case errors.As(err, &nameErr):
		return rpcError(id, CodeInvalidParams, "Invalid params", nameErr.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return rpcError(id, CodeUnavailable, "Unavailable", "request deadline exceeded")
	default:
		// Internal detail stays in the log; callers get a coarse fault.
		log.Error().Err(err).Msg("Tool call failed internally")
		return rpcError(id, CodeInternal, "Internal error", nil)
	}
}

func rpcError(id any, code int, message string, data any) *models.MCPResponse {
	return &models.MCPResponse{
		Jsonrpc: "2.0",
		Error:   &models.MCPError{Code: code, Message: message, Data: data},
		ID:      id,
	}
}

func reqID(req *models.MCPRequest) any {
	if req == nil {
		return nil
	}
	return req.ID
}

// ── SSE stream management ────────────────────────────────────

// Subscribe registers a stream channel for a session, creating the session
// if needed.
func (gw *Gateway) Subscribe(session string) chan models.MCPResponse {
	return gw.sessions.subscribe(session)
}

// Unsubscribe removes and closes a stream channel.
func (gw *Gateway) Unsubscribe(session string, ch chan models.MCPResponse) {
	gw.sessions.unsubscribe(session, ch)
}

// Publish pushes a frame to all of a session's live streams without
// blocking. Reports whether at least one stream received it.
func (gw *Gateway) Publish(session string, frame models.MCPResponse) bool {
	return gw.sessions.publish(session, frame)
}

// NotifyTaskStatus pushes a notifications/tasks/status frame to the session
// that enqueued the task. Tasks without a session are skipped.
func (gw *Gateway) NotifyTaskStatus(event string, task *models.Task) {
	if task == nil || task.SessionID == "" {
		return
	}
	params := map[string]any{
		"event":    event,
		"taskId":   task.ID,
		"status":   task.Status,
		"attempts": task.Attempts,
	}
	if task.LastError != "" {
		params["error"] = task.LastError
	}
	gw.Publish(task.SessionID, models.MCPResponse{
		Jsonrpc: "2.0",
		Method:  "notifications/tasks/status",
		Params:  params,
	})
}

// Compile-time check that Gateway implements the service contract.
var _ contracts.GatewayService = (*Gateway)(nil)
