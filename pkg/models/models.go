package models

import (
	"encoding/json"
	"time"
)

// Version is the build-time version string. It is pinned into the outbound
// User-Agent header and reported by the MCP initialize handshake.
const Version = "0.4.0"

// ── MCP Protocol Types ───────────────────────────────────────

// MCPRequest is a JSON-RPC 2.0 request as delivered by either transport
// (one stdio line or one HTTP POST body). ID is nil for notifications.
type MCPRequest struct {
	Jsonrpc string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
	ID      interface{}    `json:"id"`
}

// IsNotification reports whether the request expects no response.
func (r *MCPRequest) IsNotification() bool { return r.ID == nil }

// MCPResponse is one outbound JSON-RPC frame: a reply to a request, or —
// with Method set and ID empty — a server-initiated notification pushed over
// the SSE stream. Replies always echo the request ID; notifications carry
// none.
type MCPResponse struct {
	Jsonrpc string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *MCPError   `json:"error,omitempty"`
	ID      interface{} `json:"id,omitempty"`

	Method string      `json:"method,omitempty"`
	Params interface{} `json:"params,omitempty"`
}

// NullID forces "id": null on replies to unparseable requests, where the
// real id is unknowable.
var NullID interface{} = json.RawMessage("null")

type MCPError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// MCPToolInfo is the tools/list wire shape for a single tool.
type MCPToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// MCPToolCallParams is the params shape of a tools/call request.
type MCPToolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolResult is the canonical envelope every tool handler returns.
// Handler failures are wrapped into an IsError envelope, never propagated
// as transport faults.
type ToolResult struct {
	Content []ToolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

type ToolContent struct {
	Type string `json:"type"` // text, image, resource
	Text string `json:"text,omitempty"`
}

// TextResult builds a success envelope with a single text block.
func TextResult(text string) *ToolResult {
	return &ToolResult{Content: []ToolContent{{Type: "text", Text: text}}}
}

// ErrorResult builds an error envelope with a single text block.
func ErrorResult(text string) *ToolResult {
	return &ToolResult{Content: []ToolContent{{Type: "text", Text: text}}, IsError: true}
}

// ── Token Kinds ──────────────────────────────────────────────

// TokenKind selects which credential the dispatcher must hold to invoke a
// tool. App credentials mint tenant tokens; user tokens act on behalf of a
// person.
type TokenKind string

const (
	TokenKindApp    TokenKind = "app"
	TokenKindUser   TokenKind = "user"
	TokenKindTenant TokenKind = "tenant"
)

// TokenMode governs which token kind the dispatcher selects per call.
type TokenMode string

const (
	// TokenModeAuto uses the user token when one was supplied (per call or
	// globally), falling back to the tenant token otherwise.
	TokenModeAuto TokenMode = "auto"
	// TokenModeTenantOnly always authenticates with the tenant token.
	TokenModeTenantOnly TokenMode = "tenantOnly"
	// TokenModeUserOnly always uses the user token and blocks tools that
	// cannot accept one.
	TokenModeUserOnly TokenMode = "userOnly"
)

// ── Task Queue ───────────────────────────────────────────────

type TaskPriority string

const (
	TaskPriorityUrgent TaskPriority = "urgent"
	TaskPriorityHigh   TaskPriority = "high"
	TaskPriorityMedium TaskPriority = "medium"
	TaskPriorityLow    TaskPriority = "low"
)

// Priorities returns all priority levels in dequeue order, highest first.
func Priorities() []TaskPriority {
	return []TaskPriority{TaskPriorityUrgent, TaskPriorityHigh, TaskPriorityMedium, TaskPriorityLow}
}

// ValidPriority reports whether p is one of the four known levels.
func ValidPriority(p TaskPriority) bool {
	switch p {
	case TaskPriorityUrgent, TaskPriorityHigh, TaskPriorityMedium, TaskPriorityLow:
		return true
	}
	return false
}

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusRetrying   TaskStatus = "retrying"
)

// IsTerminal reports whether no further transitions are possible.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// ToolCallPayload is the work a queued task carries: one dispatcher
// invocation, executed by a worker when the task is scheduled.
type ToolCallPayload struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Task is one unit of asynchronous work. A task lives in exactly one of the
// backend's state stores (ready, processing, completed, failed) at any
// instant.
type Task struct {
	ID       string          `json:"id"`
	Priority TaskPriority    `json:"priority"`
	Payload  ToolCallPayload `json:"payload"`
	Status   TaskStatus      `json:"status"`

	// Attempts counts executions observed to fail. A visibility recovery
	// leaves it untouched — those failures were never observed.
	Attempts   int `json:"attempts"`
	MaxRetries int `json:"max_retries"`

	QueuedAt    time.Time  `json:"queued_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`

	// RetryAfter gates dequeue after a failed attempt; the task stays
	// invisible to workers until the backoff delay elapses.
	RetryAfter *time.Time `json:"retry_after,omitempty"`

	// Dependencies lists task ids that must reach completed status before
	// this task becomes runnable.
	Dependencies []string          `json:"dependencies,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`

	// VisibilityDeadline is set while the task is in flight; the recovery
	// sweep returns expired tasks to the ready queue.
	VisibilityDeadline *time.Time `json:"visibility_deadline,omitempty"`

	// SessionID is the SSE session that enqueued the task, used to route
	// status notifications back to the caller. Empty for stdio callers.
	SessionID string `json:"session_id,omitempty"`
}

// QueueStats is the snapshot returned by the queue Stats operation.
// Averages are sampled from the last 100 completed tasks.
type QueueStats struct {
	Pending          int                  `json:"pending"`
	InFlight         int                  `json:"in_flight"`
	Completed        int                  `json:"completed"`
	Failed           int                  `json:"failed"`
	Retrying         int                  `json:"retrying"`
	AvgWaitMs        float64              `json:"avg_wait_ms"`
	AvgProcessingMs  float64              `json:"avg_processing_ms"`
	ThroughputPerMin float64              `json:"throughput_per_min"`
	PriorityDepth    map[TaskPriority]int `json:"priority_depth"`
}

// ── Conversations ────────────────────────────────────────────

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
	RoleTool      MessageRole = "tool"
)

// ToolCall records one tool invocation attached to a message.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Result    string         `json:"result,omitempty"`
}

type Message struct {
	ID        string      `json:"id"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
	ToolCalls []ToolCall  `json:"tool_calls,omitempty"`
}

// Conversation is an append-only message log for one agent/chat pairing.
// Message order is preserved exactly as appended and UpdatedAt never
// precedes CreatedAt. Reads always rehydrate typed timestamps.
type Conversation struct {
	ConversationID string            `json:"conversation_id" db:"conversation_id"`
	UserID         string            `json:"user_id,omitempty" db:"user_id"`
	ChatID         string            `json:"chat_id" db:"chat_id"`
	AgentName      string            `json:"agent_name" db:"agent_name"`
	Messages       []Message         `json:"messages"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at" db:"updated_at"`
	ExpiresAt      *time.Time        `json:"expires_at,omitempty" db:"expires_at"`
}

// MessageCount avoids deserialising blobs when only the count is needed.
func (c *Conversation) MessageCount() int { return len(c.Messages) }

// ConversationFilter narrows List results. All set fields are AND-combined.
type ConversationFilter struct {
	UserID    string
	ChatID    string
	AgentName string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// ConversationPatch is a partial update applied by Update. Zero fields are
// left untouched; AppendMessages preserves append order.
type ConversationPatch struct {
	AppendMessages []Message
	Metadata       map[string]string
	ExpiresAt      *time.Time
}

// ConversationStats summarises the store contents.
type ConversationStats struct {
	Conversations int            `json:"conversations"`
	Messages      int            `json:"messages"`
	OldestAt      *time.Time     `json:"oldest_at,omitempty"`
	NewestAt      *time.Time     `json:"newest_at,omitempty"`
	ByAgent       map[string]int `json:"by_agent,omitempty"`
}

// ── Vault Audit ──────────────────────────────────────────────

// VaultEventKind enumerates audit-log event types for token operations.
type VaultEventKind string

const (
	VaultEventStored    VaultEventKind = "stored"
	VaultEventRetrieved VaultEventKind = "retrieved"
	VaultEventExpired   VaultEventKind = "expired"
	VaultEventInvalid   VaultEventKind = "invalid"
	VaultEventRemoved   VaultEventKind = "removed"
	VaultEventRotated   VaultEventKind = "rotated"
)

// VaultEvent is one masked audit entry. MaskedToken never carries the raw
// credential — masking happens before the event is constructed.
type VaultEvent struct {
	Kind        VaultEventKind `json:"kind"`
	TokenKind   TokenKind      `json:"token_kind"`
	MaskedToken string         `json:"masked_token"`
	Detail      string         `json:"detail,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// VaultStatus is the diagnostics snapshot returned by the vault.
type VaultStatus struct {
	Encrypted      bool                 `json:"encrypted"`
	StoredKinds    []TokenKind          `json:"stored_kinds"`
	RotationCounts map[TokenKind]int    `json:"rotation_counts,omitempty"`
	AuditTail      []VaultEvent         `json:"audit_tail,omitempty"`
	LastUsed       map[TokenKind]string `json:"last_used,omitempty"` // RFC3339
}
