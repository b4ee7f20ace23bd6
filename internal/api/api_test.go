package api_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/toolplane/toolplane/internal/api"
	"github.com/toolplane/toolplane/internal/api/handlers"
	apimw "github.com/toolplane/toolplane/internal/api/middleware"
	"github.com/toolplane/toolplane/internal/auth"
	"github.com/toolplane/toolplane/internal/cache"
	"github.com/toolplane/toolplane/internal/convstore"
	"github.com/toolplane/toolplane/internal/gateway"
	"github.com/toolplane/toolplane/internal/queue"
	"github.com/toolplane/toolplane/internal/ratelimit"
	"github.com/toolplane/toolplane/internal/vault"
	"github.com/toolplane/toolplane/pkg/models"
)

const testVaultKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

// fakeDispatcher serves two fixed tools without touching the platform.
type fakeDispatcher struct{}

func (fakeDispatcher) ListTools() []models.MCPToolInfo {
	return []models.MCPToolInfo{
		{Name: "im.v1.message.create"},
		{Name: "docs.v1.document.read"},
	}
}

func (f fakeDispatcher) ListToolsAs(casing string) ([]models.MCPToolInfo, error) {
	switch casing {
	case "", "dotted", "camel", "snake", "underscore":
		return f.ListTools(), nil
	}
	return nil, errors.New("unknown casing")
}

func (fakeDispatcher) Invoke(ctx context.Context, name string, args map[string]any) (*models.ToolResult, error) {
	return models.TextResult("ok"), nil
}

func (fakeDispatcher) Complete(prefix string) []string { return nil }
func (fakeDispatcher) SetUserToken(string) error       { return nil }

// stack bundles the live components behind a router so tests can seed state
// directly.
type stack struct {
	router http.Handler
	vault  *vault.Vault
	store  convstore.Store
}

func newStack(t *testing.T) *stack {
	t.Helper()

	disp := fakeDispatcher{}
	gw := gateway.New(disp, gateway.Options{})
	tasks := queue.NewService(queue.NewMemoryBackend(queue.BackendOptions{}), nil, queue.Options{})

	v, err := vault.New(testVaultKey, nil)
	if err != nil {
		t.Fatalf("vault.New() error = %v", err)
	}
	store, err := convstore.NewFileStore(t.TempDir(), false, "")
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	h := handlers.New(gw, disp, tasks, ratelimit.NewLimiter(ratelimit.DefaultConfigs()),
		cache.NewManager(cache.DefaultConfigs()), v, store)
	h.TaskRetries = 3
	ch := &handlers.ConversationHandlers{
		Store:   store,
		Janitor: convstore.NewJanitor(store, time.Hour, 30),
	}
	guard := apimw.NewAuthMiddleware(auth.NewProviderChain(), false)

	return &stack{
		router: api.NewRouter(h, ch, guard, nil),
		vault:  v,
		store:  store,
	}
}

func (s *stack) do(t *testing.T, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

// ─── MCP transport ───────────────────────────────────────────

func TestMCPDirectResponseWithoutStream(t *testing.T) {
	s := newStack(t)

	w := s.do(t, http.MethodPost, "/mcp",
		`{"jsonrpc":"2.0","method":"initialize","id":1}`,
		map[string]string{"X-Session-ID": "alpha", "Content-Type": "application/json"})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (direct reply when no stream)", w.Code)
	}
	resp := decode[models.MCPResponse](t, w)
	if resp.Error != nil {
		t.Fatalf("error = %+v, want success", resp.Error)
	}
	result := resp.Result.(map[string]any)
	if result["protocolVersion"] != "2024-11-05" {
		t.Errorf("protocolVersion = %v", result["protocolVersion"])
	}
}

func TestMCPNotificationNoContent(t *testing.T) {
	s := newStack(t)

	w := s.do(t, http.MethodPost, "/mcp",
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`, nil)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", w.Body.String())
	}
}

func TestMCPParseErrorNullID(t *testing.T) {
	s := newStack(t)

	w := s.do(t, http.MethodPost, "/mcp", "not json at all", nil)

	if !strings.Contains(w.Body.String(), `"id":null`) {
		t.Errorf("body %q missing id:null", w.Body.String())
	}
	resp := decode[models.MCPResponse](t, w)
	if resp.Error == nil || resp.Error.Code != -32700 {
		t.Errorf("error = %+v, want -32700", resp.Error)
	}
}

// readSSE reads one event/data pair off the stream.
func readSSE(t *testing.T, br *bufio.Reader) (event, data string) {
	t.Helper()
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("stream read: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && (event != "" || data != ""):
			return event, data
		}
	}
}

func TestMCPStreamDelivery(t *testing.T) {
	s := newStack(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	streamReq, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events?session=beta", nil)
	stream, err := http.DefaultClient.Do(streamReq)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer stream.Body.Close()

	if ct := stream.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("stream content type = %q", ct)
	}
	br := bufio.NewReader(stream.Body)

	// The greeting confirms the subscription is live before we POST.
	event, data := readSSE(t, br)
	if event != "connected" || !strings.Contains(data, `"session":"beta"`) {
		t.Fatalf("greeting = %q %q", event, data)
	}

	post, err := http.Post(srv.URL+"/mcp?session=beta", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","method":"initialize","id":42}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer post.Body.Close()

	if post.StatusCode != http.StatusAccepted {
		t.Fatalf("post status = %d, want 202 when the reply rides the stream", post.StatusCode)
	}
	var ack map[string]string
	if err := json.NewDecoder(post.Body).Decode(&ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack["status"] != "accepted" || ack["session"] != "beta" {
		t.Errorf("ack = %v", ack)
	}

	event, data = readSSE(t, br)
	if event != "message" {
		t.Fatalf("second event = %q, want message", event)
	}
	var frame models.MCPResponse
	if err := json.Unmarshal([]byte(data), &frame); err != nil {
		t.Fatalf("frame decode: %v", err)
	}
	if frame.ID != float64(42) || frame.Error != nil {
		t.Errorf("frame = %+v, want reply to id 42", frame)
	}
}

// ─── Sessions ────────────────────────────────────────────────

func TestSessionHeaderWinsOverQuery(t *testing.T) {
	s := newStack(t)

	w := s.do(t, http.MethodPost, "/api/v1/tasks?session=query-session",
		map[string]any{"payload": map[string]any{"tool": "im.v1.message.create"}},
		map[string]string{"X-Session-ID": "header-session"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("enqueue status = %d: %s", w.Code, w.Body.String())
	}
	created := decode[map[string]string](t, w)

	got := decode[models.Task](t, s.do(t, http.MethodGet, created["poll"], nil, nil))
	if got.SessionID != "header-session" {
		t.Errorf("session = %q, want header-session", got.SessionID)
	}
}

// ─── Task queue surface ──────────────────────────────────────

func TestTaskLifecycleOverHTTP(t *testing.T) {
	s := newStack(t)

	w := s.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{
		"payload":  map[string]any{"tool": "im.v1.message.create", "arguments": map[string]any{"text": "hi"}},
		"priority": "high",
	}, map[string]string{"X-Session-ID": "ops"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("enqueue status = %d: %s", w.Code, w.Body.String())
	}
	created := decode[map[string]string](t, w)
	if created["id"] == "" || created["status"] != "queued" {
		t.Fatalf("created = %v", created)
	}
	if created["poll"] != "/api/v1/tasks/"+created["id"] {
		t.Errorf("poll = %q", created["poll"])
	}

	w = s.do(t, http.MethodGet, created["poll"], nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	task := decode[models.Task](t, w)
	if task.Status != models.TaskStatusPending || task.Priority != models.TaskPriorityHigh {
		t.Errorf("task = %s/%s, want pending/high", task.Status, task.Priority)
	}
	if task.MaxRetries != 3 {
		t.Errorf("default max_retries = %d, want 3", task.MaxRetries)
	}

	w = s.do(t, http.MethodDelete, created["poll"], nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d: %s", w.Code, w.Body.String())
	}
	if w = s.do(t, http.MethodGet, created["poll"], nil, nil); w.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", w.Code)
	}
}

func TestEnqueueExplicitZeroRetriesKept(t *testing.T) {
	s := newStack(t)

	w := s.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{
		"payload":     map[string]any{"tool": "im.v1.message.create"},
		"max_retries": 0,
	}, nil)
	created := decode[map[string]string](t, w)

	task := decode[models.Task](t, s.do(t, http.MethodGet, created["poll"], nil, nil))
	if task.MaxRetries != 0 {
		t.Errorf("max_retries = %d, want explicit 0 preserved", task.MaxRetries)
	}
}

func TestEnqueueValidation(t *testing.T) {
	s := newStack(t)

	// No tool.
	w := s.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{"payload": map[string]any{}}, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing tool status = %d, want 400", w.Code)
	}

	// Unknown priority.
	w = s.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{
		"payload":  map[string]any{"tool": "x.y.z"},
		"priority": "blazing",
	}, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad priority status = %d, want 400", w.Code)
	}

	// Dependency on a task that does not exist.
	w = s.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{
		"payload":      map[string]any{"tool": "x.y.z"},
		"dependencies": []string{"ghost"},
	}, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("unsatisfied dependency status = %d, want 409", w.Code)
	}

	// Unparseable body.
	w = s.do(t, http.MethodPost, "/api/v1/tasks", "{{{", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("garbage body status = %d, want 400", w.Code)
	}
}

func TestQueueStatsEndpoint(t *testing.T) {
	s := newStack(t)
	s.do(t, http.MethodPost, "/api/v1/tasks",
		map[string]any{"payload": map[string]any{"tool": "a.b.c"}}, nil)

	w := s.do(t, http.MethodGet, "/api/v1/tasks/stats", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	stats := decode[models.QueueStats](t, w)
	if stats.Pending != 1 {
		t.Errorf("pending = %d, want 1", stats.Pending)
	}
}

// ─── Cache and rate limit surface ────────────────────────────

func TestCacheEndpoints(t *testing.T) {
	s := newStack(t)

	w := s.do(t, http.MethodGet, "/api/v1/cache/metrics", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", w.Code)
	}
	metrics := decode[map[string]cache.CategoryMetrics](t, w)
	if _, ok := metrics[cache.CategoryChatInfo]; !ok {
		t.Errorf("metrics missing %s: %v", cache.CategoryChatInfo, metrics)
	}

	w = s.do(t, http.MethodDelete, "/api/v1/cache?category="+cache.CategoryChatInfo, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("clear status = %d", w.Code)
	}
	body := decode[map[string]any](t, w)
	if body["category"] != cache.CategoryChatInfo {
		t.Errorf("cleared category = %v", body["category"])
	}

	if w = s.do(t, http.MethodDelete, "/api/v1/cache", nil, nil); w.Code != http.StatusOK {
		t.Errorf("clear all status = %d", w.Code)
	}
}

func TestRateLimitEndpoints(t *testing.T) {
	s := newStack(t)

	w := s.do(t, http.MethodGet, "/api/v1/ratelimit/metrics", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", w.Code)
	}
	tiers := decode[[]ratelimit.TierMetrics](t, w)
	if len(tiers) != 4 {
		t.Errorf("tier count = %d, want 4", len(tiers))
	}

	w = s.do(t, http.MethodPut, "/api/v1/ratelimit/"+ratelimit.TierRead,
		map[string]any{"capacity": 5}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d: %s", w.Code, w.Body.String())
	}
	updated := decode[ratelimit.TierMetrics](t, w)
	if updated.Capacity != 5 {
		t.Errorf("capacity = %d, want 5", updated.Capacity)
	}

	w = s.do(t, http.MethodPut, "/api/v1/ratelimit/imaginary",
		map[string]any{"capacity": 5}, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown tier status = %d, want 400", w.Code)
	}

	w = s.do(t, http.MethodPost, "/api/v1/ratelimit/reset?tier="+ratelimit.TierRead, nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("reset status = %d", w.Code)
	}
}

// ─── Vault surface ───────────────────────────────────────────

func TestVaultStatusNeverLeaksTokens(t *testing.T) {
	s := newStack(t)
	const secret = "t-verysecrettoken1234567890"
	if err := s.vault.Store(models.TokenKindTenant, secret, time.Time{}); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	w := s.do(t, http.MethodGet, "/api/v1/vault/status", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if strings.Contains(w.Body.String(), secret) {
		t.Fatal("vault status echoed a stored token in plaintext")
	}
	if !strings.Contains(w.Body.String(), "tenant") {
		t.Errorf("body %q missing tenant kind", w.Body.String())
	}
}

// ─── Health and version ──────────────────────────────────────

func TestHealthzOK(t *testing.T) {
	s := newStack(t)

	w := s.do(t, http.MethodGet, "/healthz", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	body := decode[map[string]any](t, w)
	if body["status"] != "ok" {
		t.Errorf("status field = %v", body["status"])
	}
	checks := body["checks"].(map[string]any)
	if checks["queue"] != "ok" || checks["conversations"] != "ok" {
		t.Errorf("checks = %v", checks)
	}
}

// failingPing wraps a working store with a broken backend probe.
type failingPing struct {
	convstore.Store
}

func (failingPing) Ping(context.Context) error {
	return errors.New("dial tcp 10.9.8.7:5432: connection refused")
}

func TestHealthzDegradedHidesDetail(t *testing.T) {
	s := newStack(t)

	// Rebuild the stack with a failing conversation probe.
	disp := fakeDispatcher{}
	gw := gateway.New(disp, gateway.Options{})
	tasks := queue.NewService(queue.NewMemoryBackend(queue.BackendOptions{}), nil, queue.Options{})
	v, _ := vault.New(testVaultKey, nil)
	h := handlers.New(gw, disp, tasks, ratelimit.NewLimiter(ratelimit.DefaultConfigs()),
		cache.NewManager(cache.DefaultConfigs()), v, failingPing{s.store})
	ch := &handlers.ConversationHandlers{Store: s.store}
	router := api.NewRouter(h, ch, apimw.NewAuthMiddleware(auth.NewProviderChain(), false), nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if strings.Contains(w.Body.String(), "10.9.8.7") {
		t.Error("health body leaked backend address detail")
	}
	body := decode[map[string]any](t, w)
	checks := body["checks"].(map[string]any)
	if checks["conversations"] != "unavailable" {
		t.Errorf("conversations check = %v, want unavailable", checks["conversations"])
	}
}

func TestVersionEndpoint(t *testing.T) {
	s := newStack(t)

	w := s.do(t, http.MethodGet, "/version", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decode[map[string]string](t, w)
	if body["name"] != "toolplane" || body["version"] == "" {
		t.Errorf("body = %v", body)
	}
}

// ─── Tools surface ───────────────────────────────────────────

func TestListToolsEndpoint(t *testing.T) {
	s := newStack(t)

	w := s.do(t, http.MethodGet, "/api/v1/tools", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	tools := decode[[]models.MCPToolInfo](t, w)
	if len(tools) != 2 {
		t.Errorf("tools = %d, want 2", len(tools))
	}

	if w := s.do(t, http.MethodGet, "/api/v1/tools?casing=snake", nil, nil); w.Code != http.StatusOK {
		t.Errorf("casing=snake status = %d", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/api/v1/tools?casing=bogus", nil, nil); w.Code != http.StatusBadRequest {
		t.Errorf("casing=bogus status = %d, want 400", w.Code)
	}
}

// ─── Conversation surface ────────────────────────────────────

func seedConversation(t *testing.T, store convstore.Store, id, user string) {
	t.Helper()
	err := store.Save(context.Background(), &models.Conversation{
		ConversationID: id,
		UserID:         user,
		ChatID:         "chat-1",
		AgentName:      "assistant",
		Messages:       []models.Message{{Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("Save(%s) error = %v", id, err)
	}
}

func TestConversationEndpoints(t *testing.T) {
	s := newStack(t)
	seedConversation(t, s.store, "c-1", "u-alice")
	seedConversation(t, s.store, "c-2", "u-bob")

	w := s.do(t, http.MethodGet, "/api/v1/conversations", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	if got := decode[[]*models.Conversation](t, w); len(got) != 2 {
		t.Errorf("list = %d conversations, want 2", len(got))
	}

	w = s.do(t, http.MethodGet, "/api/v1/conversations?user_id=u-alice", nil, nil)
	filtered := decode[[]*models.Conversation](t, w)
	if len(filtered) != 1 || filtered[0].ConversationID != "c-1" {
		t.Errorf("filtered = %+v, want only c-1", filtered)
	}

	w = s.do(t, http.MethodGet, "/api/v1/conversations/c-2", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	if got := decode[models.Conversation](t, w); got.UserID != "u-bob" {
		t.Errorf("get user = %q, want u-bob", got.UserID)
	}

	if w = s.do(t, http.MethodGet, "/api/v1/conversations/ghost", nil, nil); w.Code != http.StatusNotFound {
		t.Errorf("get unknown = %d, want 404", w.Code)
	}

	if w = s.do(t, http.MethodDelete, "/api/v1/conversations/c-2", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}
	if w = s.do(t, http.MethodGet, "/api/v1/conversations/c-2", nil, nil); w.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", w.Code)
	}

	w = s.do(t, http.MethodGet, "/api/v1/conversations/stats", nil, nil)
	stats := decode[models.ConversationStats](t, w)
	if stats.Conversations != 1 {
		t.Errorf("stats conversations = %d, want 1", stats.Conversations)
	}

	if w = s.do(t, http.MethodGet, "/api/v1/conversations?since=yesterday", nil, nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad since = %d, want 400", w.Code)
	}

	w = s.do(t, http.MethodPost, "/api/v1/conversations/cleanup", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cleanup status = %d: %s", w.Code, w.Body.String())
	}
	cycle := decode[map[string]any](t, w)
	if _, ok := cycle["examined"]; !ok {
		t.Errorf("cleanup body = %v, want examined count", cycle)
	}
}

