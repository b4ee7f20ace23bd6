package gateway_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/toolplane/toolplane/internal/gateway"
	"github.com/toolplane/toolplane/internal/ratelimit"
	"github.com/toolplane/toolplane/internal/registry"
	"github.com/toolplane/toolplane/pkg/middleware"
	"github.com/toolplane/toolplane/pkg/models"
)

// fakeDispatcher records the last invocation and returns canned answers.
type fakeDispatcher struct {
	mu         sync.Mutex
	lastName   string
	lastArgs   map[string]any
	sawSession string
	invokeErr  error
	result     *models.ToolResult
}

func (f *fakeDispatcher) ListTools() []models.MCPToolInfo {
	return []models.MCPToolInfo{
		{Name: "im.v1.message.create"},
		{Name: "docs.v1.document.read"},
	}
}

func (f *fakeDispatcher) ListToolsAs(string) ([]models.MCPToolInfo, error) {
	return f.ListTools(), nil
}

func (f *fakeDispatcher) Invoke(ctx context.Context, name string, args map[string]any) (*models.ToolResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastName = name
	f.lastArgs = args
	f.sawSession = middleware.Session(ctx)
	if f.invokeErr != nil {
		return nil, f.invokeErr
	}
	if f.result != nil {
		return f.result, nil
	}
	return models.TextResult("ok"), nil
}

func (f *fakeDispatcher) Complete(prefix string) []string {
	if prefix == "im." {
		return []string{"im.v1.chat.list", "im.v1.message.create"}
	}
	return nil
}

func (f *fakeDispatcher) SetUserToken(string) error { return nil }

func request(method string, id any, params map[string]any) *models.MCPRequest {
	return &models.MCPRequest{Jsonrpc: "2.0", Method: method, ID: id, Params: params}
}

func initialize(t *testing.T, gw *gateway.Gateway, session string) {
	t.Helper()
	resp := gw.HandleJSONRPC(context.Background(), session, request("initialize", 1, nil))
	if resp == nil || resp.Error != nil {
		t.Fatalf("initialize response = %+v, want success", resp)
	}
}

func errorCode(t *testing.T, resp *models.MCPResponse) int {
	t.Helper()
	if resp == nil || resp.Error == nil {
		t.Fatalf("response = %+v, want an error", resp)
	}
	return resp.Error.Code
}

// ─── Lifecycle ───────────────────────────────────────────────

func TestInitializeHandshake(t *testing.T) {
	gw := gateway.New(&fakeDispatcher{}, gateway.Options{})

	resp := gw.HandleJSONRPC(context.Background(), "s1", request("initialize", 7, nil))
	if resp == nil || resp.Error != nil {
		t.Fatalf("initialize response = %+v, want success", resp)
	}
	if resp.ID != 7 {
		t.Errorf("response id = %v, want 7", resp.ID)
	}
	result, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("result type = %T, want map", resp.Result)
	}
	if result["protocolVersion"] != "2024-11-05" {
		t.Errorf("protocolVersion = %v, want 2024-11-05", result["protocolVersion"])
	}
	info, ok := result["serverInfo"].(map[string]string)
	if !ok || info["name"] != "toolplane" {
		t.Errorf("serverInfo = %v, want name toolplane", result["serverInfo"])
	}
}

func TestInitializedNotificationGetsNoReply(t *testing.T) {
	gw := gateway.New(&fakeDispatcher{}, gateway.Options{})

	resp := gw.HandleJSONRPC(context.Background(), "s1",
		&models.MCPRequest{Jsonrpc: "2.0", Method: "notifications/initialized"})
	if resp != nil {
		t.Errorf("notification response = %+v, want nil", resp)
	}
}

func TestPingWorksWithoutInitialize(t *testing.T) {
	gw := gateway.New(&fakeDispatcher{}, gateway.Options{})

	resp := gw.HandleJSONRPC(context.Background(), "s1", request("ping", 2, nil))
	if resp == nil || resp.Error != nil {
		t.Fatalf("ping response = %+v, want success", resp)
	}
	result, ok := resp.Result.(map[string]string)
	if !ok || result["status"] != "pong" {
		t.Errorf("ping result = %v, want status pong", resp.Result)
	}
}

func TestToolSurfaceGatedBeforeInitialize(t *testing.T) {
	gw := gateway.New(&fakeDispatcher{}, gateway.Options{})

	for _, method := range []string{"tools/list", "tools/call", "completion/complete"} {
		resp := gw.HandleJSONRPC(context.Background(), "fresh", request(method, 1, map[string]any{"name": "x"}))
		if code := errorCode(t, resp); code != gateway.CodeNotInitialized {
			t.Errorf("%s before initialize: code = %d, want %d", method, code, gateway.CodeNotInitialized)
		}
	}
}

func TestSessionsAreIndependentlyGated(t *testing.T) {
	gw := gateway.New(&fakeDispatcher{}, gateway.Options{})
	initialize(t, gw, "a")

	if resp := gw.HandleJSONRPC(context.Background(), "a", request("tools/list", 2, nil)); resp.Error != nil {
		t.Errorf("initialized session rejected: %+v", resp.Error)
	}
	resp := gw.HandleJSONRPC(context.Background(), "b", request("tools/list", 2, nil))
	if code := errorCode(t, resp); code != gateway.CodeNotInitialized {
		t.Errorf("uninitialized session: code = %d, want %d", code, gateway.CodeNotInitialized)
	}
}

func TestMethodNotFound(t *testing.T) {
	gw := gateway.New(&fakeDispatcher{}, gateway.Options{})

	resp := gw.HandleJSONRPC(context.Background(), "s1", request("resources/list", 3, nil))
	if code := errorCode(t, resp); code != gateway.CodeMethodNotFound {
		t.Errorf("code = %d, want %d", code, gateway.CodeMethodNotFound)
	}
}

func TestInvalidRequestShapes(t *testing.T) {
	gw := gateway.New(&fakeDispatcher{}, gateway.Options{})

	if code := errorCode(t, gw.HandleJSONRPC(context.Background(), "s1", nil)); code != gateway.CodeInvalidRequest {
		t.Errorf("nil request: code = %d, want %d", code, gateway.CodeInvalidRequest)
	}
	bad := &models.MCPRequest{Jsonrpc: "1.0", Method: "ping", ID: 1}
	if code := errorCode(t, gw.HandleJSONRPC(context.Background(), "s1", bad)); code != gateway.CodeInvalidRequest {
		t.Errorf("wrong jsonrpc version: code = %d, want %d", code, gateway.CodeInvalidRequest)
	}
	empty := &models.MCPRequest{Jsonrpc: "2.0", ID: 1}
	if code := errorCode(t, gw.HandleJSONRPC(context.Background(), "s1", empty)); code != gateway.CodeInvalidRequest {
		t.Errorf("empty method: code = %d, want %d", code, gateway.CodeInvalidRequest)
	}
}

// ─── Tools ───────────────────────────────────────────────────

func TestToolsListAfterInitialize(t *testing.T) {
	gw := gateway.New(&fakeDispatcher{}, gateway.Options{})
	initialize(t, gw, "s1")

	resp := gw.HandleJSONRPC(context.Background(), "s1", request("tools/list", 4, nil))
	if resp == nil || resp.Error != nil {
		t.Fatalf("tools/list response = %+v, want success", resp)
	}
	result := resp.Result.(map[string]any)
	tools, ok := result["tools"].([]models.MCPToolInfo)
	if !ok || len(tools) != 2 {
		t.Errorf("tools = %v, want two entries", result["tools"])
	}
}

func TestToolsCallReachesDispatcher(t *testing.T) {
	fake := &fakeDispatcher{}
	gw := gateway.New(fake, gateway.Options{})
	initialize(t, gw, "sess-42")

	resp := gw.HandleJSONRPC(context.Background(), "sess-42", request("tools/call", 5, map[string]any{
		"name":      "im.v1.message.create",
		"arguments": map[string]any{"chat_id": "c1", "text": "hi"},
	}))
	if resp == nil || resp.Error != nil {
		t.Fatalf("tools/call response = %+v, want success", resp)
	}
	if fake.lastName != "im.v1.message.create" {
		t.Errorf("dispatched tool = %q, want im.v1.message.create", fake.lastName)
	}
	if fake.lastArgs["chat_id"] != "c1" {
		t.Errorf("arguments = %v, want chat_id c1", fake.lastArgs)
	}
	if fake.sawSession != "sess-42" {
		t.Errorf("session in context = %q, want sess-42", fake.sawSession)
	}
	if _, ok := resp.Result.(*models.ToolResult); !ok {
		t.Errorf("result type = %T, want *models.ToolResult", resp.Result)
	}
}

func TestToolsCallRequiresName(t *testing.T) {
	gw := gateway.New(&fakeDispatcher{}, gateway.Options{})
	initialize(t, gw, "s1")

	resp := gw.HandleJSONRPC(context.Background(), "s1", request("tools/call", 6, map[string]any{
		"arguments": map[string]any{},
	}))
	if code := errorCode(t, resp); code != gateway.CodeInvalidParams {
		t.Errorf("code = %d, want %d", code, gateway.CodeInvalidParams)
	}
}

func TestCompletionShape(t *testing.T) {
	gw := gateway.New(&fakeDispatcher{}, gateway.Options{})
	initialize(t, gw, "s1")

	// MCP argument form.
	resp := gw.HandleJSONRPC(context.Background(), "s1", request("completion/complete", 7, map[string]any{
		"argument": map[string]any{"name": "toolName", "value": "im."},
	}))
	if resp == nil || resp.Error != nil {
		t.Fatalf("completion response = %+v, want success", resp)
	}
	completion := resp.Result.(map[string]any)["completion"].(map[string]any)
	values := completion["values"].([]string)
	if len(values) != 2 || completion["total"] != 2 {
		t.Errorf("completion = %v, want two values", completion)
	}
	if completion["hasMore"] != false {
		t.Errorf("hasMore = %v, want false", completion["hasMore"])
	}

	// Bare prefix form.
	resp = gw.HandleJSONRPC(context.Background(), "s1", request("completion/complete", 8, map[string]any{
		"prefix": "im.",
	}))
	completion = resp.Result.(map[string]any)["completion"].(map[string]any)
	if len(completion["values"].([]string)) != 2 {
		t.Errorf("bare prefix completion = %v, want two values", completion)
	}
}

// ─── Error mapping ───────────────────────────────────────────

func TestDispatcherErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"tool not found", registry.ErrToolNotFound, gateway.CodeToolNotFound},
		{"rate limited", &ratelimit.LimitError{Tier: "write"}, gateway.CodeRateLimited},
		{"auth unavailable", registry.ErrAuthUnavailable, gateway.CodeNotInitialized},
		{"invalid params", &registry.ValidationError{Tool: "x", Problems: []string{"text: required"}}, gateway.CodeInvalidParams},
		{"invalid name", &registry.InvalidNameError{Name: "a!b", Reason: "bad"}, gateway.CodeInvalidParams},
		{"deadline", context.DeadlineExceeded, gateway.CodeUnavailable},
		{"internal", errors.New("pool exhausted at 10.0.0.7"), gateway.CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeDispatcher{invokeErr: tt.err}
			gw := gateway.New(fake, gateway.Options{})
			initialize(t, gw, "s1")

			resp := gw.HandleJSONRPC(context.Background(), "s1", request("tools/call", 9, map[string]any{
				"name": "im.v1.message.create",
			}))
			if code := errorCode(t, resp); code != tt.wantCode {
				t.Errorf("code = %d, want %d", code, tt.wantCode)
			}
		})
	}
}

func TestInternalErrorDetailStaysCoarse(t *testing.T) {
	fake := &fakeDispatcher{invokeErr: errors.New("dial tcp 10.1.2.3:5432: connection refused")}
	gw := gateway.New(fake, gateway.Options{})
	initialize(t, gw, "s1")

	resp := gw.HandleJSONRPC(context.Background(), "s1", request("tools/call", 10, map[string]any{
		"name": "im.v1.message.create",
	}))
	if resp.Error.Data != nil {
		t.Errorf("internal error data = %v, want nil", resp.Error.Data)
	}
	if resp.Error.Message != "Internal error" {
		t.Errorf("message = %q, want coarse Internal error", resp.Error.Message)
	}
}

func TestRateLimitErrorCarriesTier(t *testing.T) {
	fake := &fakeDispatcher{invokeErr: &ratelimit.LimitError{Tier: "admin"}}
	gw := gateway.New(fake, gateway.Options{})
	initialize(t, gw, "s1")

	resp := gw.HandleJSONRPC(context.Background(), "s1", request("tools/call", 11, map[string]any{
		"name": "im.v1.message.create",
	}))
	data, ok := resp.Error.Data.(map[string]string)
	if !ok || data["tier"] != "admin" {
		t.Errorf("error data = %v, want tier admin", resp.Error.Data)
	}
}

// ─── Streams and notifications ───────────────────────────────

func TestPublishToSubscribedStream(t *testing.T) {
	gw := gateway.New(&fakeDispatcher{}, gateway.Options{})

	ch := gw.Subscribe("s1")
	defer gw.Unsubscribe("s1", ch)

	frame := models.MCPResponse{Jsonrpc: "2.0", Result: "hello", ID: 1}
	if !gw.Publish("s1", frame) {
		t.Fatal("Publish() = false, want delivery to live stream")
	}
	select {
	case got := <-ch:
		if got.Result != "hello" {
			t.Errorf("frame result = %v, want hello", got.Result)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published frame")
	}
}

func TestPublishWithoutStream(t *testing.T) {
	gw := gateway.New(&fakeDispatcher{}, gateway.Options{})

	if gw.Publish("nobody", models.MCPResponse{Jsonrpc: "2.0", ID: 1}) {
		t.Error("Publish() = true for session with no stream, want false")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	gw := gateway.New(&fakeDispatcher{}, gateway.Options{})

	ch := gw.Subscribe("s1")
	gw.Unsubscribe("s1", ch)

	if gw.Publish("s1", models.MCPResponse{Jsonrpc: "2.0", ID: 1}) {
		t.Error("Publish() after Unsubscribe = true, want false")
	}
}

func TestNotifyTaskStatusRoutesToEnqueuingSession(t *testing.T) {
	gw := gateway.New(&fakeDispatcher{}, gateway.Options{})

	ch := gw.Subscribe("worker-session")
	defer gw.Unsubscribe("worker-session", ch)

	task := &models.Task{
		ID:        "t-1",
		Status:    models.TaskStatusFailed,
		Attempts:  2,
		LastError: "boom",
		SessionID: "worker-session",
	}
	gw.NotifyTaskStatus("failed", task)

	select {
	case frame := <-ch:
		if frame.Method != "notifications/tasks/status" {
			t.Errorf("method = %q, want notifications/tasks/status", frame.Method)
		}
		params := frame.Params.(map[string]any)
		if params["taskId"] != "t-1" || params["event"] != "failed" {
			t.Errorf("params = %v, want taskId t-1 event failed", params)
		}
		if params["error"] != "boom" {
			t.Errorf("params error = %v, want boom", params["error"])
		}
		if frame.ID != nil {
			t.Errorf("notification id = %v, want none", frame.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for task notification")
	}
}

func TestNotifyTaskStatusSkipsSessionlessTasks(t *testing.T) {
	gw := gateway.New(&fakeDispatcher{}, gateway.Options{})

	ch := gw.Subscribe("other")
	defer gw.Unsubscribe("other", ch)

	gw.NotifyTaskStatus("completed", &models.Task{ID: "t-2", Status: models.TaskStatusCompleted})

	select {
	case frame := <-ch:
		t.Errorf("unexpected frame %+v for sessionless task", frame)
	case <-time.After(50 * time.Millisecond):
	}
}
