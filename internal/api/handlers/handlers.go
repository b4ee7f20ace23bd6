// Package handlers implements the HTTP handlers for the toolplane server:
// the MCP transport pair (POST /mcp answered over the paired GET /events
// stream) and the operational surface under /api/v1.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/toolplane/toolplane/internal/cache"
	"github.com/toolplane/toolplane/internal/queue"
	"github.com/toolplane/toolplane/internal/ratelimit"
	"github.com/toolplane/toolplane/internal/vault"
	"github.com/toolplane/toolplane/pkg/contracts"
	pkgmw "github.com/toolplane/toolplane/pkg/middleware"
	"github.com/toolplane/toolplane/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Gateway       contracts.GatewayService
	Dispatcher    contracts.DispatcherService
	Queue         contracts.TaskQueueService
	Limiter       *ratelimit.Limiter
	Cache         *cache.Manager
	Vault         *vault.Vault
	Conversations contracts.ConversationStore

	// TaskRetries is the retry budget applied to enqueued tasks whose body
	// omits max_retries. An explicit 0 still means first failure is terminal.
	TaskRetries int
}

// New creates a new Handlers instance with all dependencies.
func New(gw contracts.GatewayService, disp contracts.DispatcherService, tasks contracts.TaskQueueService,
	limiter *ratelimit.Limiter, cacheMgr *cache.Manager, v *vault.Vault, conv contracts.ConversationStore) *Handlers {
	return &Handlers{
		Gateway:       gw,
		Dispatcher:    disp,
		Queue:         tasks,
		Limiter:       limiter,
		Cache:         cacheMgr,
		Vault:         v,
		Conversations: conv,
	}
}

// ══════════════════════════════════════════════════════════════
// ── MCP Transport Handlers ───────────────────────────────────
// ══════════════════════════════════════════════════════════════

// MCPEndpoint accepts a JSON-RPC 2.0 request on POST /mcp. When the session
// has a live event stream the response is delivered there and the POST is
// acknowledged with 202; otherwise the response body carries it directly.
func (h *Handlers) MCPEndpoint(w http.ResponseWriter, r *http.Request) {
	session := pkgmw.Session(r.Context())

	var req models.MCPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(models.MCPResponse{
			Jsonrpc: "2.0",
			Error: &models.MCPError{
				Code:    -32700,
				Message: "Parse error",
				Data:    err.Error(),
			},
			ID: models.NullID,
		})
		return
	}

	log.Info().Str("method", req.Method).Str("session", session).Msg("MCP request received")

	resp := h.Gateway.HandleJSONRPC(r.Context(), session, &req)
	if resp == nil {
		// Notification — no reply by protocol.
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if h.Gateway.Publish(session, *resp) {
		respondJSON(w, http.StatusAccepted, map[string]string{
			"status":  "accepted",
			"session": session,
		})
		return
	}

	// No stream connected for this session — answer in place.
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// MCPSSEEndpoint opens the event stream on GET /events. Responses to POSTs
// that share the session, plus task status notifications, arrive here.
func (h *Handlers) MCPSSEEndpoint(w http.ResponseWriter, r *http.Request) {
	session := pkgmw.Session(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "SSE not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch := h.Gateway.Subscribe(session)
	defer h.Gateway.Unsubscribe(session, ch)

	greeting, _ := json.Marshal(map[string]string{"session": session})
	fmt.Fprintf(w, "event: connected\ndata: %s\n\n", greeting)
	flusher.Flush()

	log.Info().Str("session", session).Msg("Event stream connected")

	for {
		select {
		case frame, ok := <-ch:
			if !ok {
				return
			}
			data, _ := json.Marshal(frame)
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", string(data))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// ══════════════════════════════════════════════════════════════
// ── Tool Handlers ────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// ListTools returns the served tool descriptors. Ops mirror of the MCP
// tools/list method; ?casing= previews the names under another rendering.
func (h *Handlers) ListTools(w http.ResponseWriter, r *http.Request) {
	tools, err := h.Dispatcher.ListToolsAs(r.URL.Query().Get("casing"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "unknown casing")
		return
	}
	if tools == nil {
		tools = []models.MCPToolInfo{}
	}
	respondJSON(w, http.StatusOK, tools)
}

// ══════════════════════════════════════════════════════════════
// ── Task Queue Handlers ──────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Queue.Stats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (h *Handlers) EnqueueTask(w http.ResponseWriter, r *http.Request) {
	// Pre-seeding before decode keeps the configured retry default for
	// bodies that omit max_retries while honoring an explicit 0.
	req := models.Task{MaxRetries: h.TaskRetries}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	// Server-owned fields. Callers choose priority, payload, retry budget,
	// dependencies and metadata; everything else is assigned on enqueue.
	req.ID = ""
	req.Status = ""
	req.Attempts = 0
	req.StartedAt = nil
	req.CompletedAt = nil
	req.RetryAfter = nil
	req.VisibilityDeadline = nil
	req.LastError = ""
	if req.SessionID == "" {
		req.SessionID = pkgmw.Session(r.Context())
	}

	id, err := h.Queue.Enqueue(r.Context(), &req)
	if err != nil {
		if errors.Is(err, queue.ErrDependencyUnsatisfied) {
			respondError(w, http.StatusConflict, err.Error())
		} else {
			respondError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	log.Info().
		Str("task", id).
		Str("tool", req.Payload.Tool).
		Str("priority", string(req.Priority)).
		Msg("Task enqueued")

	respondJSON(w, http.StatusAccepted, map[string]string{
		"id":     id,
		"status": "queued",
		"poll":   "/api/v1/tasks/" + id,
	})
}

func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskId")

	task, err := h.Queue.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, queue.ErrTaskNotFound) {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (h *Handlers) RemoveTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskId")

	if err := h.Queue.Remove(r.Context(), taskID); err != nil {
		switch {
		case errors.Is(err, queue.ErrTaskNotFound):
			respondError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, queue.ErrInFlight):
			respondError(w, http.StatusConflict, err.Error())
		default:
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	log.Info().Str("task", taskID).Msg("Task removed")
	respondJSON(w, http.StatusOK, map[string]string{"status": "removed", "id": taskID})
}

// ══════════════════════════════════════════════════════════════
// ── Cache Handlers ───────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) CacheMetrics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Cache.Metrics())
}

// ClearCache flushes one category (?category=…) or, without the parameter,
// every category at once.
func (h *Handlers) ClearCache(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")

	var cleared int
	if category != "" {
		cleared = h.Cache.ClearCategory(category)
	} else {
		cleared = h.Cache.Clear()
	}

	log.Info().Str("category", category).Int("cleared", cleared).Msg("Cache cleared")
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"cleared":  cleared,
		"category": category,
	})
}

// ══════════════════════════════════════════════════════════════
// ── Rate Limit Handlers ──────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) RateLimitMetrics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Limiter.MetricsAll())
}

// ResetRateLimit refills one tier (?tier=…) or all tiers to capacity and
// zeroes their counters.
func (h *Handlers) ResetRateLimit(w http.ResponseWriter, r *http.Request) {
	tier := r.URL.Query().Get("tier")
	h.Limiter.Reset(tier)

	scope := tier
	if scope == "" {
		scope = "all"
	}
	log.Info().Str("tier", scope).Msg("Rate limiter reset")
	respondJSON(w, http.StatusOK, map[string]string{"status": "reset", "tier": scope})
}

// UpdateRateLimit applies a partial bucket reconfiguration to one tier.
// Omitted fields keep their current values; available tokens are clamped to
// a lowered capacity immediately.
func (h *Handlers) UpdateRateLimit(w http.ResponseWriter, r *http.Request) {
	tier := chi.URLParam(r, "tier")

	var req struct {
		Capacity         *int   `json:"capacity"`
		RefillTokens     *int   `json:"refill_tokens"`
		RefillIntervalMs *int64 `json:"refill_interval_ms"`
		MaxWaitMs        *int64 `json:"max_wait_ms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	patch := ratelimit.ConfigPatch{
		Capacity:     req.Capacity,
		RefillTokens: req.RefillTokens,
	}
	if req.RefillIntervalMs != nil {
		d := time.Duration(*req.RefillIntervalMs) * time.Millisecond
		patch.RefillInterval = &d
	}
	if req.MaxWaitMs != nil {
		d := time.Duration(*req.MaxWaitMs) * time.Millisecond
		patch.MaxWait = &d
	}

	if err := h.Limiter.UpdateConfig(tier, patch); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	log.Info().Str("tier", tier).Msg("Rate limit tier reconfigured")

	metrics, _ := h.Limiter.Metrics(tier)
	respondJSON(w, http.StatusOK, metrics)
}

// ══════════════════════════════════════════════════════════════
// ── Vault Handlers ───────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// VaultStatus reports which token kinds are stored, rotation counts and the
// audit tail. Token values appear masked only.
func (h *Handlers) VaultStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Vault.Status())
}

// ══════════════════════════════════════════════════════════════
// ── Health & Version ─────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// Healthz probes each subsystem. 200 when everything answers, 503 when any
// probe fails; the body always carries the per-subsystem detail. Probe
// errors are logged, not echoed — callers get coarse states only.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	if _, err := h.Queue.Stats(ctx); err != nil {
		log.Warn().Err(err).Str("subsystem", "queue").Msg("Health probe failed")
		checks["queue"] = "unavailable"
		healthy = false
	} else {
		checks["queue"] = "ok"
	}

	if err := h.Conversations.Ping(ctx); err != nil {
		log.Warn().Err(err).Str("subsystem", "conversations").Msg("Health probe failed")
		checks["conversations"] = "unavailable"
		healthy = false
	} else {
		checks["conversations"] = "ok"
	}

	status := http.StatusOK
	state := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}

	respondJSON(w, status, map[string]interface{}{
		"status":  state,
		"version": models.Version,
		"checks":  checks,
	})
}

func (h *Handlers) VersionInfo(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"name":    "toolplane",
		"version": models.Version,
	})
}

// ══════════════════════════════════════════════════════════════
// ── Helpers ──────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
