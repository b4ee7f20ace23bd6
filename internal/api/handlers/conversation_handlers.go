package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/toolplane/toolplane/internal/convstore"
	"github.com/toolplane/toolplane/pkg/contracts"
	"github.com/toolplane/toolplane/pkg/models"
)

// ConversationHandlers holds dependencies for conversation admin handlers.
type ConversationHandlers struct {
	Store   contracts.ConversationStore
	Janitor *convstore.Janitor
}

// ══════════════════════════════════════════════════════════════
// ── Conversation Admin ───────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// ListConversations handles GET /api/v1/conversations
//
// Filters: user_id, chat_id, agent, since, until (RFC3339), limit, offset.
func (h *ConversationHandlers) ListConversations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := models.ConversationFilter{
		UserID:    q.Get("user_id"),
		ChatID:    q.Get("chat_id"),
		AgentName: q.Get("agent"),
		Limit:     parseIntParam(q.Get("limit"), 50),
		Offset:    parseIntParam(q.Get("offset"), 0),
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = &t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "until must be RFC3339")
			return
		}
		filter.Until = &t
	}

	convs, err := h.Store.List(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("Conversation list failed")
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if convs == nil {
		convs = []*models.Conversation{}
	}
	respondJSON(w, http.StatusOK, convs)
}

// GetConversation handles GET /api/v1/conversations/{conversationId}
func (h *ConversationHandlers) GetConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationId")

	conv, err := h.Store.Get(r.Context(), id)
	if err != nil {
		var nf *convstore.ErrNotFound
		if errors.As(err, &nf) {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, conv)
}

// DeleteConversation handles DELETE /api/v1/conversations/{conversationId}
func (h *ConversationHandlers) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationId")

	if err := h.Store.Delete(r.Context(), id); err != nil {
		var nf *convstore.ErrNotFound
		if errors.As(err, &nf) {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	log.Info().Str("conversation", id).Msg("Conversation deleted")
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

// ConversationStats handles GET /api/v1/conversations/stats
func (h *ConversationHandlers) ConversationStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Store.Stats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// CleanupConversations handles POST /api/v1/conversations/cleanup
//
// Runs one retention cycle immediately instead of waiting for the janitor's
// next tick. Conversations that fail to archive are kept.
func (h *ConversationHandlers) CleanupConversations(w http.ResponseWriter, r *http.Request) {
	if h.Janitor == nil {
		respondError(w, http.StatusServiceUnavailable, "retention janitor not configured")
		return
	}

	stats := h.Janitor.RunCycle(r.Context())

	errs := make([]string, 0, len(stats.Errors))
	for _, e := range stats.Errors {
		errs = append(errs, e.Error())
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"examined": stats.Examined,
		"archived": stats.Archived,
		"purged":   stats.Purged,
		"errors":   errs,
	})
}

func parseIntParam(v string, fallback int) int {
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
