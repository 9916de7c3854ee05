// ABOUTME: HTTP API handlers for message history outside the live hub
// ABOUTME: Container paging with a Pagination header, full threads, cursor pages and per-side delete

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/tandem/internal/auth"
	"github.com/2389/tandem/internal/store"
)

// PaginationHeader is the JSON carried in the Pagination response header.
type PaginationHeader struct {
	CurrentPage  int `json:"currentPage"`
	ItemsPerPage int `json:"itemsPerPage"`
	TotalItems   int `json:"totalItems"`
	TotalPages   int `json:"totalPages"`
}

// MessageResponse is the JSON form of one message.
type MessageResponse struct {
	ID              string  `json:"id"`
	ConversationKey string  `json:"conversation_key"`
	SenderID        string  `json:"sender_id"`
	RecipientID     string  `json:"recipient_id"`
	Content         string  `json:"content"`
	AutoPilot       bool    `json:"auto_pilot"`
	SentAt          string  `json:"sent_at"`
	ReadAt          *string `json:"read_at,omitempty"`
}

// ConversationPageResponse is the JSON response for GET /api/conversations/{userId}/messages.
type ConversationPageResponse struct {
	Messages   []MessageResponse `json:"messages"`
	NextCursor string            `json:"next_cursor,omitempty"`
	HasMore    bool              `json:"has_more"`
}

func toMessageResponse(m *store.Message) MessageResponse {
	resp := MessageResponse{
		ID:              m.ID,
		ConversationKey: m.ConversationKey.String(),
		SenderID:        m.SenderID,
		RecipientID:     m.RecipientID,
		Content:         m.Content,
		AutoPilot:       m.AutoPilot,
		SentAt:          m.SentAt.Format(time.RFC3339Nano),
	}
	if m.ReadAt != nil {
		readAt := m.ReadAt.Format(time.RFC3339Nano)
		resp.ReadAt = &readAt
	}
	return resp
}

func toMessageResponses(msgs []*store.Message) []MessageResponse {
	out := make([]MessageResponse, len(msgs))
	for i, m := range msgs {
		out[i] = toMessageResponse(m)
	}
	return out
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (g *Gateway) sendJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response failed", "error", err)
	}
}

// queryParam returns the first value of the query parameter name, matched
// case-insensitively so both container and Container are accepted.
func queryParam(r *http.Request, name string) string {
	q := r.URL.Query()
	if v, ok := q[name]; ok && len(v) > 0 {
		return v[0]
	}
	for k, v := range q {
		if strings.EqualFold(k, name) && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

// parsePositiveInt reads an optional positive integer query parameter.
func parsePositiveInt(r *http.Request, name string, def int) (int, bool) {
	raw := queryParam(r, name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// peerKey validates the {userId} path value against the caller.
func peerKey(r *http.Request, self string) (store.ConversationKey, bool) {
	other := r.PathValue("userId")
	if !store.ValidUserID(other) || other == self {
		return store.ConversationKey{}, false
	}
	return store.NewConversationKey(self, other), true
}

// handleListMessages handles GET /api/messages?container=&pageNumber=&pageSize=.
func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())

	container, err := store.ParseContainer(queryParam(r, "container"))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	pageNumber, ok := parsePositiveInt(r, "pageNumber", 1)
	if !ok {
		g.sendJSONError(w, http.StatusBadRequest, "pageNumber must be a positive integer")
		return
	}
	pageSize, ok := parsePositiveInt(r, "pageSize", 0)
	if !ok {
		g.sendJSONError(w, http.StatusBadRequest, "pageSize must be a positive integer")
		return
	}

	page, err := g.store.ListMessages(r.Context(), store.ListParams{
		UserID:     authCtx.UserID,
		Container:  container,
		PageNumber: pageNumber,
		PageSize:   pageSize,
	})
	if err != nil {
		g.logger.Error("failed to list messages", "user_id", authCtx.UserID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	header, _ := json.Marshal(PaginationHeader{
		CurrentPage:  page.PageNumber,
		ItemsPerPage: page.PageSize,
		TotalItems:   page.TotalCount,
		TotalPages:   page.TotalPages,
	})
	w.Header().Set("Pagination", string(header))
	w.Header().Set("Access-Control-Expose-Headers", "Pagination")
	g.sendJSON(w, toMessageResponses(page.Messages))
}

// handleThread handles GET /api/messages/thread/{userId}, the full thread oldest first.
func (g *Gateway) handleThread(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())
	key, ok := peerKey(r, authCtx.UserID)
	if !ok {
		g.sendJSONError(w, http.StatusBadRequest, "userId must name the other participant")
		return
	}

	messages, err := g.store.Thread(r.Context(), key, authCtx.UserID, 0)
	if err != nil {
		g.logger.Error("failed to load thread", "conversation_key", key.String(), "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, toMessageResponses(messages))
}

// handleConversationMessages handles GET /api/conversations/{userId}/messages?cursor=&limit=.
// Pages run newest first; next_cursor continues with older messages.
func (g *Gateway) handleConversationMessages(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())
	key, ok := peerKey(r, authCtx.UserID)
	if !ok {
		g.sendJSONError(w, http.StatusBadRequest, "userId must name the other participant")
		return
	}

	// Parse optional limit parameter (default 50, max 500)
	limit, ok := parsePositiveInt(r, "limit", 50)
	if !ok {
		g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	limit = min(limit, 500)

	page, err := g.store.ThreadPage(r.Context(), store.ThreadPageParams{
		Key:      key,
		ViewerID: authCtx.UserID,
		Cursor:   r.URL.Query().Get("cursor"),
		Limit:    limit,
	})
	if errors.Is(err, store.ErrInvalidCursor) {
		g.sendJSONError(w, http.StatusBadRequest, "invalid cursor")
		return
	}
	if err != nil {
		g.logger.Error("failed to page thread", "conversation_key", key.String(), "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.sendJSON(w, ConversationPageResponse{
		Messages:   toMessageResponses(page.Messages),
		NextCursor: page.NextCursor,
		HasMore:    page.HasMore,
	})
}

// handleDeleteMessage handles DELETE /api/messages/{id}. It hides the message
// from the caller only.
func (g *Gateway) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())
	id := r.PathValue("id")

	err := g.store.DeleteMessage(r.Context(), id, authCtx.UserID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "message not found")
	case errors.Is(err, store.ErrForbidden):
		g.sendJSONError(w, http.StatusForbidden, "not a participant of this message")
	case err != nil:
		g.logger.Error("failed to delete message", "message_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}
