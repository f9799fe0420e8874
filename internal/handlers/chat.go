package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"sentrydesk-backend/internal/middleware"
	"sentrydesk-backend/internal/models"
	"sentrydesk-backend/internal/services"
	"sentrydesk-backend/internal/session"
)

// ChatHandler is the REST fallback for chat: poll clients and clients whose
// push channel is down read and write through these endpoints. Both paths go
// through the same per-session store, so websocket viewers see REST sends
// immediately.
type ChatHandler struct {
	sessions *services.SessionService
	manager  *session.Manager
}

func NewChatHandler(sessions *services.SessionService, manager *session.Manager) *ChatHandler {
	return &ChatHandler{sessions: sessions, manager: manager}
}

func (h *ChatHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.load(w, r)
	if !ok {
		return
	}

	st := h.manager.Get(sess.ID)
	if err := st.FetchMessages(r.Context()); err != nil {
		handleSessionError(w, r, err)
		return
	}

	userID := middleware.GetUserID(r.Context())
	entries := st.Messages(userID, middleware.IsAdmin(r.Context()))
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": entries})
}

func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.load(w, r)
	if !ok {
		return
	}

	var req models.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Content is required", r))
		return
	}

	st := h.manager.Get(sess.ID)
	// The send gate needs the canonical record; load it if this store is cold.
	if st.Session() == nil {
		if _, err := st.FetchSession(r.Context()); err != nil {
			handleSessionError(w, r, err)
			return
		}
	}

	userID := middleware.GetUserID(r.Context())
	msg, err := st.SendMessage(r.Context(), userID, middleware.IsAdmin(r.Context()), req.Content, req.MessageType)
	if err != nil {
		handleSessionError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, msg)
}

func (h *ChatHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.load(w, r)
	if !ok {
		return
	}

	userID := middleware.GetUserID(r.Context())
	if err := h.manager.Get(sess.ID).MarkRead(r.Context(), userID); err != nil {
		handleSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Messages marked as read"})
}

func (h *ChatHandler) load(w http.ResponseWriter, r *http.Request) (*models.Session, bool) {
	id, ok := parseSessionID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid session id", r))
		return nil, false
	}

	sess, err := h.sessions.GetSession(r.Context(), id)
	if err != nil {
		handleSessionError(w, r, err)
		return nil, false
	}
	if !canView(r, sess) {
		writeJSON(w, http.StatusForbidden, errorResp("FORBIDDEN", "You do not have access to this session", r))
		return nil, false
	}
	return sess, true
}
