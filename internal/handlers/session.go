package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"sentrydesk-backend/internal/middleware"
	"sentrydesk-backend/internal/models"
	"sentrydesk-backend/internal/services"
	"sentrydesk-backend/internal/session"
)

type SessionHandler struct {
	sessions *services.SessionService
	manager  *session.Manager
}

func NewSessionHandler(sessions *services.SessionService, manager *session.Manager) *SessionHandler {
	return &SessionHandler{sessions: sessions, manager: manager}
}

func parseSessionID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	return id, err == nil
}

// canView reports whether the caller may see the session at all.
func canView(r *http.Request, sess *models.Session) bool {
	userID := middleware.GetUserID(r.Context())
	if middleware.IsAdmin(r.Context()) {
		return true
	}
	if sess.UserID == userID {
		return true
	}
	return sess.ExpertID != nil && *sess.ExpertID == userID
}

// sessionView is what REST clients receive: the whole record plus the
// countdown resolved at response time.
func sessionView(sess *models.Session) map[string]interface{} {
	cd := session.ResolveCountdown(sess, time.Now())
	return map[string]interface{}{
		"session":   sess,
		"countdown": cd,
	}
}

func (h *SessionHandler) Book(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlanID uuid.UUID            `json:"plan_id"`
		Source models.SessionSource `json:"source"`
		Topic  string               `json:"topic"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	sess, err := h.sessions.Book(r.Context(), middleware.GetUserID(r.Context()), req.PlanID, req.Source, req.Topic)
	if err != nil {
		handleSessionError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, sessionView(sess))
}

func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.sessions.ListByUser(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		handleSessionError(w, r, err)
		return
	}

	views := make([]map[string]interface{}, len(sessions))
	for i := range sessions {
		views[i] = sessionView(&sessions[i])
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": views})
}

func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sessionView(sess))
}

// Pay confirms payment for the caller's own session.
func (h *SessionHandler) Pay(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.load(w, r)
	if !ok {
		return
	}
	if sess.UserID != middleware.GetUserID(r.Context()) {
		writeJSON(w, http.StatusForbidden, errorResp("FORBIDDEN", "Only the session owner can pay", r))
		return
	}

	updated, err := h.manager.Get(sess.ID).MarkPaid(r.Context())
	if err != nil {
		handleSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionView(updated))
}

func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.load(w, r)
	if !ok {
		return
	}

	updated, err := h.manager.Get(sess.ID).Start(r.Context())
	if err != nil {
		handleSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionView(updated))
}

func (h *SessionHandler) Complete(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.load(w, r)
	if !ok {
		return
	}
	userID := middleware.GetUserID(r.Context())
	isExpert := sess.ExpertID != nil && *sess.ExpertID == userID
	if !isExpert && !middleware.IsAdmin(r.Context()) {
		writeJSON(w, http.StatusForbidden, errorResp("FORBIDDEN", "Only the assigned expert can complete a session", r))
		return
	}

	var req struct {
		Summary string `json:"summary"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	updated, err := h.manager.Get(sess.ID).Complete(r.Context(), req.Summary)
	if err != nil {
		handleSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionView(updated))
}

func (h *SessionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.load(w, r)
	if !ok {
		return
	}
	if sess.UserID != middleware.GetUserID(r.Context()) && !middleware.IsAdmin(r.Context()) {
		writeJSON(w, http.StatusForbidden, errorResp("FORBIDDEN", "Only the session owner can cancel", r))
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	updated, err := h.manager.Get(sess.ID).Cancel(r.Context(), req.Reason)
	if err != nil {
		handleSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionView(updated))
}

func (h *SessionHandler) Rate(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.load(w, r)
	if !ok {
		return
	}
	if sess.UserID != middleware.GetUserID(r.Context()) {
		writeJSON(w, http.StatusForbidden, errorResp("FORBIDDEN", "Only the session owner can rate", r))
		return
	}

	var req struct {
		Score    int    `json:"score"`
		Feedback string `json:"feedback"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	updated, err := h.manager.Get(sess.ID).Rate(r.Context(), req.Score, req.Feedback)
	if err != nil {
		handleSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionView(updated))
}

// load parses the id, fetches the record and enforces view access. On any
// failure it has already written the response.
func (h *SessionHandler) load(w http.ResponseWriter, r *http.Request) (*models.Session, bool) {
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
