package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"sentrydesk-backend/internal/services"
	"sentrydesk-backend/internal/session"
)

// AdminHandler owns the review and override surface. All routes are mounted
// behind RequireAdmin.
type AdminHandler struct {
	sessions *services.SessionService
	manager  *session.Manager
}

func NewAdminHandler(sessions *services.SessionService, manager *session.Manager) *AdminHandler {
	return &AdminHandler{sessions: sessions, manager: manager}
}

func (h *AdminHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.sessions.ListAll(r.Context())
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

func (h *AdminHandler) Approve(w http.ResponseWriter, r *http.Request) {
	id, ok := parseSessionID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid session id", r))
		return
	}

	var req struct {
		Note string `json:"note"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	updated, err := h.manager.Get(id).Approve(r.Context(), req.Note)
	if err != nil {
		handleSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionView(updated))
}

func (h *AdminHandler) Reject(w http.ResponseWriter, r *http.Request) {
	id, ok := parseSessionID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid session id", r))
		return
	}

	var req struct {
		Note string `json:"note"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	updated, err := h.manager.Get(id).Reject(r.Context(), req.Note)
	if err != nil {
		handleSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionView(updated))
}

// Assign binds an expert. Assigning twice is not an error: the response
// carries the existing assignment plus a note.
func (h *AdminHandler) Assign(w http.ResponseWriter, r *http.Request) {
	id, ok := parseSessionID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid session id", r))
		return
	}

	var req struct {
		ExpertID uuid.UUID `json:"expert_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ExpertID == uuid.Nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "expert_id is required", r))
		return
	}

	updated, err := h.manager.Get(id).AssignExpert(r.Context(), req.ExpertID)
	if errors.Is(err, session.ErrExpertAlreadyAssigned) {
		if updated == nil {
			updated, _ = h.sessions.GetSession(r.Context(), id)
		}
		view := sessionView(updated)
		view["note"] = "An expert is already assigned to this session"
		writeJSON(w, http.StatusOK, view)
		return
	}
	if err != nil {
		handleSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionView(updated))
}

func (h *AdminHandler) Extend(w http.ResponseWriter, r *http.Request) {
	id, ok := parseSessionID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid session id", r))
		return
	}

	var req struct {
		Until  time.Time `json:"until"`
		Hours  int       `json:"hours"`
		Reason string    `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	until := req.Until
	if until.IsZero() && req.Hours > 0 {
		until = time.Now().Add(time.Duration(req.Hours) * time.Hour)
	}
	if until.IsZero() {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Either until or hours is required", r))
		return
	}

	updated, err := h.manager.Get(id).Extend(r.Context(), until, req.Reason)
	if err != nil {
		handleSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionView(updated))
}
