package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"sentrydesk-backend/internal/models"
	"sentrydesk-backend/internal/services"
	"sentrydesk-backend/internal/session"
)

// ─── Error Mapping Tests ───

func TestHandleSessionErrorStatusCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		body string
	}{
		{"gone", session.ErrGone, http.StatusGone, "SESSION_ENDED"},
		{"not found", session.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{"forbidden", session.ErrForbidden, http.StatusForbidden, "FORBIDDEN"},
		{"unauthorized", session.ErrUnauthorized, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"validation", session.NewValidationError("topic", "required"), http.StatusBadRequest, "VALIDATION_ERROR"},
		{"network", &session.NetworkError{Err: errors.New("dial tcp: timeout")}, http.StatusServiceUnavailable, "NETWORK_ERROR"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/x", nil)
			rr := httptest.NewRecorder()

			handleSessionError(rr, req, tc.err)

			if rr.Code != tc.code {
				t.Errorf("status = %d, want %d", rr.Code, tc.code)
			}

			var resp models.ErrorResponse
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if resp.Error.Code != tc.body {
				t.Errorf("code = %q, want %q", resp.Error.Code, tc.body)
			}
		})
	}
}

func TestHandleServiceErrorFallsThroughToSessionTaxonomy(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	rr := httptest.NewRecorder()
	handleServiceError(rr, req, &services.ConflictError{Message: "Email already in use"})
	if rr.Code != http.StatusConflict {
		t.Errorf("conflict status = %d, want 409", rr.Code)
	}

	rr = httptest.NewRecorder()
	handleServiceError(rr, req, session.ErrGone)
	if rr.Code != http.StatusGone {
		t.Errorf("gone status = %d, want 410", rr.Code)
	}
}

func TestErrorResponseCarriesRequestID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-123")

	resp := errorResp("NOT_FOUND", "Session not found", req)
	if resp.Error.RequestID != "req-123" {
		t.Errorf("request_id = %q, want req-123", resp.Error.RequestID)
	}
}

// ─── Session View Tests ───

func TestSessionViewResolvesCountdown(t *testing.T) {
	started := time.Now().Add(-10 * time.Minute)
	sess := &models.Session{
		ID:             uuid.New(),
		Status:         models.StatusActive,
		TimerStartedAt: &started,
		Plan:           models.Plan{DurationMinutes: 30},
	}

	view := sessionView(sess)
	cd, ok := view["countdown"].(session.Countdown)
	if !ok {
		t.Fatalf("countdown missing from session view")
	}
	if cd.Mode != session.CountdownRunning {
		t.Errorf("mode = %s, want running", cd.Mode)
	}
	if cd.RemainingSeconds <= 0 || cd.RemainingSeconds > 20*60 {
		t.Errorf("remaining = %ds, want about 20 minutes", cd.RemainingSeconds)
	}
}
