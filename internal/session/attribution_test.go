package session

import (
	"testing"

	"github.com/google/uuid"

	"sentrydesk-backend/internal/models"
)

func TestViewerAuthored_SenderIDWinsOverRoleLabel(t *testing.T) {
	viewer := uuid.New()
	other := uuid.New()

	tests := []struct {
		name     string
		sender   models.SenderRole
		senderID *uuid.UUID
		admin    bool
		expected bool
	}{
		{"own message with USER label", models.SenderUser, &viewer, false, true},
		{"own message with EXPERT label", models.SenderExpert, &viewer, false, true},
		{"own message viewed as admin", models.SenderExpert, &viewer, true, true},
		{"someone else with USER label", models.SenderUser, &other, false, false},
		{"someone else with EXPERT label", models.SenderExpert, &other, true, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg := models.ChatMessage{
				Sender:       tc.sender,
				SenderUserID: tc.senderID,
				MessageType:  models.MessageTypeText,
			}
			got := ViewerAuthored(msg, viewer, tc.admin)
			if got != tc.expected {
				t.Errorf("Expected %v, got %v", tc.expected, got)
			}
		})
	}
}

func TestViewerAuthored_LegacyFallback(t *testing.T) {
	viewer := uuid.New()

	tests := []struct {
		name       string
		sender     models.SenderRole
		msgType    string
		privileged bool
		expected   bool
	}{
		{"legacy USER message, ordinary viewer", models.SenderUser, models.MessageTypeText, false, true},
		{"legacy USER message, privileged viewer", models.SenderUser, models.MessageTypeText, true, false},
		{"legacy EXPERT message, ordinary viewer", models.SenderExpert, models.MessageTypeText, false, false},
		{"legacy system message", models.SenderSystem, models.MessageTypeSystem, false, false},
		{"legacy USER-labelled system message", models.SenderUser, models.MessageTypeSystem, false, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg := models.ChatMessage{
				Sender:      tc.sender,
				MessageType: tc.msgType,
			}
			got := ViewerAuthored(msg, viewer, tc.privileged)
			if got != tc.expected {
				t.Errorf("Expected %v, got %v", tc.expected, got)
			}
		})
	}
}
