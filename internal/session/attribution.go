package session

import (
	"github.com/google/uuid"

	"sentrydesk-backend/internal/models"
)

// ViewerAuthored reports whether the viewer wrote the message. Attribution
// compares sender_user_id against the viewer's id, never the sender role
// label: a privileged viewer's messages carry an elevated role label that
// does not match their literal identity.
//
// Legacy records lack sender_user_id. The fallback is a best-effort
// heuristic: a USER-role, non-system message counts as viewer-authored only
// when the viewer is an ordinary participant.
func ViewerAuthored(msg models.ChatMessage, viewerID uuid.UUID, viewerPrivileged bool) bool {
	if msg.SenderUserID != nil {
		return *msg.SenderUserID == viewerID
	}
	if msg.Sender == models.SenderSystem || msg.MessageType == models.MessageTypeSystem {
		return false
	}
	return msg.Sender == models.SenderUser && !viewerPrivileged
}
