package models

import (
	"time"

	"github.com/google/uuid"
)

// SenderRole labels who authored a chat message. Attribution of "mine" for a
// viewer is decided by SenderUserID, not by this label.
type SenderRole string

const (
	SenderUser   SenderRole = "USER"
	SenderExpert SenderRole = "EXPERT"
	SenderSystem SenderRole = "SYSTEM"
)

const (
	MessageTypeText       = "text"
	MessageTypeSystem     = "system"
	MessageTypeAttachment = "attachment"
)

type ChatMessage struct {
	ID        uuid.UUID  `json:"id"`
	SessionID uuid.UUID  `json:"session_id"`
	Sender    SenderRole `json:"sender"`
	// SenderUserID is nullable: legacy records predate per-user attribution.
	SenderUserID *uuid.UUID `json:"sender_user_id,omitempty"`
	Content      string     `json:"content"`
	MessageType  string     `json:"message_type"`
	CreatedAt    time.Time  `json:"created_at"`
	IsRead       bool       `json:"is_read"`
}

type SendMessageRequest struct {
	Content     string `json:"content"`
	MessageType string `json:"message_type"`
}
