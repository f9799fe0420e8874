package models

import (
	"time"

	"github.com/google/uuid"
)

// Notification job types consumed by the worker pool.
const (
	JobSessionAssigned = "session-assigned"
	JobSessionExpired  = "session-expired"
	JobSessionExtended = "session-extended"
	JobPaymentReceipt  = "payment-receipt"
)

// NotificationJob is the payload pushed onto queue:notifications.
type NotificationJob struct {
	ID         uuid.UUID `json:"id"`
	Type       string    `json:"type"`
	SessionID  uuid.UUID `json:"session_id"`
	UserID     uuid.UUID `json:"user_id"`
	CreatedAt  time.Time `json:"created_at"`
	RetryCount int       `json:"retry_count,omitempty"`
}
