package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the canonical lifecycle state of a consultation session.
type SessionStatus string

const (
	StatusPending         SessionStatus = "PENDING"
	StatusApproved        SessionStatus = "APPROVED"
	StatusRejected        SessionStatus = "REJECTED"
	StatusPaymentRequired SessionStatus = "PAYMENT_REQUIRED"
	StatusPaid            SessionStatus = "PAID"
	StatusAssigned        SessionStatus = "ASSIGNED"
	StatusActive          SessionStatus = "ACTIVE"
	StatusCompleted       SessionStatus = "COMPLETED"
	StatusCancelled       SessionStatus = "CANCELLED"
	StatusExpired         SessionStatus = "EXPIRED"
)

// Terminal reports whether the status ends the session's lifecycle.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusExpired, StatusRejected:
		return true
	}
	return false
}

// PaymentStatus tracks the payment gate independently of the lifecycle status.
type PaymentStatus string

const (
	PaymentNotRequired PaymentStatus = "NOT_REQUIRED"
	PaymentPending     PaymentStatus = "PENDING"
	PaymentPaid        PaymentStatus = "PAID"
	PaymentFailed      PaymentStatus = "FAILED"
	PaymentRefunded    PaymentStatus = "REFUNDED"
)

// SessionSource records what triggered the booking.
type SessionSource string

const (
	SourceAlert   SessionSource = "alert"
	SourceInquiry SessionSource = "inquiry"
)

type Plan struct {
	ID              uuid.UUID `json:"id"`
	Name            string    `json:"name"`
	DurationMinutes int       `json:"duration_minutes"`
	PriceCents      int64     `json:"price_cents"`
	IsActive        bool      `json:"is_active"`
	CreatedAt       time.Time `json:"created_at"`
}

type Session struct {
	ID            uuid.UUID     `json:"id"`
	UserID        uuid.UUID     `json:"user_id"`
	ExpertID      *uuid.UUID    `json:"expert_id,omitempty"`
	PlanID        uuid.UUID     `json:"plan_id"`
	Plan          Plan          `json:"plan"`
	Source        SessionSource `json:"source"`
	Topic         string        `json:"topic"`
	Status        SessionStatus `json:"status"`
	PaymentStatus PaymentStatus `json:"payment_status"`

	// TimerStartedAt marks the instant billing began; set once per ACTIVE period.
	TimerStartedAt *time.Time `json:"timer_started_at,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`

	// Admin overrides. A managed session with no override timestamps never
	// auto-expires; once an override instant is set it takes priority.
	IsAdminManaged          bool       `json:"is_admin_managed"`
	AdminExtendedUntil      *time.Time `json:"admin_extended_until,omitempty"`
	EffectiveExpirationTime *time.Time `json:"effective_expiration_time,omitempty"`
	ExtensionReason         *string    `json:"extension_reason,omitempty"`

	// IsExpired is the server-asserted terminal flag, distinct from any
	// locally computed expiration.
	IsExpired bool `json:"is_expired"`

	CompletionSummary *string `json:"completion_summary,omitempty"`
	CancelReason      *string `json:"cancel_reason,omitempty"`
	Rating            *int    `json:"rating,omitempty"`
	Feedback          *string `json:"feedback,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OverrideExpiration returns the effective admin override instant, or nil when
// no override is set. When both override fields are present the later instant
// wins: an extension must never shorten a window the server already granted.
func (s *Session) OverrideExpiration() *time.Time {
	if s.AdminExtendedUntil == nil {
		return s.EffectiveExpirationTime
	}
	if s.EffectiveExpirationTime == nil {
		return s.AdminExtendedUntil
	}
	if s.AdminExtendedUntil.After(*s.EffectiveExpirationTime) {
		return s.AdminExtendedUntil
	}
	return s.EffectiveExpirationTime
}

// Clone returns a deep copy. Canonical session state is only ever replaced
// whole-record, so subscribers never observe a partially written session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.ExpertID = cloneUUIDPtr(s.ExpertID)
	c.TimerStartedAt = cloneTimePtr(s.TimerStartedAt)
	c.StartedAt = cloneTimePtr(s.StartedAt)
	c.CompletedAt = cloneTimePtr(s.CompletedAt)
	c.AdminExtendedUntil = cloneTimePtr(s.AdminExtendedUntil)
	c.EffectiveExpirationTime = cloneTimePtr(s.EffectiveExpirationTime)
	c.ExtensionReason = cloneStringPtr(s.ExtensionReason)
	c.CompletionSummary = cloneStringPtr(s.CompletionSummary)
	c.CancelReason = cloneStringPtr(s.CancelReason)
	c.Rating = cloneIntPtr(s.Rating)
	c.Feedback = cloneStringPtr(s.Feedback)
	return &c
}

func cloneTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneUUIDPtr(u *uuid.UUID) *uuid.UUID {
	if u == nil {
		return nil
	}
	v := *u
	return &v
}

func cloneStringPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneIntPtr(i *int) *int {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}
