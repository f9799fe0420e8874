package session

import (
	"time"

	"sentrydesk-backend/internal/models"
)

// CountdownMode classifies what the timer means for a session right now.
type CountdownMode string

const (
	// CountdownNone: no countdown applies (not active, nothing overridden).
	CountdownNone CountdownMode = "none"
	// CountdownUnlimited: admin-managed with no override timestamps; the
	// session never auto-expires.
	CountdownUnlimited CountdownMode = "unlimited"
	// CountdownRunning: time is counting down toward expiration.
	CountdownRunning CountdownMode = "running"
	// CountdownExpired: the window has elapsed.
	CountdownExpired CountdownMode = "expired"
)

const (
	// WarningThreshold is the remaining time under which viewers see a
	// "wrapping up" indicator. Presentation only.
	WarningThreshold = 5 * time.Minute

	// TickInterval is how often a meaningful countdown is re-evaluated.
	TickInterval = time.Second

	// PullInterval is how often the durable message store is re-fetched
	// while a session is active.
	PullInterval = 30 * time.Second
)

type Countdown struct {
	Mode             CountdownMode `json:"mode"`
	Remaining        time.Duration `json:"-"`
	RemainingSeconds int64         `json:"remaining_seconds"`
	Warning          bool          `json:"warning"`
}

// ResolveCountdown turns session timestamps and admin overrides into a
// remaining-time value for the given wall-clock instant.
//
// Precedence: an explicit override timestamp wins once set, even on an
// admin-managed session; admin-managed grants the unlimited mode only while
// no override exists.
func ResolveCountdown(s *models.Session, now time.Time) Countdown {
	if s == nil {
		return Countdown{Mode: CountdownNone}
	}

	override := s.OverrideExpiration()

	if s.IsAdminManaged && override == nil {
		return Countdown{Mode: CountdownUnlimited}
	}

	if override != nil {
		if remaining := override.Sub(now); remaining > 0 {
			return running(remaining)
		}
		return Countdown{Mode: CountdownExpired}
	}

	if s.Status == models.StatusActive && s.TimerStartedAt != nil {
		window := time.Duration(s.Plan.DurationMinutes) * time.Minute
		if remaining := window - now.Sub(*s.TimerStartedAt); remaining > 0 {
			return running(remaining)
		}
		return Countdown{Mode: CountdownExpired}
	}

	if s.Status == models.StatusExpired || s.IsExpired {
		return Countdown{Mode: CountdownExpired}
	}

	return Countdown{Mode: CountdownNone}
}

func running(remaining time.Duration) Countdown {
	return Countdown{
		Mode:             CountdownRunning,
		Remaining:        remaining,
		RemainingSeconds: int64(remaining / time.Second),
		Warning:          remaining <= WarningThreshold,
	}
}
