package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sentrydesk-backend/internal/models"
)

// ErrNoTransition means the conditional update matched no row: either the
// session does not exist or it is not in a state the transition allows.
var ErrNoTransition = errors.New("session not in a state that allows this transition")

type SessionRepo struct {
	pool *pgxpool.Pool
}

func NewSessionRepo(pool *pgxpool.Pool) *SessionRepo {
	return &SessionRepo{pool: pool}
}

const sessionSelect = `
	SELECT s.id, s.user_id, s.expert_id, s.plan_id, s.source, s.topic,
	       s.status, s.payment_status,
	       s.timer_started_at, s.started_at, s.completed_at,
	       s.is_admin_managed, s.admin_extended_until, s.effective_expiration_time,
	       s.extension_reason, s.is_expired,
	       s.completion_summary, s.cancel_reason, s.rating, s.feedback,
	       s.created_at, s.updated_at,
	       p.id, p.name, p.duration_minutes, p.price_cents, p.is_active, p.created_at
	FROM consultation_sessions s
	JOIN plans p ON p.id = s.plan_id`

func scanSession(row pgx.Row) (*models.Session, error) {
	s := &models.Session{}
	err := row.Scan(
		&s.ID, &s.UserID, &s.ExpertID, &s.PlanID, &s.Source, &s.Topic,
		&s.Status, &s.PaymentStatus,
		&s.TimerStartedAt, &s.StartedAt, &s.CompletedAt,
		&s.IsAdminManaged, &s.AdminExtendedUntil, &s.EffectiveExpirationTime,
		&s.ExtensionReason, &s.IsExpired,
		&s.CompletionSummary, &s.CancelReason, &s.Rating, &s.Feedback,
		&s.CreatedAt, &s.UpdatedAt,
		&s.Plan.ID, &s.Plan.Name, &s.Plan.DurationMinutes, &s.Plan.PriceCents, &s.Plan.IsActive, &s.Plan.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *SessionRepo) Create(ctx context.Context, s *models.Session) error {
	s.ID = uuid.New()
	s.Status = models.StatusPending
	s.PaymentStatus = models.PaymentPending

	query := `
		INSERT INTO consultation_sessions (id, user_id, plan_id, source, topic, status, payment_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`

	return r.pool.QueryRow(ctx, query,
		s.ID, s.UserID, s.PlanID, s.Source, s.Topic, s.Status, s.PaymentStatus,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
}

func (r *SessionRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	return scanSession(r.pool.QueryRow(ctx, sessionSelect+` WHERE s.id = $1`, id))
}

func (r *SessionRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]models.Session, error) {
	rows, err := r.pool.Query(ctx, sessionSelect+`
		WHERE s.user_id = $1 OR s.expert_id = $1
		ORDER BY s.created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

func (r *SessionRepo) ListAll(ctx context.Context) ([]models.Session, error) {
	rows, err := r.pool.Query(ctx, sessionSelect+` ORDER BY s.created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// ListExpirable returns sessions the expiration sweeper must evaluate:
// anything counting down, whether by plan window or by admin override.
// Admin-managed sessions without overrides never appear here.
func (r *SessionRepo) ListExpirable(ctx context.Context) ([]models.Session, error) {
	rows, err := r.pool.Query(ctx, sessionSelect+`
		WHERE s.is_expired = FALSE
		  AND (
			(s.status = 'ACTIVE' AND s.timer_started_at IS NOT NULL AND s.is_admin_managed = FALSE)
			OR s.admin_extended_until IS NOT NULL
			OR s.effective_expiration_time IS NOT NULL
		  )`)
	if err != nil {
		return nil, fmt.Errorf("failed to list expirable sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

func collectSessions(rows pgx.Rows) ([]models.Session, error) {
	var out []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// transition runs a guarded update and returns the fresh record. Zero rows
// affected means the guard rejected the transition; local state is never
// derived from a rejected command.
func (r *SessionRepo) transition(ctx context.Context, id uuid.UUID, query string, args ...interface{}) (*models.Session, error) {
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("transition failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNoTransition
	}
	return r.GetByID(ctx, id)
}

func (r *SessionRepo) Approve(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	return r.transition(ctx, id, `
		UPDATE consultation_sessions
		SET status = 'PAYMENT_REQUIRED', payment_status = 'PENDING', updated_at = NOW()
		WHERE id = $1 AND status = 'PENDING'`, id)
}

func (r *SessionRepo) Reject(ctx context.Context, id uuid.UUID, note string) (*models.Session, error) {
	return r.transition(ctx, id, `
		UPDATE consultation_sessions
		SET status = 'REJECTED', cancel_reason = NULLIF($2, ''), updated_at = NOW()
		WHERE id = $1 AND status = 'PENDING'`, id, note)
}

func (r *SessionRepo) MarkPaid(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	return r.transition(ctx, id, `
		UPDATE consultation_sessions
		SET status = 'PAID', payment_status = 'PAID', updated_at = NOW()
		WHERE id = $1 AND status = 'PAYMENT_REQUIRED'`, id)
}

func (r *SessionRepo) AssignExpert(ctx context.Context, id, expertID uuid.UUID) (*models.Session, error) {
	return r.transition(ctx, id, `
		UPDATE consultation_sessions
		SET expert_id = $2, status = 'ASSIGNED', updated_at = NOW()
		WHERE id = $1 AND expert_id IS NULL AND status = 'PAID'`, id, expertID)
}

// Start opens the billed window. timer_started_at is set at most once per
// ACTIVE period: COALESCE keeps an existing start instant.
func (r *SessionRepo) Start(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	return r.transition(ctx, id, `
		UPDATE consultation_sessions
		SET status = 'ACTIVE',
			started_at = COALESCE(started_at, NOW()),
			timer_started_at = COALESCE(timer_started_at, NOW()),
			updated_at = NOW()
		WHERE id = $1 AND status IN ('ASSIGNED', 'PAID') AND payment_status = 'PAID'`, id)
}

func (r *SessionRepo) Complete(ctx context.Context, id uuid.UUID, summary string) (*models.Session, error) {
	return r.transition(ctx, id, `
		UPDATE consultation_sessions
		SET status = 'COMPLETED',
			completed_at = COALESCE(completed_at, NOW()),
			completion_summary = NULLIF($2, ''),
			updated_at = NOW()
		WHERE id = $1 AND status IN ('ACTIVE', 'ASSIGNED')`, id, summary)
}

func (r *SessionRepo) Cancel(ctx context.Context, id uuid.UUID, reason string) (*models.Session, error) {
	return r.transition(ctx, id, `
		UPDATE consultation_sessions
		SET status = 'CANCELLED', cancel_reason = NULLIF($2, ''), updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('COMPLETED', 'CANCELLED', 'EXPIRED')`, id, reason)
}

// Extend records an admin override. No state guard: an administrator may
// reopen even a terminal session; the reason is kept for audit.
func (r *SessionRepo) Extend(ctx context.Context, id uuid.UUID, until time.Time, reason string) (*models.Session, error) {
	return r.transition(ctx, id, `
		UPDATE consultation_sessions
		SET admin_extended_until = $2,
			extension_reason = NULLIF($3, ''),
			is_expired = FALSE,
			updated_at = NOW()
		WHERE id = $1`, id, until, reason)
}

func (r *SessionRepo) Rate(ctx context.Context, id uuid.UUID, score int, feedback string) (*models.Session, error) {
	return r.transition(ctx, id, `
		UPDATE consultation_sessions
		SET rating = $2, feedback = NULLIF($3, ''), updated_at = NOW()
		WHERE id = $1 AND status = 'COMPLETED'`, id, score, feedback)
}

// MarkExpired asserts the server-side expiration flag. Only the sweeper and
// admin tooling call this; viewers observe it through the status change. A
// session already in a terminal status keeps it: the flag alone closes a
// lapsed extension window.
func (r *SessionRepo) MarkExpired(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	return r.transition(ctx, id, `
		UPDATE consultation_sessions
		SET is_expired = TRUE,
			status = CASE WHEN status IN ('COMPLETED', 'CANCELLED', 'REJECTED') THEN status ELSE 'EXPIRED' END,
			updated_at = NOW()
		WHERE id = $1 AND is_expired = FALSE`, id)
}
