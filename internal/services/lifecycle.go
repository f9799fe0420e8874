package services

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"

	"sentrydesk-backend/internal/models"
	"sentrydesk-backend/internal/repository"
	"sentrydesk-backend/internal/session"
)

// Narrow store interfaces so transition guards are testable without a
// database.
type sessionStore interface {
	Create(ctx context.Context, s *models.Session) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]models.Session, error)
	ListAll(ctx context.Context) ([]models.Session, error)
	Approve(ctx context.Context, id uuid.UUID) (*models.Session, error)
	Reject(ctx context.Context, id uuid.UUID, note string) (*models.Session, error)
	MarkPaid(ctx context.Context, id uuid.UUID) (*models.Session, error)
	AssignExpert(ctx context.Context, id, expertID uuid.UUID) (*models.Session, error)
	Start(ctx context.Context, id uuid.UUID) (*models.Session, error)
	Complete(ctx context.Context, id uuid.UUID, summary string) (*models.Session, error)
	Cancel(ctx context.Context, id uuid.UUID, reason string) (*models.Session, error)
	Extend(ctx context.Context, id uuid.UUID, until time.Time, reason string) (*models.Session, error)
	Rate(ctx context.Context, id uuid.UUID, score int, feedback string) (*models.Session, error)
}

type messageStore interface {
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]models.ChatMessage, error)
	Create(ctx context.Context, m *models.ChatMessage) error
	MarkRead(ctx context.Context, sessionID, readerID uuid.UUID) error
}

type planStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Plan, error)
}

type userStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// SessionService is the durable side of the session state machine. Every
// transition is a guarded conditional update: a rejected guard surfaces as an
// error and never changes state.
type SessionService struct {
	sessions sessionStore
	messages messageStore
	plans    planStore
	users    userStore
	queue    *redis.Client
	now      func() time.Time
}

func NewSessionService(sessions *repository.SessionRepo, messages *repository.MessageRepo, plans *repository.PlanRepo, users *repository.UserRepo, queue *redis.Client) *SessionService {
	return &SessionService{
		sessions: sessions,
		messages: messages,
		plans:    plans,
		users:    users,
		queue:    queue,
		now:      time.Now,
	}
}

// Book creates a PENDING session against a plan, triggered by a threat alert
// or a general inquiry.
func (s *SessionService) Book(ctx context.Context, userID, planID uuid.UUID, source models.SessionSource, topic string) (*models.Session, error) {
	if source != models.SourceAlert && source != models.SourceInquiry {
		return nil, session.NewValidationError("source", "source must be alert or inquiry")
	}
	if topic == "" {
		return nil, session.NewValidationError("topic", "topic is required")
	}

	plan, err := s.plans.GetByID(ctx, planID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, session.NewValidationError("plan_id", "unknown plan")
		}
		return nil, err
	}
	if !plan.IsActive {
		return nil, session.NewValidationError("plan_id", "plan is no longer offered")
	}

	sess := &models.Session{
		UserID: userID,
		PlanID: plan.ID,
		Source: source,
		Topic:  topic,
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, err
	}
	sess.Plan = *plan
	return sess, nil
}

func (s *SessionService) GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	sess, err := s.sessions.GetByID(ctx, id)
	return sess, mapStoreErr(err)
}

func (s *SessionService) ListByUser(ctx context.Context, userID uuid.UUID) ([]models.Session, error) {
	return s.sessions.ListByUser(ctx, userID)
}

func (s *SessionService) ListAll(ctx context.Context) ([]models.Session, error) {
	return s.sessions.ListAll(ctx)
}

func (s *SessionService) Approve(ctx context.Context, id uuid.UUID, note string) (*models.Session, error) {
	sess, err := s.sessions.Approve(ctx, id)
	return sess, mapStoreErr(err)
}

func (s *SessionService) Reject(ctx context.Context, id uuid.UUID, note string) (*models.Session, error) {
	sess, err := s.sessions.Reject(ctx, id, note)
	return sess, mapStoreErr(err)
}

func (s *SessionService) MarkPaid(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	sess, err := s.sessions.MarkPaid(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	s.enqueue(ctx, models.JobPaymentReceipt, sess)
	return sess, nil
}

// AssignExpert binds an expert. Assigning to a session that already has one
// is an idempotent no-op, surfaced via the sentinel so callers can report
// "already assigned" rather than a failure.
func (s *SessionService) AssignExpert(ctx context.Context, id, expertID uuid.UUID) (*models.Session, error) {
	current, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if current.ExpertID != nil {
		return current, session.ErrExpertAlreadyAssigned
	}

	sess, err := s.sessions.AssignExpert(ctx, id, expertID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	s.enqueue(ctx, models.JobSessionAssigned, sess)
	return sess, nil
}

// Start opens the billed window. The payment gate is checked up front so the
// caller gets a precise failure, and again inside the conditional update.
func (s *SessionService) Start(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	current, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if current.PaymentStatus != models.PaymentPaid {
		return nil, session.NewValidationError("payment_status", "session must be paid before it can start")
	}

	sess, err := s.sessions.Start(ctx, id)
	return sess, mapStoreErr(err)
}

func (s *SessionService) Complete(ctx context.Context, id uuid.UUID, summary string) (*models.Session, error) {
	sess, err := s.sessions.Complete(ctx, id, summary)
	return sess, mapStoreErr(err)
}

func (s *SessionService) Cancel(ctx context.Context, id uuid.UUID, reason string) (*models.Session, error) {
	sess, err := s.sessions.Cancel(ctx, id, reason)
	return sess, mapStoreErr(err)
}

// Extend records an admin override. The reason is mandatory: overrides are
// billing-relevant and audited.
func (s *SessionService) Extend(ctx context.Context, id uuid.UUID, until time.Time, reason string) (*models.Session, error) {
	if reason == "" {
		return nil, session.NewValidationError("reason", "an extension reason is required for audit")
	}
	if !until.After(s.now()) {
		return nil, session.NewValidationError("until", "extension must end in the future")
	}

	sess, err := s.sessions.Extend(ctx, id, until.UTC(), reason)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	s.enqueue(ctx, models.JobSessionExtended, sess)
	return sess, nil
}

func (s *SessionService) Rate(ctx context.Context, id uuid.UUID, score int, feedback string) (*models.Session, error) {
	if score < 1 || score > 5 {
		return nil, session.NewValidationError("score", "score must be between 1 and 5")
	}
	sess, err := s.sessions.Rate(ctx, id, score, feedback)
	return sess, mapStoreErr(err)
}

func (s *SessionService) ListMessages(ctx context.Context, sessionID uuid.UUID) ([]models.ChatMessage, error) {
	return s.messages.ListBySession(ctx, sessionID)
}

// SendMessage persists a message, re-checking the terminal-status gate
// server-side: a non-privileged sender cannot write into an ended session
// unless an admin extension is in effect.
func (s *SessionService) SendMessage(ctx context.Context, msg *models.ChatMessage) (*models.ChatMessage, error) {
	if msg.Content == "" {
		return nil, session.NewValidationError("content", "content is required")
	}

	sess, err := s.sessions.GetByID(ctx, msg.SessionID)
	if err != nil {
		return nil, mapStoreErr(err)
	}

	privileged := false
	if msg.SenderUserID != nil {
		user, err := s.users.GetByID(ctx, *msg.SenderUserID)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		if user != nil {
			privileged = user.IsAdmin
		}
	}

	if !privileged && sess.Status.Terminal() {
		cd := session.ResolveCountdown(sess, s.now())
		if cd.Mode != session.CountdownRunning && cd.Mode != session.CountdownUnlimited {
			return nil, session.ErrGone
		}
	}

	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now().UTC()
	}
	if msg.MessageType == "" {
		msg.MessageType = models.MessageTypeText
	}

	if err := s.messages.Create(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *SessionService) MarkRead(ctx context.Context, sessionID, readerID uuid.UUID) error {
	return s.messages.MarkRead(ctx, sessionID, readerID)
}

func (s *SessionService) enqueue(ctx context.Context, jobType string, sess *models.Session) {
	enqueueNotification(ctx, s.queue, jobType, sess)
}

// enqueueNotification pushes a job onto the notification queue. Delivery is
// best-effort; a failed enqueue never fails the transition that caused it.
func enqueueNotification(ctx context.Context, queue *redis.Client, jobType string, sess *models.Session) {
	if queue == nil {
		return
	}
	job := models.NotificationJob{
		ID:        uuid.New(),
		Type:      jobType,
		SessionID: sess.ID,
		UserID:    sess.UserID,
		CreatedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return
	}
	if err := queue.LPush(ctx, "queue:notifications", payload).Err(); err != nil {
		log.Printf("failed to enqueue %s notification for session %s: %v", jobType, sess.ID, err)
	}
}

// mapStoreErr normalizes repository errors into the session failure taxonomy
// before they reach the engine or a handler.
func mapStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return session.ErrNotFound
	case errors.Is(err, repository.ErrNoTransition):
		return session.NewValidationError("status", "session is not in a state that allows this transition")
	default:
		return err
	}
}
