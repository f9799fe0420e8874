package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"sentrydesk-backend/internal/models"
	"sentrydesk-backend/internal/repository"
	"sentrydesk-backend/internal/session"
)

type fakeExpirable struct {
	sessions []models.Session
	expired  []uuid.UUID
}

func (f *fakeExpirable) ListExpirable(ctx context.Context) ([]models.Session, error) {
	return f.sessions, nil
}

func (f *fakeExpirable) MarkExpired(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	for i := range f.sessions {
		if f.sessions[i].ID == id {
			if f.sessions[i].IsExpired {
				return nil, repository.ErrNoTransition
			}
			f.sessions[i].IsExpired = true
			if !f.sessions[i].Status.Terminal() {
				f.sessions[i].Status = models.StatusExpired
			}
			f.expired = append(f.expired, id)
			return &f.sessions[i], nil
		}
	}
	return nil, repository.ErrNoTransition
}

type recordingPush struct {
	published []uuid.UUID
}

func (p *recordingPush) Subscribe(ctx context.Context, sessionID uuid.UUID) (<-chan session.PushEvent, error) {
	ch := make(chan session.PushEvent)
	close(ch)
	return ch, nil
}

func (p *recordingPush) Publish(ctx context.Context, sessionID uuid.UUID, ev session.PushEvent) bool {
	p.published = append(p.published, sessionID)
	return true
}

func sweepSession(status models.SessionStatus, timerStarted time.Time, minutes int) models.Session {
	return models.Session{
		ID:             uuid.New(),
		UserID:         uuid.New(),
		Status:         status,
		TimerStartedAt: &timerStarted,
		Plan:           models.Plan{DurationMinutes: minutes},
	}
}

func newTestSweeper(store *fakeExpirable, push *recordingPush, now time.Time) *ExpirationSweeper {
	return &ExpirationSweeper{
		sessions: store,
		push:     push,
		interval: sweepInterval,
		now:      func() time.Time { return now },
		stopChan: make(chan struct{}),
	}
}

func TestSweepExpiresElapsedSessions(t *testing.T) {
	now := time.Now()
	elapsed := sweepSession(models.StatusActive, now.Add(-45*time.Minute), 30)
	running := sweepSession(models.StatusActive, now.Add(-10*time.Minute), 30)

	store := &fakeExpirable{sessions: []models.Session{elapsed, running}}
	push := &recordingPush{}
	sweeper := newTestSweeper(store, push, now)

	sweeper.Sweep(context.Background())

	if len(store.expired) != 1 || store.expired[0] != elapsed.ID {
		t.Fatalf("expired = %v, want exactly [%s]", store.expired, elapsed.ID)
	}
	if len(push.published) != 1 || push.published[0] != elapsed.ID {
		t.Errorf("published = %v, want exactly [%s]", push.published, elapsed.ID)
	}
}

func TestSweepHonorsAdminExtension(t *testing.T) {
	now := time.Now()
	sess := sweepSession(models.StatusActive, now.Add(-45*time.Minute), 30)
	until := now.Add(time.Hour)
	sess.AdminExtendedUntil = &until

	store := &fakeExpirable{sessions: []models.Session{sess}}
	sweeper := newTestSweeper(store, &recordingPush{}, now)

	sweeper.Sweep(context.Background())

	if len(store.expired) != 0 {
		t.Fatalf("extended session was expired")
	}
}

func TestSweepNeverExpiresAdminManaged(t *testing.T) {
	now := time.Now()
	sess := sweepSession(models.StatusActive, now.Add(-48*time.Hour), 30)
	sess.IsAdminManaged = true

	store := &fakeExpirable{sessions: []models.Session{sess}}
	sweeper := newTestSweeper(store, &recordingPush{}, now)

	sweeper.Sweep(context.Background())

	if len(store.expired) != 0 {
		t.Fatalf("admin-managed session was expired")
	}
}

func TestSweepExpiresLapsedOverride(t *testing.T) {
	now := time.Now()
	sess := sweepSession(models.StatusCompleted, now.Add(-3*time.Hour), 30)
	until := now.Add(-time.Minute)
	sess.AdminExtendedUntil = &until
	sess.IsAdminManaged = true

	store := &fakeExpirable{sessions: []models.Session{sess}}
	sweeper := newTestSweeper(store, &recordingPush{}, now)

	sweeper.Sweep(context.Background())

	if len(store.expired) != 1 {
		t.Fatalf("lapsed override was not expired")
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	now := time.Now()
	sess := sweepSession(models.StatusActive, now.Add(-45*time.Minute), 30)

	store := &fakeExpirable{sessions: []models.Session{sess}}
	push := &recordingPush{}
	sweeper := newTestSweeper(store, push, now)

	sweeper.Sweep(context.Background())
	sweeper.Sweep(context.Background())

	if len(store.expired) != 1 {
		t.Fatalf("session expired more than once: %v", store.expired)
	}
	if len(push.published) != 1 {
		t.Errorf("update pushed more than once: %v", push.published)
	}
}
