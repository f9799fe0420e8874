package services

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"sentrydesk-backend/internal/models"
	"sentrydesk-backend/internal/repository"
	"sentrydesk-backend/internal/session"
)

const sweepInterval = 30 * time.Second

type expirableStore interface {
	ListExpirable(ctx context.Context) ([]models.Session, error)
	MarkExpired(ctx context.Context, id uuid.UUID) (*models.Session, error)
}

// ExpirationSweeper is the authoritative half of expiration. Viewers observe
// countdowns locally; the sweeper is what actually flips a session to EXPIRED
// in the store and pushes the updated record out. Admin-managed sessions
// without an override never reach it.
type ExpirationSweeper struct {
	sessions expirableStore
	push     session.PushChannel
	queue    *redis.Client
	interval time.Duration
	now      func() time.Time
	stopChan chan struct{}
}

func NewExpirationSweeper(sessions *repository.SessionRepo, push session.PushChannel, queue *redis.Client) *ExpirationSweeper {
	return &ExpirationSweeper{
		sessions: sessions,
		push:     push,
		queue:    queue,
		interval: sweepInterval,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
}

func (s *ExpirationSweeper) Start() {
	if s.sessions == nil {
		return
	}
	go s.loop()
	log.Printf("Expiration sweeper started (every %s)", s.interval)
}

func (s *ExpirationSweeper) Stop() {
	select {
	case <-s.stopChan:
		return
	default:
		close(s.stopChan)
	}
}

func (s *ExpirationSweeper) loop() {
	// Run on startup as well as by interval.
	s.Sweep(context.Background())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.Sweep(context.Background())
		}
	}
}

// Sweep marks every elapsed session expired. A session whose countdown still
// runs, or that an admin override holds open, is left alone.
func (s *ExpirationSweeper) Sweep(ctx context.Context) {
	candidates, err := s.sessions.ListExpirable(ctx)
	if err != nil {
		log.Printf("expiration sweep: failed to list sessions: %v", err)
		return
	}

	now := s.now()
	for i := range candidates {
		sess := &candidates[i]
		cd := session.ResolveCountdown(sess, now)
		if cd.Mode != session.CountdownExpired {
			continue
		}

		updated, err := s.sessions.MarkExpired(ctx, sess.ID)
		if err != nil {
			// Another sweep or an admin action won the race.
			if errors.Is(err, repository.ErrNoTransition) {
				continue
			}
			log.Printf("expiration sweep: failed to expire session %s: %v", sess.ID, err)
			continue
		}

		log.Printf("✓ Session %s expired", updated.ID)

		if s.push != nil {
			s.push.Publish(ctx, updated.ID, session.PushEvent{Type: session.PushSessionUpdated})
		}
		enqueueNotification(ctx, s.queue, models.JobSessionExpired, updated)
	}
}
