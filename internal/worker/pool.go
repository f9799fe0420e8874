package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"sentrydesk-backend/internal/models"
	"sentrydesk-backend/internal/repository"
	"sentrydesk-backend/internal/services"
)

const notificationQueue = "queue:notifications"

// Pool drains the notification queue and delivers emails. Jobs are
// distributed through redis so any instance may pick one up; a SetNX lock
// keeps concurrent workers from double-sending.
type Pool struct {
	redis       *redis.Client
	email       *services.EmailService
	userRepo    *repository.UserRepo
	sessionRepo *repository.SessionRepo
	workerCount int
	stopChan    chan struct{}
}

func NewPool(redisClient *redis.Client, email *services.EmailService, userRepo *repository.UserRepo, sessionRepo *repository.SessionRepo, workerCount int) *Pool {
	return &Pool{
		redis:       redisClient,
		email:       email,
		userRepo:    userRepo,
		sessionRepo: sessionRepo,
		workerCount: workerCount,
		stopChan:    make(chan struct{}),
	}
}

func (p *Pool) Start() {
	for i := 0; i < p.workerCount; i++ {
		go p.worker(i)
	}
	log.Printf("Started %d notification workers", p.workerCount)
}

func (p *Pool) Stop() {
	close(p.stopChan)
}

func (p *Pool) worker(id int) {
	for {
		select {
		case <-p.stopChan:
			log.Printf("Worker %d shutting down", id)
			return
		default:
		}

		ctx := context.Background()

		// BLPOP with 30s timeout
		result, err := p.redis.BLPop(ctx, 30*time.Second, notificationQueue).Result()
		if err != nil {
			continue // Timeout or error, retry
		}

		if len(result) < 2 {
			continue
		}

		var job models.NotificationJob
		if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
			log.Printf("Worker %d: failed to parse job: %v", id, err)
			continue
		}

		// Try to acquire lock
		lockKey := fmt.Sprintf("job_lock:%s", job.ID.String())
		locked, err := p.redis.SetNX(ctx, lockKey, "1", 10*time.Minute).Result()
		if err != nil || !locked {
			continue // Another worker has this job
		}

		log.Printf("Worker %d: processing job %s (type: %s)", id, job.ID, job.Type)

		if err := p.process(ctx, &job); err != nil {
			p.handleFailure(ctx, &job, err)
		} else {
			log.Printf("✓ Job %s delivered", job.ID)
		}

		p.redis.Del(ctx, lockKey)
	}
}

func (p *Pool) process(ctx context.Context, job *models.NotificationJob) error {
	user, err := p.userRepo.GetByID(ctx, job.UserID)
	if err != nil {
		return fmt.Errorf("failed to load user %s: %w", job.UserID, err)
	}

	sess, err := p.sessionRepo.GetByID(ctx, job.SessionID)
	if err != nil {
		return fmt.Errorf("failed to load session %s: %w", job.SessionID, err)
	}

	switch job.Type {
	case models.JobSessionAssigned:
		return p.email.SendSessionAssignedEmail(user.Email, sess)
	case models.JobSessionExpired:
		return p.email.SendSessionExpiredEmail(user.Email, sess)
	case models.JobSessionExtended:
		return p.email.SendExtensionNoticeEmail(user.Email, sess)
	case models.JobPaymentReceipt:
		return p.email.SendPaymentReceiptEmail(user.Email, sess)
	default:
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
}

func (p *Pool) handleFailure(ctx context.Context, job *models.NotificationJob, err error) {
	job.RetryCount++
	errMsg := err.Error()

	if job.RetryCount < 3 {
		// Re-queue with backoff
		log.Printf("Job %s failed (attempt %d): %s, retrying", job.ID, job.RetryCount, errMsg)

		jobBytes, _ := json.Marshal(job)
		backoff := time.Duration(1<<uint(job.RetryCount)) * time.Second
		time.AfterFunc(backoff, func() {
			p.redis.LPush(context.Background(), notificationQueue, string(jobBytes))
		})
		return
	}

	log.Printf("✗ Job %s failed permanently: %s", job.ID, errMsg)
}
