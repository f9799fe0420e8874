package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"sentrydesk-backend/internal/models"
)

type MessageRepo struct {
	pool *pgxpool.Pool
}

func NewMessageRepo(pool *pgxpool.Pool) *MessageRepo {
	return &MessageRepo{pool: pool}
}

// ListBySession returns the authoritative transcript, ordered by created_at
// with id as a stable tie-break.
func (r *MessageRepo) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]models.ChatMessage, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, session_id, sender, sender_user_id, content, message_type, created_at, is_read
		FROM chat_messages
		WHERE session_id = $1
		ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []models.ChatMessage
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Sender, &m.SenderUserID, &m.Content, &m.MessageType, &m.CreatedAt, &m.IsRead); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Create persists a message with the id and timestamp the sender generated,
// so the push-channel copy and the durable copy share one identity.
func (r *MessageRepo) Create(ctx context.Context, m *models.ChatMessage) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO chat_messages (id, session_id, sender, sender_user_id, content, message_type, created_at, is_read)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		m.ID, m.SessionID, m.Sender, m.SenderUserID, m.Content, m.MessageType, m.CreatedAt, m.IsRead,
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// MarkRead flags everything the reader did not author as read.
func (r *MessageRepo) MarkRead(ctx context.Context, sessionID, readerID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE chat_messages
		SET is_read = TRUE
		WHERE session_id = $1
		  AND is_read = FALSE
		  AND (sender_user_id IS NULL OR sender_user_id <> $2)`,
		sessionID, readerID)
	return err
}
