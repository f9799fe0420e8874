package session

import (
	"sort"

	"github.com/google/uuid"

	"sentrydesk-backend/internal/models"
)

// Transcript merges messages from the push channel and the durable store into
// one deduplicated, ordered view. The message id is the deduplication key: a
// message arriving over both channels collapses to a single entry.
//
// Not safe for concurrent use; the owning Store serializes access.
type Transcript struct {
	byID map[uuid.UUID]models.ChatMessage
}

func NewTranscript() *Transcript {
	return &Transcript{byID: make(map[uuid.UUID]models.ChatMessage)}
}

// Upsert inserts or overwrites by id. Returns true when the entry is new or
// its visible fields changed.
func (t *Transcript) Upsert(msg models.ChatMessage) bool {
	prev, exists := t.byID[msg.ID]
	if exists && prev.Content == msg.Content && prev.IsRead == msg.IsRead && prev.CreatedAt.Equal(msg.CreatedAt) {
		return false
	}
	t.byID[msg.ID] = msg
	return true
}

// UpsertAll merges a batch, typically a pull from the durable store.
func (t *Transcript) UpsertAll(msgs []models.ChatMessage) bool {
	changed := false
	for _, m := range msgs {
		if t.Upsert(m) {
			changed = true
		}
	}
	return changed
}

// Messages returns the transcript ordered by created_at, ties broken by id so
// the ordering is stable across renders.
func (t *Transcript) Messages() []models.ChatMessage {
	out := make([]models.ChatMessage, 0, len(t.byID))
	for _, m := range t.byID {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func (t *Transcript) Len() int {
	return len(t.byID)
}
