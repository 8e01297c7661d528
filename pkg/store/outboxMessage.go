package store

import "time"

// OutboxMessage is one event waiting in (or already drained from) the outbox.
// A nil ProcessedAt means pending.
type OutboxMessage struct {
	ID          string     `json:"id" bson:"_id"`
	EventType   string     `json:"event_type" bson:"event_type"`
	Payload     []byte     `json:"payload" bson:"payload"`
	CreatedAt   time.Time  `json:"created_at" bson:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty" bson:"processed_at"`
	LastError   *string    `json:"last_error,omitempty" bson:"last_error"`
}

// Delivered reports whether the broker has acknowledged this message.
func (m *OutboxMessage) Delivered() bool {
	return m.ProcessedAt != nil
}
