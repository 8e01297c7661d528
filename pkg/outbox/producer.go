package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fleet-management/outbox-relay/pkg/store"
)

// ErrEmptyEventType is returned by Enqueue when no event type is given.
var ErrEmptyEventType = errors.New("event type must not be empty")

// Writer appends a message through the transaction carried by ctx.
// Every store.OutBoxRepository satisfies it.
type Writer interface {
	Append(ctx context.Context, msg *store.OutboxMessage) error
}

// Producer records domain events in the outbox as part of the caller's
// business transaction. It never talks to the broker.
type Producer struct {
	writer Writer
	now    func() time.Time
	newID  func() (uuid.UUID, error)
}

func NewProducer(writer Writer) *Producer {
	return &Producer{
		writer: writer,
		now:    time.Now,
		newID:  uuid.NewV7,
	}
}

// Enqueue must be called with the ctx handed out by the store's WithTx. Without
// one it fails with store.ErrNoActiveTransaction and nothing is written. Any
// error should abort the caller's transaction.
func (p *Producer) Enqueue(ctx context.Context, eventType string, payload []byte) (*store.OutboxMessage, error) {
	if eventType == "" {
		return nil, ErrEmptyEventType
	}

	id, err := p.newID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate message id: %w", err)
	}

	msg := &store.OutboxMessage{
		ID:        id.String(),
		EventType: eventType,
		Payload:   payload,
		CreatedAt: p.now().UTC(),
	}

	if err := p.writer.Append(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to append %s to outbox: %w", eventType, err)
	}
	return msg, nil
}

// EnqueueJSON encodes v as the payload.
func (p *Producer) EnqueueJSON(ctx context.Context, eventType string, v any) (*store.OutboxMessage, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", eventType, err)
	}
	return p.Enqueue(ctx, eventType, payload)
}
