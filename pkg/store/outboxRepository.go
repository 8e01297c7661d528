package store

import (
	"context"
	"errors"
)

// ErrNoActiveTransaction is returned by Append when ctx carries no store transaction.
var ErrNoActiveTransaction = errors.New("outbox append requires an active transaction")

// OutBoxRepository defines the database operations for outbox messages.
type OutBoxRepository interface {
	// WithTx runs fn inside a store transaction carried by the ctx passed to fn.
	// The transaction commits when fn returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	// Append inserts a new message through the transaction in ctx.
	Append(ctx context.Context, msg *OutboxMessage) error
	// FetchPending retrieves up to batchSize undelivered messages, oldest first.
	FetchPending(ctx context.Context, batchSize int) ([]OutboxMessage, error)
	// SaveOutcomes persists the recorded outcome of every message in one commit.
	// Messages already delivered in storage are left untouched.
	SaveOutcomes(ctx context.Context, msgs []OutboxMessage) error
	// CountPending returns the number of undelivered messages.
	CountPending(ctx context.Context) (int64, error)
	// Close releases the underlying connection.
	Close() error
}
