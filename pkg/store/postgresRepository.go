package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fleet-management/outbox-relay/pkg/telemetry"
)

const (
	insertMessageQuery = `INSERT INTO outbox_messages (id, event_type, payload, created_at) VALUES ($1, $2, $3, $4)`
	fetchPendingQuery  = `SELECT id, event_type, payload, created_at, processed_at, last_error FROM outbox_messages WHERE processed_at IS NULL ORDER BY created_at ASC LIMIT $1`
	markDeliveredQuery = `UPDATE outbox_messages SET processed_at = $1, last_error = NULL WHERE id = $2 AND processed_at IS NULL`
	recordFailureQuery = `UPDATE outbox_messages SET last_error = $1 WHERE id = $2 AND processed_at IS NULL`
	countPendingQuery  = `SELECT COUNT(*) FROM outbox_messages WHERE processed_at IS NULL`
)

type PostgresRepository struct {
	db *sql.DB
	tx *SQLTxManager
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db, tx: NewSQLTxManager(db)}
}

// DB exposes the pool so business repositories can share the relay's transactions.
func (p *PostgresRepository) DB() *sql.DB {
	return p.db
}

func (p *PostgresRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, "WithTx")
	defer span.End()

	if err := p.tx.WithTx(ctx, fn); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

func (p *PostgresRepository) Append(ctx context.Context, msg *OutboxMessage) error {
	tx, ok := SQLTxFromContext(ctx)
	if !ok {
		return ErrNoActiveTransaction
	}

	return p.traced(ctx, "Append", 1, func(ctx context.Context) error {
		_, err := tx.ExecContext(ctx, insertMessageQuery, msg.ID, msg.EventType, msg.Payload, msg.CreatedAt)
		return err
	})
}

func (p *PostgresRepository) FetchPending(ctx context.Context, batchSize int) ([]OutboxMessage, error) {
	var msgs []OutboxMessage
	err := p.traced(ctx, "FetchPending", batchSize, func(ctx context.Context) error {
		rows, err := querier(ctx, p.db).QueryContext(ctx, fetchPendingQuery, batchSize)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var msg OutboxMessage
			if err := rows.Scan(&msg.ID, &msg.EventType, &msg.Payload, &msg.CreatedAt, &msg.ProcessedAt, &msg.LastError); err != nil {
				return err
			}
			msgs = append(msgs, msg)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (p *PostgresRepository) SaveOutcomes(ctx context.Context, msgs []OutboxMessage) error {
	if len(msgs) == 0 {
		return nil
	}

	return p.traced(ctx, "SaveOutcomes", len(msgs), func(ctx context.Context) error {
		return p.tx.WithTx(ctx, func(ctx context.Context) error {
			q := querier(ctx, p.db)
			for _, msg := range msgs {
				var err error
				switch {
				case msg.ProcessedAt != nil:
					_, err = q.ExecContext(ctx, markDeliveredQuery, *msg.ProcessedAt, msg.ID)
				case msg.LastError != nil:
					_, err = q.ExecContext(ctx, recordFailureQuery, *msg.LastError, msg.ID)
				default:
					continue
				}
				if err != nil {
					return fmt.Errorf("failed to save outcome of message %s: %w", msg.ID, err)
				}
			}
			return nil
		})
	})
}

func (p *PostgresRepository) CountPending(ctx context.Context) (int64, error) {
	var count int64
	err := p.traced(ctx, "CountPending", 0, func(ctx context.Context) error {
		return querier(ctx, p.db).QueryRowContext(ctx, countPendingQuery).Scan(&count)
	})
	return count, err
}

func (p *PostgresRepository) Close() error {
	return p.db.Close()
}

func (p *PostgresRepository) traced(ctx context.Context, spanName string, messagesCount int, fn func(ctx context.Context) error) error {
	ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, spanName)
	defer span.End()

	start := time.Now()
	if err := fn(ctx); err != nil {
		span.RecordError(err)
		return err
	}

	addDBStatsToSpan(span, "postgresql", spanName, messagesCount, time.Since(start))
	return nil
}
