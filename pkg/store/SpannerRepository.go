package store

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/spanner"
	"go.opentelemetry.io/otel"
	"google.golang.org/api/iterator"

	"github.com/fleet-management/outbox-relay/pkg/telemetry"
)

const spannerTable = "OutboxMessages"

type spannerTxKey struct{}

type SpannerRepository struct {
	client *spanner.Client
}

func NewSpannerRepository(client *spanner.Client) *SpannerRepository {
	return &SpannerRepository{client: client}
}

func (s *SpannerRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := spannerTxFromContext(ctx); ok {
		return fn(ctx)
	}

	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		return fn(context.WithValue(ctx, spannerTxKey{}, txn))
	})
	return err
}

// Append buffers the insert; it becomes visible when the surrounding transaction commits.
func (s *SpannerRepository) Append(ctx context.Context, msg *OutboxMessage) error {
	txn, ok := spannerTxFromContext(ctx)
	if !ok {
		return ErrNoActiveTransaction
	}

	_, span := otel.Tracer(telemetry.TracerName).Start(ctx, "Append")
	defer span.End()

	startTime := time.Now()
	err := txn.BufferWrite([]*spanner.Mutation{
		spanner.Insert(spannerTable,
			[]string{"Id", "EventType", "Payload", "CreatedAt"},
			[]interface{}{msg.ID, msg.EventType, msg.Payload, msg.CreatedAt},
		),
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	addDBStatsToSpan(span, "spanner", "Append", 1, time.Since(startTime))
	return nil
}

func (s *SpannerRepository) FetchPending(ctx context.Context, batchSize int) ([]OutboxMessage, error) {
	tracer := otel.Tracer(telemetry.TracerName)
	ctx, span := tracer.Start(ctx, "FetchPending")
	defer span.End()

	startTime := time.Now()

	stmt := spanner.Statement{
		SQL: `SELECT Id, EventType, Payload, CreatedAt, ProcessedAt, LastError FROM OutboxMessages
              WHERE ProcessedAt IS NULL
              ORDER BY CreatedAt ASC
              LIMIT @batchSize`,
		Params: map[string]interface{}{
			"batchSize": int64(batchSize),
		},
	}

	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var msgs []OutboxMessage
	for {
		row, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			span.RecordError(err)
			return nil, err
		}

		msg, err := decodeSpannerRow(row)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		msgs = append(msgs, msg)
	}

	addDBStatsToSpan(span, "spanner", "FetchPending", len(msgs), time.Since(startTime))
	return msgs, nil
}

func (s *SpannerRepository) SaveOutcomes(ctx context.Context, msgs []OutboxMessage) error {
	stmts := outcomeStatements(msgs)
	if len(stmts) == 0 {
		return nil
	}

	ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, "SaveOutcomes")
	defer span.End()

	startTime := time.Now()
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		_, err := txn.BatchUpdate(ctx, stmts)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	addDBStatsToSpan(span, "spanner", "SaveOutcomes", len(stmts), time.Since(startTime))
	return nil
}

func (s *SpannerRepository) CountPending(ctx context.Context) (int64, error) {
	ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, "CountPending")
	defer span.End()

	startTime := time.Now()
	iter := s.client.Single().Query(ctx, spanner.Statement{
		SQL: `SELECT COUNT(*) FROM OutboxMessages WHERE ProcessedAt IS NULL`,
	})
	defer iter.Stop()

	row, err := iter.Next()
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	var count int64
	if err := row.Columns(&count); err != nil {
		span.RecordError(err)
		return 0, err
	}

	addDBStatsToSpan(span, "spanner", "CountPending", 0, time.Since(startTime))
	return count, nil
}

func (s *SpannerRepository) Close() error {
	s.client.Close()
	return nil
}

func spannerTxFromContext(ctx context.Context) (*spanner.ReadWriteTransaction, bool) {
	txn, ok := ctx.Value(spannerTxKey{}).(*spanner.ReadWriteTransaction)
	return txn, ok
}

func outcomeStatements(msgs []OutboxMessage) []spanner.Statement {
	var stmts []spanner.Statement
	for _, msg := range msgs {
		switch {
		case msg.ProcessedAt != nil:
			stmts = append(stmts, spanner.Statement{
				SQL: `UPDATE OutboxMessages SET ProcessedAt = @processedAt, LastError = NULL WHERE Id = @id AND ProcessedAt IS NULL`,
				Params: map[string]interface{}{
					"processedAt": *msg.ProcessedAt,
					"id":          msg.ID,
				},
			})
		case msg.LastError != nil:
			stmts = append(stmts, spanner.Statement{
				SQL: `UPDATE OutboxMessages SET LastError = @lastError WHERE Id = @id AND ProcessedAt IS NULL`,
				Params: map[string]interface{}{
					"lastError": *msg.LastError,
					"id":        msg.ID,
				},
			})
		}
	}
	return stmts
}

func decodeSpannerRow(row *spanner.Row) (OutboxMessage, error) {
	var (
		msg         OutboxMessage
		processedAt spanner.NullTime
		lastError   spanner.NullString
	)
	if err := row.Columns(&msg.ID, &msg.EventType, &msg.Payload, &msg.CreatedAt, &processedAt, &lastError); err != nil {
		return OutboxMessage{}, err
	}
	if processedAt.Valid {
		t := processedAt.Time
		msg.ProcessedAt = &t
	}
	if lastError.Valid {
		s := lastError.StringVal
		msg.LastError = &s
	}
	return msg, nil
}
