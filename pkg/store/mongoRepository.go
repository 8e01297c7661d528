package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"

	"github.com/fleet-management/outbox-relay/pkg/telemetry"
)

type MongoRepository struct {
	client     *mongo.Client
	database   string
	collection string
}

func NewMongoRepository(client *mongo.Client, database, collection string) *MongoRepository {
	return &MongoRepository{
		client:     client,
		database:   database,
		collection: collection,
	}
}

func (m *MongoRepository) coll() *mongo.Collection {
	return m.client.Database(m.database).Collection(m.collection)
}

// EnsureIndexes creates the index backing FetchPending.
func (m *MongoRepository) EnsureIndexes(ctx context.Context) error {
	_, err := m.coll().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "processed_at", Value: 1}, {Key: "created_at", Value: 1}},
		Options: options.Index().SetName("outbox_pending_idx"),
	})
	return err
}

// inTransaction reports whether ctx carries a session with a started transaction.
// A bare session auto-commits every write, so it does not count.
func inTransaction(ctx context.Context) bool {
	sess, ok := mongo.SessionFromContext(ctx).(mongo.XSession)
	return ok && sess.ClientSession().TransactionRunning()
}

// WithTx runs fn in a multi-document transaction; this requires a replica set.
func (m *MongoRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if inTransaction(ctx) {
		return fn(ctx)
	}

	return m.client.UseSession(ctx, func(sc mongo.SessionContext) error {
		_, err := sc.WithTransaction(sc, func(txCtx mongo.SessionContext) (interface{}, error) {
			return nil, fn(txCtx)
		})
		return err
	})
}

func (m *MongoRepository) Append(ctx context.Context, msg *OutboxMessage) error {
	if !inTransaction(ctx) {
		return ErrNoActiveTransaction
	}

	tracer := otel.Tracer(telemetry.TracerName)
	ctx, span := tracer.Start(ctx, "Append")
	defer span.End()

	startTime := time.Now()
	if _, err := m.coll().InsertOne(ctx, msg); err != nil {
		span.RecordError(err)
		return err
	}

	addDBStatsToSpan(span, "mongodb", "Append", 1, time.Since(startTime))
	return nil
}

func (m *MongoRepository) FetchPending(ctx context.Context, batchSize int) ([]OutboxMessage, error) {
	tracer := otel.Tracer(telemetry.TracerName)
	ctx, span := tracer.Start(ctx, "FetchPending")
	defer span.End()

	startTime := time.Now()

	filter := bson.M{"processed_at": nil}
	opts := options.Find().SetLimit(int64(batchSize)).SetSort(bson.D{{Key: "created_at", Value: 1}})
	cursor, err := m.coll().Find(ctx, filter, opts)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer cursor.Close(ctx)

	var msgs []OutboxMessage
	for cursor.Next(ctx) {
		var msg OutboxMessage
		if err := cursor.Decode(&msg); err != nil {
			span.RecordError(err)
			return nil, err
		}
		msgs = append(msgs, msg)
	}

	if err := cursor.Err(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	addDBStatsToSpan(span, "mongodb", "FetchPending", len(msgs), time.Since(startTime))

	return msgs, nil
}

// SaveOutcomes sends one unordered bulk write. Each update is guarded by
// processed_at = null, so replaying a partially applied batch is harmless.
func (m *MongoRepository) SaveOutcomes(ctx context.Context, msgs []OutboxMessage) error {
	tracer := otel.Tracer(telemetry.TracerName)
	ctx, span := tracer.Start(ctx, "SaveOutcomes")
	defer span.End()

	startTime := time.Now()

	models := make([]mongo.WriteModel, 0, len(msgs))
	for _, msg := range msgs {
		filter := bson.M{"_id": msg.ID, "processed_at": nil}
		switch {
		case msg.ProcessedAt != nil:
			models = append(models, mongo.NewUpdateOneModel().SetFilter(filter).SetUpdate(bson.M{
				"$set": bson.M{"processed_at": *msg.ProcessedAt, "last_error": nil},
			}))
		case msg.LastError != nil:
			models = append(models, mongo.NewUpdateOneModel().SetFilter(filter).SetUpdate(bson.M{
				"$set": bson.M{"last_error": *msg.LastError},
			}))
		}
	}
	if len(models) == 0 {
		return nil
	}

	if _, err := m.coll().BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false)); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to save outcomes: %w", err)
	}

	addDBStatsToSpan(span, "mongodb", "SaveOutcomes", len(models), time.Since(startTime))
	return nil
}

func (m *MongoRepository) CountPending(ctx context.Context) (int64, error) {
	ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, "CountPending")
	defer span.End()

	startTime := time.Now()
	count, err := m.coll().CountDocuments(ctx, bson.M{"processed_at": nil})
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	addDBStatsToSpan(span, "mongodb", "CountPending", 0, time.Since(startTime))
	return count, nil
}

func (m *MongoRepository) Close() error {
	return m.client.Disconnect(context.Background())
}
