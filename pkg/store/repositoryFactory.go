package store

import (
	"context"
	"database/sql"
	"fmt"

	"cloud.google.com/go/spanner"
	_ "github.com/lib/pq" // PostgreSQL driver
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/fleet-management/outbox-relay/pkg/config"
)

var sqlOpen = sql.Open

var mongoConnect = func(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return client, nil
}

var NewSpannerRepositoryFactory = func(client *spanner.Client) OutBoxRepository {
	return NewSpannerRepository(client)
}

func NewRepository(ctx context.Context, cfg config.DbSettings) (OutBoxRepository, error) {
	switch cfg.Type {
	case "postgres":
		db, err := sqlOpen("postgres", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to ping postgres: %w", err)
		}
		return NewPostgresRepository(db), nil
	case "mongo":
		client, err := mongoConnect(ctx, cfg.URI)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to mongo: %w", err)
		}
		return NewMongoRepository(client, cfg.Name, collectionName(cfg)), nil
	case "spanner":
		client, err := spanner.NewClient(ctx, cfg.URI)
		if err != nil {
			return nil, fmt.Errorf("failed to create spanner client: %w", err)
		}
		return NewSpannerRepositoryFactory(client), nil
	default:
		return nil, fmt.Errorf("unsupported DB type: %s", cfg.Type)
	}
}

func collectionName(cfg config.DbSettings) string {
	if cfg.Collection == "" {
		return "outbox_messages"
	}
	return cfg.Collection
}
