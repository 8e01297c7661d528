package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	database "cloud.google.com/go/spanner/admin/database/apiv1"
	"cloud.google.com/go/spanner/admin/database/apiv1/databasepb"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"

	"github.com/fleet-management/outbox-relay/pkg/config"
	"github.com/fleet-management/outbox-relay/pkg/logging"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

//go:embed migrations/spanner/*.sql
var spannerMigrations embed.FS

// Migrate prepares the outbox schema of the configured store.
func Migrate(ctx context.Context, cfg config.DbSettings, logger *zap.Logger) error {
	logger = logging.OrNop(logger)

	switch cfg.Type {
	case "postgres":
		return MigratePostgres(cfg.DSN, logger)
	case "mongo":
		client, err := mongoConnect(ctx, cfg.URI)
		if err != nil {
			return fmt.Errorf("failed to connect to mongo: %w", err)
		}
		repo := NewMongoRepository(client, cfg.Name, collectionName(cfg))
		defer repo.Close()
		if err := repo.EnsureIndexes(ctx); err != nil {
			return fmt.Errorf("failed to create mongo indexes: %w", err)
		}
		logger.Info("mongo outbox indexes ensured", zap.String("collection", collectionName(cfg)))
		return nil
	case "spanner":
		return MigrateSpanner(ctx, cfg.URI, logger)
	default:
		return fmt.Errorf("unsupported DB type: %s", cfg.Type)
	}
}

func MigratePostgres(dsn string, logger *zap.Logger) error {
	src, err := iofs.New(postgresMigrations, "migrations/postgres")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			logger.Warn("failed to close migrate instance", zap.NamedError("source", srcErr), zap.NamedError("database", dbErr))
		}
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("postgres migrations applied")
	return nil
}

// MigrateSpanner applies the embedded DDL; every statement is IF NOT EXISTS.
func MigrateSpanner(ctx context.Context, databasePath string, logger *zap.Logger) error {
	statements, err := spannerStatements()
	if err != nil {
		return err
	}

	admin, err := database.NewDatabaseAdminClient(ctx)
	if err != nil {
		return fmt.Errorf("failed to create spanner admin client: %w", err)
	}
	defer admin.Close()

	op, err := admin.UpdateDatabaseDdl(ctx, &databasepb.UpdateDatabaseDdlRequest{
		Database:   databasePath,
		Statements: statements,
	})
	if err != nil {
		return fmt.Errorf("failed to submit spanner ddl: %w", err)
	}
	if err := op.Wait(ctx); err != nil {
		return fmt.Errorf("failed to apply spanner ddl: %w", err)
	}

	logger.Info("spanner outbox schema applied", zap.String("database", databasePath))
	return nil
}

func spannerStatements() ([]string, error) {
	files, err := fs.Glob(spannerMigrations, "migrations/spanner/*.sql")
	if err != nil {
		return nil, err
	}

	var statements []string
	for _, name := range files {
		body, err := spannerMigrations.ReadFile(name)
		if err != nil {
			return nil, err
		}
		for _, stmt := range strings.Split(string(body), ";") {
			if stmt = strings.TrimSpace(stmt); stmt != "" {
				statements = append(statements, stmt)
			}
		}
	}
	return statements, nil
}
