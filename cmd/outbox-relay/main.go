package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/fleet-management/outbox-relay/pkg/config"
	"github.com/fleet-management/outbox-relay/pkg/logging"
	"github.com/fleet-management/outbox-relay/pkg/router"
	"github.com/fleet-management/outbox-relay/pkg/store"
)

var version = "dev"

func main() {
	cmd := &cli.Command{
		Name:    "outbox-relay",
		Usage:   "Relay fleet-management outbox events to the message broker",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   ".",
				Usage:   "Directory holding relay.yaml and relay.<ENVIRONMENT>.yaml",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Start the relay loop and the metrics endpoint",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg, logger, err := bootstrap(cmd)
					if err != nil {
						return err
					}
					defer func() { _ = logger.Sync() }()

					ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
					defer stop()

					return RunRelay(ctx, cfg, logger)
				},
			},
			{
				Name:  "migrate",
				Usage: "Create the outbox table (postgres, spanner) or indexes (mongo)",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg, logger, err := bootstrap(cmd)
					if err != nil {
						return err
					}
					defer func() { _ = logger.Sync() }()

					return store.Migrate(ctx, cfg.Database, logger)
				},
			},
			{
				Name:  "pending",
				Usage: "List undelivered outbox messages with their last error",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "limit",
						Aliases: []string{"n"},
						Value:   50,
						Usage:   "Maximum number of messages to list",
					},
					&cli.StringFlag{
						Name:    "format",
						Aliases: []string{"f"},
						Value:   "text",
						Usage:   "Output format: 'text' or 'json'",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg, logger, err := bootstrap(cmd)
					if err != nil {
						return err
					}
					defer func() { _ = logger.Sync() }()

					repo, err := store.NewRepository(ctx, cfg.Database)
					if err != nil {
						return fmt.Errorf("failed to initialize repository: %w", err)
					}
					defer repo.Close()

					return RunPending(ctx, repo, os.Stdout, int(cmd.Int("limit")), cmd.String("format"))
				},
			},
			{
				Name:  "enqueue",
				Usage: "Write an event into the outbox, e.g. to re-inject a message by hand",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "type",
						Aliases:  []string{"t"},
						Required: true,
						Usage:    "Event type, e.g. telemetry.threshold.alert",
					},
					&cli.StringFlag{
						Name:     "payload",
						Aliases:  []string{"p"},
						Required: true,
						Usage:    "JSON payload",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg, logger, err := bootstrap(cmd)
					if err != nil {
						return err
					}
					defer func() { _ = logger.Sync() }()

					repo, err := store.NewRepository(ctx, cfg.Database)
					if err != nil {
						return fmt.Errorf("failed to initialize repository: %w", err)
					}
					defer repo.Close()

					return RunEnqueue(ctx, repo, router.New(cfg.Broker.Namespace), os.Stdout, logger, cmd.String("type"), cmd.String("payload"))
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "outbox-relay:", err)
		os.Exit(1)
	}
}

func bootstrap(cmd *cli.Command) (*config.Settings, *zap.Logger, error) {
	cfg, err := config.LoadFromFile(cmd.String("config"))
	if err != nil {
		return nil, nil, fmt.Errorf("error loading configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger.With(zap.String("service", cfg.Observability.ServiceName)), nil
}
