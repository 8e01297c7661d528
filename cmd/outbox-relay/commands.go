package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/fleet-management/outbox-relay/pkg/broker"
	"github.com/fleet-management/outbox-relay/pkg/config"
	"github.com/fleet-management/outbox-relay/pkg/metrics"
	"github.com/fleet-management/outbox-relay/pkg/outbox"
	"github.com/fleet-management/outbox-relay/pkg/processor"
	"github.com/fleet-management/outbox-relay/pkg/router"
	"github.com/fleet-management/outbox-relay/pkg/store"
	"github.com/fleet-management/outbox-relay/pkg/telemetry"
)

const shutdownTimeout = 5 * time.Second

// RunRelay wires store, broker and processor and blocks until ctx is cancelled.
func RunRelay(ctx context.Context, cfg *config.Settings, logger *zap.Logger) error {
	shutdownTelemetry, err := telemetry.Init(cfg.Observability, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer shutdownTelemetry()

	repo, err := store.NewRepository(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()

	messageBroker, err := broker.NewBroker(ctx, cfg.Broker, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}
	defer messageBroker.Close()

	if cfg.Observability.MetricsAddr != "" {
		srv := newMetricsServer(cfg.Observability.MetricsAddr)
		go func() {
			logger.Info("Serving metrics", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	relay := processor.NewOutboxProcessor(repo, messageBroker, router.New(cfg.Broker.Namespace), cfg, logger)
	return relay.ProcessEvents(ctx)
}

func newMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

type pendingMessage struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	CreatedAt time.Time       `json:"created_at"`
	LastError *string         `json:"last_error"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// RunPending prints the oldest undelivered messages so an operator can see
// which rows are stuck and why.
func RunPending(ctx context.Context, repo store.OutBoxRepository, w io.Writer, limit int, format string) error {
	if limit <= 0 {
		return fmt.Errorf("limit must be a positive number, got: %d", limit)
	}

	total, err := repo.CountPending(ctx)
	if err != nil {
		return fmt.Errorf("failed to count pending messages: %w", err)
	}
	msgs, err := repo.FetchPending(ctx, limit)
	if err != nil {
		return fmt.Errorf("failed to fetch pending messages: %w", err)
	}

	if format == "json" {
		out := make([]pendingMessage, 0, len(msgs))
		for _, msg := range msgs {
			pm := pendingMessage{ID: msg.ID, EventType: msg.EventType, CreatedAt: msg.CreatedAt, LastError: msg.LastError}
			if json.Valid(msg.Payload) {
				pm.Payload = msg.Payload
			}
			out = append(out, pm)
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"total": total, "messages": out})
	}

	fmt.Fprintf(w, "%d pending message(s), showing %d\n", total, len(msgs))
	if len(msgs) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tEVENT TYPE\tCREATED AT\tLAST ERROR")
	for _, msg := range msgs {
		lastErr := "-"
		if msg.LastError != nil {
			lastErr = *msg.LastError
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", msg.ID, msg.EventType, msg.CreatedAt.Format(time.RFC3339), lastErr)
	}
	return tw.Flush()
}

// RunEnqueue writes one event through the producer inside its own store transaction.
func RunEnqueue(ctx context.Context, repo store.OutBoxRepository, rt router.Router, w io.Writer, logger *zap.Logger, eventType, payload string) error {
	if !json.Valid([]byte(payload)) {
		return errors.New("payload must be valid JSON")
	}

	producer := outbox.NewProducer(repo)

	var msg *store.OutboxMessage
	err := repo.WithTx(ctx, func(ctx context.Context) error {
		var err error
		msg, err = producer.Enqueue(ctx, eventType, []byte(payload))
		return err
	})
	if err != nil {
		return err
	}

	exchange, routingKey := rt.Route(eventType)
	logger.Info("Enqueued outbox message",
		zap.String("message_id", msg.ID),
		zap.String("event_type", msg.EventType),
	)
	fmt.Fprintf(w, "enqueued %s (%s -> %s)\n", msg.ID, routingKey, exchange)
	return nil
}
