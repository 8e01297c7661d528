package processor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fleet-management/outbox-relay/pkg/broker"
	"github.com/fleet-management/outbox-relay/pkg/config"
	"github.com/fleet-management/outbox-relay/pkg/logging"
	"github.com/fleet-management/outbox-relay/pkg/metrics"
	"github.com/fleet-management/outbox-relay/pkg/store"
	"github.com/fleet-management/outbox-relay/pkg/telemetry"
)

// commitTimeout bounds the outcome commit, which runs detached from
// cancellation so a shutdown does not lose outcomes already gathered.
const commitTimeout = 10 * time.Second

var ErrAlreadyRunning = errors.New("outbox processor is already running")

// Router resolves an event type to its destination.
type Router interface {
	Route(eventType string) (exchange, routingKey string)
}

// BatchResult summarises one relay cycle.
type BatchResult struct {
	Fetched   int
	Delivered int
	Failed    int
}

// OutboxProcessor drains pending outbox messages to the broker.
type OutboxProcessor struct {
	repo           store.OutBoxRepository
	broker         broker.MessageBroker
	router         Router
	tracer         trace.Tracer
	logger         *zap.Logger
	batchSize      int
	pollInterval   time.Duration
	publishTimeout time.Duration
	now            func() time.Time
	running        atomic.Bool
}

// NewOutboxProcessor creates a new instance of OutboxProcessor.
func NewOutboxProcessor(repo store.OutBoxRepository, broker broker.MessageBroker, router Router, cfg *config.Settings, logger *zap.Logger) *OutboxProcessor {
	p := &OutboxProcessor{
		repo:           repo,
		broker:         broker,
		router:         router,
		tracer:         otel.Tracer(telemetry.TracerName),
		logger:         logging.OrNop(logger).With(zap.String("component", "outbox-relay")),
		batchSize:      cfg.BatchSize,
		pollInterval:   cfg.PollInterval,
		publishTimeout: cfg.PublishTimeout,
		now:            time.Now,
	}
	if p.batchSize <= 0 {
		p.batchSize = config.DefaultBatchSize
	}
	if p.pollInterval <= 0 {
		p.pollInterval = config.DefaultPollInterval
	}
	if p.publishTimeout <= 0 {
		p.publishTimeout = config.DefaultPublishTimeout
	}
	return p
}

// ProcessEvents runs the relay loop until ctx is cancelled. Only one loop may
// run per processor; a concurrent call returns ErrAlreadyRunning.
func (p *OutboxProcessor) ProcessEvents(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer p.running.Store(false)

	p.logger.Info("Outbox relay started",
		zap.Int("batch_size", p.batchSize),
		zap.Duration("poll_interval", p.pollInterval),
		zap.Duration("publish_timeout", p.publishTimeout),
	)

	timer := time.NewTimer(p.pollInterval)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			break
		}

		result, err := p.ProcessBatch(ctx)
		if ctx.Err() != nil {
			break
		}
		p.refreshBacklog(ctx)

		// A full batch that went through cleanly means more is probably waiting.
		if err == nil && result.Fetched == p.batchSize && result.Failed == 0 {
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(p.pollInterval)

		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}

	p.logger.Info("Outbox relay stopped")
	return nil
}

// ProcessBatch runs one fetch, dispatch and commit cycle.
func (p *OutboxProcessor) ProcessBatch(ctx context.Context) (BatchResult, error) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "ProcessBatch", trace.WithAttributes(
		attribute.Int("batch.limit", p.batchSize),
	))
	defer span.End()
	defer func() {
		metrics.BatchDuration.Observe(time.Since(start).Seconds())
	}()

	msgs, err := p.repo.FetchPending(ctx, p.batchSize)
	if err != nil {
		if ctx.Err() != nil {
			p.logger.Debug("Fetch interrupted by shutdown", zap.Error(err))
			return BatchResult{}, fmt.Errorf("failed to fetch pending messages: %w", err)
		}
		metrics.StoreErrors.WithLabelValues("fetch_pending").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Error("Failed to fetch pending outbox messages", zap.Error(err))
		return BatchResult{}, fmt.Errorf("failed to fetch pending messages: %w", err)
	}
	metrics.BatchSize.Observe(float64(len(msgs)))

	result := BatchResult{Fetched: len(msgs)}
	if len(msgs) == 0 {
		return result, nil
	}

	attempted := make([]store.OutboxMessage, 0, len(msgs))
	for i := range msgs {
		if ctx.Err() != nil {
			p.logger.Info("Shutdown requested, committing outcomes gathered so far",
				zap.Int("attempted", len(attempted)),
				zap.Int("skipped", len(msgs)-i),
			)
			break
		}

		msg := &msgs[i]
		if msg.Delivered() {
			p.logger.Debug("Skipping already delivered outbox message", zap.String("message_id", msg.ID))
			continue
		}

		outcome := p.dispatch(ctx, msg)
		if !RecordOutcome(msg, outcome, p.now().UTC()) {
			continue
		}
		attempted = append(attempted, *msg)

		if outcome.Delivered {
			result.Delivered++
		} else {
			result.Failed++
		}
	}

	span.SetAttributes(
		attribute.Int("batch.fetched", result.Fetched),
		attribute.Int("batch.delivered", result.Delivered),
		attribute.Int("batch.failed", result.Failed),
	)

	if err := p.commit(ctx, attempted); err != nil {
		metrics.StoreErrors.WithLabelValues("save_outcomes").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		// Delivered rows stay pending and will be published again.
		p.logger.Error("Failed to save batch outcomes",
			zap.Error(err),
			zap.Int("delivered", result.Delivered),
			zap.Int("failed", result.Failed),
		)
		return result, fmt.Errorf("failed to save outcomes: %w", err)
	}

	if result.Failed > 0 {
		p.logger.Warn("Outbox batch finished with failures",
			zap.Int("fetched", result.Fetched),
			zap.Int("delivered", result.Delivered),
			zap.Int("failed", result.Failed),
		)
	} else {
		p.logger.Debug("Outbox batch finished",
			zap.Int("fetched", result.Fetched),
			zap.Int("delivered", result.Delivered),
		)
	}
	return result, nil
}

func (p *OutboxProcessor) commit(ctx context.Context, attempted []store.OutboxMessage) error {
	if len(attempted) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	return p.repo.SaveOutcomes(ctx, attempted)
}

// dispatch routes and publishes one message. It never fails: every error,
// including a panic inside the broker, becomes a Failed outcome.
func (p *OutboxProcessor) dispatch(ctx context.Context, msg *store.OutboxMessage) Outcome {
	exchange, routingKey := p.router.Route(msg.EventType)

	ctx, span := p.tracer.Start(ctx, "ProcessOutboxMessage", trace.WithAttributes(
		attribute.String("message.id", msg.ID),
		attribute.String("message.event_type", msg.EventType),
		attribute.String("message.created_at", msg.CreatedAt.Format(time.RFC3339Nano)),
		attribute.String("messaging.destination", exchange),
		attribute.String("messaging.rabbitmq.routing_key", routingKey),
	))
	defer span.End()

	logger := p.logger.With(
		zap.String("message_id", msg.ID),
		zap.String("event_type", msg.EventType),
		zap.String("exchange", exchange),
		zap.String("routing_key", routingKey),
	)

	// In-flight publishes finish (or time out) even when shutdown starts.
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.publishTimeout)
	defer cancel()

	err := p.publish(publishCtx, &broker.Message{
		ID:         msg.ID,
		Exchange:   exchange,
		RoutingKey: routingKey,
		Payload:    msg.Payload,
		Timestamp:  p.now().UTC(),
		Headers:    map[string]string{"event_type": msg.EventType},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.MessagesProcessed.WithLabelValues(metrics.StatusFailed).Inc()
		logger.Warn("Failed to publish outbox message", zap.Error(err))
		return Failed(err.Error())
	}

	metrics.MessagesProcessed.WithLabelValues(metrics.StatusDelivered).Inc()
	logger.Debug("Published outbox message")
	return Delivered()
}

func (p *OutboxProcessor) publish(ctx context.Context, msg *broker.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("publisher panicked: %v", r)
		}
	}()
	return p.broker.Publish(ctx, msg)
}

func (p *OutboxProcessor) refreshBacklog(ctx context.Context) {
	count, err := p.repo.CountPending(ctx)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("count_pending").Inc()
		p.logger.Warn("Failed to count pending outbox messages", zap.Error(err))
		return
	}
	metrics.OutboxBacklog.Set(float64(count))
}
