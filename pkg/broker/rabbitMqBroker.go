package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fleet-management/outbox-relay/pkg/config"
	"github.com/fleet-management/outbox-relay/pkg/logging"
	"github.com/fleet-management/outbox-relay/pkg/telemetry"
)

const (
	exchangeKind      = "topic"
	reconnectInterval = 5 * time.Second
)

type RabbitMQBrokerCreator func(ctx context.Context, settings *config.BrokerSettings, logger *zap.Logger) (MessageBroker, error)

var NewRabbitMqBroker RabbitMQBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings, logger *zap.Logger) (MessageBroker, error) {
	if settings.PoolSize <= 0 {
		return nil, errors.New("poolSize must be greater than 0")
	}

	broker := &rabbitMqBroker{
		url:             amqpURL(settings),
		channelPool:     make(chan *pooledChannel, settings.PoolSize),
		settings:        settings,
		logger:          logging.OrNop(logger).With(zap.String("broker", "rabbitmq")),
		reconnectTicker: time.NewTicker(reconnectInterval),
		stopReconnect:   make(chan struct{}),
	}

	broker.mu.Lock()
	err := broker.connectLocked(settings.PoolSize)
	broker.mu.Unlock()
	if err != nil {
		broker.reconnectTicker.Stop()
		return nil, err
	}

	go broker.recoverConnection()

	return broker, nil
}

// amqpURL prefers an explicit URL over the discrete connection settings.
func amqpURL(settings *config.BrokerSettings) string {
	if settings.URL != "" {
		return settings.URL
	}
	return amqp.URI{
		Scheme:   "amqp",
		Host:     settings.Host,
		Port:     settings.Port,
		Username: settings.Username,
		Password: settings.Password,
		Vhost:    settings.VirtualHost,
	}.String()
}

type rabbitMqBroker struct {
	url             string
	connection      amqpConnection
	channelPool     chan *pooledChannel
	declared        sync.Map
	mu              sync.Mutex
	closed          bool
	settings        *config.BrokerSettings
	logger          *zap.Logger
	reconnectTicker *time.Ticker
	stopReconnect   chan struct{}
}

func (r *rabbitMqBroker) Publish(ctx context.Context, msg *Message) error {
	tracer := otel.Tracer(telemetry.TracerName)
	ctx, span := tracer.Start(ctx, "Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingDestinationKindKey.String(exchangeKind),
			semconv.MessagingDestinationKey.String(msg.Exchange),
			semconv.MessagingRabbitmqRoutingKeyKey.String(msg.RoutingKey),
			semconv.MessagingMessageIDKey.String(msg.ID),
		),
	)
	defer span.End()

	if err := r.publish(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(msg.Payload)),
	)
	return nil
}

func (r *rabbitMqBroker) publish(ctx context.Context, msg *Message) error {
	pc, err := r.getChannel()
	if err != nil {
		return err
	}

	// A channel is only reused when its confirm stream is known to be in sync.
	reusable := false
	defer func() {
		if reusable {
			r.releaseChannel(pc)
			return
		}
		r.declared.Delete(msg.Exchange)
		r.discardChannel(pc)
	}()

	headers := make(amqp.Table)
	for k, v := range messageHeaders(ctx, msg.Headers) {
		headers[k] = v
	}

	// streadway calls block without a context; an abandoned call finishes
	// once the discarded channel is closed.
	sent := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				sent <- fmt.Errorf("publish to %s panicked: %v", msg.Exchange, p)
			}
		}()
		sent <- r.send(ctx, pc, msg, headers)
	}()

	select {
	case err = <-sent:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return fmt.Errorf("timed out publishing to %s: %w", msg.Exchange, ctx.Err())
	}

	err = pc.waitForConfirm(ctx)
	reusable = err == nil || errors.Is(err, ErrPublishNacked)
	return err
}

func (r *rabbitMqBroker) send(ctx context.Context, pc *pooledChannel, msg *Message, headers amqp.Table) error {
	if err := r.declareExchange(pc, msg.Exchange); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err := pc.channel.Publish(msg.Exchange, msg.RoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.Timestamp,
		Headers:      headers,
		Body:         msg.Payload,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", msg.Exchange, err)
	}
	return nil
}

// declareExchange is idempotent on the broker side; the cache only saves the round trip.
func (r *rabbitMqBroker) declareExchange(pc *pooledChannel, exchange string) error {
	if _, ok := r.declared.Load(exchange); ok {
		return nil
	}

	err := pc.channel.ExchangeDeclare(
		exchange,     // name of the exchange
		exchangeKind, // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	r.declared.Store(exchange, struct{}{})
	return nil
}

func (r *rabbitMqBroker) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *rabbitMqBroker) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	// Stop the connection recovery goroutine
	close(r.stopReconnect)
	r.reconnectTicker.Stop()

	r.drainPool()

	if r.connection != nil && !r.connection.IsClosed() {
		return r.connection.Close()
	}
	return nil
}
