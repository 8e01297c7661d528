package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fleet-management/outbox-relay/pkg/config"
	"github.com/fleet-management/outbox-relay/pkg/logging"
	"github.com/fleet-management/outbox-relay/pkg/telemetry"
)

// Attribute keys carrying what RabbitMQ keeps in message properties.
const (
	attrRoutingKey  = "routing_key"
	attrMessageID   = "message_id"
	attrPublishedAt = "published_at"
)

// PubSubBrokerCreator defines a function type for creating Pub/Sub clients.
type PubSubBrokerCreator func(ctx context.Context, settings *config.BrokerSettings, logger *zap.Logger, opts ...option.ClientOption) (MessageBroker, error)

// NewPubSubClient is the default implementation of PubSubBrokerCreator.
var NewPubSubClient PubSubBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings, logger *zap.Logger, opts ...option.ClientOption) (MessageBroker, error) {
	client, err := pubsub.NewClient(ctx, settings.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Pub/Sub: %w", err)
	}
	return &pubSubBroker{
		client: client,
		logger: logging.OrNop(logger).With(zap.String("broker", "gcp-pubsub")),
		topics: make(map[string]*pubsub.Topic),
	}, nil
}

// pubSubBroker maps each exchange onto a topic of the same name.
type pubSubBroker struct {
	client *pubsub.Client
	logger *zap.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

func (p *pubSubBroker) Publish(ctx context.Context, msg *Message) error {
	tracer := otel.Tracer(telemetry.TracerName)
	ctx, span := tracer.Start(ctx, "Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("pubsub"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(msg.Exchange),
			semconv.MessagingMessageIDKey.String(msg.ID),
		),
	)
	defer span.End()

	topic, err := p.topic(ctx, msg.Exchange)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return err
	}

	attributes := messageHeaders(ctx, msg.Headers)
	attributes[attrRoutingKey] = msg.RoutingKey
	attributes[attrMessageID] = msg.ID
	attributes[attrPublishedAt] = msg.Timestamp.UTC().Format(time.RFC3339Nano)

	res := topic.Publish(ctx, &pubsub.Message{
		Data:       msg.Payload,
		Attributes: attributes,
	})
	if _, err := res.Get(ctx); err != nil { // wait for server ack
		err = fmt.Errorf("failed to publish to %s: %w", msg.Exchange, err)
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return err
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(msg.Payload)),
	)
	return nil
}

// topic returns the cached topic handle, creating the topic on first use.
func (p *pubSubBroker) topic(ctx context.Context, id string) (*pubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.topics[id]; ok {
		return t, nil
	}

	t := p.client.Topic(id)
	exists, err := t.Exists(ctx)
	if err != nil {
		t.Stop()
		return nil, fmt.Errorf("failed to look up topic %s: %w", id, err)
	}
	if !exists {
		t.Stop()
		t, err = p.client.CreateTopic(ctx, id)
		if status.Code(err) == codes.AlreadyExists {
			t, err = p.client.Topic(id), nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create topic %s: %w", id, err)
		}
		p.logger.Info("Created Pub/Sub topic", zap.String("topic", id))
	}

	p.topics[id] = t
	return t, nil
}

func (p *pubSubBroker) Close() error {
	p.mu.Lock()
	for id, t := range p.topics {
		t.Stop()
		delete(p.topics, id)
	}
	p.mu.Unlock()

	return p.client.Close()
}
