package broker

import (
	"context"
	"errors"
	"maps"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

var (
	ErrBrokerClosed      = errors.New("broker is closed")
	ErrPublishNacked     = errors.New("broker rejected the message")
	ErrUnsupportedBroker = errors.New("unsupported broker type")
)

// Message is one outbox row resolved to its destination.
type Message struct {
	// ID is the outbox row id; redeliveries of the same row share it.
	ID         string
	Exchange   string
	RoutingKey string
	Payload    []byte
	Timestamp  time.Time
	Headers    map[string]string
}

// MessageBroker defines the operations to publish messages to a broker.
type MessageBroker interface {
	// Publish returns nil only once the broker has accepted the message.
	// Any failure, including the ctx deadline passing, is returned as an error.
	Publish(ctx context.Context, msg *Message) error
	// Close cleans up any resources (connections).
	Close() error
}

// messageHeaders copies the message headers and injects the trace context of ctx.
func messageHeaders(ctx context.Context, headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers)+2)
	maps.Copy(out, headers)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(out))
	return out
}
