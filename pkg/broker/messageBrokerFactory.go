package broker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fleet-management/outbox-relay/pkg/config"
)

func NewBroker(ctx context.Context, cfg config.BrokerSettings, logger *zap.Logger) (MessageBroker, error) {
	switch cfg.Type {
	case "rabbitmq":
		return NewRabbitMqBroker(ctx, &cfg, logger)
	case "gcp-pubsub":
		return NewPubSubClient(ctx, &cfg, logger)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBroker, cfg.Type)
	}
}
