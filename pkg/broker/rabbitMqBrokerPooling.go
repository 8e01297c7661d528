package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/fleet-management/outbox-relay/pkg/metrics"
)

type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

type amqpConnection interface {
	Channel() (amqpChannel, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

type connAdapter struct {
	*amqp.Connection
}

func (c connAdapter) Channel() (amqpChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

var dial = func(url string) (amqpConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return connAdapter{conn}, nil
}

// pooledChannel is a confirm-mode channel. Publishes on it are serialised by
// the pool, so confirmations arrive one at a time.
type pooledChannel struct {
	channel     amqpChannel
	notifyClose chan *amqp.Error
	confirms    chan amqp.Confirmation
}

func newPooledChannel(conn amqpConnection) (*pooledChannel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	return &pooledChannel{
		channel:     ch,
		notifyClose: ch.NotifyClose(make(chan *amqp.Error, 1)),
		confirms:    ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
	}, nil
}

func (pc *pooledChannel) isClosed() bool {
	select {
	case <-pc.notifyClose:
		return true
	default:
		return false
	}
}

// waitForConfirm blocks until the broker acks or nacks the last publish, the
// channel dies or ctx is done.
func (pc *pooledChannel) waitForConfirm(ctx context.Context) error {
	select {
	case confirm, ok := <-pc.confirms:
		if !ok {
			return errors.New("channel closed before publisher confirm")
		}
		if !confirm.Ack {
			return fmt.Errorf("%w: delivery tag %d", ErrPublishNacked, confirm.DeliveryTag)
		}
		return nil
	case amqpErr := <-pc.notifyClose:
		if amqpErr == nil {
			return errors.New("channel closed before publisher confirm")
		}
		return fmt.Errorf("channel closed before publisher confirm: %w", amqpErr)
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for publisher confirm: %w", ctx.Err())
	}
}

// connectLocked replaces the connection and refills the pool with prefill
// channels. Callers hold r.mu.
func (r *rabbitMqBroker) connectLocked(prefill int) error {
	if r.connection != nil && !r.connection.IsClosed() {
		_ = r.connection.Close()
	}
	r.drainPool()

	conn, err := dial(r.url)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	r.connection = conn
	r.watchConnection(conn)

	for i := 0; i < prefill; i++ {
		pc, err := newPooledChannel(conn)
		if err != nil {
			return err
		}
		select {
		case r.channelPool <- pc:
		default:
			_ = pc.channel.Close()
		}
	}

	r.logger.Info("RabbitMQ connection and channel pool initialized", zap.Int("channels", prefill))
	return nil
}

func (r *rabbitMqBroker) watchConnection(conn amqpConnection) {
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		for err := range notifyClose {
			r.logger.Warn("RabbitMQ connection closed", zap.Error(err))
		}
	}()
}

func (r *rabbitMqBroker) recoverConnection() {
	for {
		select {
		case <-r.reconnectTicker.C:
			r.mu.Lock()
			if !r.closed && (r.connection == nil || r.connection.IsClosed()) {
				r.logger.Info("Attempting to reconnect to RabbitMQ")
				metrics.BrokerReconnections.Inc()
				if err := r.connectLocked(r.settings.PoolSize); err != nil {
					r.logger.Error("Failed to reconnect to RabbitMQ", zap.Error(err))
				} else {
					r.logger.Info("Reconnected to RabbitMQ")
				}
			}
			r.mu.Unlock()
		case <-r.stopReconnect:
			r.logger.Debug("Stopping RabbitMQ connection recovery")
			return
		}
	}
}

func (r *rabbitMqBroker) getChannel() (*pooledChannel, error) {
	for {
		select {
		case pc := <-r.channelPool:
			if pc.isClosed() {
				r.logger.Debug("Discarding closed channel")
				continue
			}
			return pc, nil
		default:
			return r.openChannel()
		}
	}
}

// openChannel creates a channel outside the pool, re-dialling first when the
// connection has dropped since the last publish.
func (r *rabbitMqBroker) openChannel() (*pooledChannel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrBrokerClosed
	}

	if r.connection == nil || r.connection.IsClosed() {
		r.logger.Warn("RabbitMQ connection is down, reconnecting")
		metrics.BrokerReconnections.Inc()
		if err := r.connectLocked(0); err != nil {
			return nil, err
		}
	}

	return newPooledChannel(r.connection)
}

func (r *rabbitMqBroker) releaseChannel(pc *pooledChannel) {
	if pc.isClosed() || r.isClosed() {
		_ = pc.channel.Close()
		return
	}

	select {
	case r.channelPool <- pc:
	default:
		// pool is full
		_ = pc.channel.Close()
	}
}

func (r *rabbitMqBroker) discardChannel(pc *pooledChannel) {
	_ = pc.channel.Close()
}

func (r *rabbitMqBroker) drainPool() {
	for {
		select {
		case pc := <-r.channelPool:
			_ = pc.channel.Close()
		default:
			return
		}
	}
}
