// internal/infra/rabbitmq/consumer.go
package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Subscription is one consumer on one channel.
type Subscription interface {
	Deliveries() <-chan amqp.Delivery
	// Close cancels the consumer and closes its channel. Unacknowledged
	// deliveries are returned to the queue by the broker.
	Close() error
}

// Consumer opens per-worker subscriptions with manual acknowledgment.
type Consumer struct {
	cm            *ConnectionManager
	prefetchCount int
	logger        *slog.Logger
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a consumer. The default prefetch of 1 keeps one message in flight per worker.
func NewConsumer(cm *ConnectionManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		cm:            cm,
		prefetchCount: 1,
		logger:        slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	c.logger = c.logger.With("component", "rabbitmq-consumer")
	return c
}

// Subscribe opens a dedicated channel and starts consuming queue under tag.
func (c *Consumer) Subscribe(ctx context.Context, queue, tag string) (Subscription, error) {
	fail := func(op string, err error) error {
		return &ConsumerError{Queue: queue, ConsumerTag: tag, Op: op, Err: err, Timestamp: time.Now()}
	}

	if err := ctx.Err(); err != nil {
		return nil, fail("subscribe", err)
	}
	ch, err := c.cm.Channel()
	if err != nil {
		return nil, fail("open channel", err)
	}
	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		_ = ch.Close()
		return nil, fail("qos", err)
	}

	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fail("consume", err)
	}

	c.logger.Debug("subscribed to queue", "queue", queue, "consumerTag", tag, "prefetchCount", c.prefetchCount)
	return &channelSubscription{ch: ch, tag: tag, deliveries: deliveries}, nil
}

type channelSubscription struct {
	ch         *amqp.Channel
	tag        string
	deliveries <-chan amqp.Delivery
}

func (s *channelSubscription) Deliveries() <-chan amqp.Delivery {
	return s.deliveries
}

func (s *channelSubscription) Close() error {
	if s.ch.IsClosed() {
		return nil
	}
	_ = s.ch.Cancel(s.tag, false)
	return s.ch.Close()
}
