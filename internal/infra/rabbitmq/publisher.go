// internal/infra/rabbitmq/publisher.go
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"priority-dispatch/internal/domain"

	amqp "github.com/rabbitmq/amqp091-go"
)

type publishRequest struct {
	ctx    context.Context
	msg    *domain.Message
	result chan error
}

// Publisher serializes publishes through a single runner goroutine that owns one
// confirm-mode channel. Callers enqueue a request and wait for the broker confirm.
type Publisher struct {
	cm             *ConnectionManager
	exchange       string
	confirmTimeout time.Duration
	logger         *slog.Logger

	requests  chan publishRequest
	done      chan struct{}
	closeOnce sync.Once

	// Owned by the runner goroutine.
	ch       *amqp.Channel
	confirms chan amqp.Confirmation
	returns  chan amqp.Return
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets how long to wait for a broker confirm.
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a publisher for exchange. Run must be started before Publish is used.
func NewPublisher(cm *ConnectionManager, exchange string, options ...PublisherOption) *Publisher {
	p := &Publisher{
		cm:             cm,
		exchange:       exchange,
		confirmTimeout: 5 * time.Second,
		logger:         slog.Default(),
		requests:       make(chan publishRequest),
		done:           make(chan struct{}),
	}
	for _, opt := range options {
		opt(p)
	}
	p.logger = p.logger.With("component", "rabbitmq-publisher")
	return p
}

// Publish enqueues msg on the runner and blocks until it is confirmed, fails, or ctx ends.
func (p *Publisher) Publish(ctx context.Context, msg *domain.Message) error {
	req := publishRequest{ctx: ctx, msg: msg, result: make(chan error, 1)}

	select {
	case p.requests <- req:
	case <-ctx.Done():
		return p.wrap(msg, ctx.Err())
	case <-p.done:
		return p.wrap(msg, ErrPublisherClosed)
	}

	select {
	case err := <-req.result:
		if err != nil {
			return p.wrap(msg, err)
		}
		return nil
	case <-ctx.Done():
		return p.wrap(msg, ctx.Err())
	}
}

// Run processes publish requests until ctx is cancelled or Close is called.
func (p *Publisher) Run(ctx context.Context) {
	p.logger.Info("publisher runner started", "exchange", p.exchange)
	defer p.closeChannel()

	for {
		select {
		case <-ctx.Done():
			p.Close()
			return
		case <-p.done:
			return
		case req := <-p.requests:
			req.result <- p.publish(req.ctx, req.msg)
		}
	}
}

// Close stops the runner. Pending and future Publish calls fail with ErrPublisherClosed.
func (p *Publisher) Close() {
	p.closeOnce.Do(func() { close(p.done) })
}

func (p *Publisher) publish(ctx context.Context, msg *domain.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.ensureChannel(); err != nil {
		return err
	}

	seq := p.ch.GetNextPublishSeqNo()
	err := p.ch.PublishWithContext(ctx, p.exchange, msg.Key.RoutingKey(), true, false, amqp.Publishing{
		Headers:      amqp.Table(msg.Headers),
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.SentAt,
		Body:         msg.Body,
	})
	if err != nil {
		p.closeChannel()
		return err
	}

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	returned := false
	for {
		select {
		case ret, ok := <-p.returns:
			if !ok {
				p.closeChannel()
				return ErrConnectionNotReady
			}
			if ret.MessageId == msg.ID {
				returned = true
			}
		case confirm, ok := <-p.confirms:
			if !ok {
				p.closeChannel()
				return ErrConnectionNotReady
			}
			if confirm.DeliveryTag < seq {
				// Late confirm of an earlier publish that already timed out.
				continue
			}
			if !confirm.Ack {
				return ErrPublishNotConfirmed
			}
			if returned {
				return fmt.Errorf("%w: message unroutable", ErrPublishNotConfirmed)
			}
			return nil
		case <-timer.C:
			return ErrPublishTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ensureChannel opens a confirm-mode channel if there is none. It fails fast when disconnected.
func (p *Publisher) ensureChannel() error {
	if p.ch != nil && !p.ch.IsClosed() {
		return nil
	}
	p.closeChannel()

	ch, err := p.cm.Channel()
	if err != nil {
		return err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("failed to enable confirms: %w", err)
	}
	p.ch = ch
	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 16))
	p.returns = ch.NotifyReturn(make(chan amqp.Return, 16))
	p.logger.Debug("opened confirm channel")
	return nil
}

func (p *Publisher) closeChannel() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	p.ch = nil
	p.confirms = nil
	p.returns = nil
}

func (p *Publisher) wrap(msg *domain.Message, err error) error {
	return &PublishError{
		Exchange:   p.exchange,
		RoutingKey: msg.Key.RoutingKey(),
		Err:        err,
		Timestamp:  time.Now(),
	}
}
