// Package worker consumes the priority queues and invokes the compute endpoint
// of each message's level.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"priority-dispatch/internal/config"
	"priority-dispatch/internal/domain"
	"priority-dispatch/internal/infra/rabbitmq"
	"priority-dispatch/internal/metrics"
	"priority-dispatch/internal/tracing"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// errTornDown is returned by settle operations attempted after Stop gave up waiting.
var errTornDown = errors.New("worker pool torn down")

// Source opens consumer subscriptions on a queue.
type Source interface {
	Subscribe(ctx context.Context, queue, tag string) (rabbitmq.Subscription, error)
}

// Pool runs a fixed number of workers per queue. Each worker holds at most one
// unacknowledged message.
type Pool struct {
	topology    domain.Topology
	workers     map[domain.Level]int
	source      Source
	invoker     domain.Invoker
	reporter    domain.CompletionReporter
	republisher domain.Publisher

	failurePolicy    config.FailurePolicy
	maxAttempts      int
	reportTimeout    time.Duration
	publishTimeout   time.Duration
	resubscribeDelay time.Duration
	maxResubscribe   time.Duration
	now              func() time.Time
	nodeID           string
	logger           *slog.Logger
	tracer           trace.Tracer

	mu           sync.Mutex
	running      bool
	stopLoops    context.CancelFunc
	handleCtx    context.Context
	cancelHandle context.CancelFunc
	wg           sync.WaitGroup
	tornDown     atomic.Bool
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithFailurePolicy sets how failed invocations are settled. The retry policy
// republishes through republisher.
func WithFailurePolicy(policy config.FailurePolicy, maxAttempts int, republisher domain.Publisher) PoolOption {
	return func(p *Pool) {
		p.failurePolicy = policy
		p.maxAttempts = maxAttempts
		p.republisher = republisher
	}
}

// WithReportTimeout bounds each completion report.
func WithReportTimeout(d time.Duration) PoolOption {
	return func(p *Pool) { p.reportTimeout = d }
}

// WithPublishTimeout bounds each republish made by the retry policy.
func WithPublishTimeout(d time.Duration) PoolOption {
	return func(p *Pool) { p.publishTimeout = d }
}

// WithResubscribeDelay sets the initial and maximum wait between subscribe attempts.
func WithResubscribeDelay(initial, maxDelay time.Duration) PoolOption {
	return func(p *Pool) {
		p.resubscribeDelay = initial
		p.maxResubscribe = maxDelay
	}
}

// WithClock overrides the clock used for queue latency.
func WithClock(now func() time.Time) PoolOption {
	return func(p *Pool) { p.now = now }
}

// NewPool creates a worker pool. workers gives the worker count per level.
func NewPool(
	topology domain.Topology,
	workers map[domain.Level]int,
	source Source,
	invoker domain.Invoker,
	reporter domain.CompletionReporter,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	p := &Pool{
		topology:         topology,
		workers:          workers,
		source:           source,
		invoker:          invoker,
		reporter:         reporter,
		failurePolicy:    config.FailurePolicyAck,
		maxAttempts:      1,
		reportTimeout:    5 * time.Second,
		publishTimeout:   5 * time.Second,
		resubscribeDelay: time.Second,
		maxResubscribe:   30 * time.Second,
		now:              time.Now,
		nodeID:           uuid.NewString()[:8],
		logger:           logger.With("component", "worker-pool"),
		tracer:           otel.Tracer("priority-dispatch-worker"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the workers. It returns immediately.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	if p.failurePolicy == config.FailurePolicyRetry && p.republisher == nil {
		return fmt.Errorf("retry failure policy requires a republisher")
	}
	p.running = true

	loopCtx, stopLoops := context.WithCancel(ctx)
	p.stopLoops = stopLoops
	// Handlers outlive the loops until the shutdown grace expires.
	p.handleCtx, p.cancelHandle = context.WithCancel(context.WithoutCancel(ctx))

	total := 0
	for _, key := range p.topology.Keys() {
		for i := range p.workers[key.Level] {
			p.wg.Add(1)
			go p.run(loopCtx, key, i)
			total++
		}
	}

	p.logger.Info("worker pool started", "node_id", p.nodeID, "workers", total, "failure_policy", p.failurePolicy)
	return nil
}

// Stop cancels all subscriptions and waits for in-flight messages to finish.
// When ctx ends first, in-flight handlers are cancelled and the pool stops
// settling messages, so the broker redelivers them.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", "node_id", p.nodeID)
	p.stopLoops()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling in-flight messages")
		p.tornDown.Store(true)
		p.cancelHandle()
		<-done
		err = ctx.Err()
	}
	p.cancelHandle()
	return err
}

// run is the loop of one worker on one queue.
func (p *Pool) run(ctx context.Context, key domain.QueueKey, index int) {
	defer p.wg.Done()

	queue := key.RoutingKey()
	tag := fmt.Sprintf("%s-%s-%d", queue, p.nodeID, index)
	logger := p.logger.With("queue", queue, "consumer_tag", tag)

	attempt := 0
	for ctx.Err() == nil {
		sub, err := p.source.Subscribe(ctx, queue, tag)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := p.backoff(attempt)
			logger.Warn("subscribe failed, retrying", "attempt", attempt+1, "delay", delay, "error", err)
			attempt++
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		attempt = 0

		p.consume(ctx, key, sub, logger)
		if err := sub.Close(); err != nil {
			logger.Debug("failed to close subscription", "error", err)
		}
	}
}

// consume handles deliveries until ctx ends or the subscription is closed by the broker.
func (p *Pool) consume(ctx context.Context, key domain.QueueKey, sub rabbitmq.Subscription, logger *slog.Logger) {
	deliveries := sub.Deliveries()
	for {
		// Shutdown wins over deliveries already buffered.
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				logger.Warn("delivery channel closed, resubscribing")
				return
			}
			p.handle(key, d)
		}
	}
}

func (p *Pool) handle(key domain.QueueKey, d amqp.Delivery) {
	ctx := tracing.ExtractHeaders(p.handleCtx, d.Headers)
	attempt := domain.Attempt(d.Headers)
	ctx, span := p.tracer.Start(ctx, "worker.Handle",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("dispatch.routing_key", key.RoutingKey()),
			attribute.String("dispatch.level", string(key.Level)),
			attribute.String("messaging.message_id", d.MessageId),
			attribute.Int("dispatch.attempt", attempt),
		))
	defer span.End()

	logger := p.logger.With("routing_key", key.RoutingKey(), "trace_id", tracing.TraceID(ctx))

	p.observeLatency(key, d, logger, span)

	start := p.now()
	status, err := p.invoker.Invoke(ctx, key.Level, d.Body)
	metrics.InvocationDurationSeconds.WithLabelValues(string(key.Level)).Observe(p.now().Sub(start).Seconds())
	span.SetAttributes(attribute.Int("http.status_code", status))

	if err == nil {
		metrics.InvocationsTotal.WithLabelValues(string(key.Level), "success").Inc()
		if err := p.ack(d); err != nil {
			logger.Error("failed to ack message", "error", err)
			span.RecordError(err)
			return
		}
		p.report(ctx, key, logger)
		return
	}

	metrics.InvocationsTotal.WithLabelValues(string(key.Level), "failed").Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, "invocation failed")
	logger.Error("invocation failed", "status", status, "attempt", attempt, "error", err)

	p.settleFailure(ctx, key, d, attempt, logger)
}

func (p *Pool) observeLatency(key domain.QueueKey, d amqp.Delivery, logger *slog.Logger, span trace.Span) {
	sentAt, err := domain.SendTimestamp(d.Headers)
	if err != nil {
		logger.Warn("message without usable send timestamp", "error", err)
		return
	}
	latency := p.now().Sub(sentAt)
	if latency < 0 {
		logger.Warn("clock skew", "latency", latency)
		latency = 0
	}
	metrics.QueueLatencySeconds.WithLabelValues(string(key.Level)).Observe(latency.Seconds())
	span.SetAttributes(attribute.Float64("dispatch.queue_latency_seconds", latency.Seconds()))
}

// settleFailure applies the failure policy to a message whose invocation failed.
func (p *Pool) settleFailure(ctx context.Context, key domain.QueueKey, d amqp.Delivery, attempt int, logger *slog.Logger) {
	if p.failurePolicy != config.FailurePolicyRetry {
		if err := p.ack(d); err != nil {
			logger.Error("failed to ack message", "error", err)
			return
		}
		p.report(ctx, key, logger)
		return
	}

	if attempt+1 >= p.maxAttempts {
		if err := p.nack(d, false); err != nil {
			logger.Error("failed to dead-letter message", "error", err)
			return
		}
		logger.Warn("message dead-lettered", "attempts", attempt+1)
		p.report(ctx, key, logger)
		return
	}

	if err := p.republish(ctx, key, d, attempt+1); err != nil {
		logger.Error("failed to republish message, requeueing", "error", err)
		if err := p.nack(d, true); err != nil {
			logger.Error("failed to requeue message", "error", err)
		}
		return
	}
	// The credit stays held by the republished copy.
	if err := p.ack(d); err != nil {
		// The original will be redelivered next to its republished copy, and both
		// completions report against the single credit acquired at trigger time.
		logger.Error("duplicate message: republished copy exists but the original could not be acked",
			"error", err, "attempt", attempt+1)
	}
}

func (p *Pool) republish(ctx context.Context, key domain.QueueKey, d amqp.Delivery, attempt int) error {
	msg := domain.NewMessage(uuid.NewString(), key, p.now())
	msg.Body = d.Body
	msg.Headers[domain.HeaderAttempt] = int32(attempt)
	tracing.InjectHeaders(ctx, msg.Headers)

	pubCtx, cancel := context.WithTimeout(ctx, p.publishTimeout)
	defer cancel()
	return p.republisher.Publish(pubCtx, msg)
}

func (p *Pool) report(ctx context.Context, key domain.QueueKey, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, p.reportTimeout)
	defer cancel()

	completion, err := p.reporter.ReportCompletion(ctx, key)
	if err != nil {
		logger.Error("failed to report completion", "error", err)
		return
	}
	if completion.Status == domain.CompletionAlreadyZero {
		logger.Warn("completion reported against an empty ledger entry")
	}
}

func (p *Pool) ack(d amqp.Delivery) error {
	if p.tornDown.Load() {
		return errTornDown
	}
	return d.Ack(false)
}

func (p *Pool) nack(d amqp.Delivery, requeue bool) error {
	if p.tornDown.Load() {
		return errTornDown
	}
	return d.Nack(false, requeue)
}

// backoff returns the resubscribe delay for attempt with up to 10% jitter.
func (p *Pool) backoff(attempt int) time.Duration {
	delay := p.resubscribeDelay
	for i := 0; i < attempt && delay < p.maxResubscribe; i++ {
		delay *= 2
	}
	if delay > p.maxResubscribe {
		delay = p.maxResubscribe
	}
	if delay <= 0 {
		return 0
	}
	return delay + time.Duration(rand.Int63n(int64(delay)/10+1))
}
