package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"priority-dispatch/internal/domain"
	"priority-dispatch/internal/ledger"
	"priority-dispatch/internal/metrics"
	"priority-dispatch/internal/tracing"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Router assigns triggered work to the least loaded channel of its level and
// publishes it to the broker.
type Router struct {
	topology       domain.Topology
	ledger         *ledger.Ledger
	publisher      domain.Publisher
	publishTimeout time.Duration
	isLeader       func() bool
	now            func() time.Time
	logger         *slog.Logger
	tracer         trace.Tracer
}

// Option configures a Router.
type Option func(*Router)

// WithLeaderCheck makes the router refuse work with domain.ErrNotLeader while check reports false.
func WithLeaderCheck(check func() bool) Option {
	return func(r *Router) { r.isLeader = check }
}

// WithClock overrides the clock used for the send timestamp.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// New creates a router over l that publishes through publisher.
func New(topology domain.Topology, l *ledger.Ledger, publisher domain.Publisher, publishTimeout time.Duration, logger *slog.Logger, opts ...Option) *Router {
	r := &Router{
		topology:       topology,
		ledger:         l,
		publisher:      publisher,
		publishTimeout: publishTimeout,
		isLeader:       func() bool { return true },
		now:            time.Now,
		logger:         logger.With("component", "router"),
		tracer:         otel.Tracer("priority-dispatch-router"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Topology returns the configured channel and level sets.
func (r *Router) Topology() domain.Topology {
	return r.topology
}

// Trigger routes one unit of work for level. The ledger is incremented before
// the publish and rolled back if the broker does not confirm it.
func (r *Router) Trigger(ctx context.Context, level string) (*domain.Assignment, error) {
	ctx, span := r.tracer.Start(ctx, "router.Trigger", trace.WithAttributes(attribute.String("dispatch.level", level)))
	defer span.End()

	if !r.isLeader() {
		span.SetStatus(codes.Error, "standby")
		return nil, domain.ErrNotLeader
	}

	lvl, err := r.topology.ParseLevel(level)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid level")
		return nil, err
	}

	key, outstanding, err := r.ledger.Acquire(lvl)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ledger acquire failed")
		return nil, err
	}
	span.SetAttributes(
		attribute.String("dispatch.channel", string(key.Channel)),
		attribute.String("dispatch.routing_key", key.RoutingKey()),
		attribute.Int64("dispatch.outstanding", outstanding),
	)

	msg := domain.NewMessage(uuid.NewString(), key, r.now())
	tracing.InjectHeaders(ctx, msg.Headers)

	pubCtx, cancel := context.WithTimeout(ctx, r.publishTimeout)
	err = r.publisher.Publish(pubCtx, msg)
	cancel()
	if err != nil {
		if _, _, rbErr := r.ledger.Release(key); rbErr != nil {
			r.logger.Error("failed to roll back ledger increment", "routing_key", key.RoutingKey(), "error", rbErr)
		}
		metrics.MessagesPublishedTotal.WithLabelValues(string(key.Channel), string(key.Level), "failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		r.logger.Error("failed to publish message", "routing_key", key.RoutingKey(), "trace_id", tracing.TraceID(ctx), "error", err)
		return nil, fmt.Errorf("%w: %v", domain.ErrPublishFailed, err)
	}
	metrics.MessagesPublishedTotal.WithLabelValues(string(key.Channel), string(key.Level), "confirmed").Inc()

	r.logger.Info("message routed", "routing_key", key.RoutingKey(), "outstanding", outstanding, "trace_id", tracing.TraceID(ctx))
	return &domain.Assignment{
		Level:      key.Level,
		Channel:    key.Channel,
		RoutingKey: key.RoutingKey(),
		TraceID:    tracing.TraceID(ctx),
	}, nil
}

// ReportCompletion releases one credit for (channel, level). Releasing an
// entry that is already zero leaves it at zero and reports CompletionAlreadyZero.
func (r *Router) ReportCompletion(ctx context.Context, channel, level string) (*domain.Completion, error) {
	ctx, span := r.tracer.Start(ctx, "router.ReportCompletion", trace.WithAttributes(
		attribute.String("dispatch.channel", channel),
		attribute.String("dispatch.level", level),
	))
	defer span.End()

	if !r.isLeader() {
		span.SetStatus(codes.Error, "standby")
		return nil, domain.ErrNotLeader
	}

	key, err := r.topology.ParseKey(channel, level)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid queue key")
		return nil, err
	}

	remaining, released, err := r.ledger.Release(key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ledger release failed")
		return nil, err
	}

	status := domain.CompletionReleased
	if !released {
		status = domain.CompletionAlreadyZero
		r.logger.Warn("completion for empty ledger entry", "routing_key", key.RoutingKey(), "trace_id", tracing.TraceID(ctx))
	}
	metrics.CompletionsTotal.WithLabelValues(string(key.Channel), string(key.Level), string(status)).Inc()
	span.SetAttributes(attribute.String("dispatch.completion_status", string(status)), attribute.Int64("dispatch.outstanding", remaining))

	return &domain.Completion{Key: key, Status: status, Remaining: remaining}, nil
}

// Snapshot returns a copy of every ledger entry.
func (r *Router) Snapshot() []ledger.Entry {
	return r.ledger.Snapshot()
}

// Reconcile overwrites every ledger entry with the broker's ready-message depth
// for its queue. Keys whose depth cannot be read keep their current value.
func (r *Router) Reconcile(ctx context.Context, depths domain.DepthReader) error {
	ctx, span := r.tracer.Start(ctx, "router.Reconcile")
	defer span.End()

	var errs []error
	for _, key := range r.topology.Keys() {
		depth, err := depths.QueueDepth(ctx, key)
		if err != nil {
			r.logger.Error("failed to read queue depth", "routing_key", key.RoutingKey(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", key.RoutingKey(), err))
			continue
		}
		if err := r.ledger.Set(key, int64(depth)); err != nil {
			errs = append(errs, err)
			continue
		}
		r.logger.Info("ledger entry reconciled", "routing_key", key.RoutingKey(), "outstanding", depth)
	}

	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "partial reconcile")
		return err
	}
	return nil
}
