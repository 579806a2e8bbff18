// internal/scheduler/cron_scheduler.go
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"priority-dispatch/internal/domain"
	"priority-dispatch/internal/ledger"
	"priority-dispatch/internal/metrics"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SnapshotSource is anything that can copy the ledger.
type SnapshotSource interface {
	Snapshot() []ledger.Entry
}

// SnapshotSink receives every periodic ledger snapshot.
type SnapshotSink interface {
	Store(ctx context.Context, entries []ledger.Entry) error
}

// CronScheduler emits ledger snapshots and utilization readings on a fixed schedule.
type CronScheduler struct {
	cron        *cron.Cron
	interval    time.Duration
	source      SnapshotSource
	sinks       []SnapshotSink
	utilization domain.UtilizationReader
	isLeader    func() bool
	dispatchers func() int
	logger      *slog.Logger
	tracer      trace.Tracer
}

// Option configures a CronScheduler.
type Option func(*CronScheduler)

// WithSink adds a snapshot sink.
func WithSink(sink SnapshotSink) Option {
	return func(s *CronScheduler) { s.sinks = append(s.sinks, sink) }
}

// WithUtilization polls reader on every tick.
func WithUtilization(reader domain.UtilizationReader) Option {
	return func(s *CronScheduler) { s.utilization = reader }
}

// WithLeaderCheck skips the snapshot sinks while check reports false.
func WithLeaderCheck(check func() bool) Option {
	return func(s *CronScheduler) { s.isLeader = check }
}

// WithDispatcherCount records the number of registered dispatchers on every tick.
func WithDispatcherCount(count func() int) Option {
	return func(s *CronScheduler) { s.dispatchers = count }
}

// NewCronScheduler creates a scheduler that reports every interval.
func NewCronScheduler(source SnapshotSource, interval time.Duration, logger *slog.Logger, opts ...Option) *CronScheduler {
	s := &CronScheduler{
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		interval: interval,
		source:   source,
		isLeader: func() bool { return true },
		logger:   logger.With("component", "cron-scheduler"),
		tracer:   otel.Tracer("priority-dispatch-scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs the schedule until ctx is cancelled.
func (s *CronScheduler) Start(ctx context.Context) error {
	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.cron.AddFunc(spec, func() { s.Report(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule snapshot reporter: %w", err)
	}

	s.logger.Info("cron scheduler started", "schedule", spec, "sinks", len(s.sinks))
	s.cron.Start()
	<-ctx.Done()
	s.logger.Info("cron scheduler stopping...")
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("cron scheduler stopped")
	return ctx.Err()
}

// Report takes one snapshot, hands it to every sink and polls utilization.
func (s *CronScheduler) Report(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.interval)
	defer cancel()

	ctx, span := s.tracer.Start(ctx, "scheduler.Report")
	defer span.End()

	if s.isLeader() {
		entries := s.source.Snapshot()
		span.SetAttributes(attribute.Int("ledger.entries", len(entries)))
		for _, sink := range s.sinks {
			if err := sink.Store(ctx, entries); err != nil {
				s.logger.Error("failed to store ledger snapshot", "sink", fmt.Sprintf("%T", sink), "error", err)
				span.RecordError(err)
				span.SetStatus(codes.Error, "snapshot sink failed")
			}
		}
	}

	if s.dispatchers != nil {
		metrics.DispatchersActive.Set(float64(s.dispatchers()))
	}

	if s.utilization != nil {
		scores, err := s.utilization.Scores(ctx)
		if err != nil {
			s.logger.Warn("failed to read utilization", "error", err)
			span.RecordError(err)
			return
		}
		for instance, u := range scores {
			metrics.NodeUseScore.WithLabelValues(instance).Set(u.UseScore)
			s.logger.Debug("node utilization", "instance", instance, "use_score", u.UseScore,
				"cpu_percent", u.CPUUtilizationPercent, "memory_percent", u.MemoryUtilizationPercent)
		}
	}
}

// LogSink writes snapshots to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink logging at info level.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "ledger-snapshot")}
}

// Store logs one line per snapshot with every entry as an attribute.
func (l *LogSink) Store(_ context.Context, entries []ledger.Entry) error {
	attrs := make([]any, 0, len(entries))
	for _, e := range entries {
		attrs = append(attrs, slog.Int64(string(e.Channel)+"."+string(e.Level), e.Outstanding))
	}
	l.logger.Info("ledger snapshot", attrs...)
	return nil
}

// GaugeSink mirrors snapshots into the dispatch_ledger_outstanding gauge.
type GaugeSink struct{}

// Store sets one gauge sample per entry.
func (GaugeSink) Store(_ context.Context, entries []ledger.Entry) error {
	for _, e := range entries {
		metrics.LedgerOutstanding.WithLabelValues(string(e.Channel), string(e.Level)).Set(float64(e.Outstanding))
	}
	return nil
}
