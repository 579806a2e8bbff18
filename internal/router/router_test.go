package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"priority-dispatch/internal/domain"
	"priority-dispatch/internal/ledger"
	"priority-dispatch/internal/tracing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type fakePublisher struct {
	mu       sync.Mutex
	err      error
	messages []*domain.Message
}

func (p *fakePublisher) Publish(_ context.Context, msg *domain.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, msg)
	return nil
}

func (p *fakePublisher) published() []*domain.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*domain.Message(nil), p.messages...)
}

type mockDepthReader struct {
	mock.Mock
}

func (m *mockDepthReader) QueueDepth(ctx context.Context, key domain.QueueKey) (int, error) {
	args := m.Called(ctx, key)
	return args.Int(0), args.Error(1)
}

func newTestRouter(t *testing.T, pub domain.Publisher, opts ...Option) (*Router, *ledger.Ledger) {
	t.Helper()
	topology, err := domain.NewTopology([]string{"channel0", "channel1"}, []string{"high", "low"})
	require.NoError(t, err)
	l := ledger.New(topology)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(topology, l, pub, time.Second, logger, opts...), l
}

func count(t *testing.T, l *ledger.Ledger, channel, level string) int64 {
	t.Helper()
	n, err := l.Count(domain.QueueKey{Channel: domain.Channel(channel), Level: domain.Level(level)})
	require.NoError(t, err)
	return n
}

func TestTrigger_BalancesChannels(t *testing.T) {
	pub := &fakePublisher{}
	r, l := newTestRouter(t, pub)
	ctx := context.Background()

	var channels []domain.Channel
	for i := 0; i < 3; i++ {
		a, err := r.Trigger(ctx, "high")
		require.NoError(t, err)
		channels = append(channels, a.Channel)
	}

	assert.Equal(t, []domain.Channel{"channel0", "channel1", "channel0"}, channels)
	assert.Equal(t, int64(2), count(t, l, "channel0", "high"))
	assert.Equal(t, int64(1), count(t, l, "channel1", "high"))

	msgs := pub.published()
	require.Len(t, msgs, 3)
	assert.Equal(t, "channel0.high", msgs[0].Key.RoutingKey())
	assert.Equal(t, []byte("high"), msgs[0].Body)
	assert.Contains(t, msgs[0].Headers, domain.HeaderSendTimestamp)
	assert.NotEmpty(t, msgs[0].ID)
}

func TestTrigger_InvalidLevel(t *testing.T) {
	pub := &fakePublisher{}
	r, l := newTestRouter(t, pub)

	_, err := r.Trigger(context.Background(), "urgent")
	assert.ErrorIs(t, err, domain.ErrInvalidLevel)
	assert.Empty(t, pub.published())
	for _, e := range l.Snapshot() {
		assert.Zero(t, e.Outstanding)
	}
}

func TestTrigger_PublishFailureRollsBack(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker nacked")}
	r, l := newTestRouter(t, pub)

	_, err := r.Trigger(context.Background(), "low")
	assert.ErrorIs(t, err, domain.ErrPublishFailed)
	assert.Zero(t, count(t, l, "channel0", "low"))
}

func TestTrigger_StampsSendTimestamp(t *testing.T) {
	pub := &fakePublisher{}
	sentAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	r, _ := newTestRouter(t, pub, WithClock(func() time.Time { return sentAt }))

	_, err := r.Trigger(context.Background(), "low")
	require.NoError(t, err)

	msgs := pub.published()
	require.Len(t, msgs, 1)
	assert.Equal(t, sentAt, msgs[0].SentAt)
	got, err := domain.SendTimestamp(msgs[0].Headers)
	require.NoError(t, err)
	assert.True(t, sentAt.Equal(got), "send timestamp %s", got)
	assert.Equal(t, []byte("low"), msgs[0].Body)
}

func TestTrigger_Standby(t *testing.T) {
	pub := &fakePublisher{}
	r, _ := newTestRouter(t, pub, WithLeaderCheck(func() bool { return false }))

	_, err := r.Trigger(context.Background(), "high")
	assert.ErrorIs(t, err, domain.ErrNotLeader)
	_, err = r.ReportCompletion(context.Background(), "channel0", "high")
	assert.ErrorIs(t, err, domain.ErrNotLeader)
	assert.Empty(t, pub.published())
}

func TestTrigger_InjectsTraceContext(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(tracing.Propagator())
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})

	pub := &fakePublisher{}
	r, _ := newTestRouter(t, pub)

	ctx, root := tp.Tracer("test").Start(context.Background(), "ingress")
	a, err := r.Trigger(ctx, "high")
	root.End()
	require.NoError(t, err)

	traceID := root.SpanContext().TraceID().String()
	assert.Equal(t, traceID, a.TraceID)

	msgs := pub.published()
	require.Len(t, msgs, 1)
	consumed := tracing.ExtractHeaders(context.Background(), msgs[0].Headers)
	assert.Equal(t, traceID, tracing.TraceID(consumed))

	var names []string
	for _, s := range recorder.Ended() {
		names = append(names, s.Name())
	}
	assert.Contains(t, names, "router.Trigger")
}

func TestReportCompletion(t *testing.T) {
	pub := &fakePublisher{}
	r, l := newTestRouter(t, pub)
	ctx := context.Background()

	_, err := r.Trigger(ctx, "high")
	require.NoError(t, err)

	c, err := r.ReportCompletion(ctx, "channel0", "high")
	require.NoError(t, err)
	assert.Equal(t, domain.CompletionReleased, c.Status)
	assert.Zero(t, c.Remaining)

	c, err = r.ReportCompletion(ctx, "channel0", "high")
	require.NoError(t, err)
	assert.Equal(t, domain.CompletionAlreadyZero, c.Status)
	assert.Zero(t, count(t, l, "channel0", "high"))

	_, err = r.ReportCompletion(ctx, "channel7", "high")
	assert.ErrorIs(t, err, domain.ErrInvalidChannel)
	_, err = r.ReportCompletion(ctx, "channel0", "urgent")
	assert.ErrorIs(t, err, domain.ErrInvalidLevel)
}

func TestReconcile(t *testing.T) {
	pub := &fakePublisher{}
	r, l := newTestRouter(t, pub)
	ctx := context.Background()

	_, err := r.Trigger(ctx, "low")
	require.NoError(t, err)

	depths := &mockDepthReader{}
	depths.On("QueueDepth", mock.Anything, domain.QueueKey{Channel: "channel0", Level: "high"}).Return(3, nil)
	depths.On("QueueDepth", mock.Anything, domain.QueueKey{Channel: "channel1", Level: "high"}).Return(0, nil)
	depths.On("QueueDepth", mock.Anything, domain.QueueKey{Channel: "channel0", Level: "low"}).Return(0, errors.New("channel closed"))
	depths.On("QueueDepth", mock.Anything, domain.QueueKey{Channel: "channel1", Level: "low"}).Return(5, nil)

	err = r.Reconcile(ctx, depths)
	assert.ErrorContains(t, err, "channel0.low")

	assert.Equal(t, int64(3), count(t, l, "channel0", "high"))
	assert.Zero(t, count(t, l, "channel1", "high"))
	assert.Equal(t, int64(1), count(t, l, "channel0", "low"))
	assert.Equal(t, int64(5), count(t, l, "channel1", "low"))
	depths.AssertExpectations(t)
}
