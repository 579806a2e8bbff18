package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"priority-dispatch/internal/domain"
	"priority-dispatch/internal/ledger"
	"priority-dispatch/internal/router"
	"priority-dispatch/internal/tracing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
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

func newTestServer(t *testing.T, pub domain.Publisher, opts ...router.Option) *httptest.Server {
	t.Helper()
	topology, err := domain.NewTopology([]string{"channel0", "channel1"}, []string{"high", "low"})
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := router.New(topology, ledger.New(topology), pub, time.Second, logger, opts...)

	mux := http.NewServeMux()
	NewDispatchHandler(r, logger).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func trigger(t *testing.T, srv *httptest.Server, level string) (*http.Response, domain.Assignment) {
	t.Helper()
	resp, err := http.Get(srv.URL + "/" + level)
	require.NoError(t, err)
	defer resp.Body.Close()

	var a domain.Assignment
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&a))
	}
	return resp, a
}

func decrement(t *testing.T, srv *httptest.Server, body string) (*http.Response, DecrementResponse) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/decrement", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out DecrementResponse
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func TestDispatchHandler_TwoChannelScenario(t *testing.T) {
	srv := newTestServer(t, &fakePublisher{})

	var channels []domain.Channel
	for i := 0; i < 3; i++ {
		resp, a := trigger(t, srv, "high")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, domain.Level("high"), a.Level)
		assert.Equal(t, string(a.Channel)+".high", a.RoutingKey)
		channels = append(channels, a.Channel)
	}
	assert.Equal(t, []domain.Channel{"channel0", "channel1", "channel0"}, channels)

	resp, out := decrement(t, srv, `{"channel":"channel0","level":"high"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, domain.CompletionReleased, out.Status)
	assert.Equal(t, int64(1), out.Remaining)

	ledgerResp, err := http.Get(srv.URL + "/ledger")
	require.NoError(t, err)
	defer ledgerResp.Body.Close()
	var entries []ledger.Entry
	require.NoError(t, json.NewDecoder(ledgerResp.Body).Decode(&entries))
	assert.Contains(t, entries, ledger.Entry{Channel: "channel0", Level: "high", Outstanding: 1})
	assert.Contains(t, entries, ledger.Entry{Channel: "channel1", Level: "high", Outstanding: 1})

	decrement(t, srv, `{"channel":"channel0","level":"high"}`)
	resp, out = decrement(t, srv, `{"channel":"channel0","level":"high"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, domain.CompletionAlreadyZero, out.Status)
	assert.Zero(t, out.Remaining)
}

func TestDispatchHandler_TriggerErrors(t *testing.T) {
	t.Run("invalid level", func(t *testing.T) {
		pub := &fakePublisher{}
		srv := newTestServer(t, pub)
		resp, _ := trigger(t, srv, "urgent")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Empty(t, pub.published())
	})

	t.Run("missing level", func(t *testing.T) {
		srv := newTestServer(t, &fakePublisher{})
		resp, _ := trigger(t, srv, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("publish failure", func(t *testing.T) {
		srv := newTestServer(t, &fakePublisher{err: errors.New("connection not ready")})
		resp, _ := trigger(t, srv, "high")
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	})

	t.Run("standby", func(t *testing.T) {
		srv := newTestServer(t, &fakePublisher{}, router.WithLeaderCheck(func() bool { return false }))
		resp, _ := trigger(t, srv, "high")
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})

	t.Run("wrong method", func(t *testing.T) {
		srv := newTestServer(t, &fakePublisher{})
		resp, err := http.Post(srv.URL+"/high", "text/plain", nil)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}

func TestDispatchHandler_DecrementErrors(t *testing.T) {
	srv := newTestServer(t, &fakePublisher{})

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"channel":`},
		{"missing level", `{"channel":"channel0"}`},
		{"unknown channel", `{"channel":"channel9","level":"high"}`},
		{"unknown level", `{"channel":"channel0","level":"urgent"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := decrement(t, srv, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

	resp, err := http.Get(srv.URL + "/decrement")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestDispatchHandler_ContinuesCallerTrace(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(tracing.Propagator())
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})

	pub := &fakePublisher{}
	srv := newTestServer(t, pub)

	ctx, span := tp.Tracer("client").Start(context.Background(), "client")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/low", nil)
	require.NoError(t, err)
	tracing.InjectHTTP(ctx, req.Header)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var a domain.Assignment
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&a))

	want := span.SpanContext().TraceID().String()
	assert.Equal(t, want, a.TraceID)
	msgs := pub.published()
	require.Len(t, msgs, 1)
	assert.Equal(t, want, tracing.TraceID(tracing.ExtractHeaders(context.Background(), msgs[0].Headers)))
}
