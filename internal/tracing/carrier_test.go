package tracing

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func setupProvider(t *testing.T) trace.Tracer {
	t.Helper()
	tp := sdktrace.NewTracerProvider()
	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(Propagator())
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})
	return tp.Tracer("test")
}

func TestHeaderRoundTrip(t *testing.T) {
	tracer := setupProvider(t)
	ctx, span := tracer.Start(context.Background(), "ingress")
	defer span.End()

	headers := map[string]any{}
	InjectHeaders(ctx, headers)
	require.Contains(t, headers, "traceparent")

	got := ExtractHeaders(context.Background(), headers)
	assert.Equal(t, TraceID(ctx), TraceID(got))
	assert.Equal(t, span.SpanContext().SpanID(), trace.SpanContextFromContext(got).SpanID())
}

func TestHeaderRoundTripAcrossByteEncoding(t *testing.T) {
	tracer := setupProvider(t)
	ctx, span := tracer.Start(context.Background(), "ingress")
	defer span.End()

	headers := map[string]any{}
	InjectHeaders(ctx, headers)

	normalized := map[string]any{}
	for k, v := range headers {
		normalized[k] = []byte(v.(string))
	}

	got := ExtractHeaders(context.Background(), normalized)
	assert.Equal(t, TraceID(ctx), TraceID(got))
}

func TestHTTPRoundTrip(t *testing.T) {
	tracer := setupProvider(t)
	ctx, span := tracer.Start(context.Background(), "egress")
	defer span.End()

	h := http.Header{}
	InjectHTTP(ctx, h)
	assert.NotEmpty(t, h.Get("Traceparent"))

	got := ExtractHTTP(context.Background(), h)
	assert.Equal(t, TraceID(ctx), TraceID(got))
}

func TestTraceIDEmpty(t *testing.T) {
	assert.Empty(t, TraceID(context.Background()))
	assert.Equal(t, context.Background(), ExtractHeaders(context.Background(), nil))
	assert.Empty(t, HeaderCarrier{"n": 1}.Get("n"))
}
