package http

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"priority-dispatch/internal/domain"
	"priority-dispatch/internal/tracing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Endpoint is the compute target of one level. Host, when set, overrides the
// Host header so that an ingress gateway can select the priority-specific function.
type Endpoint struct {
	URL  string
	Host string
}

type computeInvoker struct {
	client    *http.Client
	endpoints map[domain.Level]Endpoint
	tracer    trace.Tracer
}

// NewComputeInvoker creates an invoker that calls endpoints[level] with GET.
func NewComputeInvoker(endpoints map[domain.Level]Endpoint, timeout time.Duration) domain.Invoker {
	return &computeInvoker{
		client:    &http.Client{Timeout: timeout},
		endpoints: endpoints,
		tracer:    otel.Tracer("priority-dispatch-compute-invoker"),
	}
}

// Invoke performs a single request. Transport errors and non-2xx statuses wrap domain.ErrInvocationFailed.
func (e *computeInvoker) Invoke(ctx context.Context, level domain.Level, body []byte) (int, error) {
	endpoint, ok := e.endpoints[level]
	if !ok {
		return 0, fmt.Errorf("%w: no compute endpoint for level %q", domain.ErrInvocationFailed, level)
	}

	ctx, span := e.tracer.Start(ctx, "compute.Invoke",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("dispatch.level", string(level)),
			attribute.String("http.url", endpoint.URL),
			attribute.String("http.host", endpoint.Host),
		))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.URL, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create request")
		return 0, fmt.Errorf("%w: failed to create http request: %v", domain.ErrInvocationFailed, err)
	}
	if endpoint.Host != "" {
		req.Host = endpoint.Host
	}
	tracing.InjectHTTP(ctx, req.Header)

	resp, err := e.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "http request failed")
		return 0, fmt.Errorf("%w: http request failed: %v", domain.ErrInvocationFailed, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= 400 {
		span.SetStatus(codes.Error, resp.Status)
		return resp.StatusCode, fmt.Errorf("%w: compute endpoint returned %s", domain.ErrInvocationFailed, resp.Status)
	}
	return resp.StatusCode, nil
}
