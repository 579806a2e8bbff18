package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"priority-dispatch/internal/domain"
	"priority-dispatch/internal/tracing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StaticResolver always resolves to the same router URL.
type StaticResolver string

// LeaderURL returns the configured URL.
func (s StaticResolver) LeaderURL(context.Context) (string, error) {
	return string(s), nil
}

// CompletionRequest is the body of POST /decrement.
type CompletionRequest struct {
	Channel string `json:"channel"`
	Level   string `json:"level"`
}

// CompletionResponse is the router's answer to POST /decrement.
type CompletionResponse struct {
	Status    domain.CompletionStatus `json:"status"`
	Message   string                  `json:"message"`
	Remaining int64                   `json:"remaining"`
}

type completionClient struct {
	client   *http.Client
	resolver domain.LeaderResolver
	tracer   trace.Tracer
}

// NewCompletionClient reports completions to the router returned by resolver.
func NewCompletionClient(resolver domain.LeaderResolver, timeout time.Duration) domain.CompletionReporter {
	return &completionClient{
		client:   &http.Client{Timeout: timeout},
		resolver: resolver,
		tracer:   otel.Tracer("priority-dispatch-completion-client"),
	}
}

// ReportCompletion posts the queue key to the router's /decrement endpoint with the trace context of ctx.
func (c *completionClient) ReportCompletion(ctx context.Context, key domain.QueueKey) (*domain.Completion, error) {
	ctx, span := c.tracer.Start(ctx, "completion.Report",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("dispatch.routing_key", key.RoutingKey())))
	defer span.End()

	completion, err := c.report(ctx, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion report failed")
		return nil, err
	}
	span.SetAttributes(attribute.String("dispatch.completion_status", string(completion.Status)))
	return completion, nil
}

func (c *completionClient) report(ctx context.Context, key domain.QueueKey) (*domain.Completion, error) {
	base, err := c.resolver.LeaderURL(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve router: %w", err)
	}

	payload, err := json.Marshal(CompletionRequest{Channel: string(key.Channel), Level: string(key.Level)})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+"/decrement", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create http request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectHTTP(ctx, req.Header)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("router returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var out CompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode completion response: %w", err)
	}
	return &domain.Completion{Key: key, Status: out.Status, Remaining: out.Remaining}, nil
}
