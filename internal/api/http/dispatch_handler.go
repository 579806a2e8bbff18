package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"priority-dispatch/internal/domain"
	"priority-dispatch/internal/metrics"
	"priority-dispatch/internal/router"
	"priority-dispatch/internal/tracing"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DispatchHandler exposes the router over HTTP.
type DispatchHandler struct {
	router   *router.Router
	logger   *slog.Logger
	validate *validator.Validate
	tracer   trace.Tracer
}

// NewDispatchHandler creates a new DispatchHandler.
func NewDispatchHandler(r *router.Router, logger *slog.Logger) *DispatchHandler {
	return &DispatchHandler{
		router:   r,
		logger:   logger.With("component", "dispatch-handler"),
		validate: validator.New(),
		tracer:   otel.Tracer("priority-dispatch-api"),
	}
}

// A helper struct to capture the status code
type instrumentedResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *instrumentedResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// RegisterRoutes registers the trigger, decrement and ledger routes to the http.ServeMux.
func (h *DispatchHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/decrement", h.instrument("/decrement", h.handleDecrement))
	mux.Handle("/ledger", h.instrument("/ledger", h.handleLedger))
	mux.Handle("/", h.instrument("/{level}", h.handleTrigger))
}

// instrument continues the caller's trace, opens a server span and counts the request.
func (h *DispatchHandler) instrument(path string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := tracing.ExtractHTTP(r.Context(), r.Header)
		ctx, span := h.tracer.Start(ctx, "HTTP "+r.Method+" "+path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			))
		defer span.End()

		r = r.WithContext(ctx)

		iw := &instrumentedResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(iw, r)

		metrics.HttpRequestsTotal.WithLabelValues(path, r.Method, strconv.Itoa(iw.statusCode)).Inc()

		span.SetAttributes(attribute.Int("http.status_code", iw.statusCode))
		if iw.statusCode >= 500 {
			span.SetStatus(codes.Error, "Server Error")
		}
	})
}

// handleTrigger handles GET /{level}
func (h *DispatchHandler) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	level := strings.Trim(r.URL.Path, "/")
	if level == "" {
		http.Error(w, "level is required", http.StatusBadRequest)
		return
	}

	assignment, err := h.router.Trigger(r.Context(), level)
	if err != nil {
		h.logger.Warn("trigger failed", "level", level, "trace_id", tracing.TraceID(r.Context()), "error", err)
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, assignment)
}

// handleDecrement handles POST /decrement
func (h *DispatchHandler) handleDecrement(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	span := trace.SpanFromContext(r.Context())

	var req DecrementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "Failed to decode request body")
		span.RecordError(err)
		http.Error(w, domain.ErrMalformedRequest.Error()+": "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.validate.Struct(req); err != nil {
		span.SetStatus(codes.Error, "Validation failed")
		span.RecordError(err)
		var validationErrors []string
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				validationErrors = append(validationErrors,
					"Field '"+fe.Field()+"' failed on the '"+fe.Tag()+"' tag.",
				)
			}
		}
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":   "Validation failed",
			"details": validationErrors,
		})
		return
	}

	completion, err := h.router.ReportCompletion(r.Context(), req.Channel, req.Level)
	if err != nil {
		h.logger.Warn("decrement failed", "channel", req.Channel, "level", req.Level, "trace_id", tracing.TraceID(r.Context()), "error", err)
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ToResponse(completion))
}

// handleLedger handles GET /ledger
func (h *DispatchHandler) handleLedger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.router.Snapshot())
}

func (h *DispatchHandler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidLevel), errors.Is(err, domain.ErrInvalidChannel), errors.Is(err, domain.ErrMalformedRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrNotLeader):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, domain.ErrPublishFailed):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
