// internal/domain/message.go
package domain

import (
	"fmt"
	"strconv"
	"time"
)

const (
	// HeaderSendTimestamp carries the publish time in float seconds since the epoch.
	HeaderSendTimestamp = "send_ts"
	// HeaderAttempt counts redeliveries made by the retry failure policy. Absent means 0.
	HeaderAttempt = "x-attempt"
)

// Message is one unit of work on its way through the broker.
type Message struct {
	ID      string
	Key     QueueKey
	Body    []byte
	Headers map[string]any
	SentAt  time.Time
}

// NewMessage builds a message for key with the level tag as body and the send timestamp header set.
func NewMessage(id string, key QueueKey, sentAt time.Time) *Message {
	return &Message{
		ID:      id,
		Key:     key,
		Body:    []byte(key.Level),
		Headers: map[string]any{HeaderSendTimestamp: EpochSeconds(sentAt)},
		SentAt:  sentAt,
	}
}

// Assignment is the result of a successful Trigger.
type Assignment struct {
	Level      Level   `json:"level"`
	Channel    Channel `json:"channel"`
	RoutingKey string  `json:"routing_key"`
	TraceID    string  `json:"trace_id,omitempty"`
}

// CompletionStatus describes the outcome of a completion report.
type CompletionStatus string

const (
	CompletionReleased    CompletionStatus = "released"
	CompletionAlreadyZero CompletionStatus = "already_zero"
)

// Completion is the result of ReportCompletion. AlreadyZero is a status, not an error.
type Completion struct {
	Key       QueueKey         `json:"-"`
	Status    CompletionStatus `json:"status"`
	Remaining int64            `json:"remaining"`
}

// EpochSeconds converts t to floating point seconds since the epoch.
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// FromEpochSeconds is the inverse of EpochSeconds.
func FromEpochSeconds(s float64) time.Time {
	return time.Unix(0, int64(s*float64(time.Second)))
}

// SendTimestamp reads the send_ts header. Brokers and clients may normalize the
// numeric value into another numeric type or into text, so all of them are accepted.
func SendTimestamp(headers map[string]any) (time.Time, error) {
	raw, ok := headers[HeaderSendTimestamp]
	if !ok {
		return time.Time{}, fmt.Errorf("missing %s header", HeaderSendTimestamp)
	}
	var secs float64
	switch v := raw.(type) {
	case float64:
		secs = v
	case float32:
		secs = float64(v)
	case int64:
		secs = float64(v)
	case int32:
		secs = float64(v)
	case int:
		secs = float64(v)
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid %s header: %w", HeaderSendTimestamp, err)
		}
		secs = f
	case []byte:
		f, err := strconv.ParseFloat(string(v), 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid %s header: %w", HeaderSendTimestamp, err)
		}
		secs = f
	default:
		return time.Time{}, fmt.Errorf("unsupported %s header type %T", HeaderSendTimestamp, raw)
	}
	return FromEpochSeconds(secs), nil
}

// Attempt reads the x-attempt header, defaulting to 0.
func Attempt(headers map[string]any) int {
	switch v := headers[HeaderAttempt].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}
