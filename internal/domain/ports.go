// internal/domain/ports.go
package domain

import "context"

// Publisher hands a message to the broker and returns once the broker confirmed it.
type Publisher interface {
	Publish(ctx context.Context, msg *Message) error
}

// Invoker calls the downstream compute endpoint for a level.
type Invoker interface {
	Invoke(ctx context.Context, level Level, body []byte) (statusCode int, err error)
}

// CompletionReporter releases one back-pressure credit for a queue key.
type CompletionReporter interface {
	ReportCompletion(ctx context.Context, key QueueKey) (*Completion, error)
}

// DepthReader reports the number of ready messages in a queue.
type DepthReader interface {
	QueueDepth(ctx context.Context, key QueueKey) (int, error)
}
