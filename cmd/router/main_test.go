package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"priority-dispatch/internal/domain"
	"priority-dispatch/internal/infra/rabbitmq"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// publishingDrainer stands in for the HTTP server: a trigger is still being
// handled while Shutdown waits for it.
type publishingDrainer struct {
	publisher *rabbitmq.Publisher
	err       error
}

func (d *publishingDrainer) Shutdown(context.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg := domain.NewMessage("m1", domain.QueueKey{Channel: "channel0", Level: "high"}, time.Now())
	d.err = d.publisher.Publish(ctx, msg)
	return nil
}

func TestDrainThenStopPublisher(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	publisher := rabbitmq.NewPublisher(rabbitmq.NewConnectionManager("amqp://localhost:5672/"), "dispatch")

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	publisherCtx, stopPublisher := context.WithCancel(context.Background())
	defer stopPublisher()
	publisherDone := make(chan struct{})
	go func() {
		defer close(publisherDone)
		publisher.Run(publisherCtx)
	}()

	// The shutdown signal cancels rootCtx before the drain starts.
	cancelRoot()
	<-rootCtx.Done()

	api := &publishingDrainer{publisher: publisher}
	drainThenStopPublisher(context.Background(), api, stopPublisher, publisherDone, logger)

	// The in-flight publish reached the runner; it failed only because no broker is connected.
	require.Error(t, api.err)
	assert.ErrorIs(t, api.err, rabbitmq.ErrConnectionNotReady)
	assert.NotErrorIs(t, api.err, rabbitmq.ErrPublisherClosed)

	select {
	case <-publisherDone:
	default:
		t.Fatal("publisher runner still running after drain")
	}

	msg := domain.NewMessage("m2", domain.QueueKey{Channel: "channel0", Level: "low"}, time.Now())
	assert.ErrorIs(t, publisher.Publish(context.Background(), msg), rabbitmq.ErrPublisherClosed)
}
