package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeElection struct {
	mu        sync.Mutex
	failFirst bool
	campaigns int
	lost      chan struct{}
	resigned  atomic.Bool
}

func (f *fakeElection) Campaign(ctx context.Context) (<-chan struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.campaigns++
	if f.failFirst && f.campaigns == 1 {
		return nil, errors.New("etcd unavailable")
	}
	if f.campaigns > 2 {
		f.mu.Unlock()
		<-ctx.Done()
		f.mu.Lock()
		return nil, ctx.Err()
	}
	f.lost = make(chan struct{})
	return f.lost, nil
}

func (f *fakeElection) Resign(context.Context) error {
	f.resigned.Store(true)
	return nil
}

func (f *fakeElection) IsLeader() bool { return false }

func (f *fakeElection) loseLeadership() {
	f.mu.Lock()
	defer f.mu.Unlock()
	close(f.lost)
}

func (f *fakeElection) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.campaigns
}

func TestLeadershipService_RecampaignsAfterLoss(t *testing.T) {
	election := &fakeElection{}
	var elected atomic.Int32
	svc := NewLeadershipService(election, func(context.Context) { elected.Add(1) }, "node-1", slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	require.Eventually(t, func() bool { return elected.Load() == 1 }, time.Second, 5*time.Millisecond)
	election.loseLeadership()
	require.Eventually(t, func() bool { return elected.Load() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.True(t, election.resigned.Load())
}

func TestLeadershipService_RetriesFailedCampaign(t *testing.T) {
	election := &fakeElection{failFirst: true}
	var elected atomic.Int32
	svc := NewLeadershipService(election, func(context.Context) { elected.Add(1) }, "node-2", slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.retryDelay = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = svc.Start(ctx) }()

	require.Eventually(t, func() bool { return elected.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, election.count())
}
