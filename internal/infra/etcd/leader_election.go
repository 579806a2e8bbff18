package etcd

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"priority-dispatch/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

const (
	// LeaderElectionKey is the election prefix. The campaign value is the leader's advertised URL.
	LeaderElectionKey = KeyPrefix + "leader"
)

type etcdLeaderElectionManager struct {
	client       *clientv3.Client
	session      *concurrency.Session
	election     *concurrency.Election
	isLeader     bool
	mutex        sync.RWMutex
	nodeID       string
	advertiseURL string
	ttl          time.Duration
	logger       *slog.Logger
}

// NewEtcdLeaderElectionManager creates a manager for router leader election using etcd.
func NewEtcdLeaderElectionManager(client *clientv3.Client, nodeID, advertiseURL string, ttl time.Duration, logger *slog.Logger) domain.LeaderElectionManager {
	return &etcdLeaderElectionManager{
		client:       client,
		nodeID:       nodeID,
		advertiseURL: advertiseURL,
		ttl:          ttl,
		logger:       logger.With("component", "leader-election", "node_id", nodeID),
	}
}

func (m *etcdLeaderElectionManager) Campaign(ctx context.Context) (<-chan struct{}, error) {
	// The session lease expires if this node dies, which ends its leadership.
	session, err := concurrency.NewSession(m.client, concurrency.WithTTL(int(m.ttl.Seconds())), concurrency.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd session: %w", err)
	}
	election := concurrency.NewElection(session, LeaderElectionKey)

	if err := election.Campaign(ctx, m.advertiseURL); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("campaign failed: %w", err)
	}

	m.mutex.Lock()
	m.session = session
	m.election = election
	m.isLeader = true
	m.mutex.Unlock()

	m.logger.Info("successfully campaigned and became the leader", "advertise_url", m.advertiseURL)

	lost := make(chan struct{})
	go func() {
		<-session.Done()
		m.mutex.Lock()
		m.isLeader = false
		m.mutex.Unlock()
		close(lost)
	}()
	return lost, nil
}

func (m *etcdLeaderElectionManager) Resign(ctx context.Context) error {
	m.mutex.Lock()
	m.isLeader = false
	election, session := m.election, m.session
	m.election, m.session = nil, nil
	m.mutex.Unlock()

	if election == nil {
		return nil
	}
	m.logger.Info("resigning leadership")
	err := election.Resign(ctx)
	if cerr := session.Close(); err == nil {
		err = cerr
	}
	return err
}

func (m *etcdLeaderElectionManager) IsLeader() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.isLeader
}

// LeaderResolver tracks the URL of the elected router for completion reports.
type LeaderResolver struct {
	client *clientv3.Client
	logger *slog.Logger

	mu  sync.RWMutex
	url string
}

// NewLeaderResolver creates a resolver over the router election.
func NewLeaderResolver(client *clientv3.Client, logger *slog.Logger) *LeaderResolver {
	return &LeaderResolver{
		client: client,
		logger: logger.With("component", "leader-resolver"),
	}
}

// LeaderURL returns the cached leader URL, reading etcd when nothing is cached.
func (r *LeaderResolver) LeaderURL(ctx context.Context) (string, error) {
	r.mu.RLock()
	url := r.url
	r.mu.RUnlock()
	if url != "" {
		return url, nil
	}
	return r.refresh(ctx)
}

// Watch keeps the cached URL current until ctx ends.
// This is a blocking call and should be run in a goroutine.
func (r *LeaderResolver) Watch(ctx context.Context) {
	if _, err := r.refresh(ctx); err != nil {
		r.logger.Warn("no router leader yet", "error", err)
	}

	watchChan := r.client.Watch(ctx, LeaderElectionKey+"/", clientv3.WithPrefix())
	for watchResp := range watchChan {
		if len(watchResp.Events) == 0 {
			continue
		}
		if _, err := r.refresh(ctx); err != nil {
			r.logger.Warn("router leader unavailable", "error", err)
		}
	}
	r.logger.Info("stopped watching router leader")
}

func (r *LeaderResolver) refresh(ctx context.Context) (string, error) {
	// The oldest candidate key under the election prefix is the leader.
	resp, err := r.client.Get(ctx, LeaderElectionKey+"/", clientv3.WithFirstCreate()...)
	if err != nil {
		return "", fmt.Errorf("failed to read router leader: %w", err)
	}

	url := ""
	if len(resp.Kvs) > 0 {
		url = string(resp.Kvs[0].Value)
	}

	r.mu.Lock()
	changed := url != r.url
	r.url = url
	r.mu.Unlock()

	if url == "" {
		return "", domain.ErrNotLeader
	}
	if changed {
		r.logger.Info("router leader resolved", "url", url)
	}
	return url, nil
}
