package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	// DispatcherRegistryPrefix is where dispatchers register themselves.
	DispatcherRegistryPrefix = KeyPrefix + "dispatchers/"
)

// DispatcherInfo is the value a dispatcher registers.
type DispatcherInfo struct {
	NodeID  string         `json:"node_id"`
	Workers map[string]int `json:"workers"`
	Policy  string         `json:"failure_policy"`
	Started time.Time      `json:"started"`
}

// Registry handles the registration of a dispatcher in etcd.
type Registry struct {
	client  *clientv3.Client
	logger  *slog.Logger
	leaseID clientv3.LeaseID
	key     string
}

// NewRegistry creates a new dispatcher registry.
func NewRegistry(client *clientv3.Client, logger *slog.Logger) *Registry {
	return &Registry{
		client: client,
		logger: logger.With("component", "dispatcher-registry"),
	}
}

// Register puts info under a lease with ttl and keeps the lease alive until Deregister.
func (r *Registry) Register(ctx context.Context, info DispatcherInfo, ttl time.Duration) error {
	r.key = DispatcherRegistryPrefix + info.NodeID

	value, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal dispatcher info: %w", err)
	}

	leaseResp, err := r.client.Grant(ctx, int64(ttl.Seconds()))
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}
	r.leaseID = leaseResp.ID

	if _, err := r.client.Put(ctx, r.key, string(value), clientv3.WithLease(r.leaseID)); err != nil {
		return fmt.Errorf("failed to put dispatcher registration key: %w", err)
	}

	keepAliveCh, err := r.client.KeepAlive(context.Background(), r.leaseID)
	if err != nil {
		return fmt.Errorf("failed to start keep-alive: %w", err)
	}

	go func() {
		for ka := range keepAliveCh {
			r.logger.Debug("lease keep-alive refreshed", "lease_id", ka.ID, "ttl", ka.TTL)
		}
		// Closed once the lease is revoked or expired.
		r.logger.Warn("keep-alive channel closed, dispatcher registration may have expired")
	}()

	r.logger.Info("dispatcher registered", "key", r.key)
	return nil
}

// Deregister revokes the lease, which deletes the registration key.
func (r *Registry) Deregister(ctx context.Context) error {
	if r.leaseID == 0 {
		return nil
	}
	r.logger.Info("deregistering dispatcher", "key", r.key)
	if _, err := r.client.Revoke(ctx, r.leaseID); err != nil {
		return fmt.Errorf("failed to revoke lease: %w", err)
	}
	return nil
}
