package etcd

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// DispatcherDiscovery tracks the dispatchers registered in etcd.
type DispatcherDiscovery struct {
	client      *clientv3.Client
	logger      *slog.Logger
	dispatchers map[string]DispatcherInfo
	mu          sync.RWMutex
}

// NewDispatcherDiscovery creates a new discovery service.
func NewDispatcherDiscovery(client *clientv3.Client, logger *slog.Logger) *DispatcherDiscovery {
	return &DispatcherDiscovery{
		client:      client,
		logger:      logger.With("component", "dispatcher-discovery"),
		dispatchers: make(map[string]DispatcherInfo),
	}
}

// Watch loads the current registrations and follows changes until ctx ends.
// This is a blocking call and should be run in a goroutine.
func (d *DispatcherDiscovery) Watch(ctx context.Context) {
	d.logger.Info("starting to watch for dispatchers")

	rev, err := d.loadInitial(ctx)
	if err != nil {
		d.logger.Error("failed to perform initial dispatcher load", "error", err)
	}

	watchChan := d.client.Watch(ctx, DispatcherRegistryPrefix, watchOptions(rev)...)
	for watchResp := range watchChan {
		for _, event := range watchResp.Events {
			nodeID := strings.TrimPrefix(string(event.Kv.Key), DispatcherRegistryPrefix)

			d.mu.Lock()
			switch event.Type {
			case clientv3.EventTypePut:
				info, ok := d.decode(event.Kv.Value)
				if !ok {
					d.mu.Unlock()
					continue
				}
				if _, known := d.dispatchers[nodeID]; !known {
					d.logger.Info("new dispatcher discovered", "node_id", nodeID, "workers", info.Workers)
				}
				d.dispatchers[nodeID] = info
			case clientv3.EventTypeDelete:
				d.logger.Info("dispatcher deregistered", "node_id", nodeID)
				delete(d.dispatchers, nodeID)
			}
			d.mu.Unlock()
		}
	}
	d.logger.Info("stopped watching for dispatchers")
}

// watchOptions follows the registry prefix from just after rev, the revision of the
// initial load, so no change between the load and the watch is missed. A zero rev
// means the load failed and the watch starts at the current revision.
func watchOptions(rev int64) []clientv3.OpOption {
	opts := []clientv3.OpOption{clientv3.WithPrefix()}
	if rev > 0 {
		opts = append(opts, clientv3.WithRev(rev+1))
	}
	return opts
}

// loadInitial reads the current registrations and returns the store revision they were read at.
func (d *DispatcherDiscovery) loadInitial(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := d.client.Get(ctx, DispatcherRegistryPrefix, clientv3.WithPrefix())
	if err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, kv := range resp.Kvs {
		info, ok := d.decode(kv.Value)
		if !ok {
			continue
		}
		nodeID := strings.TrimPrefix(string(kv.Key), DispatcherRegistryPrefix)
		d.logger.Info("found existing dispatcher", "node_id", nodeID)
		d.dispatchers[nodeID] = info
	}
	return resp.Header.Revision, nil
}

func (d *DispatcherDiscovery) decode(value []byte) (DispatcherInfo, bool) {
	var info DispatcherInfo
	if err := json.Unmarshal(value, &info); err != nil {
		d.logger.Warn("invalid dispatcher registration", "error", err)
		return DispatcherInfo{}, false
	}
	return info, true
}

// Dispatchers returns a snapshot of the registered dispatchers.
func (d *DispatcherDiscovery) Dispatchers() []DispatcherInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]DispatcherInfo, 0, len(d.dispatchers))
	for _, info := range d.dispatchers {
		out = append(out, info)
	}
	return out
}
