package etcd

import (
	"io"
	"log/slog"
	"testing"

	"priority-dispatch/internal/ledger"

	"github.com/stretchr/testify/assert"
	clientv3 "go.etcd.io/etcd/client/v3"
)

func TestLedgerKey(t *testing.T) {
	key := LedgerKey(ledger.Entry{Channel: "channel1", Level: "low", Outstanding: 4})
	assert.Equal(t, "/dispatch/ledger/channel1/low", key)
}

func TestDispatcherDiscovery_Decode(t *testing.T) {
	d := NewDispatcherDiscovery(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	info, ok := d.decode([]byte(`{"node_id":"a1","workers":{"high":4,"low":1},"failure_policy":"retry"}`))
	assert.True(t, ok)
	assert.Equal(t, "a1", info.NodeID)
	assert.Equal(t, map[string]int{"high": 4, "low": 1}, info.Workers)

	_, ok = d.decode([]byte("not json"))
	assert.False(t, ok)
}

func TestWatchOptionsResumeAfterInitialLoad(t *testing.T) {
	prefixEnd := clientv3.GetPrefixRangeEnd(DispatcherRegistryPrefix)

	op := clientv3.OpGet(DispatcherRegistryPrefix, watchOptions(41)...)
	assert.Equal(t, prefixEnd, string(op.RangeBytes()))
	assert.Equal(t, int64(42), op.Rev())

	op = clientv3.OpGet(DispatcherRegistryPrefix, watchOptions(0)...)
	assert.Equal(t, prefixEnd, string(op.RangeBytes()))
	assert.Zero(t, op.Rev())
}
