package etcd

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strconv"

	"priority-dispatch/internal/ledger"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// LedgerSaveDir holds one key per queue: /dispatch/ledger/{channel}/{level}.
	LedgerSaveDir = KeyPrefix + "ledger/"
)

// LedgerRepository publishes ledger snapshots to etcd.
type LedgerRepository struct {
	client *clientv3.Client
	logger *slog.Logger
	tracer trace.Tracer
}

// NewLedgerRepository creates a new snapshot repository backed by etcd.
func NewLedgerRepository(client *clientv3.Client, logger *slog.Logger) *LedgerRepository {
	return &LedgerRepository{
		client: client,
		logger: logger.With("component", "etcd-ledger-repo"),
		tracer: otel.Tracer("priority-dispatch-etcd-repo"),
	}
}

// LedgerKey returns the etcd key of one ledger entry.
func LedgerKey(e ledger.Entry) string {
	return path.Join(LedgerSaveDir, string(e.Channel), string(e.Level))
}

// Store writes all entries in a single transaction.
func (r *LedgerRepository) Store(ctx context.Context, entries []ledger.Entry) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.StoreLedger")
	defer span.End()
	span.SetAttributes(attribute.Int("etcd.kv_count", len(entries)))

	ops := make([]clientv3.Op, 0, len(entries))
	for _, e := range entries {
		ops = append(ops, clientv3.OpPut(LedgerKey(e), strconv.FormatInt(e.Outstanding, 10)))
	}

	if _, err := r.client.Txn(ctx).Then(ops...).Commit(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put ledger snapshot to etcd")
		return fmt.Errorf("failed to store ledger snapshot in etcd: %w", err)
	}
	return nil
}
