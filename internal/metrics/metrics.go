// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HttpRequestsTotal counts HTTP requests handled by the router.
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of http requests handled by the service.",
		},
		[]string{"path", "method", "code"},
	)

	// LedgerOutstanding mirrors the ledger on every snapshot.
	LedgerOutstanding = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatch_ledger_outstanding",
			Help: "Messages published but not yet completion-reported, per queue.",
		},
		[]string{"channel", "level"},
	)

	// MessagesPublishedTotal counts publish attempts by outcome (confirmed/failed).
	MessagesPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_messages_published_total",
			Help: "Total number of messages published to the broker.",
		},
		[]string{"channel", "level", "status"},
	)

	// CompletionsTotal counts completion reports by result (released/already_zero).
	CompletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_completions_total",
			Help: "Total number of completion reports received by the router.",
		},
		[]string{"channel", "level", "result"},
	)

	// InvocationsTotal counts downstream compute calls by outcome.
	InvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_invocations_total",
			Help: "Total number of downstream compute invocations.",
		},
		[]string{"level", "status"},
	)

	// QueueLatencySeconds is the time a message spent between publish and consume.
	QueueLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_queue_latency_seconds",
			Help:    "Time between publish and consume.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		},
		[]string{"level"},
	)

	// InvocationDurationSeconds is the wall time of downstream compute calls.
	InvocationDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_invocation_duration_seconds",
			Help:    "Duration of downstream compute invocations.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"level"},
	)

	// NodeUseScore is the last utilization score read from the utilization agent.
	NodeUseScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatch_node_use_score",
			Help: "USE score per node as reported by the utilization agent.",
		},
		[]string{"instance"},
	)

	// DispatchersActive is the number of dispatchers registered in etcd.
	DispatchersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_dispatchers_active",
			Help: "Number of dispatcher processes currently registered.",
		},
	)

	// IsLeader marks whether this router currently owns the ledger.
	IsLeader = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "is_leader",
			Help: "Is this node currently the leader. 1 if leader, 0 otherwise.",
		},
		[]string{"node_id"},
	)
)
