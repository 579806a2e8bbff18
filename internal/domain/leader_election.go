package domain

import "context"

// LeaderElectionManager elects the single active router. Only the leader owns an
// authoritative ledger, so standbys refuse triggers.
type LeaderElectionManager interface {
	// Campaign blocks until this node leads; the returned channel closes when leadership is lost.
	Campaign(ctx context.Context) (<-chan struct{}, error)
	Resign(ctx context.Context) error
	IsLeader() bool
}

// LeaderResolver returns the base URL of the router currently holding leadership.
type LeaderResolver interface {
	LeaderURL(ctx context.Context) (string, error)
}
