package usecase

import (
	"context"
	"log/slog"
	"time"

	"priority-dispatch/internal/domain"
	"priority-dispatch/internal/metrics"
)

// LeadershipService keeps a router campaigning for leadership and runs
// onElected every time it becomes the leader.
type LeadershipService struct {
	leaderManager domain.LeaderElectionManager
	onElected     func(ctx context.Context)
	nodeID        string
	retryDelay    time.Duration
	logger        *slog.Logger
}

// NewLeadershipService creates the campaign loop for nodeID.
func NewLeadershipService(leaderManager domain.LeaderElectionManager, onElected func(ctx context.Context), nodeID string, logger *slog.Logger) *LeadershipService {
	return &LeadershipService{
		leaderManager: leaderManager,
		onElected:     onElected,
		nodeID:        nodeID,
		retryDelay:    5 * time.Second,
		logger:        logger.With("component", "leadership-service", "node_id", nodeID),
	}
}

// Start campaigns until ctx is cancelled, then resigns.
func (s *LeadershipService) Start(ctx context.Context) error {
	s.logger.Info("leadership service starting")
	metrics.IsLeader.WithLabelValues(s.nodeID).Set(0)

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		default:
		}

		s.logger.Info("campaigning for leadership")
		lost, err := s.leaderManager.Campaign(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.shutdown()
				return ctx.Err()
			}
			s.logger.Error("error during leadership campaign, retrying", "delay", s.retryDelay, "error", err)
			select {
			case <-time.After(s.retryDelay):
			case <-ctx.Done():
			}
			continue
		}

		s.logger.Info("became the leader")
		metrics.IsLeader.WithLabelValues(s.nodeID).Set(1)
		if s.onElected != nil {
			s.onElected(ctx)
		}

		select {
		case <-lost:
			s.logger.Warn("leadership lost")
			metrics.IsLeader.WithLabelValues(s.nodeID).Set(0)
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		}
	}
}

func (s *LeadershipService) shutdown() {
	metrics.IsLeader.WithLabelValues(s.nodeID).Set(0)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.leaderManager.Resign(ctx); err != nil {
		s.logger.Error("failed to resign leadership", "error", err)
	}
	s.logger.Info("leadership service stopped")
}
