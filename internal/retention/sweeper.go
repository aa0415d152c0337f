// Package retention deletes conversations that have been idle too long.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/studyhub/internal/shared"
	"github.com/ashureev/studyhub/internal/store"
)

const (
	sweepInterval  = 5 * time.Minute
	sweepAttempts  = 3
	sweepBaseDelay = 100 * time.Millisecond
)

// Sweeper periodically removes conversations whose last activity is older
// than maxIdle.
type Sweeper struct {
	repo     store.Repository
	maxIdle  time.Duration
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a sweeper. A nil logger uses slog.Default.
func NewSweeper(repo store.Repository, maxIdle time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	interval := sweepInterval
	if maxIdle > 0 && maxIdle < interval {
		interval = maxIdle
	}
	return &Sweeper{repo: repo, maxIdle: maxIdle, interval: interval, logger: logger}
}

// Run sweeps once per interval until ctx ends.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("Retention sweeper started", "interval", s.interval, "max_idle", s.maxIdle)

	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			s.logger.Info("Retention sweeper shutting down", "reason", ctx.Err())
			return nil
		}
	}
}

// Sweep runs one pass and returns how many conversations were deleted.
func (s *Sweeper) Sweep(ctx context.Context) int64 {
	var deleted int64
	err := shared.RetryOnConflict(ctx, sweepAttempts, sweepBaseDelay, func() error {
		n, err := s.repo.DeleteStaleConversations(ctx, s.maxIdle)
		deleted = n
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			s.logger.Debug("Retention sweep interrupted", "error", err)
			return 0
		}
		s.logger.Error("Retention sweep failed", "error", err)
		return 0
	}
	if deleted > 0 {
		s.logger.Info("Retention sweep removed stale conversations", "count", deleted)
	}
	return deleted
}
