package learning

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/abparts/troubleshoot/pkg/logger"
)

// Retrier periodically re-runs learning for terminal sessions that still
// have no outcome, e.g. after a crash or a failed background run.
type Retrier struct {
	engine    *Engine
	interval  time.Duration
	batchSize int
}

func NewRetrier(engine *Engine, interval time.Duration, batchSize int) *Retrier {
	if interval <= 0 {
		interval = time.Minute
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Retrier{engine: engine, interval: interval, batchSize: batchSize}
}

// Run sweeps until ctx is cancelled.
func (r *Retrier) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	logger.Info("Learning retrier started", zap.Duration("interval", r.interval))

	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Learning sweep failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			logger.Info("Learning retrier stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep processes one batch and returns how many outcomes it recorded.
func (r *Retrier) Sweep(ctx context.Context) (int, error) {
	ids, err := r.engine.db.ListSessionsAwaitingLearning(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}

	recorded := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return recorded, ctx.Err()
		}

		runCtx, cancel := context.WithTimeout(ctx, r.engine.timeout)
		_, err := r.engine.OnSessionTerminal(runCtx, id)
		cancel()

		if err != nil {
			if !errors.Is(err, ErrNoSteps) {
				logger.Warn("Learning retry failed", zap.String("session_id", id), zap.Error(err))
			}
			continue
		}
		recorded++
	}

	if recorded > 0 {
		logger.Info("Learning sweep recorded outcomes", zap.Int("count", recorded))
	}
	return recorded, nil
}
