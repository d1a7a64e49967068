package cleanup

import (
	"context"
	"time"

	"github.com/italolelis/resumable_transfer/internal/logctx"
)

// Sweeper removes expired resume state and reports the task ids it dropped.
type Sweeper interface {
	Sweep(ctx context.Context) ([]string, error)
}

// Run sweeps once immediately and then on every interval tick until ctx is done.
func Run(ctx context.Context, s Sweeper, interval time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	SweepExpired(ctx, s)

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down.")

			return
		case <-ticker.C:
			SweepExpired(ctx, s)
		}
	}
}

// SweepExpired runs a single sweep and logs its outcome.
func SweepExpired(ctx context.Context, s Sweeper) {
	logger := logctx.LoggerFromContext(ctx)

	removed, err := s.Sweep(ctx)
	if err != nil {
		logger.Error("failed to sweep expired resume records", "err", err)
	}

	for _, taskID := range removed {
		logger.Info("removed expired resume record", "task_id", taskID)
	}
}
