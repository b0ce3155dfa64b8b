package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/helpdesk-engine/internal/events"
)

// BatchRunner delivers one bounded batch of outbox events.
type BatchRunner interface {
	RunBatch(ctx context.Context, maxEvents int) (events.BatchResult, error)
}

// DispatcherLoopConfig configures RunDispatcherLoop.
type DispatcherLoopConfig struct {
	Dispatcher   BatchRunner
	BatchSize    int
	PollInterval time.Duration
	Logger       *zap.Logger
}

// RunDispatcherLoop drains the outbox until ctx is done. A full batch is
// followed immediately by another; otherwise the loop waits PollInterval.
// Several instances may run at once since claims never overlap.
func RunDispatcherLoop(ctx context.Context, cfg DispatcherLoopConfig) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	cfg.Logger.Info("dispatcher worker started",
		zap.Int("batch_size", cfg.BatchSize),
		zap.Duration("poll_interval", cfg.PollInterval),
	)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			cfg.Logger.Info("dispatcher worker stopped")
			return
		case <-timer.C:
		}

		wait := cfg.PollInterval
		result, err := cfg.Dispatcher.RunBatch(ctx, cfg.BatchSize)
		switch {
		case err != nil:
			cfg.Logger.Error("outbox batch failed", zap.Error(err))
		case result.Processed > 0:
			cfg.Logger.Info("outbox batch delivered",
				zap.Int("processed", result.Processed),
				zap.Int("succeeded", result.Succeeded),
				zap.Int("failed", result.Failed),
			)
			if result.Processed >= cfg.BatchSize {
				wait = 0
			}
		}
		timer.Reset(wait)
	}
}
