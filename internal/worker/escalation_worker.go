package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/helpdesk-engine/internal/service"
)

// EscalationLockKey guards the sweep so one instance runs it at a time.
const EscalationLockKey = "helpdesk:lock:escalation-sweep"

// Sweeper runs one escalation sweep.
type Sweeper interface {
	Sweep(ctx context.Context, opts service.SweepOptions) (service.SweepResult, error)
}

// EscalationLoopConfig configures RunEscalationLoop.
type EscalationLoopConfig struct {
	Sweeper  Sweeper
	Locker   Locker
	Interval time.Duration
	LockTTL  time.Duration
	Logger   *zap.Logger
}

// RunEscalationLoop sweeps immediately and then every Interval until ctx
// is done.
func RunEscalationLoop(ctx context.Context, cfg EscalationLoopConfig) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = cfg.Interval
	}
	cfg.Logger.Info("escalation worker started", zap.Duration("interval", cfg.Interval))

	runSweep(ctx, cfg)

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			cfg.Logger.Info("escalation worker stopped")
			return
		case <-ticker.C:
			runSweep(ctx, cfg)
		}
	}
}

func runSweep(ctx context.Context, cfg EscalationLoopConfig) {
	ran, err := withLock(ctx, cfg.Locker, EscalationLockKey, cfg.LockTTL, cfg.Logger, func(ctx context.Context) error {
		_, err := cfg.Sweeper.Sweep(ctx, service.SweepOptions{})
		return err
	})
	if err != nil {
		cfg.Logger.Error("escalation sweep failed", zap.Error(err))
		return
	}
	if !ran {
		cfg.Logger.Debug("escalation sweep skipped; lock held elsewhere")
	}
}
