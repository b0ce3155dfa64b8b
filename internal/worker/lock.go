package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/helpdesk-engine/internal/persistence"
)

// Locker hands out TTL-bounded run locks shared across instances.
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error)
}

// withLock runs fn while holding key. It reports false without running fn
// when another instance holds the lock. A nil locker always runs fn.
func withLock(ctx context.Context, locker Locker, key string, ttl time.Duration, logger *zap.Logger, fn func(context.Context) error) (bool, error) {
	if locker == nil {
		return true, fn(ctx)
	}
	release, err := locker.AcquireLock(ctx, key, ttl)
	if errors.Is(err, persistence.ErrLockHeld) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer func() {
		// release with a fresh context so shutdown still frees the lock
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := release(releaseCtx); err != nil {
			logger.Warn("release run lock", zap.String("key", key), zap.Error(err))
		}
	}()
	return true, fn(ctx)
}
