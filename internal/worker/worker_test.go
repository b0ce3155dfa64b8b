package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/helpdesk-engine/internal/config"
	"github.com/spec-kit/helpdesk-engine/internal/events"
	"github.com/spec-kit/helpdesk-engine/internal/persistence"
	"github.com/spec-kit/helpdesk-engine/internal/service"
)

type countingSweeper struct {
	calls atomic.Int32
	err   error
}

func (s *countingSweeper) Sweep(context.Context, service.SweepOptions) (service.SweepResult, error) {
	s.calls.Add(1)
	return service.SweepResult{}, s.err
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *persistence.Redis) {
	mr := miniredis.RunT(t)
	r := persistence.NewRedis(config.RedisConfig{Addr: mr.Addr()}, zap.NewNop())
	t.Cleanup(r.Close)
	return mr, r
}

func TestRunSweepHonorsRunLock(t *testing.T) {
	mr, r := newRedis(t)
	sweeper := &countingSweeper{}
	cfg := EscalationLoopConfig{Sweeper: sweeper, Locker: r, LockTTL: time.Minute, Logger: zap.NewNop()}

	require.NoError(t, mr.Set(EscalationLockKey, "other-instance"))
	runSweep(context.Background(), cfg)
	assert.Zero(t, sweeper.calls.Load())

	mr.Del(EscalationLockKey)
	runSweep(context.Background(), cfg)
	assert.EqualValues(t, 1, sweeper.calls.Load())
	assert.False(t, mr.Exists(EscalationLockKey), "lock released after the sweep")
}

func TestRunSweepReleasesLockOnError(t *testing.T) {
	mr, r := newRedis(t)
	sweeper := &countingSweeper{err: errors.New("db down")}
	runSweep(context.Background(), EscalationLoopConfig{Sweeper: sweeper, Locker: r, LockTTL: time.Minute, Logger: zap.NewNop()})
	assert.EqualValues(t, 1, sweeper.calls.Load())
	assert.False(t, mr.Exists(EscalationLockKey))
}

func TestRunEscalationLoopTicksUntilCancelled(t *testing.T) {
	sweeper := &countingSweeper{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunEscalationLoop(ctx, EscalationLoopConfig{Sweeper: sweeper, Interval: 5 * time.Millisecond})
		close(done)
	}()

	require.Eventually(t, func() bool { return sweeper.calls.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
}

type scriptedRunner struct {
	calls   atomic.Int32
	results []events.BatchResult
}

func (r *scriptedRunner) RunBatch(_ context.Context, _ int) (events.BatchResult, error) {
	n := int(r.calls.Add(1)) - 1
	if n < len(r.results) {
		return r.results[n], nil
	}
	return events.BatchResult{}, nil
}

func TestRunDispatcherLoopDrainsFullBatchesImmediately(t *testing.T) {
	runner := &scriptedRunner{results: []events.BatchResult{
		{Processed: 2, Succeeded: 2},
		{Processed: 2, Succeeded: 1, Failed: 1},
		{Processed: 1, Succeeded: 1},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		RunDispatcherLoop(ctx, DispatcherLoopConfig{Dispatcher: runner, BatchSize: 2, PollInterval: time.Hour})
		close(done)
	}()

	require.Eventually(t, func() bool { return runner.calls.Load() == 3 }, time.Second, time.Millisecond)
	// the partial third batch parks the loop on the poll interval
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 3, runner.calls.Load())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
}
