// Package outbox implements the claim/success/retry protocol over the
// outbox_events table.
package outbox

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/spec-kit/helpdesk-engine/internal/clock"
	"github.com/spec-kit/helpdesk-engine/internal/domain"
	"github.com/spec-kit/helpdesk-engine/internal/observability"
	"github.com/spec-kit/helpdesk-engine/internal/repository"
	apperrors "github.com/spec-kit/helpdesk-engine/pkg/util"
)

// Options tune retry and lease behavior.
type Options struct {
	// MaxRetryDelay caps the exponential backoff.
	MaxRetryDelay time.Duration
	// ClaimLease is written to next_retry_at at claim time so a crashed
	// dispatcher's claim becomes eligible again. Zero disables it.
	ClaimLease time.Duration
}

// Queue is the durable event queue.
type Queue struct {
	tx     repository.Transactor
	clock  clock.Clock
	opts   Options
	logger *zap.Logger
}

// NewQueue constructs a Queue.
func NewQueue(tx repository.Transactor, clk clock.Clock, opts Options, logger *zap.Logger) *Queue {
	if opts.MaxRetryDelay <= 0 {
		opts.MaxRetryDelay = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{tx: tx, clock: clk, opts: opts, logger: logger}
}

// Backoff returns min(max, 2^attempts minutes). Non-decreasing in attempts;
// doubling stops at max so large attempt counts never overflow.
func Backoff(attempts int, max time.Duration) time.Duration {
	delay := time.Minute
	for i := 0; i < attempts; i++ {
		if delay > max/2 {
			return max
		}
		delay *= 2
	}
	if delay > max {
		return max
	}
	return delay
}

// ClaimNext claims the oldest eligible event, or returns nil when none is
// eligible.
func (q *Queue) ClaimNext(ctx context.Context) (*domain.OutboxEvent, error) {
	ctx, span := otel.Tracer(observability.TracerName).Start(ctx, "outbox.claim")
	defer span.End()

	now := q.clock.Now()
	var lease *time.Time
	if q.opts.ClaimLease > 0 {
		until := now.Add(q.opts.ClaimLease)
		lease = &until
	}

	var claimed *domain.OutboxEvent
	err := q.tx.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		event, err := tx.Outbox().ClaimNext(ctx, now, lease)
		if err != nil {
			return err
		}
		claimed = event
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("claim outbox event: %w", err)
	}
	if claimed != nil {
		span.SetAttributes(
			attribute.Int64("outbox.event_id", claimed.ID),
			attribute.String("outbox.event_type", string(claimed.EventType)),
			attribute.Int("outbox.attempts", claimed.Attempts),
		)
	}
	return claimed, nil
}

// MarkSuccess records terminal delivery. Calling it twice is harmless.
func (q *Queue) MarkSuccess(ctx context.Context, id int64) error {
	now := q.clock.Now()
	err := q.tx.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		return tx.Outbox().MarkProcessed(ctx, id, now)
	})
	if err != nil {
		return apperrors.MapError(fmt.Errorf("mark outbox event %d processed: %w", id, err))
	}
	return nil
}

// MarkFailure defers the event by Backoff(attempts). Attempts are not
// incremented here; ClaimNext already counted this attempt.
func (q *Queue) MarkFailure(ctx context.Context, id int64, reason string) (time.Time, error) {
	now := q.clock.Now()
	var next time.Time
	err := q.tx.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		event, err := tx.Outbox().GetByID(ctx, id)
		if err != nil {
			return err
		}
		next = now.Add(Backoff(event.Attempts, q.opts.MaxRetryDelay))
		return tx.Outbox().ScheduleRetry(ctx, id, next, reason)
	})
	if err != nil {
		return time.Time{}, apperrors.MapError(fmt.Errorf("schedule outbox retry %d: %w", id, err))
	}
	q.logger.Debug("outbox event deferred",
		zap.Int64("event_id", id),
		zap.Time("next_retry_at", next),
		zap.String("reason", reason),
	)
	return next, nil
}

// ListStuck returns undelivered events with at least minAttempts claims.
func (q *Queue) ListStuck(ctx context.Context, minAttempts, limit int) ([]domain.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []domain.OutboxEvent
	err := q.tx.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		events, err = tx.Outbox().ListStuck(ctx, minAttempts, limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list stuck outbox events: %w", err)
	}
	return events, nil
}

// Requeue makes an undelivered event immediately eligible again.
func (q *Queue) Requeue(ctx context.Context, id int64) error {
	err := q.tx.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		return tx.Outbox().ResetRetry(ctx, id)
	})
	if err != nil {
		return apperrors.MapError(fmt.Errorf("requeue outbox event %d: %w", id, err))
	}
	q.logger.Info("outbox event requeued", zap.Int64("event_id", id))
	return nil
}
