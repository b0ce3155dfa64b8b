package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/spec-kit/helpdesk-engine/internal/domain"
	"github.com/spec-kit/helpdesk-engine/internal/observability"
)

// EventHandler delivers one outbox event. It must tolerate redelivery.
type EventHandler func(context.Context, *domain.OutboxEvent) error

// Queue is the subset of the outbox the dispatcher drives.
type Queue interface {
	ClaimNext(ctx context.Context) (*domain.OutboxEvent, error)
	MarkSuccess(ctx context.Context, id int64) error
	MarkFailure(ctx context.Context, id int64, reason string) (time.Time, error)
}

// ErrUnknownEventType is reported for events with no registered handler.
var ErrUnknownEventType = errors.New("no handler registered for event type")

// ErrHandlerTimeout is reported when a handler outlives its deadline.
var ErrHandlerTimeout = errors.New("handler timed out")

// BatchResult summarizes one RunBatch call.
type BatchResult struct {
	Processed int             `json:"processed"`
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
	Errors    []DispatchError `json:"errors,omitempty"`
}

// DispatchError records a failed delivery within a batch.
type DispatchError struct {
	EventID   int64            `json:"eventId"`
	EventType domain.EventType `json:"eventType"`
	Error     string           `json:"error"`
}

// Dispatcher routes claimed outbox events to handlers by type.
type Dispatcher struct {
	queue   Queue
	timeout time.Duration
	logger  *zap.Logger
	metrics *observability.Metrics

	mu       sync.RWMutex
	handlers map[domain.EventType]EventHandler
}

// NewDispatcher creates a dispatcher. timeout bounds each handler call;
// zero means no bound beyond ctx.
func NewDispatcher(queue Queue, timeout time.Duration, logger *zap.Logger, metrics *observability.Metrics) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:    queue,
		timeout:  timeout,
		logger:   logger,
		metrics:  metrics,
		handlers: make(map[domain.EventType]EventHandler),
	}
}

// Subscribe registers the handler for eventType, replacing any previous one.
func (d *Dispatcher) Subscribe(eventType domain.EventType, handler EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[eventType] = handler
}

func (d *Dispatcher) handler(eventType domain.EventType) (EventHandler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[eventType]
	return h, ok
}

// RunBatch claims and delivers up to maxEvents events, stopping early when
// the queue is empty or ctx is done. Delivery failures are recorded on the
// outbox and summarized; only queue errors are returned.
func (d *Dispatcher) RunBatch(ctx context.Context, maxEvents int) (BatchResult, error) {
	var result BatchResult
	for result.Processed < maxEvents {
		if err := ctx.Err(); err != nil {
			return result, nil
		}
		event, err := d.queue.ClaimNext(ctx)
		if err != nil {
			return result, err
		}
		if event == nil {
			break
		}
		result.Processed++

		if dispatchErr := d.dispatch(ctx, event); dispatchErr != nil {
			result.Failed++
			result.Errors = append(result.Errors, DispatchError{
				EventID:   event.ID,
				EventType: event.EventType,
				Error:     dispatchErr.Error(),
			})
			if _, err := d.queue.MarkFailure(ctx, event.ID, dispatchErr.Error()); err != nil {
				return result, fmt.Errorf("mark event %d failed: %w", event.ID, err)
			}
			continue
		}

		result.Succeeded++
		if err := d.queue.MarkSuccess(ctx, event.ID); err != nil {
			return result, fmt.Errorf("mark event %d processed: %w", event.ID, err)
		}
	}
	return result, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, event *domain.OutboxEvent) error {
	ctx, span := otel.Tracer(observability.TracerName).Start(ctx, "outbox.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("outbox.event_id", event.ID),
		attribute.String("outbox.event_type", string(event.EventType)),
		attribute.Int("outbox.attempts", event.Attempts),
	)

	start := time.Now()
	err := d.invoke(ctx, event)
	outcome := "success"
	if err != nil {
		outcome = "failure"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.logger.Warn("outbox delivery failed",
			zap.Int64("event_id", event.ID),
			zap.String("event_type", string(event.EventType)),
			zap.Int("attempts", event.Attempts),
			zap.Error(err),
		)
	}
	d.metrics.RecordDispatch(string(event.EventType), outcome, time.Since(start))
	return err
}

// invoke runs the handler on its own goroutine so a handler that ignores
// ctx still cannot hold the loop past the timeout.
func (d *Dispatcher) invoke(ctx context.Context, event *domain.OutboxEvent) error {
	h, ok := d.handler(event.EventType)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEventType, event.EventType)
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("handler panic: %v", p)
			}
		}()
		done <- h(ctx, event)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrHandlerTimeout
		}
		return ctx.Err()
	}
}
