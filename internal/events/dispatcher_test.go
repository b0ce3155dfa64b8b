package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/spec-kit/helpdesk-engine/internal/clock"
	"github.com/spec-kit/helpdesk-engine/internal/domain"
	"github.com/spec-kit/helpdesk-engine/internal/observability"
	"github.com/spec-kit/helpdesk-engine/internal/outbox"
	"github.com/spec-kit/helpdesk-engine/internal/testutil/memstore"
)

var epoch = time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC)

func setup(t *testing.T, timeout time.Duration) (*Dispatcher, *memstore.Store, *clock.FakeClock) {
	store := memstore.New()
	clk := clock.Fake(epoch)
	q := outbox.NewQueue(store, clk, outbox.Options{MaxRetryDelay: time.Hour}, zaptest.NewLogger(t))
	return NewDispatcher(q, timeout, zaptest.NewLogger(t), observability.NewMetrics()), store, clk
}

func enqueue(t *testing.T, store *memstore.Store, eventType domain.EventType, ticketID int64) {
	payload := TicketStatusUpdatedPayload{
		Header:    NewHeader(ticketID, epoch),
		OldStatus: domain.TicketStatusOpen,
		NewStatus: domain.TicketStatusInProgress,
	}
	event, err := NewOutboxEvent(eventType, payload, epoch)
	require.NoError(t, err)
	store.SeedEvent(*event)
}

func TestRunBatchRoutesByTypeInOrder(t *testing.T) {
	d, store, _ := setup(t, time.Second)
	enqueue(t, store, domain.EventTicketStatusUpdated, 1)
	enqueue(t, store, domain.EventTicketCreated, 2)
	enqueue(t, store, domain.EventTicketStatusUpdated, 3)

	var seen []int64
	record := func(_ context.Context, e *domain.OutboxEvent) error {
		p, err := Decode[TicketStatusUpdatedPayload](e)
		if err != nil {
			return err
		}
		seen = append(seen, p.TicketID)
		return nil
	}
	d.Subscribe(domain.EventTicketStatusUpdated, record)
	d.Subscribe(domain.EventTicketCreated, record)

	result, err := d.RunBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Processed: 3, Succeeded: 3}, result)
	assert.Equal(t, []int64{1, 2, 3}, seen)
	for _, e := range store.Events() {
		assert.NotNil(t, e.ProcessedAt)
	}
}

func TestRunBatchStopsAtMax(t *testing.T) {
	d, store, _ := setup(t, time.Second)
	for i := int64(1); i <= 5; i++ {
		enqueue(t, store, domain.EventTicketStatusUpdated, i)
	}
	d.Subscribe(domain.EventTicketStatusUpdated, func(context.Context, *domain.OutboxEvent) error { return nil })

	result, err := d.RunBatch(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)
	assert.Nil(t, store.Event(3).ProcessedAt)
}

func TestRunBatchUnknownTypeDoesNotStallQueue(t *testing.T) {
	d, store, _ := setup(t, time.Second)
	enqueue(t, store, domain.EventType("ticket.archived"), 1)
	enqueue(t, store, domain.EventTicketStatusUpdated, 2)
	d.Subscribe(domain.EventTicketStatusUpdated, func(context.Context, *domain.OutboxEvent) error { return nil })

	result, err := d.RunBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Succeeded)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, int64(1), result.Errors[0].EventID)
	assert.Contains(t, result.Errors[0].Error, ErrUnknownEventType.Error())

	unknown := store.Event(1)
	assert.Nil(t, unknown.ProcessedAt)
	require.NotNil(t, unknown.NextRetryAt)
	assert.Equal(t, epoch.Add(2*time.Minute), *unknown.NextRetryAt)
	assert.NotNil(t, store.Event(2).ProcessedAt)
}

func TestRunBatchLongFailingEventWaitsFullRetryDelay(t *testing.T) {
	d, store, _ := setup(t, time.Second)
	event, err := NewOutboxEvent(domain.EventType("ticket.archived"), TicketStatusUpdatedPayload{Header: NewHeader(1, epoch)}, epoch)
	require.NoError(t, err)
	event.Attempts = 40
	store.SeedEvent(*event)
	enqueue(t, store, domain.EventTicketStatusUpdated, 2)
	d.Subscribe(domain.EventTicketStatusUpdated, func(context.Context, *domain.OutboxEvent) error { return nil })

	result, err := d.RunBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 1, result.Failed)

	stuck := store.Event(1)
	assert.Equal(t, 41, stuck.Attempts)
	require.NotNil(t, stuck.NextRetryAt)
	assert.Equal(t, epoch.Add(time.Hour), *stuck.NextRetryAt)
	assert.NotNil(t, store.Event(2).ProcessedAt)
}

func TestRunBatchHandlerErrorAndPanicAreFailures(t *testing.T) {
	d, store, _ := setup(t, time.Second)
	enqueue(t, store, domain.EventTicketCreated, 1)
	enqueue(t, store, domain.EventTicketEscalated, 2)
	d.Subscribe(domain.EventTicketCreated, func(context.Context, *domain.OutboxEvent) error {
		return errors.New("smtp 421")
	})
	d.Subscribe(domain.EventTicketEscalated, func(context.Context, *domain.OutboxEvent) error {
		panic("nil thread")
	})

	result, err := d.RunBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Failed)
	assert.Equal(t, "smtp 421", *store.Event(1).LastError)
	assert.Contains(t, *store.Event(2).LastError, "handler panic")
}

func TestRunBatchTimesOutSlowHandler(t *testing.T) {
	d, store, _ := setup(t, 20*time.Millisecond)
	enqueue(t, store, domain.EventTicketCreated, 1)

	release := make(chan struct{})
	defer close(release)
	d.Subscribe(domain.EventTicketCreated, func(context.Context, *domain.OutboxEvent) error {
		<-release
		return nil
	})

	result, err := d.RunBatch(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, ErrHandlerTimeout.Error(), result.Errors[0].Error)
	assert.Nil(t, store.Event(1).ProcessedAt)
}

func TestRunBatchRedeliversAfterBackoff(t *testing.T) {
	d, store, clk := setup(t, time.Second)
	enqueue(t, store, domain.EventTicketCreated, 1)

	calls := 0
	d.Subscribe(domain.EventTicketCreated, func(context.Context, *domain.OutboxEvent) error {
		calls++
		if calls == 1 {
			return errors.New("chat 503")
		}
		return nil
	})

	first, err := d.RunBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Failed)

	empty, err := d.RunBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, empty.Processed)

	clk.Advance(2 * time.Minute)
	second, err := d.RunBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Succeeded)
	assert.Equal(t, 2, store.Event(1).Attempts)
}
