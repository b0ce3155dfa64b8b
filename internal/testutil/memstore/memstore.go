// Package memstore is an in-memory repository.Transactor for tests.
// Transactions are fully serialized and roll back on error.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/spec-kit/helpdesk-engine/internal/domain"
	"github.com/spec-kit/helpdesk-engine/internal/repository"
)

type state struct {
	tickets  map[int64]*domain.Ticket
	events   map[int64]*domain.OutboxEvent
	ticketID int64
	eventID  int64
}

func (s *state) clone() *state {
	out := &state{
		tickets:  make(map[int64]*domain.Ticket, len(s.tickets)),
		events:   make(map[int64]*domain.OutboxEvent, len(s.events)),
		ticketID: s.ticketID,
		eventID:  s.eventID,
	}
	for id, t := range s.tickets {
		out.tickets[id] = t.Clone()
	}
	for id, e := range s.events {
		out.events[id] = cloneEvent(e)
	}
	return out
}

// Store holds tickets and outbox events in memory.
type Store struct {
	mu sync.Mutex
	st *state

	// FailAppend, when set, runs before every outbox append; a non-nil
	// error aborts the append.
	FailAppend func(event *domain.OutboxEvent) error
}

// New returns an empty store.
func New() *Store {
	return &Store{st: &state{
		tickets: map[int64]*domain.Ticket{},
		events:  map[int64]*domain.OutboxEvent{},
	}}
}

var _ repository.Transactor = (*Store)(nil)

// InTx runs fn with exclusive access to the store.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot := s.st.clone()
	tx := &txStores{store: s, st: snapshot}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.st = snapshot
	return nil
}

// SeedTicket inserts a ticket as-is, assigning an id when zero.
func (s *Store) SeedTicket(t domain.Ticket) *domain.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == 0 {
		s.st.ticketID++
		t.ID = s.st.ticketID
	} else if t.ID > s.st.ticketID {
		s.st.ticketID = t.ID
	}
	s.st.tickets[t.ID] = t.Clone()
	return t.Clone()
}

// SeedEvent inserts an outbox event as-is, assigning an id when zero.
func (s *Store) SeedEvent(e domain.OutboxEvent) *domain.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == 0 {
		s.st.eventID++
		e.ID = s.st.eventID
	} else if e.ID > s.st.eventID {
		s.st.eventID = e.ID
	}
	s.st.events[e.ID] = cloneEvent(&e)
	return cloneEvent(&e)
}

// Ticket returns a copy of the committed ticket, or nil.
func (s *Store) Ticket(id int64) *domain.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.tickets[id].Clone()
}

// Event returns a copy of the committed event, or nil.
func (s *Store) Event(id int64) *domain.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.st.events[id]; ok {
		return cloneEvent(e)
	}
	return nil
}

// Events returns committed events ordered by id.
func (s *Store) Events() []domain.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedEvents(s.st.events, func(*domain.OutboxEvent) bool { return true })
}

// EventsOfType filters Events by type.
func (s *Store) EventsOfType(eventType domain.EventType) []domain.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedEvents(s.st.events, func(e *domain.OutboxEvent) bool { return e.EventType == eventType })
}

type txStores struct {
	store *Store
	st    *state
}

func (t *txStores) Tickets() repository.TicketRepository { return &ticketStore{st: t.st} }
func (t *txStores) Outbox() repository.OutboxRepository {
	return &outboxStore{st: t.st, failAppend: t.store.FailAppend}
}

type ticketStore struct {
	st *state
}

func (r *ticketStore) Create(_ context.Context, ticket *domain.Ticket) error {
	r.st.ticketID++
	ticket.ID = r.st.ticketID
	r.st.tickets[ticket.ID] = ticket.Clone()
	return nil
}

func (r *ticketStore) Update(_ context.Context, ticket *domain.Ticket) error {
	existing, ok := r.st.tickets[ticket.ID]
	if !ok {
		return pgx.ErrNoRows
	}
	next := ticket.Clone()
	next.Title = existing.Title
	next.Description = existing.Description
	next.CreatedBy = existing.CreatedBy
	next.Category = existing.Category
	next.Location = existing.Location
	next.GroupID = existing.GroupID
	next.CreatedAt = existing.CreatedAt
	r.st.tickets[ticket.ID] = next
	return nil
}

func (r *ticketStore) GetByID(_ context.Context, id int64) (*domain.Ticket, error) {
	t, ok := r.st.tickets[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return t.Clone(), nil
}

func (r *ticketStore) GetForUpdate(ctx context.Context, id int64) (*domain.Ticket, error) {
	return r.GetByID(ctx, id)
}

func (r *ticketStore) ListUnresolved(context.Context) ([]domain.Ticket, error) {
	ids := make([]int64, 0, len(r.st.tickets))
	for id, t := range r.st.tickets {
		if t.Status != domain.TicketStatusResolved {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]domain.Ticket, 0, len(ids))
	for _, id := range ids {
		out = append(out, *r.st.tickets[id].Clone())
	}
	return out, nil
}

type outboxStore struct {
	st         *state
	failAppend func(event *domain.OutboxEvent) error
}

func (r *outboxStore) Append(_ context.Context, event *domain.OutboxEvent) error {
	if r.failAppend != nil {
		if err := r.failAppend(event); err != nil {
			return err
		}
	}
	r.st.eventID++
	event.ID = r.st.eventID
	r.st.events[event.ID] = cloneEvent(event)
	return nil
}

func (r *outboxStore) ClaimNext(_ context.Context, now time.Time, leaseUntil *time.Time) (*domain.OutboxEvent, error) {
	eligible := sortedEvents(r.st.events, func(e *domain.OutboxEvent) bool { return e.EligibleAt(now) })
	if len(eligible) == 0 {
		return nil, nil
	}
	e := r.st.events[eligible[0].ID]
	e.Attempts++
	e.NextRetryAt = clonePtr(leaseUntil)
	return cloneEvent(e), nil
}

func (r *outboxStore) MarkProcessed(_ context.Context, id int64, at time.Time) error {
	e, ok := r.st.events[id]
	if !ok {
		return pgx.ErrNoRows
	}
	if e.ProcessedAt == nil {
		e.ProcessedAt = &at
	}
	e.NextRetryAt = nil
	return nil
}

func (r *outboxStore) ScheduleRetry(_ context.Context, id int64, at time.Time, reason string) error {
	e, ok := r.st.events[id]
	if !ok {
		return pgx.ErrNoRows
	}
	if e.ProcessedAt != nil {
		return nil
	}
	e.NextRetryAt = &at
	e.LastError = &reason
	return nil
}

func (r *outboxStore) GetByID(_ context.Context, id int64) (*domain.OutboxEvent, error) {
	e, ok := r.st.events[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return cloneEvent(e), nil
}

func (r *outboxStore) ListStuck(_ context.Context, minAttempts, limit int) ([]domain.OutboxEvent, error) {
	out := sortedEvents(r.st.events, func(e *domain.OutboxEvent) bool {
		return e.ProcessedAt == nil && e.Attempts >= minAttempts
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *outboxStore) ResetRetry(_ context.Context, id int64) error {
	e, ok := r.st.events[id]
	if !ok {
		return pgx.ErrNoRows
	}
	if e.ProcessedAt == nil {
		e.NextRetryAt = nil
	}
	return nil
}

func sortedEvents(events map[int64]*domain.OutboxEvent, keep func(*domain.OutboxEvent) bool) []domain.OutboxEvent {
	out := make([]domain.OutboxEvent, 0, len(events))
	for _, e := range events {
		if keep(e) {
			out = append(out, *cloneEvent(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func cloneEvent(e *domain.OutboxEvent) *domain.OutboxEvent {
	if e == nil {
		return nil
	}
	out := *e
	out.Payload = append([]byte(nil), e.Payload...)
	out.ProcessedAt = clonePtr(e.ProcessedAt)
	out.NextRetryAt = clonePtr(e.NextRetryAt)
	out.LastError = clonePtr(e.LastError)
	return &out
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
