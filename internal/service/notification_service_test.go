package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/spec-kit/helpdesk-engine/internal/clock"
	"github.com/spec-kit/helpdesk-engine/internal/config"
	"github.com/spec-kit/helpdesk-engine/internal/domain"
	"github.com/spec-kit/helpdesk-engine/internal/events"
	"github.com/spec-kit/helpdesk-engine/internal/outbox"
	"github.com/spec-kit/helpdesk-engine/internal/testutil/memstore"
)

type pipeline struct {
	store       *memstore.Store
	clock       *clock.FakeClock
	tickets     *TicketService
	transitions *TransitionService
	escalations *EscalationService
	dispatcher  *events.Dispatcher
	chat        *fakeChat
	email       *fakeEmail
	ledger      *memLedger
}

func newPipeline(t *testing.T) *pipeline {
	store := memstore.New()
	clk := clock.Fake(epoch)
	logger := zaptest.NewLogger(t)
	p := &pipeline{
		store:  store,
		clock:  clk,
		chat:   &fakeChat{},
		email:  &fakeEmail{},
		ledger: newMemLedger(),
	}
	users := fakeUsers{
		"stu-1":    {ID: "stu-1", Name: "Asha", Email: "asha@college.edu", Role: domain.RoleStudent},
		"adm-1":    {ID: "adm-1", Name: "Ravi", Email: "ravi@college.edu", Role: domain.RoleAdmin},
		"sup-1":    {ID: "sup-1", Name: "Meera", Email: "meera@college.edu", Role: domain.RoleSuperAdmin},
		"warden-1": {ID: "warden-1", Name: "Warden", Email: "warden@college.edu", Role: domain.RoleAdmin},
	}

	p.tickets = NewTicketService(TicketDependencies{Transactor: store, Clock: clk, Logger: logger})
	p.transitions = NewTransitionService(TransitionDependencies{Transactor: store, Clock: clk, Logger: logger})
	p.escalations = NewEscalationService(EscalationDependencies{
		Transactor: store,
		Resolver:   &fakeResolver{chain: map[string][]string{"hostel": {"warden-1"}}},
		Policy:     EscalationPolicy{InactivityDays: 7, CooldownDays: 2},
		Clock:      clk,
		Logger:     logger,
	})

	queue := outbox.NewQueue(store, clk, outbox.Options{MaxRetryDelay: time.Hour}, logger)
	p.dispatcher = events.NewDispatcher(queue, 5*time.Second, logger, nil)
	NewNotificationService(NotificationDependencies{
		Transactor: store,
		Chat:       p.chat,
		Email:      p.email,
		Users:      users,
		Ledger:     p.ledger,
		Config:     config.NotificationConfig{ChatChannel: "helpdesk", SuperAdminEmail: "ops@college.edu"},
		Logger:     logger,
	}).RegisterHandlers(p.dispatcher)
	return p
}

func (p *pipeline) drain(t *testing.T) events.BatchResult {
	result, err := p.dispatcher.RunBatch(context.Background(), 50)
	require.NoError(t, err)
	return result
}

func TestNotificationsFollowTicketLifecycle(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	ticket, err := p.tickets.Create(ctx, student, TicketCreateInput{Title: "Fan broken", Category: "hostel", Location: "block-a"})
	require.NoError(t, err)

	result := p.drain(t)
	assert.Equal(t, 1, result.Succeeded)

	stored := p.store.Ticket(ticket.ID)
	require.NotNil(t, stored.Metadata.ChatThreadID)
	assert.Equal(t, "ts-1", *stored.Metadata.ChatThreadID)
	assert.Equal(t, "helpdesk", *stored.Metadata.ChatChannel)
	require.NotNil(t, stored.Metadata.EmailThreadID)
	assert.Equal(t, "<msg-1@college.edu>", *stored.Metadata.EmailThreadID)
	assert.Equal(t, ticket.UpdatedAt, stored.UpdatedAt, "thread bookkeeping is not activity")

	sent := p.email.all()
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"asha@college.edu"}, sent[0].To)
	assert.Equal(t, "[Ticket #1] Fan broken", sent[0].Subject)
	assert.Contains(t, sent[0].HTML, "Hello Asha")

	p.clock.Advance(time.Minute)
	_, err = p.transitions.Transition(ctx, ticket.ID, admin, "in_progress")
	require.NoError(t, err)
	result = p.drain(t)
	assert.Equal(t, 1, result.Succeeded)

	replies := p.chat.replies()
	require.Len(t, replies, 1)
	assert.Equal(t, "ts-1", replies[0].ThreadID)
	assert.Equal(t, []string{"adm-1"}, replies[0].CC)
	assert.Contains(t, replies[0].Text, "open to in_progress")

	sent = p.email.all()
	require.Len(t, sent, 2)
	assert.Equal(t, "<msg-1@college.edu>", sent[1].Headers["In-Reply-To"])
	assert.Equal(t, "Re: [Ticket #1] Fan broken", sent[1].Subject)

	for _, e := range p.store.Events() {
		assert.NotNil(t, e.ProcessedAt, "event %d", e.ID)
	}
}

func TestNotificationRetryDoesNotRepeatDeliveredChannel(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	ticket, err := p.tickets.Create(ctx, student, TicketCreateInput{Title: "No water", Category: "hostel"})
	require.NoError(t, err)
	p.drain(t)

	p.email.fail = errBoom
	_, err = p.tickets.AddComment(ctx, admin, ticket.ID, "Plumber visiting at 4pm")
	require.NoError(t, err)

	result := p.drain(t)
	require.Equal(t, 1, result.Failed)
	assert.Contains(t, result.Errors[0].Error, "email delivery failed")
	assert.Len(t, p.chat.replies(), 1)
	assert.Equal(t, 1, p.ledger.size(), "chat mark kept while email is pending")

	comment := p.store.EventsOfType(domain.EventTicketCommentAdded)[0]
	assert.Nil(t, comment.ProcessedAt)
	assert.Equal(t, 1, comment.Attempts)
	require.NotNil(t, comment.NextRetryAt)
	assert.Equal(t, p.clock.Now().Add(2*time.Minute), *comment.NextRetryAt)

	result = p.drain(t)
	assert.Zero(t, result.Processed, "deferred event is not eligible yet")

	p.email.fail = nil
	p.clock.Advance(2 * time.Minute)
	result = p.drain(t)
	assert.Equal(t, 1, result.Succeeded)

	assert.Len(t, p.chat.replies(), 1, "chat reply delivered once across redeliveries")
	assert.Zero(t, p.ledger.size(), "marks cleared once every channel is delivered")
	sent := p.email.all()
	require.Len(t, sent, 2)
	assert.Contains(t, sent[1].HTML, "Plumber visiting at 4pm")
	assert.Equal(t, []string{"asha@college.edu"}, sent[1].To)
	assert.NotNil(t, p.store.Event(comment.ID).ProcessedAt)
}

func TestNotificationCommentReplyCarriesFullBody(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	ticket, err := p.tickets.Create(ctx, student, TicketCreateInput{Title: "Wifi drops", Category: "it"})
	require.NoError(t, err)
	p.drain(t)

	long := strings.Repeat("signal fades near the stairwell ", 8) + "END"
	_, err = p.tickets.AddComment(ctx, admin, ticket.ID, long)
	require.NoError(t, err)
	result := p.drain(t)
	require.Equal(t, 1, result.Succeeded)

	replies := p.chat.replies()
	require.Len(t, replies, 1)
	assert.Equal(t, "adm-1 commented: "+long, replies[0].Text)
}

func TestNotificationChatFailureRetries(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	p.chat.fail = errBoom

	ticket, err := p.tickets.Create(ctx, student, TicketCreateInput{Title: "Projector", Category: "it"})
	require.NoError(t, err)

	result := p.drain(t)
	require.Equal(t, 1, result.Failed)
	assert.Contains(t, result.Errors[0].Error, "chat delivery failed")
	assert.Empty(t, p.email.all(), "email waits for the chat step")
	assert.Nil(t, p.store.Ticket(ticket.ID).Metadata.ChatThreadID)

	p.chat.fail = nil
	p.clock.Advance(time.Hour)
	result = p.drain(t)
	assert.Equal(t, 1, result.Succeeded)
	assert.NotNil(t, p.store.Ticket(ticket.ID).Metadata.ChatThreadID)
	assert.Len(t, p.email.all(), 1)
}

func TestNotificationEscalationRecipients(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	assigned := p.store.SeedTicket(domain.Ticket{
		Title: "Broken bed", Status: domain.TicketStatusOpen, CreatedBy: student.ID,
		Category: "hostel", CreatedAt: epoch.Add(-10 * day), UpdatedAt: epoch.Add(-10 * day),
	})
	orphan := p.store.SeedTicket(domain.Ticket{
		Title: "Gym lights", Status: domain.TicketStatusOpen, CreatedBy: student.ID,
		Category: "sports", CreatedAt: epoch.Add(-10 * day), UpdatedAt: epoch.Add(-10 * day),
	})

	sweep, err := p.escalations.Sweep(ctx, SweepOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, sweep.EscalatedCount)

	result := p.drain(t)
	require.Equal(t, 2, result.Succeeded, "%+v", result.Errors)

	byTicket := map[string][]string{}
	for _, e := range p.email.all() {
		byTicket[e.Subject] = e.To
	}
	assert.Equal(t, []string{"warden@college.edu"}, byTicket["Escalation: [Ticket #1] Broken bed"])
	assert.Equal(t, []string{"meera@college.edu", "ops@college.edu"}, byTicket["Escalation: [Ticket #2] Gym lights"])

	replies := p.chat.replies()
	require.Len(t, replies, 2)
	assert.Equal(t, []string{"warden-1"}, replies[0].CC)
	assert.Empty(t, replies[1].CC)
	assert.Contains(t, replies[1].Text, "level 1 (super_admin)")

	// lazily opened threads for both tickets
	assert.NotNil(t, p.store.Ticket(assigned.ID).Metadata.ChatThreadID)
	assert.NotNil(t, p.store.Ticket(orphan.ID).Metadata.ChatThreadID)
}

func TestNotificationTATUpdate(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	ticket, err := p.tickets.Create(ctx, student, TicketCreateInput{Title: "Lab PC", Category: "it"})
	require.NoError(t, err)
	p.drain(t)

	_, err = p.tickets.SetTAT(ctx, admin, ticket.ID, "48h", epoch.Add(48*time.Hour))
	require.NoError(t, err)
	result := p.drain(t)
	require.Equal(t, 1, result.Succeeded)

	replies := p.chat.replies()
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Text, "TAT set to 48h by adm-1; due 04 Sep 2024 09:00 UTC.")
	sent := p.email.all()
	require.Len(t, sent, 2)
	assert.Contains(t, sent[1].HTML, "<strong>48h</strong>")
}

func TestFormatOverdue(t *testing.T) {
	cases := map[time.Duration]string{
		30 * time.Second:            "less than a minute",
		45 * time.Minute:            "45m",
		3*time.Hour + 5*time.Minute: "3h 5m",
		50 * time.Hour:              "2d 2h",
	}
	for in, want := range cases {
		assert.Equal(t, want, formatOverdue(in), in.String())
	}
}
