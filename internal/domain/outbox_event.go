package domain

import (
	"encoding/json"
	"time"
)

// EventType selects the handler that delivers an outbox event.
type EventType string

const (
	EventTicketCreated       EventType = "ticket.created"
	EventTicketStatusUpdated EventType = "ticket.status.updated"
	EventTicketCommentAdded  EventType = "ticket.comment_added"
	EventTicketEscalated     EventType = "ticket.escalated"
	EventTicketTATUpdated    EventType = "ticket.tat.updated"
)

// OutboxEvent is a pending side effect recorded in the same transaction
// as the ticket mutation that caused it.
type OutboxEvent struct {
	ID          int64
	EventType   EventType
	Payload     json.RawMessage
	Attempts    int
	ProcessedAt *time.Time
	NextRetryAt *time.Time
	LastError   *string
	CreatedAt   time.Time
}

// EligibleAt reports whether the event may be claimed at now.
func (e *OutboxEvent) EligibleAt(now time.Time) bool {
	if e.ProcessedAt != nil {
		return false
	}
	return e.NextRetryAt == nil || !e.NextRetryAt.After(now)
}
