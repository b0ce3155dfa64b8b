package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/spec-kit/helpdesk-engine/internal/domain"
)

// Actor identifies who caused an event.
type Actor struct {
	ID   string      `json:"id"`
	Role domain.Role `json:"role"`
}

// Header is embedded in every payload. EventKey is stable across
// redeliveries of the same outbox row and keys the delivery ledger.
type Header struct {
	EventKey   string    `json:"eventKey"`
	TicketID   int64     `json:"ticketId"`
	OccurredAt time.Time `json:"occurredAt"`
}

// NewHeader stamps a fresh event key.
func NewHeader(ticketID int64, now time.Time) Header {
	return Header{EventKey: uuid.NewString(), TicketID: ticketID, OccurredAt: now}
}

// TicketCreatedPayload payload.
type TicketCreatedPayload struct {
	Header
	Actor    Actor  `json:"actor"`
	Title    string `json:"title"`
	Category string `json:"category"`
	Location string `json:"location"`
}

// TicketStatusUpdatedPayload payload.
type TicketStatusUpdatedPayload struct {
	Header
	OldStatus domain.TicketStatus `json:"oldStatus"`
	NewStatus domain.TicketStatus `json:"newStatus"`
	Actor     Actor               `json:"actor"`
}

// TicketCommentAddedPayload payload.
type TicketCommentAddedPayload struct {
	Header
	Actor        Actor  `json:"actor"`
	CommentIndex int    `json:"commentIndex"`
	BodyPreview  string `json:"bodyPreview"`
}

// TicketEscalatedPayload payload. OverdueMinutes is set for TAT
// violations only.
type TicketEscalatedPayload struct {
	Header
	Reason         domain.EscalationReason `json:"reason"`
	OverdueMinutes int64                   `json:"overdueMinutes,omitempty"`
	Level          int                     `json:"level"`
	EscalatedTo    string                  `json:"escalatedTo"`
	AssigneeID     *string                 `json:"assigneeId,omitempty"`
	Urgent         bool                    `json:"urgent"`
}

// Overdue returns OverdueMinutes as a duration.
func (p TicketEscalatedPayload) Overdue() time.Duration {
	return time.Duration(p.OverdueMinutes) * time.Minute
}

// TicketTATUpdatedPayload payload.
type TicketTATUpdatedPayload struct {
	Header
	Actor   Actor     `json:"actor"`
	TAT     string    `json:"tat"`
	TATDate time.Time `json:"tatDate"`
}

// NewOutboxEvent serializes payload into an outbox row ready to append.
func NewOutboxEvent(eventType domain.EventType, payload any, now time.Time) (*domain.OutboxEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return &domain.OutboxEvent{
		EventType: eventType,
		Payload:   raw,
		CreatedAt: now,
	}, nil
}

// Decode unmarshals an outbox payload into T.
func Decode[T any](event *domain.OutboxEvent) (T, error) {
	var out T
	if err := json.Unmarshal(event.Payload, &out); err != nil {
		return out, fmt.Errorf("decode %s payload for event %d: %w", event.EventType, event.ID, err)
	}
	return out, nil
}
