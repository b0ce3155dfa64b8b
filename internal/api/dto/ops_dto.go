package dto

import (
	"time"

	"github.com/spec-kit/helpdesk-engine/internal/domain"
)

// RunEscalationsRequest overrides sweep parameters. Omitted fields use the
// configured policy; "cooldown_days": 0 disables the cooldown for this run.
type RunEscalationsRequest struct {
	Now            *time.Time `json:"now"`
	InactivityDays *int       `json:"inactivity_days" validate:"omitempty,gte=0,lte=365"`
	CooldownDays   *int       `json:"cooldown_days" validate:"omitempty,gte=0,lte=365"`
}

// DispatchRequest bounds one dispatcher batch.
type DispatchRequest struct {
	MaxEvents int `json:"max_events" validate:"gte=0,lte=1000"`
}

// OutboxEventResponse is an operator view of an outbox row.
type OutboxEventResponse struct {
	ID          int64            `json:"id"`
	EventType   domain.EventType `json:"event_type"`
	Attempts    int              `json:"attempts"`
	NextRetryAt *time.Time       `json:"next_retry_at"`
	LastError   *string          `json:"last_error"`
	CreatedAt   time.Time        `json:"created_at"`
}

// NewOutboxEventResponse maps an outbox row.
func NewOutboxEventResponse(e domain.OutboxEvent) OutboxEventResponse {
	return OutboxEventResponse{
		ID:          e.ID,
		EventType:   e.EventType,
		Attempts:    e.Attempts,
		NextRetryAt: e.NextRetryAt,
		LastError:   e.LastError,
		CreatedAt:   e.CreatedAt,
	}
}
