package domain

import "time"

// TicketStatus enumerates lifecycle states for tickets.
type TicketStatus string

const (
	TicketStatusOpen            TicketStatus = "open"
	TicketStatusInProgress      TicketStatus = "in_progress"
	TicketStatusAwaitingStudent TicketStatus = "awaiting_student"
	TicketStatusReopened        TicketStatus = "reopened"
	TicketStatusEscalated       TicketStatus = "escalated"
	TicketStatusForwarded       TicketStatus = "forwarded"
	TicketStatusResolved        TicketStatus = "resolved"
)

// Ticket is the aggregate for helpdesk requests.
type Ticket struct {
	ID              int64
	Title           string
	Description     string
	Status          TicketStatus
	CreatedBy       string
	AssignedTo      *string
	Category        string
	Location        string
	GroupID         *int64
	EscalationLevel int
	LastEscalatedAt *time.Time
	EscalatedTo     *string
	Metadata        TicketMetadata
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// LastActivity is the later of creation and last update.
func (t *Ticket) LastActivity() time.Time {
	if t.UpdatedAt.After(t.CreatedAt) {
		return t.UpdatedAt
	}
	return t.CreatedAt
}

// IsAssignedTo reports whether userID currently owns the ticket.
func (t *Ticket) IsAssignedTo(userID string) bool {
	return t.AssignedTo != nil && *t.AssignedTo == userID
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (t *Ticket) Clone() *Ticket {
	if t == nil {
		return nil
	}
	out := *t
	out.AssignedTo = clonePtr(t.AssignedTo)
	out.GroupID = clonePtr(t.GroupID)
	out.LastEscalatedAt = clonePtr(t.LastEscalatedAt)
	out.EscalatedTo = clonePtr(t.EscalatedTo)
	out.Metadata = t.Metadata.Clone()
	return &out
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
