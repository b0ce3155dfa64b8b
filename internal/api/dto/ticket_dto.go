package dto

import (
	"time"

	"github.com/spec-kit/helpdesk-engine/internal/domain"
)

// CreateTicketRequest payload.
type CreateTicketRequest struct {
	Title       string `json:"title" validate:"required,max=200"`
	Description string `json:"description" validate:"max=5000"`
	Category    string `json:"category" validate:"required,max=64"`
	Location    string `json:"location" validate:"max=64"`
	GroupID     *int64 `json:"group_id" validate:"omitempty,gt=0"`
}

// TransitionRequest asks for a status change. Legacy spellings such as
// "closed" are accepted.
type TransitionRequest struct {
	Status string `json:"status" validate:"required"`
}

// CreateCommentRequest payload.
type CreateCommentRequest struct {
	Body string `json:"body" validate:"required,max=4000"`
}

// SetTATRequest payload.
type SetTATRequest struct {
	TAT     string    `json:"tat" validate:"required,max=32"`
	TATDate time.Time `json:"tat_date" validate:"required"`
}

// TicketResponse provides full ticket info.
type TicketResponse struct {
	ID              int64               `json:"id"`
	Title           string              `json:"title"`
	Description     string              `json:"description"`
	Status          domain.TicketStatus `json:"status"`
	CreatedBy       string              `json:"created_by"`
	AssignedTo      *string             `json:"assigned_to"`
	Category        string              `json:"category"`
	Location        string              `json:"location"`
	GroupID         *int64              `json:"group_id"`
	EscalationLevel int                 `json:"escalation_level"`
	LastEscalatedAt *time.Time          `json:"last_escalated_at"`
	EscalatedTo     *string             `json:"escalated_to"`
	TAT             *TATResponse        `json:"tat,omitempty"`
	ResolvedAt      *time.Time          `json:"resolved_at"`
	ReopenedAt      *time.Time          `json:"reopened_at"`
	ReopenCount     int                 `json:"reopen_count"`
	Comments        []CommentResponse   `json:"comments"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// TATResponse reports the current TAT cycle.
type TATResponse struct {
	Label             string     `json:"label"`
	Deadline          time.Time  `json:"deadline"`
	EffectiveDeadline time.Time  `json:"effective_deadline"`
	SetAt             *time.Time `json:"set_at"`
	Paused            bool       `json:"paused"`
	PausedSeconds     int64      `json:"paused_seconds"`
}

// CommentResponse represents one comment.
type CommentResponse struct {
	Author    string      `json:"author"`
	Role      domain.Role `json:"role"`
	Body      string      `json:"body"`
	CreatedAt time.Time   `json:"created_at"`
}

// NewTicketResponse maps a ticket; now drives the effective TAT deadline.
func NewTicketResponse(ticket *domain.Ticket, now time.Time) TicketResponse {
	meta := ticket.Metadata
	resp := TicketResponse{
		ID:              ticket.ID,
		Title:           ticket.Title,
		Description:     ticket.Description,
		Status:          ticket.Status,
		CreatedBy:       ticket.CreatedBy,
		AssignedTo:      ticket.AssignedTo,
		Category:        ticket.Category,
		Location:        ticket.Location,
		GroupID:         ticket.GroupID,
		EscalationLevel: ticket.EscalationLevel,
		LastEscalatedAt: ticket.LastEscalatedAt,
		EscalatedTo:     ticket.EscalatedTo,
		ResolvedAt:      meta.ResolvedAt,
		ReopenedAt:      meta.ReopenedAt,
		ReopenCount:     meta.ReopenCount,
		Comments:        make([]CommentResponse, 0, len(meta.Comments)),
		CreatedAt:       ticket.CreatedAt,
		UpdatedAt:       ticket.UpdatedAt,
	}
	for _, c := range meta.Comments {
		resp.Comments = append(resp.Comments, CommentResponse{Author: c.Author, Role: c.Role, Body: c.Body, CreatedAt: c.CreatedAt})
	}
	if meta.TAT != nil && meta.TATDate != nil {
		effective, _ := meta.EffectiveTATDeadline(now)
		resp.TAT = &TATResponse{
			Label:             *meta.TAT,
			Deadline:          *meta.TATDate,
			EffectiveDeadline: effective,
			SetAt:             meta.TATSetAt,
			Paused:            meta.IsPaused(),
			PausedSeconds:     int64(meta.PausedDuration() / time.Second),
		}
	}
	return resp
}
