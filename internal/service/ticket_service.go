package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/spec-kit/helpdesk-engine/internal/clock"
	"github.com/spec-kit/helpdesk-engine/internal/domain"
	"github.com/spec-kit/helpdesk-engine/internal/events"
	"github.com/spec-kit/helpdesk-engine/internal/repository"
	apperrors "github.com/spec-kit/helpdesk-engine/pkg/util"
)

// TicketService coordinates ticket workflows other than status changes:
// creation, comments and TAT.
type TicketService struct {
	tx         repository.Transactor
	committees CommitteeDirectory
	clock      clock.Clock
	logger     *zap.Logger
}

// TicketDependencies bundles collaborators for the ticket service.
type TicketDependencies struct {
	Transactor repository.Transactor
	Committees CommitteeDirectory
	Clock      clock.Clock
	Logger     *zap.Logger
}

// TicketCreateInput describes ticket creation payload.
type TicketCreateInput struct {
	Title       string
	Description string
	Category    string
	Location    string
	GroupID     *int64
}

// NewTicketService constructs the service.
func NewTicketService(deps TicketDependencies) *TicketService {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &TicketService{
		tx:         deps.Transactor,
		committees: deps.Committees,
		clock:      deps.Clock,
		logger:     deps.Logger,
	}
}

// Create opens a ticket in status open and queues ticket.created.
func (s *TicketService) Create(ctx context.Context, caller domain.Caller, input TicketCreateInput) (*domain.Ticket, error) {
	if caller.Role != domain.RoleStudent && !caller.Role.IsAdmin() {
		return nil, apperrors.NewPermissionError("create-ticket", "only students and admins may open tickets")
	}
	title := strings.TrimSpace(input.Title)
	category := strings.ToLower(strings.TrimSpace(input.Category))
	if title == "" || category == "" {
		return nil, apperrors.NewValidationError("title and category are required", nil)
	}

	now := s.clock.Now()
	ticket := &domain.Ticket{
		Title:       title,
		Description: strings.TrimSpace(input.Description),
		Status:      domain.TicketStatusOpen,
		CreatedBy:   caller.ID,
		Category:    category,
		Location:    strings.ToLower(strings.TrimSpace(input.Location)),
		GroupID:     input.GroupID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := s.tx.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if err := tx.Tickets().Create(ctx, ticket); err != nil {
			return err
		}
		return appendEvent(ctx, tx, domain.EventTicketCreated, events.TicketCreatedPayload{
			Header:   events.NewHeader(ticket.ID, now),
			Actor:    events.Actor{ID: caller.ID, Role: caller.Role},
			Title:    ticket.Title,
			Category: ticket.Category,
			Location: ticket.Location,
		}, now)
	})
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	s.logger.Info("ticket created", zap.Int64("ticket_id", ticket.ID), zap.String("created_by", caller.ID))
	return ticket, nil
}

// Get returns a ticket visible to caller.
func (s *TicketService) Get(ctx context.Context, caller domain.Caller, ticketID int64) (*domain.Ticket, error) {
	var ticket *domain.Ticket
	err := s.tx.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		ticket, err = loadTicket(ctx, tx, ticketID, false)
		if err != nil {
			return err
		}
		return s.ensureParticipant(ctx, caller, ticket)
	})
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	return ticket, nil
}

// AddComment appends to the ticket's comment thread and queues
// ticket.comment_added.
func (s *TicketService) AddComment(ctx context.Context, caller domain.Caller, ticketID int64, body string) (*domain.Ticket, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, apperrors.NewValidationError("comment body is required", nil)
	}

	now := s.clock.Now()
	var updated *domain.Ticket
	err := s.tx.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		ticket, err := loadTicket(ctx, tx, ticketID, true)
		if err != nil {
			return err
		}
		if err := s.ensureParticipant(ctx, caller, ticket); err != nil {
			return err
		}

		ticket.Metadata.Comments = append(ticket.Metadata.Comments, domain.Comment{
			Author:    caller.ID,
			Role:      caller.Role,
			Body:      body,
			CreatedAt: now,
		})
		ticket.UpdatedAt = now
		if err := tx.Tickets().Update(ctx, ticket); err != nil {
			return err
		}
		updated = ticket
		return appendEvent(ctx, tx, domain.EventTicketCommentAdded, events.TicketCommentAddedPayload{
			Header:       events.NewHeader(ticket.ID, now),
			Actor:        events.Actor{ID: caller.ID, Role: caller.Role},
			CommentIndex: len(ticket.Metadata.Comments) - 1,
			BodyPreview:  stringPreview(body, 120),
		}, now)
	})
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	return updated, nil
}

// SetTAT starts a fresh TAT cycle. Only admins set TAT; the system never
// invents one. A ticket already awaiting the student starts paused.
func (s *TicketService) SetTAT(ctx context.Context, caller domain.Caller, ticketID int64, label string, deadline time.Time) (*domain.Ticket, error) {
	if !caller.Role.IsAdmin() {
		return nil, apperrors.NewPermissionError("set-tat", "only admins may set a turnaround time")
	}
	label = strings.TrimSpace(label)
	if label == "" {
		return nil, apperrors.NewValidationError("tat label is required", nil)
	}
	now := s.clock.Now()
	if !deadline.After(now) {
		return nil, apperrors.NewValidationError("tat deadline must be in the future", map[string]any{"tatDate": deadline})
	}

	var updated *domain.Ticket
	err := s.tx.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		ticket, err := loadTicket(ctx, tx, ticketID, true)
		if err != nil {
			return err
		}
		if ticket.Status == domain.TicketStatusResolved {
			return apperrors.NewConflict("cannot set tat on a resolved ticket", map[string]any{"ticket_id": ticketID})
		}
		ticket.Metadata.SetTAT(label, deadline, now)
		if ticket.Status == domain.TicketStatusAwaitingStudent {
			ticket.Metadata.StartPause(now)
		}
		ticket.UpdatedAt = now
		if err := tx.Tickets().Update(ctx, ticket); err != nil {
			return err
		}
		updated = ticket
		return appendEvent(ctx, tx, domain.EventTicketTATUpdated, events.TicketTATUpdatedPayload{
			Header:  events.NewHeader(ticket.ID, now),
			Actor:   events.Actor{ID: caller.ID, Role: caller.Role},
			TAT:     label,
			TATDate: deadline,
		}, now)
	})
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	return updated, nil
}

// ensureParticipant allows the creator, admins and heads of a committee
// tagged on the ticket.
func (s *TicketService) ensureParticipant(ctx context.Context, caller domain.Caller, ticket *domain.Ticket) error {
	switch {
	case caller.Role.IsAdmin():
		return nil
	case caller.Role == domain.RoleStudent && ticket.CreatedBy == caller.ID:
		return nil
	case caller.Role == domain.RoleCommittee && s.committees != nil:
		ok, err := s.committees.HeadsTicketCommittee(ctx, caller.ID, ticket.ID, ticket.GroupID)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return apperrors.NewPermissionError("ticket-participant", "caller is not a participant of this ticket")
}

func loadTicket(ctx context.Context, tx repository.Tx, id int64, forUpdate bool) (*domain.Ticket, error) {
	var (
		ticket *domain.Ticket
		err    error
	)
	if forUpdate {
		ticket, err = tx.Tickets().GetForUpdate(ctx, id)
	} else {
		ticket, err = tx.Tickets().GetByID(ctx, id)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NewNotFound("ticket", map[string]any{"ticket_id": id})
	}
	return ticket, err
}

func stringPreview(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
