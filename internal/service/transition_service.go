package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/spec-kit/helpdesk-engine/internal/clock"
	"github.com/spec-kit/helpdesk-engine/internal/domain"
	"github.com/spec-kit/helpdesk-engine/internal/events"
	"github.com/spec-kit/helpdesk-engine/internal/observability"
	"github.com/spec-kit/helpdesk-engine/internal/repository"
	apperrors "github.com/spec-kit/helpdesk-engine/pkg/util"
)

// CommitteeDirectory answers whether a user heads a committee tagged on a
// ticket, directly or through the ticket's group.
type CommitteeDirectory interface {
	HeadsTicketCommittee(ctx context.Context, userID string, ticketID int64, groupID *int64) (bool, error)
}

// GroupArchiver archives a ticket group once every member is resolved.
type GroupArchiver interface {
	ArchiveIfAllClosed(ctx context.Context, groupID int64, at time.Time) (bool, error)
}

// StatusCatalog reports whether a canonical status is enabled.
type StatusCatalog interface {
	IsEnabled(ctx context.Context, status domain.TicketStatus) (bool, error)
}

// TransitionService validates and applies caller-driven status changes.
type TransitionService struct {
	tx         repository.Transactor
	committees CommitteeDirectory
	groups     GroupArchiver
	catalog    StatusCatalog
	clock      clock.Clock
	logger     *zap.Logger
	metrics    *observability.Metrics
}

// TransitionDependencies bundles collaborators. Groups and Catalog are
// optional.
type TransitionDependencies struct {
	Transactor repository.Transactor
	Committees CommitteeDirectory
	Groups     GroupArchiver
	Catalog    StatusCatalog
	Clock      clock.Clock
	Logger     *zap.Logger
	Metrics    *observability.Metrics
}

// NewTransitionService constructs the service.
func NewTransitionService(deps TransitionDependencies) *TransitionService {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &TransitionService{
		tx:         deps.Transactor,
		committees: deps.Committees,
		groups:     deps.Groups,
		catalog:    deps.Catalog,
		clock:      deps.Clock,
		logger:     deps.Logger,
		metrics:    deps.Metrics,
	}
}

// Transition moves ticketID to requested on behalf of caller. The ticket
// update and its ticket.status.updated event commit together.
func (s *TransitionService) Transition(ctx context.Context, ticketID int64, caller domain.Caller, requested string) (*domain.Ticket, error) {
	ctx, span := otel.Tracer(observability.TracerName).Start(ctx, "ticket.transition")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("ticket.id", ticketID),
		attribute.String("caller.role", string(caller.Role)),
	)

	to, err := domain.CanonicalStatus(requested)
	if err != nil {
		s.metrics.RecordTransition("unknown", "invalid")
		return nil, apperrors.NewValidationError("unknown ticket status", map[string]any{"status": requested})
	}
	if err := s.checkCatalog(ctx, to); err != nil {
		s.metrics.RecordTransition(string(to), "misconfigured")
		return nil, err
	}

	now := s.clock.Now()
	var updated *domain.Ticket
	err = s.tx.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		ticket, err := tx.Tickets().GetForUpdate(ctx, ticketID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperrors.NewNotFound("ticket", map[string]any{"ticket_id": ticketID})
			}
			return err
		}

		rule, err := s.authorize(ctx, caller, ticket, to)
		if err != nil {
			return err
		}

		from := ticket.Status
		applyTransition(ticket, to, now)
		if rule.takesOwnership && !ticket.IsAssignedTo(caller.ID) {
			owner := caller.ID
			ticket.AssignedTo = &owner
		}

		if err := tx.Tickets().Update(ctx, ticket); err != nil {
			return err
		}
		payload := events.TicketStatusUpdatedPayload{
			Header:    events.NewHeader(ticket.ID, now),
			OldStatus: from,
			NewStatus: to,
			Actor:     events.Actor{ID: caller.ID, Role: caller.Role},
		}
		if err := appendEvent(ctx, tx, domain.EventTicketStatusUpdated, payload, now); err != nil {
			return err
		}
		updated = ticket
		return nil
	})
	if err != nil {
		span.RecordError(err)
		s.metrics.RecordTransition(string(to), transitionOutcome(err))
		return nil, apperrors.MapError(err)
	}

	s.metrics.RecordTransition(string(to), "applied")
	s.logger.Info("ticket transitioned",
		zap.Int64("ticket_id", updated.ID),
		zap.String("status", string(to)),
		zap.String("actor", caller.ID),
	)
	s.archiveGroup(ctx, updated, now)
	return updated, nil
}

// authorize returns the governing rule, or a permission error naming it.
func (s *TransitionService) authorize(ctx context.Context, caller domain.Caller, ticket *domain.Ticket, to domain.TicketStatus) (transitionRule, error) {
	rule, ok := ruleFor(caller.Role)
	if !ok {
		return rule, apperrors.NewPermissionError(ruleNoMatch, fmt.Sprintf("role %q may not change ticket status", caller.Role))
	}
	if !rule.allows(ticket.Status, to) {
		return rule, apperrors.NewPermissionError(rule.name,
			fmt.Sprintf("%s: %s -> %s not permitted", rule.denial, ticket.Status, to))
	}
	if rule.predicate != nil {
		holds, err := rule.predicate(ctx, s, ruleContext{caller: caller, ticket: ticket, to: to})
		if err != nil {
			return rule, fmt.Errorf("evaluate rule %s: %w", rule.name, err)
		}
		if !holds {
			return rule, apperrors.NewPermissionError(rule.name, rule.denial)
		}
	}
	return rule, nil
}

func (s *TransitionService) checkCatalog(ctx context.Context, to domain.TicketStatus) error {
	if s.catalog == nil {
		return nil
	}
	enabled, err := s.catalog.IsEnabled(ctx, to)
	if err != nil {
		return apperrors.MapError(fmt.Errorf("load status catalog: %w", err))
	}
	if !enabled {
		return apperrors.NewConfigurationError("status has no enabled catalog record", map[string]any{"status": string(to)})
	}
	return nil
}

// archiveGroup runs after commit; its failure does not undo the transition.
func (s *TransitionService) archiveGroup(ctx context.Context, ticket *domain.Ticket, now time.Time) {
	if s.groups == nil || ticket.GroupID == nil || ticket.Status != domain.TicketStatusResolved {
		return
	}
	archived, err := s.groups.ArchiveIfAllClosed(ctx, *ticket.GroupID, now)
	if err != nil {
		s.logger.Warn("archive ticket group", zap.Int64("group_id", *ticket.GroupID), zap.Error(err))
		return
	}
	if archived {
		s.logger.Info("ticket group archived", zap.Int64("group_id", *ticket.GroupID))
	}
}

// applyTransition mutates status and TAT bookkeeping. The pause window is
// open exactly while the ticket awaits the student.
func applyTransition(ticket *domain.Ticket, to domain.TicketStatus, now time.Time) {
	meta := &ticket.Metadata
	if to == domain.TicketStatusAwaitingStudent {
		meta.StartPause(now)
	} else {
		meta.EndPause(now)
	}

	switch to {
	case domain.TicketStatusResolved:
		resolvedAt := now
		meta.ResolvedAt = &resolvedAt
	case domain.TicketStatusReopened:
		reopenedAt := now
		meta.ReopenedAt = &reopenedAt
		meta.ReopenCount++
		meta.ResetTAT()
	}

	ticket.Status = to
	ticket.UpdatedAt = now
}

func appendEvent(ctx context.Context, tx repository.Tx, eventType domain.EventType, payload any, now time.Time) error {
	event, err := events.NewOutboxEvent(eventType, payload, now)
	if err != nil {
		return err
	}
	return tx.Outbox().Append(ctx, event)
}

func transitionOutcome(err error) string {
	switch {
	case apperrors.IsCode(err, apperrors.CodePermission):
		return "denied"
	case apperrors.IsCode(err, apperrors.CodeNotFound):
		return "not_found"
	default:
		return "error"
	}
}
