package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/spec-kit/helpdesk-engine/internal/clock"
	"github.com/spec-kit/helpdesk-engine/internal/domain"
	"github.com/spec-kit/helpdesk-engine/internal/events"
	"github.com/spec-kit/helpdesk-engine/internal/observability"
	"github.com/spec-kit/helpdesk-engine/internal/repository"
)

const day = 24 * time.Hour

// AssignmentResolver walks the escalation chain. A nil target means the
// chain is exhausted.
type AssignmentResolver interface {
	NextTarget(ctx context.Context, category, location string, currentLevel int) (*domain.AssignmentTarget, error)
}

// SweepOptions parameterize one sweep. A zero Now uses the clock and nil
// day counts use the policy; an explicit 0 is honored.
type SweepOptions struct {
	Now            time.Time
	InactivityDays *int
	CooldownDays   *int
}

// sweepParams are SweepOptions resolved against the policy.
type sweepParams struct {
	Now            time.Time
	InactivityDays int
	CooldownDays   int
}

// SweepError is a per-ticket failure collected during a sweep.
type SweepError struct {
	TicketID int64  `json:"ticketId"`
	Error    string `json:"error"`
}

// SweepResult summarizes a sweep.
type SweepResult struct {
	EscalatedCount int          `json:"escalatedCount"`
	TicketIDs      []int64      `json:"ticketIds"`
	ErrorCount     int          `json:"errorCount"`
	Errors         []SweepError `json:"errors,omitempty"`
	Candidates     int          `json:"candidates"`
	Skipped        int          `json:"skipped"`
}

// EscalationPolicy holds sweep defaults.
type EscalationPolicy struct {
	InactivityDays int
	CooldownDays   int
	// UrgentLevel is the inclusive level at which an exhausted chain
	// escalates to the urgent super-admin target.
	UrgentLevel int
}

// EscalationService bumps stale or TAT-violating tickets up their chain.
type EscalationService struct {
	tx       repository.Transactor
	resolver AssignmentResolver
	policy   EscalationPolicy
	clock    clock.Clock
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// EscalationDependencies bundles collaborators.
type EscalationDependencies struct {
	Transactor repository.Transactor
	Resolver   AssignmentResolver
	Policy     EscalationPolicy
	Clock      clock.Clock
	Logger     *zap.Logger
	Metrics    *observability.Metrics
}

// NewEscalationService constructs the service.
func NewEscalationService(deps EscalationDependencies) *EscalationService {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Policy.UrgentLevel <= 0 {
		deps.Policy.UrgentLevel = 2
	}
	return &EscalationService{
		tx:       deps.Transactor,
		resolver: deps.Resolver,
		policy:   deps.Policy,
		clock:    deps.Clock,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
	}
}

type escalationTrigger struct {
	reason  domain.EscalationReason
	overdue time.Duration
}

var errNotEligible = errors.New("ticket no longer eligible for escalation")

// Sweep escalates every eligible unresolved ticket. Each ticket commits in
// its own transaction; per-ticket failures land in the result and never
// abort the sweep. Only the initial listing can fail the whole run.
func (s *EscalationService) Sweep(ctx context.Context, opts SweepOptions) (SweepResult, error) {
	ctx, span := otel.Tracer(observability.TracerName).Start(ctx, "escalation.sweep")
	defer span.End()

	params := s.withDefaults(opts)
	result := SweepResult{TicketIDs: []int64{}}

	var tickets []domain.Ticket
	err := s.tx.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		tickets, err = tx.Tickets().ListUnresolved(ctx)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return result, fmt.Errorf("list unresolved tickets: %w", err)
	}

	for i := range tickets {
		if ctx.Err() != nil {
			break
		}
		ticket := &tickets[i]
		if _, ok := s.trigger(ticket, params); !ok {
			continue
		}
		result.Candidates++
		if s.coolingDown(ticket, params) {
			result.Skipped++
			continue
		}

		err := s.escalate(ctx, ticket.ID, params)
		switch {
		case errors.Is(err, errNotEligible):
			result.Skipped++
		case err != nil:
			result.ErrorCount++
			result.Errors = append(result.Errors, SweepError{TicketID: ticket.ID, Error: err.Error()})
			s.logger.Warn("escalation failed", zap.Int64("ticket_id", ticket.ID), zap.Error(err))
		default:
			result.EscalatedCount++
			result.TicketIDs = append(result.TicketIDs, ticket.ID)
		}
	}

	s.metrics.RecordSweepErrors(result.ErrorCount)
	span.SetAttributes(
		attribute.Int("sweep.candidates", result.Candidates),
		attribute.Int("sweep.escalated", result.EscalatedCount),
		attribute.Int("sweep.errors", result.ErrorCount),
	)
	s.logger.Info("escalation sweep finished",
		zap.Int("candidates", result.Candidates),
		zap.Int("escalated", result.EscalatedCount),
		zap.Int("skipped", result.Skipped),
		zap.Int("errors", result.ErrorCount),
	)
	return result, nil
}

// escalate re-reads the ticket under lock so two concurrent sweeps cannot
// both escalate it.
func (s *EscalationService) escalate(ctx context.Context, ticketID int64, params sweepParams) error {
	ctx, span := otel.Tracer(observability.TracerName).Start(ctx, "escalation.decide")
	defer span.End()
	span.SetAttributes(attribute.Int64("ticket.id", ticketID))

	var reason domain.EscalationReason
	err := s.tx.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		ticket, err := tx.Tickets().GetForUpdate(ctx, ticketID)
		if err != nil {
			return err
		}
		if ticket.Status == domain.TicketStatusResolved || s.coolingDown(ticket, params) {
			return errNotEligible
		}
		trig, ok := s.trigger(ticket, params)
		if !ok {
			return errNotEligible
		}

		target, err := s.resolver.NextTarget(ctx, ticket.Category, ticket.Location, ticket.EscalationLevel)
		if err != nil {
			return fmt.Errorf("resolve escalation target: %w", err)
		}

		level := ticket.EscalationLevel + 1
		urgent := level >= s.policy.UrgentLevel
		label := domain.EscalatedToSuperAdmin
		if target != nil {
			label = target.AssigneeID
			assignee := target.AssigneeID
			ticket.AssignedTo = &assignee
		} else if urgent {
			label = domain.EscalatedToSuperAdminUrgent
		}

		now := params.Now
		ticket.EscalationLevel = level
		ticket.LastEscalatedAt = &now
		ticket.EscalatedTo = &label
		ticket.UpdatedAt = now
		if err := tx.Tickets().Update(ctx, ticket); err != nil {
			return err
		}

		payload := events.TicketEscalatedPayload{
			Header:      events.NewHeader(ticket.ID, now),
			Reason:      trig.reason,
			Level:       level,
			EscalatedTo: label,
			Urgent:      urgent,
		}
		if target != nil {
			payload.AssigneeID = &target.AssigneeID
		}
		if trig.reason == domain.EscalationReasonTATViolation {
			payload.OverdueMinutes = int64(trig.overdue / time.Minute)
		}
		if err := appendEvent(ctx, tx, domain.EventTicketEscalated, payload, now); err != nil {
			return fmt.Errorf("enqueue escalation event: %w", err)
		}
		reason = trig.reason
		return nil
	})
	if err != nil {
		if !errors.Is(err, errNotEligible) {
			span.RecordError(err)
		}
		return err
	}
	s.metrics.RecordEscalation(string(reason))
	return nil
}

// trigger reports why a ticket qualifies. TAT violation wins when both
// apply since it carries the overdue duration.
func (s *EscalationService) trigger(ticket *domain.Ticket, params sweepParams) (escalationTrigger, bool) {
	if deadline, ok := ticket.Metadata.EffectiveTATDeadline(params.Now); ok && deadline.Before(params.Now) {
		return escalationTrigger{reason: domain.EscalationReasonTATViolation, overdue: params.Now.Sub(deadline)}, true
	}
	threshold := params.Now.Add(-time.Duration(params.InactivityDays) * day)
	if ticket.LastActivity().Before(threshold) {
		return escalationTrigger{reason: domain.EscalationReasonInactivity}, true
	}
	return escalationTrigger{}, false
}

func (s *EscalationService) coolingDown(ticket *domain.Ticket, params sweepParams) bool {
	if ticket.LastEscalatedAt == nil {
		return false
	}
	return params.Now.Sub(*ticket.LastEscalatedAt) < time.Duration(params.CooldownDays)*day
}

func (s *EscalationService) withDefaults(opts SweepOptions) sweepParams {
	params := sweepParams{
		Now:            opts.Now,
		InactivityDays: s.policy.InactivityDays,
		CooldownDays:   s.policy.CooldownDays,
	}
	if params.Now.IsZero() {
		params.Now = s.clock.Now()
	}
	if opts.InactivityDays != nil && *opts.InactivityDays >= 0 {
		params.InactivityDays = *opts.InactivityDays
	}
	if opts.CooldownDays != nil && *opts.CooldownDays >= 0 {
		params.CooldownDays = *opts.CooldownDays
	}
	return params
}
