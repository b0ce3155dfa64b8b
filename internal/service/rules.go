package service

import (
	"context"
	"slices"

	"github.com/spec-kit/helpdesk-engine/internal/domain"
)

// transitionRule is one row of the permission matrix. Nil from/to match
// any status; a nil predicate always holds.
type transitionRule struct {
	name           string
	roles          []domain.Role
	from           []domain.TicketStatus
	to             []domain.TicketStatus
	predicate      func(ctx context.Context, s *TransitionService, rc ruleContext) (bool, error)
	denial         string
	takesOwnership bool
}

type ruleContext struct {
	caller domain.Caller
	ticket *domain.Ticket
	to     domain.TicketStatus
}

// transitionRules is evaluated in order; the first rule whose roles
// include the caller's role governs the request.
var transitionRules = []transitionRule{
	{
		name:   "student-reopen-own",
		roles:  []domain.Role{domain.RoleStudent},
		from:   []domain.TicketStatus{domain.TicketStatusResolved},
		to:     []domain.TicketStatus{domain.TicketStatusReopened},
		denial: "students may only reopen their own resolved tickets",
		predicate: func(_ context.Context, _ *TransitionService, rc ruleContext) (bool, error) {
			return rc.ticket.CreatedBy == rc.caller.ID, nil
		},
	},
	{
		name:   "committee-resolve-tagged",
		roles:  []domain.Role{domain.RoleCommittee},
		to:     []domain.TicketStatus{domain.TicketStatusResolved},
		denial: "committee delegates may only resolve tickets tagged to a committee they head",
		predicate: func(ctx context.Context, s *TransitionService, rc ruleContext) (bool, error) {
			if s.committees == nil {
				return false, nil
			}
			return s.committees.HeadsTicketCommittee(ctx, rc.caller.ID, rc.ticket.ID, rc.ticket.GroupID)
		},
	},
	{
		name:           "admin-any",
		roles:          []domain.Role{domain.RoleAdmin, domain.RoleSuperAdmin},
		denial:         "admins may perform any transition",
		takesOwnership: true,
	},
}

const ruleNoMatch = "no-matching-rule"

func (r transitionRule) appliesTo(role domain.Role) bool {
	return slices.Contains(r.roles, role)
}

func (r transitionRule) allows(from, to domain.TicketStatus) bool {
	if r.from != nil && !slices.Contains(r.from, from) {
		return false
	}
	if r.to != nil && !slices.Contains(r.to, to) {
		return false
	}
	return true
}

func ruleFor(role domain.Role) (transitionRule, bool) {
	for _, rule := range transitionRules {
		if rule.appliesTo(role) {
			return rule, true
		}
	}
	return transitionRule{}, false
}
