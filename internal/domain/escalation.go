package domain

// EscalationReason explains why the sweep bumped a ticket.
type EscalationReason string

const (
	EscalationReasonInactivity   EscalationReason = "inactivity"
	EscalationReasonTATViolation EscalationReason = "tat-violation"
)

// Escalation target labels recorded in Ticket.EscalatedTo when the chain
// has no further assignee.
const (
	EscalatedToSuperAdmin       = "super_admin"
	EscalatedToSuperAdminUrgent = "super_admin_urgent"
)

// AssignmentTarget is the next party in an escalation chain.
type AssignmentTarget struct {
	AssigneeID string
	Level      int
}
