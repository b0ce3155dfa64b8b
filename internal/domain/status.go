package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownStatus is returned for status input with no canonical form.
var ErrUnknownStatus = errors.New("unknown ticket status")

var canonicalStatuses = map[TicketStatus]struct{}{
	TicketStatusOpen:            {},
	TicketStatusInProgress:      {},
	TicketStatusAwaitingStudent: {},
	TicketStatusReopened:        {},
	TicketStatusEscalated:       {},
	TicketStatusForwarded:       {},
	TicketStatusResolved:        {},
}

// legacy spellings accepted from older clients
var statusAliases = map[string]TicketStatus{
	"closed":     TicketStatusResolved,
	"inprogress": TicketStatusInProgress,
	"re_opened":  TicketStatusReopened,
	"awaiting":   TicketStatusAwaitingStudent,
}

// CanonicalStatus maps caller input to exactly one canonical status.
func CanonicalStatus(raw string) (TicketStatus, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty value", ErrUnknownStatus)
	}
	if _, ok := canonicalStatuses[TicketStatus(key)]; ok {
		return TicketStatus(key), nil
	}
	if alias, ok := statusAliases[key]; ok {
		return alias, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
}

// Valid reports whether s is one of the canonical statuses.
func (s TicketStatus) Valid() bool {
	_, ok := canonicalStatuses[s]
	return ok
}

// AllStatuses lists canonical statuses in lifecycle order.
func AllStatuses() []TicketStatus {
	return []TicketStatus{
		TicketStatusOpen,
		TicketStatusInProgress,
		TicketStatusAwaitingStudent,
		TicketStatusReopened,
		TicketStatusEscalated,
		TicketStatusForwarded,
		TicketStatusResolved,
	}
}
