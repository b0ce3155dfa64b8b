package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/spec-kit/helpdesk-engine/internal/domain"
)

// StatusRepository reads the ticket_statuses catalog.
type StatusRepository interface {
	// IsEnabled reports whether status has an enabled catalog row. A
	// missing row is reported as false, not as an error.
	IsEnabled(ctx context.Context, status domain.TicketStatus) (bool, error)
}

type statusRepository struct {
	db DBTX
}

// NewStatusRepository instantiates repository.
func NewStatusRepository(db DBTX) StatusRepository {
	return &statusRepository{db: db}
}

func (r *statusRepository) IsEnabled(ctx context.Context, status domain.TicketStatus) (bool, error) {
	const query = `SELECT enabled FROM ticket_statuses WHERE status = $1`
	var enabled bool
	err := r.db.QueryRow(ctx, query, string(status)).Scan(&enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return enabled, nil
}
