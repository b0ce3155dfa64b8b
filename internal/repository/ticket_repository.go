package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/spec-kit/helpdesk-engine/internal/domain"
)

// TicketRepository encapsulates ticket persistence.
type TicketRepository interface {
	Create(ctx context.Context, ticket *domain.Ticket) error
	// Update persists every mutable column, including updated_at as set on
	// the ticket by the caller.
	Update(ctx context.Context, ticket *domain.Ticket) error
	GetByID(ctx context.Context, id int64) (*domain.Ticket, error)
	// GetForUpdate locks the row for the rest of the transaction.
	GetForUpdate(ctx context.Context, id int64) (*domain.Ticket, error)
	ListUnresolved(ctx context.Context) ([]domain.Ticket, error)
}

type ticketRepository struct {
	db DBTX
}

// NewTicketRepository instantiates repository.
func NewTicketRepository(db DBTX) TicketRepository {
	return &ticketRepository{db: db}
}

const ticketColumns = `id, title, description, status, created_by, assigned_to, category, location,
               group_id, escalation_level, last_escalated_at, escalated_to, metadata, created_at, updated_at`

func (r *ticketRepository) Create(ctx context.Context, ticket *domain.Ticket) error {
	meta, err := ticket.Metadata.Encode()
	if err != nil {
		return err
	}
	const query = `
        INSERT INTO tickets (title, description, status, created_by, assigned_to, category, location, group_id, metadata, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
        RETURNING id`
	return r.db.QueryRow(ctx, query,
		ticket.Title,
		ticket.Description,
		string(ticket.Status),
		ticket.CreatedBy,
		ticket.AssignedTo,
		ticket.Category,
		ticket.Location,
		ticket.GroupID,
		meta,
		ticket.CreatedAt,
	).Scan(&ticket.ID)
}

func (r *ticketRepository) Update(ctx context.Context, ticket *domain.Ticket) error {
	meta, err := ticket.Metadata.Encode()
	if err != nil {
		return err
	}
	const query = `
        UPDATE tickets SET status=$1, assigned_to=$2, escalation_level=$3, last_escalated_at=$4,
            escalated_to=$5, metadata=$6, updated_at=$7
        WHERE id=$8`
	cmd, err := r.db.Exec(ctx, query,
		string(ticket.Status),
		ticket.AssignedTo,
		ticket.EscalationLevel,
		ticket.LastEscalatedAt,
		ticket.EscalatedTo,
		meta,
		ticket.UpdatedAt,
		ticket.ID,
	)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *ticketRepository) GetByID(ctx context.Context, id int64) (*domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE id=$1`
	return r.fetchSingle(ctx, query, id)
}

func (r *ticketRepository) GetForUpdate(ctx context.Context, id int64) (*domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE id=$1 FOR UPDATE`
	return r.fetchSingle(ctx, query, id)
}

func (r *ticketRepository) ListUnresolved(ctx context.Context) ([]domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE status <> $1 ORDER BY id`
	rows, err := r.db.Query(ctx, query, string(domain.TicketStatusResolved))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []domain.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, *ticket)
	}
	return tickets, rows.Err()
}

func (r *ticketRepository) fetchSingle(ctx context.Context, query string, arg any) (*domain.Ticket, error) {
	return scanTicket(r.db.QueryRow(ctx, query, arg))
}

func scanTicket(row pgx.Row) (*domain.Ticket, error) {
	var (
		ticket domain.Ticket
		status string
		meta   []byte
	)
	if err := row.Scan(
		&ticket.ID,
		&ticket.Title,
		&ticket.Description,
		&status,
		&ticket.CreatedBy,
		&ticket.AssignedTo,
		&ticket.Category,
		&ticket.Location,
		&ticket.GroupID,
		&ticket.EscalationLevel,
		&ticket.LastEscalatedAt,
		&ticket.EscalatedTo,
		&meta,
		&ticket.CreatedAt,
		&ticket.UpdatedAt,
	); err != nil {
		return nil, err
	}
	ticket.Status = domain.TicketStatus(status)
	parsed, err := domain.ParseMetadata(meta)
	if err != nil {
		return nil, fmt.Errorf("ticket %d: %w", ticket.ID, err)
	}
	ticket.Metadata = parsed
	return &ticket, nil
}
