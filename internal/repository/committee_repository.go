package repository

import (
	"context"
)

// CommitteeRepository answers committee-head questions for the
// transition rules.
type CommitteeRepository interface {
	// HeadsTicketCommittee reports whether userID heads a committee tagged
	// on the ticket directly or on the ticket's group.
	HeadsTicketCommittee(ctx context.Context, userID string, ticketID int64, groupID *int64) (bool, error)
}

type committeeRepository struct {
	db DBTX
}

// NewCommitteeRepository instantiates repository.
func NewCommitteeRepository(db DBTX) CommitteeRepository {
	return &committeeRepository{db: db}
}

func (r *committeeRepository) HeadsTicketCommittee(ctx context.Context, userID string, ticketID int64, groupID *int64) (bool, error) {
	const query = `
        SELECT EXISTS (
            SELECT 1
            FROM ticket_committee_tags t
            JOIN committees c ON c.id = t.committee_id
            WHERE c.head_user_id = $1
              AND (t.ticket_id = $2 OR ($3::BIGINT IS NOT NULL AND t.group_id = $3))
        )`
	var ok bool
	if err := r.db.QueryRow(ctx, query, userID, ticketID, groupID).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}
