package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/spec-kit/helpdesk-engine/internal/domain"
)

// EscalationChainRepository walks the per-category/location assignment
// chain stored in escalation_chains.
type EscalationChainRepository interface {
	// NextTarget returns the chain entry one level above currentLevel, or
	// nil when the chain is exhausted. A location-specific entry wins over
	// the category-wide one (empty location).
	NextTarget(ctx context.Context, category, location string, currentLevel int) (*domain.AssignmentTarget, error)
}

type escalationChainRepository struct {
	db DBTX
}

// NewEscalationChainRepository instantiates repository.
func NewEscalationChainRepository(db DBTX) EscalationChainRepository {
	return &escalationChainRepository{db: db}
}

func (r *escalationChainRepository) NextTarget(ctx context.Context, category, location string, currentLevel int) (*domain.AssignmentTarget, error) {
	const query = `
        SELECT assignee_id, level
        FROM escalation_chains
        WHERE category = $1 AND (location = $2 OR location = '') AND level = $3
        ORDER BY (location = $2) DESC
        LIMIT 1`

	var target domain.AssignmentTarget
	err := r.db.QueryRow(ctx, query,
		strings.ToLower(category),
		strings.ToLower(location),
		currentLevel+1,
	).Scan(&target.AssigneeID, &target.Level)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &target, nil
}
