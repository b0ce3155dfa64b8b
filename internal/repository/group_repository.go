package repository

import (
	"context"
	"time"
)

// GroupRepository archives ticket groups once all members are resolved.
type GroupRepository interface {
	ArchiveIfAllClosed(ctx context.Context, groupID int64, at time.Time) (bool, error)
}

type groupRepository struct {
	db DBTX
}

// NewGroupRepository instantiates repository.
func NewGroupRepository(db DBTX) GroupRepository {
	return &groupRepository{db: db}
}

func (r *groupRepository) ArchiveIfAllClosed(ctx context.Context, groupID int64, at time.Time) (bool, error) {
	const query = `
        UPDATE ticket_groups g SET archived = TRUE, archived_at = $2
        WHERE g.id = $1
          AND NOT g.archived
          AND NOT EXISTS (
              SELECT 1 FROM tickets t WHERE t.group_id = g.id AND t.status <> 'resolved'
          )`
	cmd, err := r.db.Exec(ctx, query, groupID, at)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}
