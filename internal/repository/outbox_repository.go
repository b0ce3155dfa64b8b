package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/spec-kit/helpdesk-engine/internal/domain"
)

// OutboxRepository persists pending side-effect events.
type OutboxRepository interface {
	Append(ctx context.Context, event *domain.OutboxEvent) error
	// ClaimNext locks the oldest eligible row, bumps attempts and sets
	// next_retry_at to leaseUntil (nil clears it). Returns nil when the
	// queue has nothing eligible. Must run inside a transaction.
	ClaimNext(ctx context.Context, now time.Time, leaseUntil *time.Time) (*domain.OutboxEvent, error)
	MarkProcessed(ctx context.Context, id int64, at time.Time) error
	ScheduleRetry(ctx context.Context, id int64, at time.Time, reason string) error
	GetByID(ctx context.Context, id int64) (*domain.OutboxEvent, error)
	ListStuck(ctx context.Context, minAttempts, limit int) ([]domain.OutboxEvent, error)
	ResetRetry(ctx context.Context, id int64) error
}

type outboxRepository struct {
	db DBTX
}

// NewOutboxRepository instantiates repository.
func NewOutboxRepository(db DBTX) OutboxRepository {
	return &outboxRepository{db: db}
}

const outboxColumns = `id, event_type, payload, attempts, processed_at, next_retry_at, last_error, created_at`

func (r *outboxRepository) Append(ctx context.Context, event *domain.OutboxEvent) error {
	const query = `
        INSERT INTO outbox_events (event_type, payload, created_at)
        VALUES ($1, $2, $3)
        RETURNING id`
	return r.db.QueryRow(ctx, query, string(event.EventType), []byte(event.Payload), event.CreatedAt).Scan(&event.ID)
}

func (r *outboxRepository) ClaimNext(ctx context.Context, now time.Time, leaseUntil *time.Time) (*domain.OutboxEvent, error) {
	const selectQuery = `
        SELECT id, event_type, payload, attempts, created_at
        FROM outbox_events
        WHERE processed_at IS NULL AND (next_retry_at IS NULL OR next_retry_at <= $1)
        ORDER BY id
        LIMIT 1
        FOR UPDATE SKIP LOCKED`

	var (
		event     domain.OutboxEvent
		eventType string
		payload   []byte
	)
	err := r.db.QueryRow(ctx, selectQuery, now).Scan(&event.ID, &eventType, &payload, &event.Attempts, &event.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	const claimQuery = `UPDATE outbox_events SET attempts = attempts + 1, next_retry_at = $2 WHERE id = $1`
	if _, err := r.db.Exec(ctx, claimQuery, event.ID, leaseUntil); err != nil {
		return nil, err
	}

	event.EventType = domain.EventType(eventType)
	event.Payload = payload
	event.Attempts++
	event.NextRetryAt = leaseUntil
	return &event, nil
}

func (r *outboxRepository) MarkProcessed(ctx context.Context, id int64, at time.Time) error {
	const query = `UPDATE outbox_events SET processed_at = COALESCE(processed_at, $2), next_retry_at = NULL WHERE id = $1`
	return r.execOne(ctx, query, id, at)
}

func (r *outboxRepository) ScheduleRetry(ctx context.Context, id int64, at time.Time, reason string) error {
	const query = `UPDATE outbox_events SET next_retry_at = $2, last_error = $3 WHERE id = $1 AND processed_at IS NULL`
	cmd, err := r.db.Exec(ctx, query, id, at, reason)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		// Either missing or already delivered; only the former is an error.
		_, err := r.GetByID(ctx, id)
		return err
	}
	return nil
}

func (r *outboxRepository) GetByID(ctx context.Context, id int64) (*domain.OutboxEvent, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox_events WHERE id = $1`
	return scanOutboxEvent(r.db.QueryRow(ctx, query, id))
}

func (r *outboxRepository) ListStuck(ctx context.Context, minAttempts, limit int) ([]domain.OutboxEvent, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox_events
        WHERE processed_at IS NULL AND attempts >= $1
        ORDER BY id
        LIMIT $2`
	rows, err := r.db.Query(ctx, query, minAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.OutboxEvent
	for rows.Next() {
		event, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}
	return events, rows.Err()
}

func (r *outboxRepository) ResetRetry(ctx context.Context, id int64) error {
	const query = `UPDATE outbox_events SET next_retry_at = NULL WHERE id = $1 AND processed_at IS NULL`
	cmd, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		_, err := r.GetByID(ctx, id)
		return err
	}
	return nil
}

func (r *outboxRepository) execOne(ctx context.Context, query string, args ...any) error {
	cmd, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func scanOutboxEvent(row pgx.Row) (*domain.OutboxEvent, error) {
	var (
		event     domain.OutboxEvent
		eventType string
		payload   []byte
	)
	if err := row.Scan(
		&event.ID,
		&eventType,
		&payload,
		&event.Attempts,
		&event.ProcessedAt,
		&event.NextRetryAt,
		&event.LastError,
		&event.CreatedAt,
	); err != nil {
		return nil, err
	}
	event.EventType = domain.EventType(eventType)
	event.Payload = payload
	return &event, nil
}
