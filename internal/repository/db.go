package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by *pgxpool.Pool, pgx.Tx and pgxmock.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB is a DBTX that can open transactions.
type DB interface {
	DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Tx exposes the stores bound to a single transaction.
type Tx interface {
	Tickets() TicketRepository
	Outbox() OutboxRepository
}

// Transactor runs fn inside one database transaction. The transaction
// commits when fn returns nil and rolls back otherwise.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

type pgTransactor struct {
	db DB
}

// NewTransactor returns a Postgres-backed Transactor.
func NewTransactor(db DB) Transactor {
	return &pgTransactor{db: db}
}

func (t *pgTransactor) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (err error) {
	pgTx, err := t.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = pgTx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			if rbErr := pgTx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			}
		}
	}()

	if err = fn(ctx, &pgTxStores{tx: pgTx}); err != nil {
		return err
	}
	if err = pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type pgTxStores struct {
	tx pgx.Tx
}

func (s *pgTxStores) Tickets() TicketRepository { return NewTicketRepository(s.tx) }
func (s *pgTxStores) Outbox() OutboxRepository  { return NewOutboxRepository(s.tx) }
