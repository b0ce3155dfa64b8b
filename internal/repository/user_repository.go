package repository

import (
	"context"

	"github.com/spec-kit/helpdesk-engine/internal/domain"
)

// UserRepository resolves user identities to notification addresses.
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*domain.User, error)
	ListByRole(ctx context.Context, role domain.Role) ([]domain.User, error)
}

type userRepository struct {
	db DBTX
}

// NewUserRepository returns a Postgres-backed implementation.
func NewUserRepository(db DBTX) UserRepository {
	return &userRepository{db: db}
}

func (r *userRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	const query = `SELECT id, name, email, role FROM users WHERE id=$1`

	var (
		user domain.User
		role string
	)
	if err := r.db.QueryRow(ctx, query, id).Scan(
		&user.ID,
		&user.Name,
		&user.Email,
		&role,
	); err != nil {
		return nil, err
	}
	user.Role = domain.ParseRole(role)
	return &user, nil
}

func (r *userRepository) ListByRole(ctx context.Context, role domain.Role) ([]domain.User, error) {
	const query = `SELECT id, name, email, role FROM users WHERE role=$1 ORDER BY id`

	rows, err := r.db.Query(ctx, query, string(role))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		var (
			user domain.User
			raw  string
		)
		if err := rows.Scan(&user.ID, &user.Name, &user.Email, &raw); err != nil {
			return nil, err
		}
		user.Role = domain.ParseRole(raw)
		users = append(users, user)
	}
	return users, rows.Err()
}
