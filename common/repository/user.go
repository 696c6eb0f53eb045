package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mailganti/opsconductor/common/models"
)

// UserRepository stores user records
type UserRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository creates a user repository
func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

// GetByUsername fetches one user by exact username
func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	var u models.User
	err := r.pool.QueryRow(ctx, `
		SELECT user_id, username, role, email, full_name, auth_method, created_at
		FROM users WHERE username = $1`, username,
	).Scan(&u.UserID, &u.Username, &u.Role, &u.Email, &u.FullName, &u.AuthMethod, &u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", username, mapErr(err))
	}
	return &u, nil
}

// Create inserts a user and returns it with the assigned id
func (r *UserRepository) Create(ctx context.Context, u *models.User) (*models.User, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO users (username, role, email, full_name, auth_method)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING user_id, created_at`,
		u.Username, u.Role, u.Email, u.FullName, u.AuthMethod,
	).Scan(&u.UserID, &u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create user %s: %w", u.Username, mapErr(err))
	}
	return u, nil
}

// Ensure returns the user, creating it on first arrival. Concurrent
// first arrivals race on the username unique constraint; the loser
// re-reads the winner's row.
func (r *UserRepository) Ensure(ctx context.Context, u *models.User) (*models.User, error) {
	existing, err := r.GetByUsername(ctx, u.Username)
	if err == nil {
		return existing, nil
	}

	created, err := r.Create(ctx, u)
	if err == nil {
		return created, nil
	}
	if existing, retryErr := r.GetByUsername(ctx, u.Username); retryErr == nil {
		return existing, nil
	}
	return nil, err
}

// List returns all users ordered by username
func (r *UserRepository) List(ctx context.Context) ([]*models.User, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT user_id, username, role, email, full_name, auth_method, created_at
		FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.UserID, &u.Username, &u.Role, &u.Email, &u.FullName, &u.AuthMethod, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, &u)
	}
	return users, rows.Err()
}
