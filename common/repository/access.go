package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mailganti/opsconductor/common/models"
)

// AccessRepository stores per-user environment grants
type AccessRepository struct {
	pool *pgxpool.Pool
}

// NewAccessRepository creates an access repository
func NewAccessRepository(pool *pgxpool.Pool) *AccessRepository {
	return &AccessRepository{pool: pool}
}

// GrantsFor returns the raw grant strings for a user, including "*"
func (r *AccessRepository) GrantsFor(ctx context.Context, userID int64) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT environment FROM user_agent_access WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("grants for user %d: %w", userID, err)
	}
	defer rows.Close()

	var grants []string
	for rows.Next() {
		var env string
		if err := rows.Scan(&env); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		grants = append(grants, env)
	}
	return grants, rows.Err()
}

// Grant records an environment grant; duplicate grants are rejected
func (r *AccessRepository) Grant(ctx context.Context, userID int64, environment, grantedBy string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO user_agent_access (user_id, environment, granted_by)
		VALUES ($1, $2, $3)`, userID, environment, grantedBy)
	if err != nil {
		return fmt.Errorf("grant %s to user %d: %w", environment, userID, mapErr(err))
	}
	return nil
}

// Revoke removes an environment grant
func (r *AccessRepository) Revoke(ctx context.Context, userID int64, environment string) error {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM user_agent_access WHERE user_id = $1 AND environment = $2`,
		userID, environment)
	if err != nil {
		return fmt.Errorf("revoke %s from user %d: %w", environment, userID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("revoke %s from user %d: %w", environment, userID, ErrNotFound)
	}
	return nil
}

// ListAll enumerates every grant with the owning username
func (r *AccessRepository) ListAll(ctx context.Context) ([]*models.EnvAccess, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT a.user_id, u.username, a.environment, a.granted_by, a.granted_at
		FROM user_agent_access a
		JOIN users u ON u.user_id = a.user_id
		ORDER BY u.username, a.environment`)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()

	var grants []*models.EnvAccess
	for rows.Next() {
		var g models.EnvAccess
		if err := rows.Scan(&g.UserID, &g.Username, &g.Environment, &g.GrantedBy, &g.GrantedAt); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		grants = append(grants, &g)
	}
	return grants, rows.Err()
}
