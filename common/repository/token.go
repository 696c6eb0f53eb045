package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mailganti/opsconductor/common/models"
)

// TokenRepository stores long-lived bearer tokens
type TokenRepository struct {
	pool *pgxpool.Pool
}

// NewTokenRepository creates a token repository
func NewTokenRepository(pool *pgxpool.Pool) *TokenRepository {
	return &TokenRepository{pool: pool}
}

// Lookup resolves a presented token value. Revoked tokens are not returned.
func (r *TokenRepository) Lookup(ctx context.Context, value string) (*models.Token, error) {
	var t models.Token
	err := r.pool.QueryRow(ctx, `
		SELECT id, value, role, token_name, revoked, created_at
		FROM tokens WHERE value = $1 AND revoked = false`, value,
	).Scan(&t.ID, &t.Value, &t.Role, &t.TokenName, &t.Revoked, &t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("lookup token: %w", mapErr(err))
	}
	return &t, nil
}

// Create inserts a token
func (r *TokenRepository) Create(ctx context.Context, t *models.Token) (*models.Token, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO tokens (value, role, token_name)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`,
		t.Value, t.Role, t.TokenName,
	).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create token %s: %w", t.TokenName, mapErr(err))
	}
	return t, nil
}

// List returns all tokens, values omitted
func (r *TokenRepository) List(ctx context.Context) ([]*models.Token, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, role, token_name, revoked, created_at
		FROM tokens ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*models.Token
	for rows.Next() {
		var t models.Token
		if err := rows.Scan(&t.ID, &t.Role, &t.TokenName, &t.Revoked, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		tokens = append(tokens, &t)
	}
	return tokens, rows.Err()
}

// Revoke soft-revokes a token by id
func (r *TokenRepository) Revoke(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `UPDATE tokens SET revoked = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("revoke token %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("revoke token %d: %w", id, ErrNotFound)
	}
	return nil
}
