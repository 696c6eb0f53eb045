package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mailganti/opsconductor/common/models"
)

// PostgresStore keeps sessions in the controller database so they
// survive proxy restarts and are shared between instances.
type PostgresStore struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

// NewPostgresStore creates a database-backed session store
func NewPostgresStore(pool *pgxpool.Pool, ttl time.Duration) *PostgresStore {
	return &PostgresStore{pool: pool, ttl: ttl}
}

// Create inserts a session with expires_at = now + TTL
func (p *PostgresStore) Create(ctx context.Context, s *models.Session) error {
	now := time.Now()
	s.CreatedAt = now
	s.ExpiresAt = now.Add(p.ttl)

	_, err := p.pool.Exec(ctx, `
		INSERT INTO sessions (session_id, username, domain, auth_method, cert_dn,
			ip, user_agent, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		s.SessionID, s.Username, s.Domain, s.AuthMethod, s.CertDN,
		s.IP, s.UserAgent, s.CreatedAt, s.ExpiresAt)
	if err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

// Touch returns a live session and slides its expiry forward. Expired
// rows are removed on the way out.
func (p *PostgresStore) Touch(ctx context.Context, sessionID string) (*models.Session, error) {
	var s models.Session
	err := p.pool.QueryRow(ctx, `
		UPDATE sessions SET expires_at = $2
		WHERE session_id = $1 AND expires_at > now()
		RETURNING session_id, username, domain, auth_method, cert_dn,
			ip, user_agent, created_at, expires_at`,
		sessionID, time.Now().Add(p.ttl),
	).Scan(&s.SessionID, &s.Username, &s.Domain, &s.AuthMethod, &s.CertDN,
		&s.IP, &s.UserAgent, &s.CreatedAt, &s.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		_, _ = p.pool.Exec(ctx, `
			DELETE FROM sessions WHERE session_id = $1 AND expires_at <= now()`, sessionID)
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("refresh session: %w", err)
	}
	return &s, nil
}

// Delete removes a session
func (p *PostgresStore) Delete(ctx context.Context, sessionID string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM sessions WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
