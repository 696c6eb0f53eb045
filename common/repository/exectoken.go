package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mailganti/opsconductor/common/models"
)

// ExecTokenRepository stores one-time execution tokens and the reexec
// approval requests that mint them.
type ExecTokenRepository struct {
	pool *pgxpool.Pool
}

// NewExecTokenRepository creates an execution token repository
func NewExecTokenRepository(pool *pgxpool.Pool) *ExecTokenRepository {
	return &ExecTokenRepository{pool: pool}
}

// Mint inserts a fresh unused token bound to a workflow
func (r *ExecTokenRepository) Mint(ctx context.Context, t *models.ExecutionToken) (*models.ExecutionToken, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO execution_tokens (token, workflow_id, expires_at)
		VALUES ($1, $2, $3)
		RETURNING created_at`,
		t.Token, t.WorkflowID, t.ExpiresAt,
	).Scan(&t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("mint execution token for %s: %w", t.WorkflowID, mapErr(err))
	}
	return t, nil
}

// Get fetches a token row regardless of used/expired state
func (r *ExecTokenRepository) Get(ctx context.Context, token string) (*models.ExecutionToken, error) {
	var t models.ExecutionToken
	err := r.pool.QueryRow(ctx, `
		SELECT token, workflow_id, expires_at, used, used_by, created_at
		FROM execution_tokens WHERE token = $1`, token,
	).Scan(&t.Token, &t.WorkflowID, &t.ExpiresAt, &t.Used, &t.UsedBy, &t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get execution token: %w", mapErr(err))
	}
	return &t, nil
}

// Consume atomically marks an unused, unexpired token as used.
// Returns false when the token was already consumed, expired, bound to
// a different workflow, or absent; a second concurrent consume of the
// same token always returns false.
func (r *ExecTokenRepository) Consume(ctx context.Context, token, workflowID, usedBy string, now time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE execution_tokens SET used = true, used_by = $3
		WHERE token = $1 AND workflow_id = $2 AND used = false AND expires_at > $4`,
		token, workflowID, usedBy, now)
	if err != nil {
		return false, fmt.Errorf("consume execution token: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CreateReexec files a pending re-execution request
func (r *ExecTokenRepository) CreateReexec(ctx context.Context, req *models.ReexecRequest) (*models.ReexecRequest, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO execution_approval_requests (request_id, workflow_id, requester, requester_email, note, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		req.RequestID, req.WorkflowID, req.Requester, req.RequesterEmail, req.Note, req.Status,
	).Scan(&req.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create reexec request for %s: %w", req.WorkflowID, mapErr(err))
	}
	return req, nil
}

// GetReexec fetches a re-execution request
func (r *ExecTokenRepository) GetReexec(ctx context.Context, requestID string) (*models.ReexecRequest, error) {
	var req models.ReexecRequest
	err := r.pool.QueryRow(ctx, `
		SELECT request_id, workflow_id, requester, requester_email, note, status, created_at
		FROM execution_approval_requests WHERE request_id = $1`, requestID,
	).Scan(&req.RequestID, &req.WorkflowID, &req.Requester, &req.RequesterEmail,
		&req.Note, &req.Status, &req.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get reexec request %s: %w", requestID, mapErr(err))
	}
	return &req, nil
}

// ApproveReexec flips a pending request to approved; returns false if
// it was already decided.
func (r *ExecTokenRepository) ApproveReexec(ctx context.Context, requestID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE execution_approval_requests SET status = 'approved'
		WHERE request_id = $1 AND status = 'pending'`, requestID)
	if err != nil {
		return false, fmt.Errorf("approve reexec request %s: %w", requestID, err)
	}
	return tag.RowsAffected() == 1, nil
}
