package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mailganti/opsconductor/common/models"
)

// ErrAlreadyApproved is returned when an approver approves the same
// workflow twice.
var ErrAlreadyApproved = errors.New("already approved by this user")

// WorkflowRepository stores workflows, approvals and the audit log
type WorkflowRepository struct {
	pool *pgxpool.Pool
}

// NewWorkflowRepository creates a workflow repository
func NewWorkflowRepository(pool *pgxpool.Pool) *WorkflowRepository {
	return &WorkflowRepository{pool: pool}
}

const workflowColumns = `workflow_id, script_id, targets, requestor, requestor_email, reason,
	required_approval_levels, notify_email, ttl_minutes, script_params, status, created_at, expires_at`

func scanWorkflow(row interface{ Scan(...any) error }) (*models.Workflow, error) {
	var w models.Workflow
	err := row.Scan(&w.WorkflowID, &w.ScriptID, &w.Targets, &w.Requestor, &w.RequestorEmail,
		&w.Reason, &w.RequiredApprovalLevels, &w.NotifyEmail, &w.TTLMinutes,
		&w.ScriptParams, &w.Status, &w.CreatedAt, &w.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// Create inserts a new pending workflow
func (r *WorkflowRepository) Create(ctx context.Context, w *models.Workflow) (*models.Workflow, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO workflows (workflow_id, script_id, targets, requestor, requestor_email,
			reason, required_approval_levels, notify_email, ttl_minutes, script_params,
			status, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING `+workflowColumns,
		w.WorkflowID, w.ScriptID, w.Targets, w.Requestor, w.RequestorEmail,
		w.Reason, w.RequiredApprovalLevels, w.NotifyEmail, w.TTLMinutes, w.ScriptParams,
		w.Status, w.ExpiresAt)
	saved, err := scanWorkflow(row)
	if err != nil {
		return nil, fmt.Errorf("create workflow %s: %w", w.WorkflowID, mapErr(err))
	}
	return saved, nil
}

// GetByID fetches a workflow with its approvals
func (r *WorkflowRepository) GetByID(ctx context.Context, workflowID string) (*models.Workflow, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE workflow_id = $1`, workflowID)
	w, err := scanWorkflow(row)
	if err != nil {
		return nil, fmt.Errorf("get workflow %s: %w", workflowID, mapErr(err))
	}

	rows, err := r.pool.Query(ctx, `
		SELECT workflow_id, approver, level, approved_at
		FROM workflow_approvals WHERE workflow_id = $1 ORDER BY approved_at`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("get approvals %s: %w", workflowID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var a models.Approval
		if err := rows.Scan(&a.WorkflowID, &a.Approver, &a.Level, &a.ApprovedAt); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		w.Approvals = append(w.Approvals, a)
	}
	return w, rows.Err()
}

// List returns workflows newest first
func (r *WorkflowRepository) List(ctx context.Context, limit int) ([]*models.Workflow, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+workflowColumns+` FROM workflows ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	workflows := []*models.Workflow{}
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		workflows = append(workflows, w)
	}
	return workflows, rows.Err()
}

// ApproveResult reports the outcome of recording one approval
type ApproveResult struct {
	ApprovalCount int
	// FullyApproved is true when this approval completed the required
	// count and flipped the workflow to approved.
	FullyApproved bool
}

// Approve records one approval and, when the required count is reached,
// flips pending to approved in the same transaction. The workflow row
// is locked first so concurrent approvals serialize: the second
// transaction blocks until the first commits and then counts both
// rows. The conditional UPDATE ensures exactly one caller observes
// the flip.
func (r *WorkflowRepository) Approve(ctx context.Context, workflowID, approver string, level, requiredLevels int) (*ApproveResult, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin approve tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var locked int
	err = tx.QueryRow(ctx,
		`SELECT 1 FROM workflows WHERE workflow_id = $1 FOR UPDATE`, workflowID,
	).Scan(&locked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("approve workflow %s: %w", workflowID, ErrNotFound)
		}
		return nil, fmt.Errorf("lock workflow %s: %w", workflowID, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO workflow_approvals (workflow_id, approver, level)
		VALUES ($1, $2, $3)`, workflowID, approver, level)
	if err != nil {
		if errors.Is(mapErr(err), ErrDuplicate) {
			return nil, ErrAlreadyApproved
		}
		return nil, fmt.Errorf("insert approval: %w", err)
	}

	var count int
	err = tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM workflow_approvals WHERE workflow_id = $1`, workflowID,
	).Scan(&count)
	if err != nil {
		return nil, fmt.Errorf("count approvals: %w", err)
	}

	res := &ApproveResult{ApprovalCount: count}
	if count >= requiredLevels {
		tag, err := tx.Exec(ctx, `
			UPDATE workflows SET status = 'approved'
			WHERE workflow_id = $1 AND status = 'pending'`, workflowID)
		if err != nil {
			return nil, fmt.Errorf("flip to approved: %w", err)
		}
		res.FullyApproved = tag.RowsAffected() == 1
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit approve tx: %w", err)
	}
	return res, nil
}

// SetStatus updates the status unconditionally
func (r *WorkflowRepository) SetStatus(ctx context.Context, workflowID string, status models.WorkflowStatus) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE workflows SET status = $2 WHERE workflow_id = $1`, workflowID, status)
	if err != nil {
		return fmt.Errorf("set workflow %s status: %w", workflowID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set workflow %s status: %w", workflowID, ErrNotFound)
	}
	return nil
}

// TransitionStatus flips from one status to another, returning whether
// this caller won the compare-and-set.
func (r *WorkflowRepository) TransitionStatus(ctx context.Context, workflowID string, from, to models.WorkflowStatus) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE workflows SET status = $3
		WHERE workflow_id = $1 AND status = $2`, workflowID, from, to)
	if err != nil {
		return false, fmt.Errorf("transition workflow %s %s->%s: %w", workflowID, from, to, err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkExpired persists lazy expiry for a pending workflow past its TTL
func (r *WorkflowRepository) MarkExpired(ctx context.Context, workflowID string, now time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE workflows SET status = 'expired'
		WHERE workflow_id = $1 AND status = 'pending' AND expires_at < $2`,
		workflowID, now)
	if err != nil {
		return fmt.Errorf("mark workflow %s expired: %w", workflowID, err)
	}
	return nil
}

// Delete removes a workflow; approvals and tokens cascade
func (r *WorkflowRepository) Delete(ctx context.Context, workflowID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM workflows WHERE workflow_id = $1`, workflowID)
	if err != nil {
		return fmt.Errorf("delete workflow %s: %w", workflowID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete workflow %s: %w", workflowID, ErrNotFound)
	}
	return nil
}

// Audit appends one entry to the workflow's audit trail
func (r *WorkflowRepository) Audit(ctx context.Context, workflowID, action, user, note string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO audit_log (workflow_id, action, username, note)
		VALUES ($1, $2, $3, $4)`, workflowID, action, user, note)
	if err != nil {
		return fmt.Errorf("audit workflow %s: %w", workflowID, err)
	}
	return nil
}

// AuditLog returns the workflow's audit entries in insertion order
func (r *WorkflowRepository) AuditLog(ctx context.Context, workflowID string) ([]*models.AuditEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, workflow_id, ts, action, username, note
		FROM audit_log WHERE workflow_id = $1 ORDER BY ts, id`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("audit log %s: %w", workflowID, err)
	}
	defer rows.Close()

	entries := []*models.AuditEntry{}
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.ID, &e.WorkflowID, &e.Timestamp, &e.Action, &e.User, &e.Note); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
