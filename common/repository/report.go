package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mailganti/opsconductor/common/models"
)

// ReportRepository stores report scripts and run history
type ReportRepository struct {
	pool *pgxpool.Pool
}

// NewReportRepository creates a report repository
func NewReportRepository(pool *pgxpool.Pool) *ReportRepository {
	return &ReportRepository{pool: pool}
}

const scriptColumns = `script_id, name, script_path, category, description, timeout_s, parameters, created_at`

func scanScript(row interface{ Scan(...any) error }) (*models.ReportScript, error) {
	var s models.ReportScript
	err := row.Scan(&s.ScriptID, &s.Name, &s.ScriptPath, &s.Category,
		&s.Description, &s.TimeoutS, &s.Parameters, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// UpsertScript registers or replaces a report script
func (r *ReportRepository) UpsertScript(ctx context.Context, s *models.ReportScript) (*models.ReportScript, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO report_scripts (script_id, name, script_path, category, description, timeout_s, parameters)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (script_id) DO UPDATE SET
			name = EXCLUDED.name,
			script_path = EXCLUDED.script_path,
			category = EXCLUDED.category,
			description = EXCLUDED.description,
			timeout_s = EXCLUDED.timeout_s,
			parameters = EXCLUDED.parameters
		RETURNING `+scriptColumns,
		s.ScriptID, s.Name, s.ScriptPath, s.Category, s.Description, s.TimeoutS, s.Parameters)
	saved, err := scanScript(row)
	if err != nil {
		return nil, fmt.Errorf("upsert script %s: %w", s.ScriptID, mapErr(err))
	}
	return saved, nil
}

// GetScript fetches one registered script
func (r *ReportRepository) GetScript(ctx context.Context, scriptID string) (*models.ReportScript, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+scriptColumns+` FROM report_scripts WHERE script_id = $1`, scriptID)
	s, err := scanScript(row)
	if err != nil {
		return nil, fmt.Errorf("get script %s: %w", scriptID, mapErr(err))
	}
	return s, nil
}

// ListScripts returns all registered scripts
func (r *ReportRepository) ListScripts(ctx context.Context) ([]*models.ReportScript, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+scriptColumns+` FROM report_scripts ORDER BY category, name`)
	if err != nil {
		return nil, fmt.Errorf("list scripts: %w", err)
	}
	defer rows.Close()

	scripts := []*models.ReportScript{}
	for rows.Next() {
		s, err := scanScript(rows)
		if err != nil {
			return nil, fmt.Errorf("scan script: %w", err)
		}
		scripts = append(scripts, s)
	}
	return scripts, rows.Err()
}

// DeleteScript removes a script from the registry
func (r *ReportRepository) DeleteScript(ctx context.Context, scriptID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM report_scripts WHERE script_id = $1`, scriptID)
	if err != nil {
		return fmt.Errorf("delete script %s: %w", scriptID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete script %s: %w", scriptID, ErrNotFound)
	}
	return nil
}

// CreateRun records a newly started run
func (r *ReportRepository) CreateRun(ctx context.Context, run *models.ReportRun) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO report_runs (run_id, script_id, target_agent, parameters, status, started_at, run_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.RunID, run.ScriptID, run.TargetAgent, run.Parameters, run.Status, run.StartedAt, run.RunBy)
	if err != nil {
		return fmt.Errorf("create run %s: %w", run.RunID, mapErr(err))
	}
	return nil
}

// FinishRun persists the terminal state of a run. Runs already in a
// terminal state keep their first outcome.
func (r *ReportRepository) FinishRun(ctx context.Context, runID string, status models.RunStatus, exitCode int, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE report_runs SET status = $2, exit_code = $3, completed_at = $4
		WHERE run_id = $1 AND status IN ('pending', 'running')`, runID, status, exitCode, at)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	return nil
}

// GetRun fetches one run
func (r *ReportRepository) GetRun(ctx context.Context, runID string) (*models.ReportRun, error) {
	var run models.ReportRun
	err := r.pool.QueryRow(ctx, `
		SELECT run_id, script_id, target_agent, parameters, status, started_at, completed_at, exit_code, run_by
		FROM report_runs WHERE run_id = $1`, runID,
	).Scan(&run.RunID, &run.ScriptID, &run.TargetAgent, &run.Parameters, &run.Status,
		&run.StartedAt, &run.CompletedAt, &run.ExitCode, &run.RunBy)
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, mapErr(err))
	}
	return &run, nil
}

// History returns recent runs, newest first
func (r *ReportRepository) History(ctx context.Context, limit int) ([]*models.ReportRun, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT run_id, script_id, target_agent, parameters, status, started_at, completed_at, exit_code, run_by
		FROM report_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("run history: %w", err)
	}
	defer rows.Close()

	runs := []*models.ReportRun{}
	for rows.Next() {
		var run models.ReportRun
		if err := rows.Scan(&run.RunID, &run.ScriptID, &run.TargetAgent, &run.Parameters,
			&run.Status, &run.StartedAt, &run.CompletedAt, &run.ExitCode, &run.RunBy); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}
