package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mailganti/opsconductor/common/models"
)

// AgentRepository stores registered agents
type AgentRepository struct {
	pool *pgxpool.Pool
}

// NewAgentRepository creates an agent repository
func NewAgentRepository(pool *pgxpool.Pool) *AgentRepository {
	return &AgentRepository{pool: pool}
}

const agentColumns = `agent_name, host, port, tls_enabled, environment, status, last_heartbeat, created_at, updated_at`

func scanAgent(row interface{ Scan(...any) error }) (*models.Agent, error) {
	var a models.Agent
	err := row.Scan(&a.AgentName, &a.Host, &a.Port, &a.TLSEnabled, &a.Environment,
		&a.Status, &a.LastHeartbeat, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetByName fetches one agent
func (r *AgentRepository) GetByName(ctx context.Context, name string) (*models.Agent, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE agent_name = $1`, name)
	a, err := scanAgent(row)
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", name, mapErr(err))
	}
	return a, nil
}

// GetByHostPort fetches the agent bound to (host, port), if any
func (r *AgentRepository) GetByHostPort(ctx context.Context, host string, port int) (*models.Agent, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE host = $1 AND port = $2`, host, port)
	a, err := scanAgent(row)
	if err != nil {
		return nil, fmt.Errorf("get agent %s:%d: %w", host, port, mapErr(err))
	}
	return a, nil
}

// Upsert registers an agent, replacing any previous row with the same name
func (r *AgentRepository) Upsert(ctx context.Context, a *models.Agent) (*models.Agent, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO agents (agent_name, host, port, tls_enabled, environment, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (agent_name) DO UPDATE SET
			host = EXCLUDED.host,
			port = EXCLUDED.port,
			tls_enabled = EXCLUDED.tls_enabled,
			environment = EXCLUDED.environment,
			status = EXCLUDED.status,
			updated_at = now()
		RETURNING `+agentColumns,
		a.AgentName, a.Host, a.Port, a.TLSEnabled, a.Environment, a.Status)
	saved, err := scanAgent(row)
	if err != nil {
		return nil, fmt.Errorf("upsert agent %s: %w", a.AgentName, mapErr(err))
	}
	return saved, nil
}

// ListFilter narrows List results. Environments nil means no env filter.
type ListFilter struct {
	Environments []models.Environment
	Status       models.AgentStatus
	Limit        int
}

// List returns agents matching the filter, ordered by name
func (r *AgentRepository) List(ctx context.Context, f ListFilter) ([]*models.Agent, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Environments) > 0 {
		envs := make([]string, len(f.Environments))
		for i, e := range f.Environments {
			envs[i] = string(e)
		}
		args = append(args, envs)
		where = append(where, fmt.Sprintf("environment = ANY($%d)", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + agentColumns + ` FROM agents`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY agent_name"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	agents := []*models.Agent{}
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// Heartbeat records agent liveness and flips it online
func (r *AgentRepository) Heartbeat(ctx context.Context, name string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE agents SET last_heartbeat = $2, status = 'online', updated_at = now()
		WHERE agent_name = $1`, name, at)
	if err != nil {
		return fmt.Errorf("heartbeat agent %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("heartbeat agent %s: %w", name, ErrNotFound)
	}
	return nil
}

// UpdateFields patches mutable agent attributes; nil fields are untouched
type UpdateFields struct {
	Status      *models.AgentStatus
	TLSEnabled  *bool
	Environment *models.Environment
}

// Update applies the patch and returns the updated row
func (r *AgentRepository) Update(ctx context.Context, name string, f UpdateFields) (*models.Agent, error) {
	set := []string{"updated_at = now()"}
	args := []any{name}
	if f.Status != nil {
		args = append(args, *f.Status)
		set = append(set, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.TLSEnabled != nil {
		args = append(args, *f.TLSEnabled)
		set = append(set, fmt.Sprintf("tls_enabled = $%d", len(args)))
	}
	if f.Environment != nil {
		args = append(args, *f.Environment)
		set = append(set, fmt.Sprintf("environment = $%d", len(args)))
	}

	row := r.pool.QueryRow(ctx,
		`UPDATE agents SET `+strings.Join(set, ", ")+` WHERE agent_name = $1 RETURNING `+agentColumns,
		args...)
	a, err := scanAgent(row)
	if err != nil {
		return nil, fmt.Errorf("update agent %s: %w", name, mapErr(err))
	}
	return a, nil
}

// Delete removes an agent from the registry
func (r *AgentRepository) Delete(ctx context.Context, name string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM agents WHERE agent_name = $1`, name)
	if err != nil {
		return fmt.Errorf("delete agent %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete agent %s: %w", name, ErrNotFound)
	}
	return nil
}
