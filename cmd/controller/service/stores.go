package service

import (
	"context"
	"time"

	"github.com/mailganti/opsconductor/common/models"
	"github.com/mailganti/opsconductor/common/repository"
)

// Store interfaces mirror the pgx repositories so services can be
// tested against fakes. The repository types satisfy them directly.

// AgentStore persists registered agents
type AgentStore interface {
	GetByName(ctx context.Context, name string) (*models.Agent, error)
	GetByHostPort(ctx context.Context, host string, port int) (*models.Agent, error)
	Upsert(ctx context.Context, a *models.Agent) (*models.Agent, error)
	List(ctx context.Context, f repository.ListFilter) ([]*models.Agent, error)
	Heartbeat(ctx context.Context, name string, at time.Time) error
	Update(ctx context.Context, name string, f repository.UpdateFields) (*models.Agent, error)
	Delete(ctx context.Context, name string) error
}

// AccessStore persists environment grants
type AccessStore interface {
	GrantsFor(ctx context.Context, userID int64) ([]string, error)
	Grant(ctx context.Context, userID int64, environment, grantedBy string) error
	Revoke(ctx context.Context, userID int64, environment string) error
	ListAll(ctx context.Context) ([]*models.EnvAccess, error)
}

// UserStore persists user records
type UserStore interface {
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	Ensure(ctx context.Context, u *models.User) (*models.User, error)
	List(ctx context.Context) ([]*models.User, error)
}

// WorkflowStore persists workflows, approvals and audit entries
type WorkflowStore interface {
	Create(ctx context.Context, w *models.Workflow) (*models.Workflow, error)
	GetByID(ctx context.Context, workflowID string) (*models.Workflow, error)
	List(ctx context.Context, limit int) ([]*models.Workflow, error)
	Approve(ctx context.Context, workflowID, approver string, level, requiredLevels int) (*repository.ApproveResult, error)
	TransitionStatus(ctx context.Context, workflowID string, from, to models.WorkflowStatus) (bool, error)
	SetStatus(ctx context.Context, workflowID string, status models.WorkflowStatus) error
	MarkExpired(ctx context.Context, workflowID string, now time.Time) error
	Delete(ctx context.Context, workflowID string) error
	Audit(ctx context.Context, workflowID, action, user, note string) error
	AuditLog(ctx context.Context, workflowID string) ([]*models.AuditEntry, error)
}

// ExecTokenStore persists one-time execution tokens and reexec requests
type ExecTokenStore interface {
	Mint(ctx context.Context, t *models.ExecutionToken) (*models.ExecutionToken, error)
	Get(ctx context.Context, token string) (*models.ExecutionToken, error)
	Consume(ctx context.Context, token, workflowID, usedBy string, now time.Time) (bool, error)
	CreateReexec(ctx context.Context, req *models.ReexecRequest) (*models.ReexecRequest, error)
	GetReexec(ctx context.Context, requestID string) (*models.ReexecRequest, error)
	ApproveReexec(ctx context.Context, requestID string) (bool, error)
}

// ReportStore persists report scripts and run history
type ReportStore interface {
	UpsertScript(ctx context.Context, s *models.ReportScript) (*models.ReportScript, error)
	GetScript(ctx context.Context, scriptID string) (*models.ReportScript, error)
	ListScripts(ctx context.Context) ([]*models.ReportScript, error)
	DeleteScript(ctx context.Context, scriptID string) error
	CreateRun(ctx context.Context, run *models.ReportRun) error
	FinishRun(ctx context.Context, runID string, status models.RunStatus, exitCode int, at time.Time) error
	GetRun(ctx context.Context, runID string) (*models.ReportRun, error)
	History(ctx context.Context, limit int) ([]*models.ReportRun, error)
}
