// Package container wires the controller's object graph once at startup
package container

import (
	"context"
	"fmt"

	"github.com/mailganti/opsconductor/cmd/controller/handlers"
	"github.com/mailganti/opsconductor/cmd/controller/middleware"
	"github.com/mailganti/opsconductor/cmd/controller/service"
	"github.com/mailganti/opsconductor/common/clients"
	"github.com/mailganti/opsconductor/common/config"
	"github.com/mailganti/opsconductor/common/db"
	"github.com/mailganti/opsconductor/common/logger"
	"github.com/mailganti/opsconductor/common/mailer"
	"github.com/mailganti/opsconductor/common/notify"
	"github.com/mailganti/opsconductor/common/queue"
	"github.com/mailganti/opsconductor/common/repository"
)

// Container holds every long-lived component of the controller
type Container struct {
	Config *config.Config
	Log    *logger.Logger
	DB     *db.DB
	Queue  *queue.MemoryQueue

	Auth *middleware.Auth

	AgentService    *service.AgentService
	WorkflowService *service.WorkflowService
	ReportService   *service.ReportService
	RunHub          *service.RunHub
	Dispatcher      *notify.Dispatcher

	AgentHandler    *handlers.AgentHandler
	WorkflowHandler *handlers.WorkflowHandler
	ReportHandler   *handlers.ReportHandler
	TokenHandler    *handlers.TokenHandler
}

// New builds the object graph and applies the schema
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Container, error) {
	database, err := db.New(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	if err := database.Migrate(ctx); err != nil {
		database.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	pool := database.Pool
	agentRepo := repository.NewAgentRepository(pool)
	userRepo := repository.NewUserRepository(pool)
	accessRepo := repository.NewAccessRepository(pool)
	tokenRepo := repository.NewTokenRepository(pool)
	workflowRepo := repository.NewWorkflowRepository(pool)
	execTokenRepo := repository.NewExecTokenRepository(pool)
	reportRepo := repository.NewReportRepository(pool)

	agentClient, err := clients.NewAgentClient(cfg.Agents, log)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("initialize agent client: %w", err)
	}

	q := queue.NewMemoryQueue(log)
	notifier := notify.NewNotifier(q, log)
	dispatcher := notify.NewDispatcher(q, mailer.New(cfg.Mail, log), log)

	hub := service.NewRunHub(cfg.Reports.Retention, log)
	executor := service.NewExecutor(agentRepo, agentClient, cfg, log)

	agentSvc := service.NewAgentService(agentRepo, userRepo, accessRepo, agentClient, cfg, log)
	workflowSvc := service.NewWorkflowService(workflowRepo, execTokenRepo, executor, notifier, cfg, log)
	reportSvc := service.NewReportService(reportRepo, agentRepo, agentClient, hub, cfg, log)

	auth := middleware.NewAuth(userRepo, tokenRepo, cfg, log)

	return &Container{
		Config: cfg,
		Log:    log,
		DB:     database,
		Queue:  q,

		Auth: auth,

		AgentService:    agentSvc,
		WorkflowService: workflowSvc,
		ReportService:   reportSvc,
		RunHub:          hub,
		Dispatcher:      dispatcher,

		AgentHandler:    handlers.NewAgentHandler(agentSvc, log),
		WorkflowHandler: handlers.NewWorkflowHandler(workflowSvc, log),
		ReportHandler:   handlers.NewReportHandler(reportSvc, log),
		TokenHandler:    handlers.NewTokenHandler(tokenRepo, log),
	}, nil
}

// Close releases held resources in reverse construction order
func (c *Container) Close() {
	c.Queue.Close()
	c.DB.Close()
}
