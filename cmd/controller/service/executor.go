package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mailganti/opsconductor/common/apperr"
	"github.com/mailganti/opsconductor/common/clients"
	"github.com/mailganti/opsconductor/common/config"
	"github.com/mailganti/opsconductor/common/logger"
	"github.com/mailganti/opsconductor/common/models"
	"github.com/mailganti/opsconductor/common/repository"
)

// AgentCaller is the outbound surface the executor needs
type AgentCaller interface {
	NotifyWorkflow(ctx context.Context, agent *models.Agent, workflowID string) error
	Execute(ctx context.Context, agent *models.Agent, req clients.ExecuteRequest) (*clients.ExecuteResult, error)
}

// Executor fans a workflow out to its target agents over HTTPS
type Executor struct {
	agents AgentStore
	client AgentCaller
	cfg    *config.Config
	log    *logger.Logger
}

// NewExecutor creates a script executor
func NewExecutor(agents AgentStore, client AgentCaller, cfg *config.Config, log *logger.Logger) *Executor {
	return &Executor{agents: agents, client: client, cfg: cfg, log: log}
}

// Run dispatches the workflow's script to every target agent in
// parallel and collects per-agent exit codes. Any agent failure fails
// the whole run; exit codes gathered before the failure are kept.
func (e *Executor) Run(ctx context.Context, w *models.Workflow, params map[string]any, timeoutS int) (map[string]int, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal workflow params: %w", err)
	}
	if timeoutS <= 0 {
		timeoutS = int(e.cfg.Agents.DefaultTimeout.Seconds())
	}

	var (
		mu        sync.Mutex
		exitCodes = make(map[string]int)
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, target := range w.Targets {
		target := target
		g.Go(func() error {
			agent, err := e.agents.GetByName(gctx, target)
			if err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					return apperr.NotFound("Target agent '%s' not found", target)
				}
				return err
			}

			log := e.log.WithWorkflowID(w.WorkflowID).WithAgent(target)
			if err := e.client.NotifyWorkflow(gctx, agent, w.WorkflowID); err != nil {
				log.Warn("execute-workflow notification failed", "error", err)
			}

			result, err := e.client.Execute(gctx, agent, clients.ExecuteRequest{
				Command: w.ScriptID,
				Timeout: timeoutS,
				Env: map[string]string{
					"WORKFLOW_ID":     w.WorkflowID,
					"WORKFLOW_PARAMS": string(paramsJSON),
				},
			})
			if err != nil {
				return err
			}

			mu.Lock()
			exitCodes[target] = result.ExitCode
			mu.Unlock()
			log.Info("target executed", "exit_code", result.ExitCode)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return exitCodes, err
	}
	return exitCodes, nil
}
