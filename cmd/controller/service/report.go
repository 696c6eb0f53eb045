package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mailganti/opsconductor/common/apperr"
	"github.com/mailganti/opsconductor/common/clients"
	"github.com/mailganti/opsconductor/common/config"
	"github.com/mailganti/opsconductor/common/logger"
	"github.com/mailganti/opsconductor/common/models"
	"github.com/mailganti/opsconductor/common/repository"
)

// ReportService registers read-only scripts, dispatches runs to a
// single agent, and streams output through the run hub.
type ReportService struct {
	reports ReportStore
	agents  AgentStore
	client  AgentCaller
	hub     *RunHub
	cfg     *config.Config
	log     *logger.Logger
}

// NewReportService creates the report dispatcher
func NewReportService(reports ReportStore, agents AgentStore, client AgentCaller, hub *RunHub, cfg *config.Config, log *logger.Logger) *ReportService {
	return &ReportService{
		reports: reports,
		agents:  agents,
		client:  client,
		hub:     hub,
		cfg:     cfg,
		log:     log,
	}
}

// RegisterScript validates and stores a report script
func (s *ReportService) RegisterScript(ctx context.Context, script *models.ReportScript) (*models.ReportScript, error) {
	if script.ScriptID == "" {
		return nil, apperr.Validation("script_id is required")
	}
	if script.ScriptPath == "" {
		return nil, apperr.Validation("script_path is required")
	}
	if script.Name == "" {
		script.Name = script.ScriptID
	}
	if script.TimeoutS <= 0 {
		script.TimeoutS = int(s.cfg.Reports.DefaultTimeout.Seconds())
	}
	for _, p := range script.Parameters {
		if p.Name == "" {
			return nil, apperr.Validation("Every parameter needs a name")
		}
		if !p.Type.Valid() {
			return nil, apperr.Validation("Parameter '%s' has invalid type '%s'", p.Name, p.Type)
		}
		if p.Type == models.ParamSelect && len(p.Options) == 0 {
			return nil, apperr.Validation("Parameter '%s' is a select but has no options", p.Name)
		}
	}
	return s.reports.UpsertScript(ctx, script)
}

// GetScript fetches one registered script
func (s *ReportService) GetScript(ctx context.Context, scriptID string) (*models.ReportScript, error) {
	script, err := s.reports.GetScript(ctx, scriptID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.NotFound("Report script '%s' not found", scriptID)
	}
	return script, err
}

// ListScripts lists registered scripts
func (s *ReportService) ListScripts(ctx context.Context) ([]*models.ReportScript, error) {
	return s.reports.ListScripts(ctx)
}

// DeleteScript removes a script
func (s *ReportService) DeleteScript(ctx context.Context, scriptID string) error {
	err := s.reports.DeleteScript(ctx, scriptID)
	if errors.Is(err, repository.ErrNotFound) {
		return apperr.NotFound("Report script '%s' not found", scriptID)
	}
	return err
}

// RunRequest names the target agent and the parameter values
type RunRequest struct {
	Target     string         `json:"target"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Run validates parameters, records the run, and dispatches it
// asynchronously. The returned run is already in running state.
func (s *ReportService) Run(ctx context.Context, p *models.Principal, scriptID string, req RunRequest) (*models.ReportRun, error) {
	script, err := s.GetScript(ctx, scriptID)
	if err != nil {
		return nil, err
	}
	if req.Target == "" {
		return nil, apperr.Validation("target agent is required")
	}

	agent, err := s.agents.GetByName(ctx, req.Target)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.NotFound("Agent '%s' not found", req.Target)
		}
		return nil, err
	}
	if agent.DerivedStatus(s.cfg.Agents.StaleAfter, time.Now()) != models.AgentOnline {
		return nil, apperr.Validation("Agent '%s' is not online", req.Target)
	}

	params, err := ValidateParams(script.Parameters, req.Parameters)
	if err != nil {
		return nil, err
	}

	run := &models.ReportRun{
		RunID:       "run-" + randomHex(12),
		ScriptID:    scriptID,
		TargetAgent: req.Target,
		Parameters:  params,
		Status:      models.RunRunning,
		StartedAt:   time.Now(),
		RunBy:       p.Username,
	}
	if err := s.reports.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	s.hub.CreateRun(run.RunID)

	// The dispatch outlives the HTTP request that started it.
	go s.dispatch(context.WithoutCancel(ctx), script, agent, run, params)

	s.log.WithRunID(run.RunID).Info("report run started",
		"script", scriptID, "agent", req.Target, "by", p.Username)
	return run, nil
}

func (s *ReportService) dispatch(ctx context.Context, script *models.ReportScript, agent *models.Agent, run *models.ReportRun, params map[string]any) {
	log := s.log.WithRunID(run.RunID).WithAgent(agent.AgentName)

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		s.finish(ctx, run.RunID, models.RunFailed, -1)
		log.Error("marshal report params", "error", err)
		return
	}

	result, err := s.client.Execute(ctx, agent, clients.ExecuteRequest{
		Command: script.ScriptPath,
		Timeout: script.TimeoutS,
		Stream:  true,
		Env: map[string]string{
			"REPORT_PARAMS": string(paramsJSON),
		},
	})
	if err != nil {
		status := models.RunFailed
		if apperr.IsKind(err, apperr.KindTimeout) {
			status = models.RunTimeout
		}
		s.hub.Broadcast(run.RunID, Frame{Type: FrameOutput, Data: err.Error() + "\n"})
		s.finish(ctx, run.RunID, status, -1)
		log.Error("report dispatch failed", "error", err)
		return
	}

	output := result.Stdout
	if result.Stderr != "" {
		output += "\n[STDERR]\n" + result.Stderr
	}
	if output != "" {
		s.hub.Broadcast(run.RunID, Frame{Type: FrameOutput, Data: output})
	}

	status := models.RunCompleted
	if result.ExitCode != 0 {
		status = models.RunFailed
	}
	s.finish(ctx, run.RunID, status, result.ExitCode)
	log.Info("report run finished", "status", status, "exit_code", result.ExitCode)
}

// finish persists the terminal state and broadcasts the final frame
func (s *ReportService) finish(ctx context.Context, runID string, status models.RunStatus, exitCode int) {
	code := exitCode
	s.hub.Finish(runID, Frame{
		Type:     FrameComplete,
		Status:   status,
		ExitCode: &code,
	})
	if err := s.reports.FinishRun(ctx, runID, status, exitCode, time.Now()); err != nil {
		s.log.Error("persist run outcome", "run_id", runID, "error", err)
	}
}

// Cancel marks a run cancelled, best effort. The in-flight agent call
// is not forcibly aborted; its late result is ignored by the hub.
func (s *ReportService) Cancel(ctx context.Context, runID string) (*models.ReportRun, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, apperr.Conflict("Run '%s' already finished (status: %s)", runID, run.Status)
	}

	s.finish(ctx, runID, models.RunCancelled, -1)
	return s.GetRun(ctx, runID)
}

// GetRun fetches one run record
func (s *ReportService) GetRun(ctx context.Context, runID string) (*models.ReportRun, error) {
	run, err := s.reports.GetRun(ctx, runID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.NotFound("Run '%s' not found", runID)
	}
	return run, err
}

// History lists recent runs
func (s *ReportService) History(ctx context.Context, limit int) ([]*models.ReportRun, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.reports.History(ctx, limit)
}

// Hub exposes the run hub for the stream handler
func (s *ReportService) Hub() *RunHub {
	return s.hub
}
