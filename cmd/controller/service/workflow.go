package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"

	"github.com/mailganti/opsconductor/common/apperr"
	"github.com/mailganti/opsconductor/common/config"
	"github.com/mailganti/opsconductor/common/logger"
	"github.com/mailganti/opsconductor/common/models"
	"github.com/mailganti/opsconductor/common/notify"
	"github.com/mailganti/opsconductor/common/repository"
)

// EventPublisher is the notification surface the engine emits events to
type EventPublisher interface {
	Publish(ctx context.Context, ev notify.Event)
}

// WorkflowRunner dispatches an approved workflow to its targets
type WorkflowRunner interface {
	Run(ctx context.Context, w *models.Workflow, params map[string]any, timeoutS int) (map[string]int, error)
}

// WorkflowService is the approval-gated state machine around workflows
type WorkflowService struct {
	workflows WorkflowStore
	tokens    ExecTokenStore
	executor  WorkflowRunner
	notifier  EventPublisher
	cfg       *config.Config
	log       *logger.Logger
}

// NewWorkflowService creates the workflow engine
func NewWorkflowService(workflows WorkflowStore, tokens ExecTokenStore, executor WorkflowRunner, notifier EventPublisher, cfg *config.Config, log *logger.Logger) *WorkflowService {
	return &WorkflowService{
		workflows: workflows,
		tokens:    tokens,
		executor:  executor,
		notifier:  notifier,
		cfg:       cfg,
		log:       log,
	}
}

// newWorkflowID builds "wf_" plus 12 hex characters
func newWorkflowID() string {
	return "wf_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func randomHex(nBytes int) string {
	b := make([]byte, nBytes)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// CreateRequest is the workflow creation payload
type CreateRequest struct {
	ScriptID               string         `json:"script_id"`
	Targets                []string       `json:"targets"`
	Reason                 string         `json:"reason,omitempty"`
	RequiredApprovalLevels int            `json:"required_approval_levels,omitempty"`
	NotifyEmail            string         `json:"notify_email,omitempty"`
	TTLMinutes             int            `json:"ttl_minutes,omitempty"`
	ScriptParams           map[string]any `json:"script_params,omitempty"`
	RequestorEmail         string         `json:"requestor_email,omitempty"`
}

// Create files a new pending workflow and notifies the approver
func (s *WorkflowService) Create(ctx context.Context, p *models.Principal, req CreateRequest) (*models.Workflow, error) {
	if req.ScriptID == "" {
		return nil, apperr.Validation("script_id is required")
	}
	if len(req.Targets) == 0 {
		return nil, apperr.Validation("At least one target agent is required")
	}
	levels := req.RequiredApprovalLevels
	if levels == 0 {
		levels = 1
	}
	if levels < 1 {
		return nil, apperr.Validation("required_approval_levels must be >= 1")
	}
	ttl := req.TTLMinutes
	if ttl <= 0 {
		ttl = 60
	}

	requestorEmail := req.RequestorEmail
	if requestorEmail == "" {
		requestorEmail = p.Email
	}

	now := time.Now()
	w := &models.Workflow{
		WorkflowID:             newWorkflowID(),
		ScriptID:               req.ScriptID,
		Targets:                req.Targets,
		Requestor:              p.Username,
		RequestorEmail:         requestorEmail,
		Reason:                 req.Reason,
		RequiredApprovalLevels: levels,
		NotifyEmail:            req.NotifyEmail,
		TTLMinutes:             ttl,
		ScriptParams:           req.ScriptParams,
		Status:                 models.StatusPending,
		ExpiresAt:              now.Add(time.Duration(ttl) * time.Minute),
	}
	if w.ScriptParams == nil {
		w.ScriptParams = map[string]any{}
	}

	saved, err := s.workflows.Create(ctx, w)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, saved.WorkflowID, "created", p.Username,
		fmt.Sprintf("script=%s targets=%s", saved.ScriptID, strings.Join(saved.Targets, ",")))

	s.notifier.Publish(ctx, notify.Event{
		Type:         notify.EventWorkflowCreated,
		To:           recipients(saved.NotifyEmail),
		WorkflowID:   saved.WorkflowID,
		ScriptID:     saved.ScriptID,
		Targets:      saved.Targets,
		Requestor:    saved.Requestor,
		Reason:       saved.Reason,
		DashboardURL: s.dashboardURL(saved.WorkflowID),
	})

	s.log.WithWorkflowID(saved.WorkflowID).Info("workflow created",
		"requestor", saved.Requestor, "levels", saved.RequiredApprovalLevels)
	return saved, nil
}

// Get fetches a workflow, applying lazy expiry
func (s *WorkflowService) Get(ctx context.Context, workflowID string) (*models.Workflow, error) {
	w, err := s.workflows.GetByID(ctx, workflowID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.NotFound("Workflow '%s' not found", workflowID)
		}
		return nil, err
	}

	now := time.Now()
	if w.Expired(now) {
		if err := s.workflows.MarkExpired(ctx, workflowID, now); err != nil {
			s.log.Warn("persist lazy expiry failed", "workflow_id", workflowID, "error", err)
		}
		w.Status = models.StatusExpired
	}
	return w, nil
}

// List returns recent workflows with lazy expiry applied
func (s *WorkflowService) List(ctx context.Context, limit int) ([]*models.Workflow, error) {
	if limit <= 0 {
		limit = 100
	}
	workflows, err := s.workflows.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	for _, w := range workflows {
		w.Status = w.EffectiveStatus(now)
	}
	return workflows, nil
}

// Approve records one approval; the final approval flips the workflow
// to approved inside the repository transaction.
func (s *WorkflowService) Approve(ctx context.Context, p *models.Principal, workflowID string, level int) (*models.Workflow, error) {
	w, err := s.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if w.Status != models.StatusPending {
		if w.Status == models.StatusExpired {
			return nil, apperr.Conflict("Workflow has expired")
		}
		return nil, apperr.Conflict("Workflow is not pending (status: %s)", w.Status)
	}
	if level <= 0 {
		level = len(w.Approvals) + 1
	}

	res, err := s.workflows.Approve(ctx, workflowID, p.Username, level, w.RequiredApprovalLevels)
	if err != nil {
		if errors.Is(err, repository.ErrAlreadyApproved) {
			return nil, apperr.Validation("Already approved by this user")
		}
		return nil, err
	}

	if res.FullyApproved {
		s.audit(ctx, workflowID, "fully_approved", p.Username,
			fmt.Sprintf("approvals=%d/%d", res.ApprovalCount, w.RequiredApprovalLevels))
		s.notifier.Publish(ctx, notify.Event{
			Type:         notify.EventWorkflowApproved,
			To:           recipients(w.RequestorEmail),
			WorkflowID:   workflowID,
			ScriptID:     w.ScriptID,
			Requestor:    w.Requestor,
			Approver:     p.Username,
			DashboardURL: s.dashboardURL(workflowID),
		})
	} else {
		s.audit(ctx, workflowID, "partial_approval", p.Username,
			fmt.Sprintf("approvals=%d/%d", res.ApprovalCount, w.RequiredApprovalLevels))
	}

	return s.Get(ctx, workflowID)
}

// Deny rejects a pending workflow
func (s *WorkflowService) Deny(ctx context.Context, p *models.Principal, workflowID, reason string) (*models.Workflow, error) {
	w, err := s.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if w.Status != models.StatusPending {
		return nil, apperr.Conflict("Workflow is not pending (status: %s)", w.Status)
	}

	won, err := s.workflows.TransitionStatus(ctx, workflowID, models.StatusPending, models.StatusDenied)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, apperr.Conflict("Workflow is no longer pending")
	}

	s.audit(ctx, workflowID, "denied", p.Username, reason)
	s.notifier.Publish(ctx, notify.Event{
		Type:         notify.EventWorkflowDenied,
		To:           recipients(w.RequestorEmail),
		WorkflowID:   workflowID,
		ScriptID:     w.ScriptID,
		Requestor:    w.Requestor,
		Approver:     p.Username,
		Reason:       reason,
		DashboardURL: s.dashboardURL(workflowID),
	})
	return s.Get(ctx, workflowID)
}

// ExecuteRequest carries per-execution overrides
type ExecuteRequest struct {
	Params   map[string]any `json:"params,omitempty"`
	TimeoutS int            `json:"timeout_s,omitempty"`
	// ViaToken is set when a consumed one-time execution token admitted
	// this call; it bypasses the one-shot approved gate.
	ViaToken bool `json:"-"`
}

// ExecuteResult reports the outcome of an execution
type ExecuteResult struct {
	WorkflowID string                `json:"workflow_id"`
	Status     models.WorkflowStatus `json:"status"`
	ExitCodes  map[string]int        `json:"exit_codes"`
}

// Execute performs the one-shot run of an approved workflow. The
// approved -> executing flip is a compare-and-set: of two concurrent
// calls exactly one proceeds.
func (s *WorkflowService) Execute(ctx context.Context, p *models.Principal, workflowID string, req ExecuteRequest) (*ExecuteResult, error) {
	w, err := s.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if w.ScriptID == "" {
		return nil, apperr.Validation("Workflow has no script to execute")
	}
	if len(w.Targets) == 0 {
		return nil, apperr.Validation("Workflow has no target agents")
	}

	if req.ViaToken {
		// A consumed execution token grants one re-run from any settled
		// state; a run already in flight still wins.
		if w.Status == models.StatusExecuting {
			return nil, apperr.Validation("Workflow is not approved (status: executing)")
		}
		if err := s.workflows.SetStatus(ctx, workflowID, models.StatusExecuting); err != nil {
			return nil, err
		}
	} else {
		if err := s.checkExecutable(w); err != nil {
			return nil, err
		}
		won, err := s.workflows.TransitionStatus(ctx, workflowID, models.StatusApproved, models.StatusExecuting)
		if err != nil {
			return nil, err
		}
		if !won {
			// Lost the race; report the precise current state.
			current, err := s.Get(ctx, workflowID)
			if err != nil {
				return nil, err
			}
			return nil, s.checkExecutable(current)
		}
	}

	params, err := mergeParams(w.ScriptParams, req.Params)
	if err != nil {
		_, _ = s.workflows.TransitionStatus(ctx, workflowID, models.StatusExecuting, models.StatusFailed)
		return nil, apperr.Validation("Invalid parameter overrides: %v", err)
	}

	s.audit(ctx, workflowID, "executing", p.Username, "")

	exitCodes, runErr := s.executor.Run(ctx, w, params, req.TimeoutS)
	final := models.StatusExecuted
	if runErr != nil {
		final = models.StatusFailed
	}
	if _, err := s.workflows.TransitionStatus(ctx, workflowID, models.StatusExecuting, final); err != nil {
		s.log.Error("persist execution outcome", "workflow_id", workflowID, "error", err)
	}

	if runErr != nil {
		s.audit(ctx, workflowID, "failed", p.Username, runErr.Error())
		return nil, apperr.From(runErr)
	}

	s.audit(ctx, workflowID, "executed", p.Username, fmt.Sprintf("exit_codes=%v", exitCodes))
	s.notifier.Publish(ctx, notify.Event{
		Type:         notify.EventWorkflowExecuted,
		To:           recipients(w.RequestorEmail),
		WorkflowID:   workflowID,
		ScriptID:     w.ScriptID,
		Requestor:    w.Requestor,
		ExitCodes:    exitCodes,
		DashboardURL: s.dashboardURL(workflowID),
	})

	return &ExecuteResult{
		WorkflowID: workflowID,
		Status:     models.StatusExecuted,
		ExitCodes:  exitCodes,
	}, nil
}

// checkExecutable maps each non-approved state to its contract message
func (s *WorkflowService) checkExecutable(w *models.Workflow) error {
	switch w.Status {
	case models.StatusApproved:
		return nil
	case models.StatusExecuted:
		return apperr.Validation("Workflow has already been executed")
	case models.StatusExpired:
		return apperr.Validation("Workflow has expired")
	default:
		return apperr.Validation("Workflow is not approved (status: %s)", w.Status)
	}
}

// mergeParams overlays request params onto the stored script params
// using an RFC 7386 merge patch.
func mergeParams(stored, overrides map[string]any) (map[string]any, error) {
	if len(overrides) == 0 {
		if stored == nil {
			return map[string]any{}, nil
		}
		return stored, nil
	}
	if stored == nil {
		stored = map[string]any{}
	}

	original, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("marshal stored params: %w", err)
	}
	patch, err := json.Marshal(overrides)
	if err != nil {
		return nil, fmt.Errorf("marshal override params: %w", err)
	}

	merged, err := jsonpatch.MergePatch(original, patch)
	if err != nil {
		return nil, fmt.Errorf("merge params: %w", err)
	}

	var out map[string]any
	if err := json.Unmarshal(merged, &out); err != nil {
		return nil, fmt.Errorf("decode merged params: %w", err)
	}
	return out, nil
}

// RequestReexec files a re-execution request and notifies the approver
func (s *WorkflowService) RequestReexec(ctx context.Context, p *models.Principal, workflowID, note string) (*models.ReexecRequest, error) {
	w, err := s.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	req, err := s.tokens.CreateReexec(ctx, &models.ReexecRequest{
		RequestID:      "rr_" + randomHex(8),
		WorkflowID:     workflowID,
		Requester:      p.Username,
		RequesterEmail: p.Email,
		Note:           note,
		Status:         models.ReexecPending,
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, workflowID, "reexec_requested", p.Username, note)
	s.notifier.Publish(ctx, notify.Event{
		Type:         notify.EventReexecRequested,
		To:           recipients(w.NotifyEmail),
		WorkflowID:   workflowID,
		ScriptID:     w.ScriptID,
		Requestor:    p.Username,
		Note:         note,
		DashboardURL: s.dashboardURL(workflowID),
	})
	return req, nil
}

// ApproveReexec approves a pending request and mints the one-time
// execution token, mailing it to the requester.
func (s *WorkflowService) ApproveReexec(ctx context.Context, p *models.Principal, workflowID, requestID string) (*models.ExecutionToken, error) {
	req, err := s.tokens.GetReexec(ctx, requestID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.NotFound("Re-execution request '%s' not found", requestID)
		}
		return nil, err
	}
	if req.WorkflowID != workflowID {
		return nil, apperr.Validation("Request '%s' does not belong to workflow '%s'", requestID, workflowID)
	}

	won, err := s.tokens.ApproveReexec(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, apperr.Conflict("Re-execution request already decided")
	}

	token, err := s.tokens.Mint(ctx, &models.ExecutionToken{
		Token:      "exec_" + randomHex(16),
		WorkflowID: workflowID,
		ExpiresAt:  time.Now().Add(s.cfg.Auth.ExecTokenTTL),
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, workflowID, "reexec_approved", p.Username, "request="+requestID)
	s.notifier.Publish(ctx, notify.Event{
		Type:         notify.EventReexecApproved,
		To:           recipients(req.RequesterEmail),
		WorkflowID:   workflowID,
		Requestor:    req.Requester,
		Token:        token.Token,
		DashboardURL: s.dashboardURL(workflowID),
	})
	return token, nil
}

// ConsumeExecutionToken validates and single-shot consumes a token
func (s *WorkflowService) ConsumeExecutionToken(ctx context.Context, token, workflowID, usedBy string) error {
	ok, err := s.tokens.Consume(ctx, token, workflowID, usedBy, time.Now())
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Unauthorized("Invalid, expired, or already used execution token")
	}
	return nil
}

// AuditLog returns the workflow's audit trail
func (s *WorkflowService) AuditLog(ctx context.Context, workflowID string) ([]*models.AuditEntry, error) {
	if _, err := s.Get(ctx, workflowID); err != nil {
		return nil, err
	}
	return s.workflows.AuditLog(ctx, workflowID)
}

// Delete removes a workflow entirely
func (s *WorkflowService) Delete(ctx context.Context, p *models.Principal, workflowID string) error {
	if err := s.workflows.Delete(ctx, workflowID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperr.NotFound("Workflow '%s' not found", workflowID)
		}
		return err
	}
	s.log.Info("workflow deleted", "workflow_id", workflowID, "by", p.Username)
	return nil
}

func (s *WorkflowService) audit(ctx context.Context, workflowID, action, user, note string) {
	if err := s.workflows.Audit(ctx, workflowID, action, user, note); err != nil {
		s.log.Error("audit write failed", "workflow_id", workflowID, "action", action, "error", err)
	}
}

func (s *WorkflowService) dashboardURL(workflowID string) string {
	return fmt.Sprintf("%s/workflows/%s", s.cfg.Service.APIHost, workflowID)
}

func recipients(emails ...string) []string {
	var out []string
	for _, e := range emails {
		if e != "" {
			out = append(out, e)
		}
	}
	return out
}
