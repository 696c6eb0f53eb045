package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailganti/opsconductor/common/apperr"
	"github.com/mailganti/opsconductor/common/config"
	"github.com/mailganti/opsconductor/common/logger"
	"github.com/mailganti/opsconductor/common/models"
	"github.com/mailganti/opsconductor/common/notify"
	"github.com/mailganti/opsconductor/common/repository"
)

type auditRecord struct {
	workflowID, action, user, note string
}

type fakeWorkflowStore struct {
	mu        sync.Mutex
	workflows map[string]*models.Workflow
	approvals map[string]map[string]int
	audits    []auditRecord
}

func newFakeWorkflowStore() *fakeWorkflowStore {
	return &fakeWorkflowStore{
		workflows: map[string]*models.Workflow{},
		approvals: map[string]map[string]int{},
	}
}

func (f *fakeWorkflowStore) Create(_ context.Context, w *models.Workflow) (*models.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.CreatedAt = time.Now()
	copied := *w
	f.workflows[w.WorkflowID] = &copied
	out := copied
	return &out, nil
}

func (f *fakeWorkflowStore) GetByID(_ context.Context, id string) (*models.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workflows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *w
	for approver, level := range f.approvals[id] {
		copied.Approvals = append(copied.Approvals, models.Approval{
			WorkflowID: id, Approver: approver, Level: level,
		})
	}
	return &copied, nil
}

func (f *fakeWorkflowStore) List(_ context.Context, _ int) ([]*models.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Workflow
	for _, w := range f.workflows {
		copied := *w
		out = append(out, &copied)
	}
	return out, nil
}

func (f *fakeWorkflowStore) Approve(_ context.Context, id, approver string, level, required int) (*repository.ApproveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workflows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if f.approvals[id] == nil {
		f.approvals[id] = map[string]int{}
	}
	if _, dup := f.approvals[id][approver]; dup {
		return nil, repository.ErrAlreadyApproved
	}
	f.approvals[id][approver] = level

	res := &repository.ApproveResult{ApprovalCount: len(f.approvals[id])}
	if res.ApprovalCount >= required && w.Status == models.StatusPending {
		w.Status = models.StatusApproved
		res.FullyApproved = true
	}
	return res, nil
}

func (f *fakeWorkflowStore) TransitionStatus(_ context.Context, id string, from, to models.WorkflowStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workflows[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	if w.Status != from {
		return false, nil
	}
	w.Status = to
	return true, nil
}

func (f *fakeWorkflowStore) SetStatus(_ context.Context, id string, status models.WorkflowStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workflows[id]
	if !ok {
		return repository.ErrNotFound
	}
	w.Status = status
	return nil
}

func (f *fakeWorkflowStore) MarkExpired(_ context.Context, id string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workflows[id]
	if !ok {
		return repository.ErrNotFound
	}
	if w.Status == models.StatusPending {
		w.Status = models.StatusExpired
	}
	return nil
}

func (f *fakeWorkflowStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.workflows[id]; !ok {
		return repository.ErrNotFound
	}
	delete(f.workflows, id)
	return nil
}

func (f *fakeWorkflowStore) Audit(_ context.Context, id, action, user, note string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, auditRecord{id, action, user, note})
	return nil
}

func (f *fakeWorkflowStore) AuditLog(_ context.Context, id string) ([]*models.AuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.AuditEntry
	for _, a := range f.audits {
		if a.workflowID == id {
			out = append(out, &models.AuditEntry{
				WorkflowID: id, Action: a.action, User: a.user, Note: a.note,
			})
		}
	}
	return out, nil
}

func (f *fakeWorkflowStore) status(id string) models.WorkflowStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.workflows[id].Status
}

type fakeTokenStore struct {
	mu      sync.Mutex
	tokens  map[string]*models.ExecutionToken
	reexecs map[string]*models.ReexecRequest
}

func newFakeTokenStore() *fakeTokenStore {
	return &fakeTokenStore{
		tokens:  map[string]*models.ExecutionToken{},
		reexecs: map[string]*models.ReexecRequest{},
	}
}

func (f *fakeTokenStore) Mint(_ context.Context, t *models.ExecutionToken) (*models.ExecutionToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t.CreatedAt = time.Now()
	copied := *t
	f.tokens[t.Token] = &copied
	out := copied
	return &out, nil
}

func (f *fakeTokenStore) Get(_ context.Context, token string) (*models.ExecutionToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tokens[token]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *t
	return &copied, nil
}

func (f *fakeTokenStore) Consume(_ context.Context, token, workflowID, usedBy string, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tokens[token]
	if !ok || t.WorkflowID != workflowID || t.Used || now.After(t.ExpiresAt) {
		return false, nil
	}
	t.Used = true
	t.UsedBy = usedBy
	return true, nil
}

func (f *fakeTokenStore) CreateReexec(_ context.Context, req *models.ReexecRequest) (*models.ReexecRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req.CreatedAt = time.Now()
	copied := *req
	f.reexecs[req.RequestID] = &copied
	out := copied
	return &out, nil
}

func (f *fakeTokenStore) GetReexec(_ context.Context, id string) (*models.ReexecRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reexecs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *r
	return &copied, nil
}

func (f *fakeTokenStore) ApproveReexec(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reexecs[id]
	if !ok || r.Status != models.ReexecPending {
		return false, nil
	}
	r.Status = models.ReexecApproved
	return true, nil
}

type fakeRunner struct {
	mu        sync.Mutex
	exitCodes map[string]int
	err       error
	calls     int
}

func (f *fakeRunner) Run(_ context.Context, _ *models.Workflow, _ map[string]any, _ int) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.exitCodes, f.err
}

type fakePublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (f *fakePublisher) Publish(_ context.Context, ev notify.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakePublisher) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, ev := range f.events {
		out = append(out, ev.Type)
	}
	return out
}

type workflowFixture struct {
	svc       *WorkflowService
	store     *fakeWorkflowStore
	tokens    *fakeTokenStore
	runner    *fakeRunner
	publisher *fakePublisher
}

func newWorkflowFixture() *workflowFixture {
	store := newFakeWorkflowStore()
	tokens := newFakeTokenStore()
	runner := &fakeRunner{exitCodes: map[string]int{"web-01": 0}}
	publisher := &fakePublisher{}

	cfg := &config.Config{}
	cfg.Service.APIHost = "https://ops.example.com"
	cfg.Auth.ExecTokenTTL = 30 * time.Minute

	svc := NewWorkflowService(store, tokens, runner, publisher, cfg, logger.New("error", "text"))
	return &workflowFixture{svc: svc, store: store, tokens: tokens, runner: runner, publisher: publisher}
}

func (fx *workflowFixture) seed(status models.WorkflowStatus, levels int) *models.Workflow {
	w := &models.Workflow{
		WorkflowID:             newWorkflowID(),
		ScriptID:               "restart-web",
		Targets:                []string{"web-01"},
		Requestor:              "alice",
		RequestorEmail:         "alice@example.com",
		RequiredApprovalLevels: levels,
		TTLMinutes:             60,
		Status:                 status,
		ScriptParams:           map[string]any{},
		ExpiresAt:              time.Now().Add(time.Hour),
	}
	saved, _ := fx.store.Create(context.Background(), w)
	return saved
}

var requestor = &models.Principal{Username: "alice", Email: "alice@example.com", Role: models.RoleOps}
var approver = &models.Principal{Username: "bob", Role: models.RoleApprover}

func TestCreateAppliesDefaults(t *testing.T) {
	fx := newWorkflowFixture()

	w, err := fx.svc.Create(context.Background(), requestor, CreateRequest{
		ScriptID: "restart-web",
		Targets:  []string{"web-01", "web-02"},
	})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(w.WorkflowID, "wf_"))
	assert.Len(t, w.WorkflowID, 15)
	assert.Equal(t, models.StatusPending, w.Status)
	assert.Equal(t, 1, w.RequiredApprovalLevels)
	assert.Equal(t, 60, w.TTLMinutes)
	assert.Equal(t, "alice", w.Requestor)
	assert.Equal(t, "alice@example.com", w.RequestorEmail)

	assert.Equal(t, []string{notify.EventWorkflowCreated}, fx.publisher.types())
}

func TestCreateValidation(t *testing.T) {
	fx := newWorkflowFixture()

	_, err := fx.svc.Create(context.Background(), requestor, CreateRequest{Targets: []string{"web-01"}})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = fx.svc.Create(context.Background(), requestor, CreateRequest{ScriptID: "restart-web"})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	assert.Equal(t, "At least one target agent is required", apperr.From(err).Detail)
}

func TestApproveSingleLevel(t *testing.T) {
	fx := newWorkflowFixture()
	w := fx.seed(models.StatusPending, 1)

	updated, err := fx.svc.Approve(context.Background(), approver, w.WorkflowID, 0)
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, updated.Status)
	assert.Contains(t, fx.publisher.types(), notify.EventWorkflowApproved)
}

func TestApproveMultiLevel(t *testing.T) {
	fx := newWorkflowFixture()
	w := fx.seed(models.StatusPending, 2)

	first, err := fx.svc.Approve(context.Background(), approver, w.WorkflowID, 0)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, first.Status)
	assert.NotContains(t, fx.publisher.types(), notify.EventWorkflowApproved)

	second, err := fx.svc.Approve(context.Background(), &models.Principal{Username: "carol"}, w.WorkflowID, 0)
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, second.Status)
	assert.Contains(t, fx.publisher.types(), notify.EventWorkflowApproved)
}

// Two approvers racing to deliver the final approval of a two-level
// workflow: the store serializes them, so the workflow ends approved
// and exactly one caller triggers the approved notification.
func TestApproveConcurrentFinalApprovals(t *testing.T) {
	fx := newWorkflowFixture()
	w := fx.seed(models.StatusPending, 2)

	start := make(chan struct{})
	errs := make([]error, 2)

	var wg sync.WaitGroup
	for i, p := range []*models.Principal{approver, {Username: "carol"}} {
		wg.Add(1)
		go func(i int, p *models.Principal) {
			defer wg.Done()
			<-start
			_, errs[i] = fx.svc.Approve(context.Background(), p, w.WorkflowID, 0)
		}(i, p)
	}
	close(start)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, models.StatusApproved, fx.store.status(w.WorkflowID))

	approvedEvents := 0
	for _, typ := range fx.publisher.types() {
		if typ == notify.EventWorkflowApproved {
			approvedEvents++
		}
	}
	assert.Equal(t, 1, approvedEvents)
}

func TestApproveDuplicateApprover(t *testing.T) {
	fx := newWorkflowFixture()
	w := fx.seed(models.StatusPending, 2)

	_, err := fx.svc.Approve(context.Background(), approver, w.WorkflowID, 0)
	require.NoError(t, err)

	_, err = fx.svc.Approve(context.Background(), approver, w.WorkflowID, 0)
	require.Error(t, err)
	assert.Equal(t, "Already approved by this user", apperr.From(err).Detail)
}

func TestApproveNonPending(t *testing.T) {
	fx := newWorkflowFixture()
	w := fx.seed(models.StatusDenied, 1)

	_, err := fx.svc.Approve(context.Background(), approver, w.WorkflowID, 0)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
	assert.Equal(t, "Workflow is not pending (status: denied)", apperr.From(err).Detail)
}

func TestDeny(t *testing.T) {
	fx := newWorkflowFixture()
	w := fx.seed(models.StatusPending, 1)

	updated, err := fx.svc.Deny(context.Background(), approver, w.WorkflowID, "too risky")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDenied, updated.Status)
	assert.Contains(t, fx.publisher.types(), notify.EventWorkflowDenied)
}

func TestLazyExpiry(t *testing.T) {
	fx := newWorkflowFixture()
	w := fx.seed(models.StatusPending, 1)
	fx.store.workflows[w.WorkflowID].ExpiresAt = time.Now().Add(-time.Minute)

	got, err := fx.svc.Get(context.Background(), w.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, got.Status)
	// The expiry is persisted, not just reported
	assert.Equal(t, models.StatusExpired, fx.store.status(w.WorkflowID))
}

func TestApproveExpired(t *testing.T) {
	fx := newWorkflowFixture()
	w := fx.seed(models.StatusPending, 1)
	fx.store.workflows[w.WorkflowID].ExpiresAt = time.Now().Add(-time.Minute)

	_, err := fx.svc.Approve(context.Background(), approver, w.WorkflowID, 0)
	require.Error(t, err)
	assert.Equal(t, "Workflow has expired", apperr.From(err).Detail)
}

func TestExecuteApproved(t *testing.T) {
	fx := newWorkflowFixture()
	w := fx.seed(models.StatusApproved, 1)

	res, err := fx.svc.Execute(context.Background(), requestor, w.WorkflowID, ExecuteRequest{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusExecuted, res.Status)
	assert.Equal(t, map[string]int{"web-01": 0}, res.ExitCodes)
	assert.Equal(t, models.StatusExecuted, fx.store.status(w.WorkflowID))
	assert.Contains(t, fx.publisher.types(), notify.EventWorkflowExecuted)
}

func TestExecuteOneShot(t *testing.T) {
	fx := newWorkflowFixture()
	w := fx.seed(models.StatusApproved, 1)

	_, err := fx.svc.Execute(context.Background(), requestor, w.WorkflowID, ExecuteRequest{})
	require.NoError(t, err)

	_, err = fx.svc.Execute(context.Background(), requestor, w.WorkflowID, ExecuteRequest{})
	require.Error(t, err)
	assert.Equal(t, "Workflow has already been executed", apperr.From(err).Detail)
	assert.Equal(t, 1, fx.runner.calls)
}

func TestExecutePending(t *testing.T) {
	fx := newWorkflowFixture()
	w := fx.seed(models.StatusPending, 1)

	_, err := fx.svc.Execute(context.Background(), requestor, w.WorkflowID, ExecuteRequest{})
	require.Error(t, err)
	assert.Equal(t, "Workflow is not approved (status: pending)", apperr.From(err).Detail)
	assert.Zero(t, fx.runner.calls)
}

func TestExecuteFailure(t *testing.T) {
	fx := newWorkflowFixture()
	fx.runner.err = errors.New("agent unreachable")
	w := fx.seed(models.StatusApproved, 1)

	_, err := fx.svc.Execute(context.Background(), requestor, w.WorkflowID, ExecuteRequest{})
	require.Error(t, err)
	assert.Equal(t, models.StatusFailed, fx.store.status(w.WorkflowID))
}

func TestExecuteViaToken(t *testing.T) {
	fx := newWorkflowFixture()
	w := fx.seed(models.StatusExecuted, 1)

	res, err := fx.svc.Execute(context.Background(), requestor, w.WorkflowID, ExecuteRequest{ViaToken: true})
	require.NoError(t, err)
	assert.Equal(t, models.StatusExecuted, res.Status)
	assert.Equal(t, 1, fx.runner.calls)
}

func TestExecuteViaTokenWhileExecuting(t *testing.T) {
	fx := newWorkflowFixture()
	w := fx.seed(models.StatusExecuting, 1)

	_, err := fx.svc.Execute(context.Background(), requestor, w.WorkflowID, ExecuteRequest{ViaToken: true})
	require.Error(t, err)
	assert.Equal(t, "Workflow is not approved (status: executing)", apperr.From(err).Detail)
}

func TestExecuteMergesParamOverrides(t *testing.T) {
	fx := newWorkflowFixture()
	w := fx.seed(models.StatusApproved, 1)
	fx.store.workflows[w.WorkflowID].ScriptParams = map[string]any{"mode": "soft", "retries": float64(3)}

	var captured map[string]any
	fx.runner.exitCodes = map[string]int{"web-01": 0}
	runner := &capturingRunner{inner: fx.runner}
	fx.svc.executor = runner

	_, err := fx.svc.Execute(context.Background(), requestor, w.WorkflowID, ExecuteRequest{
		Params: map[string]any{"mode": "hard"},
	})
	require.NoError(t, err)

	captured = runner.params
	assert.Equal(t, "hard", captured["mode"])
	assert.Equal(t, float64(3), captured["retries"])
}

type capturingRunner struct {
	inner  *fakeRunner
	params map[string]any
}

func (c *capturingRunner) Run(ctx context.Context, w *models.Workflow, params map[string]any, timeoutS int) (map[string]int, error) {
	c.params = params
	return c.inner.Run(ctx, w, params, timeoutS)
}

func TestReexecFlow(t *testing.T) {
	fx := newWorkflowFixture()
	w := fx.seed(models.StatusExecuted, 1)

	req, err := fx.svc.RequestReexec(context.Background(), requestor, w.WorkflowID, "need a second run")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(req.RequestID, "rr_"))
	assert.Equal(t, models.ReexecPending, req.Status)

	token, err := fx.svc.ApproveReexec(context.Background(), approver, w.WorkflowID, req.RequestID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token.Token, "exec_"))

	// The approval is single-shot
	_, err = fx.svc.ApproveReexec(context.Background(), approver, w.WorkflowID, req.RequestID)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))

	// The minted token admits exactly one consumption
	require.NoError(t, fx.svc.ConsumeExecutionToken(context.Background(), token.Token, w.WorkflowID, "alice"))
	err = fx.svc.ConsumeExecutionToken(context.Background(), token.Token, w.WorkflowID, "alice")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindUnauthorized))
}

func TestConsumeTokenWrongWorkflow(t *testing.T) {
	fx := newWorkflowFixture()
	w := fx.seed(models.StatusExecuted, 1)

	req, err := fx.svc.RequestReexec(context.Background(), requestor, w.WorkflowID, "")
	require.NoError(t, err)
	token, err := fx.svc.ApproveReexec(context.Background(), approver, w.WorkflowID, req.RequestID)
	require.NoError(t, err)

	err = fx.svc.ConsumeExecutionToken(context.Background(), token.Token, "wf_000000000000", "alice")
	assert.True(t, apperr.IsKind(err, apperr.KindUnauthorized))
}

func TestAuditLog(t *testing.T) {
	fx := newWorkflowFixture()
	w := fx.seed(models.StatusPending, 1)

	_, err := fx.svc.Approve(context.Background(), approver, w.WorkflowID, 0)
	require.NoError(t, err)

	entries, err := fx.svc.AuditLog(context.Background(), w.WorkflowID)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "fully_approved", entries[0].Action)
}

func TestDeleteMissingWorkflow(t *testing.T) {
	fx := newWorkflowFixture()
	err := fx.svc.Delete(context.Background(), requestor, "wf_missing000000")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestMergeParams(t *testing.T) {
	merged, err := mergeParams(map[string]any{"a": float64(1), "b": "x"}, map[string]any{"b": "y", "c": true})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": float64(1), "b": "y", "c": true}, merged)

	// A null override removes the key, RFC 7386 semantics
	merged, err = mergeParams(map[string]any{"a": float64(1)}, map[string]any{"a": nil})
	require.NoError(t, err)
	assert.NotContains(t, merged, "a")
}
