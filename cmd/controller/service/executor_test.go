package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailganti/opsconductor/common/apperr"
	"github.com/mailganti/opsconductor/common/clients"
	"github.com/mailganti/opsconductor/common/config"
	"github.com/mailganti/opsconductor/common/logger"
	"github.com/mailganti/opsconductor/common/models"
)

// perAgentCaller returns a different result per agent name
type perAgentCaller struct {
	mu      sync.Mutex
	results map[string]*clients.ExecuteResult
	errs    map[string]error
	envs    map[string]map[string]string
}

func (c *perAgentCaller) NotifyWorkflow(_ context.Context, _ *models.Agent, _ string) error {
	return nil
}

func (c *perAgentCaller) Execute(_ context.Context, agent *models.Agent, req clients.ExecuteRequest) (*clients.ExecuteResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.envs == nil {
		c.envs = map[string]map[string]string{}
	}
	c.envs[agent.AgentName] = req.Env
	if err := c.errs[agent.AgentName]; err != nil {
		return nil, err
	}
	return c.results[agent.AgentName], nil
}

func newExecutorFixture(targets ...string) (*Executor, *fakeAgentStore, *perAgentCaller) {
	agents := newFakeAgentStore()
	for _, name := range targets {
		agents.agents[name] = &models.Agent{
			AgentName: name, Host: name + ".example.com", Port: 8443,
			Environment: models.EnvDev, Status: models.AgentOnline,
		}
	}
	caller := &perAgentCaller{
		results: map[string]*clients.ExecuteResult{},
		errs:    map[string]error{},
	}
	cfg := &config.Config{}
	cfg.Agents.DefaultTimeout = 300 * time.Second
	return NewExecutor(agents, caller, cfg, logger.New("error", "text")), agents, caller
}

func executorWorkflow(targets ...string) *models.Workflow {
	return &models.Workflow{
		WorkflowID: "wf_abc123def456",
		ScriptID:   "restart-web",
		Targets:    targets,
		Status:     models.StatusExecuting,
	}
}

func TestExecutorFanOut(t *testing.T) {
	exec, _, caller := newExecutorFixture("web-01", "web-02")
	caller.results["web-01"] = &clients.ExecuteResult{ExitCode: 0}
	caller.results["web-02"] = &clients.ExecuteResult{ExitCode: 1}

	codes, err := exec.Run(context.Background(), executorWorkflow("web-01", "web-02"),
		map[string]any{"mode": "soft"}, 0)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"web-01": 0, "web-02": 1}, codes)

	// Each agent got the workflow id and the merged params
	assert.Equal(t, "wf_abc123def456", caller.envs["web-01"]["WORKFLOW_ID"])
	assert.JSONEq(t, `{"mode": "soft"}`, caller.envs["web-01"]["WORKFLOW_PARAMS"])
}

func TestExecutorUnknownTarget(t *testing.T) {
	exec, _, _ := newExecutorFixture("web-01")

	_, err := exec.Run(context.Background(), executorWorkflow("web-01", "ghost"), nil, 0)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestExecutorPartialFailureKeepsCodes(t *testing.T) {
	exec, _, caller := newExecutorFixture("web-01", "web-02")
	caller.results["web-01"] = &clients.ExecuteResult{ExitCode: 0}
	caller.errs["web-02"] = apperr.Upstream("Agent 'web-02' is unreachable")

	codes, err := exec.Run(context.Background(), executorWorkflow("web-01", "web-02"), nil, 0)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindUpstream))
	// The successful agent's exit code survives the overall failure
	assert.Equal(t, 0, codes["web-01"])
}
