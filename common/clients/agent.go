// Package clients holds HTTP clients for remote agents
package clients

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/mailganti/opsconductor/common/apperr"
	"github.com/mailganti/opsconductor/common/config"
	"github.com/mailganti/opsconductor/common/logger"
	"github.com/mailganti/opsconductor/common/models"
)

// ExecuteRequest is the payload for an agent /execute call
type ExecuteRequest struct {
	Command string            `json:"command"`
	Timeout int               `json:"timeout"`
	Stream  bool              `json:"stream"`
	Env     map[string]string `json:"env,omitempty"`
}

// ExecuteResult is the agent's /execute response
type ExecuteResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// AgentClient calls the HTTP API remote agents expose
type AgentClient struct {
	cfg    config.AgentClientConfig
	client *http.Client
	log    *logger.Logger
}

// NewAgentClient creates a client with the configured TLS trust
func NewAgentClient(cfg config.AgentClientConfig, log *logger.Logger) (*AgentClient, error) {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: !cfg.TLSVerify,
	}
	if cfg.TLSVerify && cfg.CACerts != "" {
		pem, err := os.ReadFile(cfg.CACerts)
		if err != nil {
			return nil, fmt.Errorf("read CA bundle %s: %w", cfg.CACerts, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates parsed from %s", cfg.CACerts)
		}
		tlsCfg.RootCAs = pool
	}

	transport := &http.Transport{
		TLSClientConfig: tlsCfg,
		DialContext: (&net.Dialer{
			Timeout: cfg.ConnectTimeout,
		}).DialContext,
	}

	return &AgentClient{
		cfg: cfg,
		// Per-call deadlines come from the request context; the client
		// itself carries no global timeout.
		client: &http.Client{Transport: transport},
		log:    log,
	}, nil
}

// Health probes GET /health with the short health timeout
func (c *AgentClient) Health(ctx context.Context, agent *models.Agent) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HealthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, agent.BaseURL()+"/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return c.mapDialErr(agent, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apperr.Upstream("agent '%s' health check returned %d", agent.AgentName, resp.StatusCode)
	}
	return nil
}

// Execute runs a command on the agent and returns its output. The
// total deadline is the script timeout plus dispatch slack.
func (c *AgentClient) Execute(ctx context.Context, agent *models.Agent, req ExecuteRequest) (*ExecuteResult, error) {
	timeout := time.Duration(req.Timeout)*time.Second + 10*time.Second
	if req.Timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var result ExecuteResult
	if err := c.post(ctx, agent, "/execute", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// NotifyWorkflow tells the agent a workflow execution is incoming
func (c *AgentClient) NotifyWorkflow(ctx context.Context, agent *models.Agent, workflowID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	payload := map[string]string{"workflow_id": workflowID}
	return c.post(ctx, agent, "/execute-workflow", payload, nil)
}

func (c *AgentClient) post(ctx context.Context, agent *models.Agent, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, agent.BaseURL()+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return c.mapDialErr(agent, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return apperr.Upstream("agent '%s' %s returned %d: %s",
			agent.AgentName, path, resp.StatusCode, string(snippet))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response from %s: %w", path, agent.AgentName, err)
		}
	}
	return nil
}

func (c *AgentClient) mapDialErr(agent *models.Agent, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.UpstreamTimeout("agent '%s' timed out", agent.AgentName).WithCause(err)
	}
	return apperr.Upstream("agent '%s' unreachable", agent.AgentName).WithCause(err)
}

// ResolveHost checks DNS resolution for an agent host
func ResolveHost(ctx context.Context, host string) error {
	resolver := &net.Resolver{}
	if _, err := resolver.LookupHost(ctx, host); err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	return nil
}
