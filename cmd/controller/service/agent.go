package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mailganti/opsconductor/common/apperr"
	"github.com/mailganti/opsconductor/common/clients"
	"github.com/mailganti/opsconductor/common/config"
	"github.com/mailganti/opsconductor/common/logger"
	"github.com/mailganti/opsconductor/common/models"
	"github.com/mailganti/opsconductor/common/repository"
)

// AgentPinger is the probe surface the registry needs from the agent client
type AgentPinger interface {
	Health(ctx context.Context, agent *models.Agent) error
}

// AgentService is the registry: registration, liveness, environment ACLs
type AgentService struct {
	agents AgentStore
	users  UserStore
	access AccessStore
	pinger AgentPinger
	cfg    *config.Config
	log    *logger.Logger
}

// NewAgentService creates the registry service
func NewAgentService(agents AgentStore, users UserStore, access AccessStore, pinger AgentPinger, cfg *config.Config, log *logger.Logger) *AgentService {
	return &AgentService{
		agents: agents,
		users:  users,
		access: access,
		pinger: pinger,
		cfg:    cfg,
		log:    log,
	}
}

// envGrants resolves a principal's environment grants
type envGrants struct {
	envs     map[models.Environment]bool
	wildcard bool
}

func (g envGrants) allows(env models.Environment) bool {
	return g.wildcard || g.envs[env]
}

func (g envGrants) empty() bool {
	return !g.wildcard && len(g.envs) == 0
}

func (s *AgentService) grantsFor(ctx context.Context, p *models.Principal) (envGrants, error) {
	g := envGrants{envs: make(map[models.Environment]bool)}
	raw, err := s.access.GrantsFor(ctx, p.UserID)
	if err != nil {
		return g, fmt.Errorf("resolve grants for %s: %w", p.Username, err)
	}
	for _, e := range raw {
		if e == string(models.EnvWildcard) {
			g.wildcard = true
			continue
		}
		g.envs[models.Environment(e)] = true
	}
	return g, nil
}

func (s *AgentService) requireEnvAccess(ctx context.Context, p *models.Principal, env models.Environment) (envGrants, error) {
	g, err := s.grantsFor(ctx, p)
	if err != nil {
		return g, err
	}
	if !g.allows(env) {
		return g, apperr.Forbidden("You don't have access to the %s environment", env)
	}
	return g, nil
}

// RegisterRequest is the agent registration payload
type RegisterRequest struct {
	AgentName   string `json:"agent_name"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	TLSEnabled  *bool  `json:"tls_enabled,omitempty"`
	Environment string `json:"environment"`
	Status      string `json:"status,omitempty"`
}

// Register validates and upserts an agent. A (host, port) pair already
// bound to a different name is a conflict.
func (s *AgentService) Register(ctx context.Context, p *models.Principal, req RegisterRequest) (*models.Agent, error) {
	if !models.ValidAgentName(req.AgentName) {
		return nil, apperr.Validation("Invalid agent name '%s': must match [A-Za-z0-9_-], length 2-255", req.AgentName)
	}
	if req.Host == "" {
		return nil, apperr.Validation("Host is required")
	}
	if req.Port < 1 || req.Port > 65535 {
		return nil, apperr.Validation("Invalid port %d: must be 1-65535", req.Port)
	}
	env := models.Environment(req.Environment)
	if !env.Valid() {
		return nil, apperr.Validation("Invalid environment '%s': must be one of DEV, TEST, PROD", req.Environment)
	}
	status := models.AgentStatus(req.Status)
	if req.Status == "" {
		status = models.AgentOffline
	}
	if !status.Valid() {
		return nil, apperr.Validation("Invalid status '%s'", req.Status)
	}

	if _, err := s.requireEnvAccess(ctx, p, env); err != nil {
		return nil, err
	}

	existing, err := s.agents.GetByHostPort(ctx, req.Host, req.Port)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	if existing != nil && existing.AgentName != req.AgentName {
		return nil, apperr.Conflict("Host:port %s:%d already in use by agent '%s'",
			req.Host, req.Port, existing.AgentName)
	}

	tlsEnabled := true
	if req.TLSEnabled != nil {
		tlsEnabled = *req.TLSEnabled
	}

	agent, err := s.agents.Upsert(ctx, &models.Agent{
		AgentName:   req.AgentName,
		Host:        req.Host,
		Port:        req.Port,
		TLSEnabled:  tlsEnabled,
		Environment: env,
		Status:      status,
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("agent registered", "agent", agent.AgentName, "environment", agent.Environment)
	return agent, nil
}

// Heartbeat records agent liveness
func (s *AgentService) Heartbeat(ctx context.Context, name string) error {
	err := s.agents.Heartbeat(ctx, name, time.Now())
	if errors.Is(err, repository.ErrNotFound) {
		return apperr.NotFound("Agent '%s' not found", name)
	}
	return err
}

// ListRequest narrows an agent listing
type ListRequest struct {
	Environment string
	Status      string
	Limit       int
}

// ListResult carries the filtered agents plus an explanatory message
// when the caller holds no grants at all.
type ListResult struct {
	Agents  []*models.Agent `json:"agents"`
	Message string          `json:"message,omitempty"`
}

// List returns agents visible to the principal under the env ACL
func (s *AgentService) List(ctx context.Context, p *models.Principal, req ListRequest) (*ListResult, error) {
	limit := req.Limit
	if limit == 0 {
		limit = 100
	}
	if limit < 1 || limit > 1000 {
		return nil, apperr.Validation("Invalid limit %d: must be between 1 and 1000", req.Limit)
	}
	if req.Status != "" && !models.AgentStatus(req.Status).Valid() {
		return nil, apperr.Validation("Invalid status '%s'", req.Status)
	}

	g, err := s.grantsFor(ctx, p)
	if err != nil {
		return nil, err
	}
	if g.empty() {
		return &ListResult{
			Agents:  []*models.Agent{},
			Message: "No environment access granted. Contact an administrator.",
		}, nil
	}

	filter := repository.ListFilter{
		Status: models.AgentStatus(req.Status),
		Limit:  limit,
	}
	if req.Environment != "" {
		env := models.Environment(req.Environment)
		if !env.Valid() {
			return nil, apperr.Validation("Invalid environment '%s'", req.Environment)
		}
		if !g.allows(env) {
			return nil, apperr.Forbidden("You don't have access to the %s environment", env)
		}
		filter.Environments = []models.Environment{env}
	} else if !g.wildcard {
		for env := range g.envs {
			filter.Environments = append(filter.Environments, env)
		}
	}

	agents, err := s.agents.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	s.deriveStatuses(agents)
	return &ListResult{Agents: agents}, nil
}

// ListAll returns every agent with no environment filter. The reports
// UI uses this to offer any target regardless of grants.
func (s *AgentService) ListAll(ctx context.Context) ([]*models.Agent, error) {
	agents, err := s.agents.List(ctx, repository.ListFilter{})
	if err != nil {
		return nil, err
	}
	s.deriveStatuses(agents)
	return agents, nil
}

// EnvironmentsResult lists valid environments and the caller's grants
type EnvironmentsResult struct {
	Environments []models.Environment `json:"environments"`
	Granted      []string             `json:"granted"`
}

// Environments returns the env enum plus the caller's raw grants
func (s *AgentService) Environments(ctx context.Context, p *models.Principal) (*EnvironmentsResult, error) {
	raw, err := s.access.GrantsFor(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		raw = []string{}
	}
	return &EnvironmentsResult{
		Environments: models.ValidEnvironments(),
		Granted:      raw,
	}, nil
}

// Get fetches one agent, enforcing the env ACL
func (s *AgentService) Get(ctx context.Context, p *models.Principal, name string) (*models.Agent, error) {
	agent, err := s.getAgent(ctx, name)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireEnvAccess(ctx, p, agent.Environment); err != nil {
		return nil, err
	}
	agent.Status = agent.DerivedStatus(s.cfg.Agents.StaleAfter, time.Now())
	return agent, nil
}

// PingResult reports the two probe stages
type PingResult struct {
	AgentName string `json:"agent_name"`
	DNS       bool   `json:"dns"`
	Health    bool   `json:"health"`
	Reachable bool   `json:"reachable"`
	Detail    string `json:"detail,omitempty"`
}

// Ping probes DNS resolution then the agent /health endpoint
func (s *AgentService) Ping(ctx context.Context, p *models.Principal, name string) (*PingResult, error) {
	agent, err := s.getAgent(ctx, name)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireEnvAccess(ctx, p, agent.Environment); err != nil {
		return nil, err
	}

	res := &PingResult{AgentName: name}
	if err := clients.ResolveHost(ctx, agent.Host); err != nil {
		res.Detail = err.Error()
		return res, nil
	}
	res.DNS = true

	if err := s.pinger.Health(ctx, agent); err != nil {
		res.Detail = err.Error()
		return res, nil
	}
	res.Health = true
	res.Reachable = true
	return res, nil
}

// UpdateRequest patches mutable agent fields
type UpdateRequest struct {
	Status      *string `json:"status,omitempty"`
	TLSEnabled  *bool   `json:"tls_enabled,omitempty"`
	Environment *string `json:"environment,omitempty"`
}

// Update patches an agent. Moving environments requires access to both
// the current and the target environment.
func (s *AgentService) Update(ctx context.Context, p *models.Principal, name string, req UpdateRequest) (*models.Agent, error) {
	agent, err := s.getAgent(ctx, name)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireEnvAccess(ctx, p, agent.Environment); err != nil {
		return nil, err
	}

	fields := repository.UpdateFields{TLSEnabled: req.TLSEnabled}
	if req.Status != nil {
		status := models.AgentStatus(*req.Status)
		if !status.Valid() {
			return nil, apperr.Validation("Invalid status '%s'", *req.Status)
		}
		fields.Status = &status
	}
	if req.Environment != nil {
		env := models.Environment(*req.Environment)
		if !env.Valid() {
			return nil, apperr.Validation("Invalid environment '%s'", *req.Environment)
		}
		if _, err := s.requireEnvAccess(ctx, p, env); err != nil {
			return nil, err
		}
		fields.Environment = &env
	}

	updated, err := s.agents.Update(ctx, name, fields)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.NotFound("Agent '%s' not found", name)
	}
	return updated, err
}

// Deregister removes an agent, enforcing the env ACL
func (s *AgentService) Deregister(ctx context.Context, p *models.Principal, name string) error {
	agent, err := s.getAgent(ctx, name)
	if err != nil {
		return err
	}
	if _, err := s.requireEnvAccess(ctx, p, agent.Environment); err != nil {
		return err
	}
	if err := s.agents.Delete(ctx, name); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperr.NotFound("Agent '%s' not found", name)
		}
		return err
	}
	s.log.Info("agent deregistered", "agent", name, "by", p.Username)
	return nil
}

func (s *AgentService) getAgent(ctx context.Context, name string) (*models.Agent, error) {
	agent, err := s.agents.GetByName(ctx, name)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.NotFound("Agent '%s' not found", name)
	}
	return agent, err
}

func (s *AgentService) deriveStatuses(agents []*models.Agent) {
	now := time.Now()
	for _, a := range agents {
		a.Status = a.DerivedStatus(s.cfg.Agents.StaleAfter, now)
	}
}

// GrantRequest names a user and an environment (or "*")
type GrantRequest struct {
	Username    string `json:"username"`
	Environment string `json:"environment"`
}

// Grant gives a user access to an environment. The granter must hold
// the target environment; wildcard grants require holding the wildcard.
func (s *AgentService) Grant(ctx context.Context, p *models.Principal, req GrantRequest) error {
	if err := s.checkGrantAuthority(ctx, p, req.Environment); err != nil {
		return err
	}

	user, err := s.users.Ensure(ctx, &models.User{
		Username: req.Username,
		Role:     models.Role(s.cfg.Auth.DefaultRole),
	})
	if err != nil {
		return err
	}

	if err := s.access.Grant(ctx, user.UserID, req.Environment, p.Username); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return apperr.Conflict("User '%s' already has access to %s", req.Username, req.Environment)
		}
		return err
	}
	s.log.Info("environment access granted",
		"user", req.Username, "environment", req.Environment, "by", p.Username)
	return nil
}

// Revoke removes a user's environment grant, same authority rules as Grant
func (s *AgentService) Revoke(ctx context.Context, p *models.Principal, req GrantRequest) error {
	if err := s.checkGrantAuthority(ctx, p, req.Environment); err != nil {
		return err
	}

	user, err := s.users.GetByUsername(ctx, req.Username)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperr.NotFound("User '%s' not found", req.Username)
		}
		return err
	}

	if err := s.access.Revoke(ctx, user.UserID, req.Environment); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperr.NotFound("User '%s' has no %s grant", req.Username, req.Environment)
		}
		return err
	}
	s.log.Info("environment access revoked",
		"user", req.Username, "environment", req.Environment, "by", p.Username)
	return nil
}

func (s *AgentService) checkGrantAuthority(ctx context.Context, p *models.Principal, environment string) error {
	env := models.Environment(environment)
	if env != models.EnvWildcard && !env.Valid() {
		return apperr.Validation("Invalid environment '%s': must be one of DEV, TEST, PROD, *", environment)
	}

	g, err := s.grantsFor(ctx, p)
	if err != nil {
		return err
	}
	if env == models.EnvWildcard {
		if !g.wildcard {
			return apperr.Forbidden("Granting wildcard access requires wildcard access")
		}
		return nil
	}
	if !g.allows(env) {
		return apperr.Forbidden("You don't have access to the %s environment", env)
	}
	return nil
}

// ListAccess enumerates all environment grants
func (s *AgentService) ListAccess(ctx context.Context) ([]*models.EnvAccess, error) {
	return s.access.ListAll(ctx)
}
