package models

import (
	"fmt"
	"regexp"
	"time"
)

// Environment is a deployment bucket agents and access grants are tagged with.
type Environment string

const (
	EnvDev  Environment = "DEV"
	EnvTest Environment = "TEST"
	EnvProd Environment = "PROD"

	// EnvWildcard is only valid in access grants, never on an agent.
	EnvWildcard Environment = "*"
)

// ValidEnvironments returns the closed set of agent environments
func ValidEnvironments() []Environment {
	return []Environment{EnvDev, EnvTest, EnvProd}
}

// Valid reports whether e is a concrete agent environment
func (e Environment) Valid() bool {
	switch e {
	case EnvDev, EnvTest, EnvProd:
		return true
	}
	return false
}

// AgentStatus is the registry status of an agent
type AgentStatus string

const (
	AgentOnline      AgentStatus = "online"
	AgentOffline     AgentStatus = "offline"
	AgentMaintenance AgentStatus = "maintenance"
)

// Valid reports whether s is a known agent status
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentOnline, AgentOffline, AgentMaintenance:
		return true
	}
	return false
}

var agentNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidAgentName checks the registry naming rule: [A-Za-z0-9_-], length 2..255
func ValidAgentName(name string) bool {
	return len(name) >= 2 && len(name) <= 255 && agentNameRe.MatchString(name)
}

// Agent is a registered execution endpoint
type Agent struct {
	AgentName     string      `json:"agent_name"`
	Host          string      `json:"host"`
	Port          int         `json:"port"`
	TLSEnabled    bool        `json:"tls_enabled"`
	Environment   Environment `json:"environment"`
	Status        AgentStatus `json:"status"`
	LastHeartbeat *time.Time  `json:"last_heartbeat,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Scheme returns http or https depending on the agent's TLS setting
func (a *Agent) Scheme() string {
	if a.TLSEnabled {
		return "https"
	}
	return "http"
}

// BaseURL returns the agent's base URL
func (a *Agent) BaseURL() string {
	return fmt.Sprintf("%s://%s:%d", a.Scheme(), a.Host, a.Port)
}

// DerivedStatus reports online/offline based on heartbeat freshness.
// Maintenance is sticky and never derived away.
func (a *Agent) DerivedStatus(staleAfter time.Duration, now time.Time) AgentStatus {
	if a.Status == AgentMaintenance {
		return AgentMaintenance
	}
	if a.LastHeartbeat != nil && now.Sub(*a.LastHeartbeat) <= staleAfter {
		return AgentOnline
	}
	return AgentOffline
}
