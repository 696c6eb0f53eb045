package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the proxy YAML configuration. ${VAR} references are
// expanded from the environment before parsing.
type Config struct {
	Server   ServerConfig        `yaml:"server"`
	SSL      SSLConfig           `yaml:"ssl"`
	Auth     AuthConfig          `yaml:"auth"`
	Backends map[string]*Backend `yaml:"backends"`
	// DefaultBackend receives requests no prefix matches; empty means 404
	DefaultBackend string         `yaml:"default_backend"`
	Advanced       AdvancedConfig `yaml:"advanced"`
}

// ServerConfig is the listener address
type ServerConfig struct {
	ListenHost string `yaml:"listen_host"`
	ListenPort int    `yaml:"listen_port"`
}

// SSLConfig is the TLS termination setup
type SSLConfig struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
	CA   string `yaml:"ca"`
	// VerifyClient is none, optional, or required
	VerifyClient string `yaml:"verify_client"`
}

// AuthConfig holds identity header names, native auth, and sessions
type AuthConfig struct {
	HeaderCertCN     string           `yaml:"header_cert_cn"`
	HeaderCertDN     string           `yaml:"header_cert_dn"`
	HeaderAuthMethod string           `yaml:"header_auth_method"`
	Native           NativeAuthConfig `yaml:"native"`
	// SessionBackend is memory, redis, or postgres
	SessionBackend string `yaml:"session_backend"`
	RedisAddr      string `yaml:"redis_addr"`
	RedisPassword  string `yaml:"redis_password"`
	PostgresURL    string `yaml:"postgres_url"`
}

// NativeAuthConfig is the challenge/response fallback
type NativeAuthConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Domain          string `yaml:"domain"`
	SessionTimeoutS int    `yaml:"session_timeout_s"`
}

// SessionTimeout returns the sliding session TTL
func (n NativeAuthConfig) SessionTimeout() time.Duration {
	return time.Duration(n.SessionTimeoutS) * time.Second
}

// Backend is one routed upstream
type Backend struct {
	ID           string `yaml:"-"`
	Name         string `yaml:"name"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	PathPrefix   string `yaml:"path_prefix"`
	StripPrefix  bool   `yaml:"strip_prefix"`
	Websocket    bool   `yaml:"websocket"`
	TimeoutS     int    `yaml:"timeout_s"`
	AuthRequired bool   `yaml:"auth_required"`
}

// Addr returns host:port
func (b *Backend) Addr() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

// Timeout returns the per-backend total response deadline
func (b *Backend) Timeout() time.Duration {
	return time.Duration(b.TimeoutS) * time.Second
}

// AdvancedConfig holds tuning knobs
type AdvancedConfig struct {
	ReadBuffer int `yaml:"read_buffer"`
}

const (
	defaultReadBuffer     = 64 * 1024
	defaultBackendTimeout = 300
	defaultSessionTimeout = 3600
)

// LoadConfig reads, env-expands, parses and validates the YAML config
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	expanded := os.Expand(string(raw), func(key string) string {
		return os.Getenv(key)
	})

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.ListenHost == "" {
		c.Server.ListenHost = "0.0.0.0"
	}
	if c.Server.ListenPort == 0 {
		c.Server.ListenPort = 7585
	}
	if c.SSL.VerifyClient == "" {
		c.SSL.VerifyClient = "optional"
	}
	if c.Auth.HeaderCertCN == "" {
		c.Auth.HeaderCertCN = "X-Client-Cert-CN"
	}
	if c.Auth.HeaderCertDN == "" {
		c.Auth.HeaderCertDN = "X-Client-Cert-DN"
	}
	if c.Auth.HeaderAuthMethod == "" {
		c.Auth.HeaderAuthMethod = "X-Auth-Method"
	}
	if c.Auth.SessionBackend == "" {
		c.Auth.SessionBackend = "memory"
	}
	if c.Auth.Native.SessionTimeoutS == 0 {
		c.Auth.Native.SessionTimeoutS = defaultSessionTimeout
	}
	if c.Advanced.ReadBuffer == 0 {
		c.Advanced.ReadBuffer = defaultReadBuffer
	}
	for id, b := range c.Backends {
		b.ID = id
		if b.Name == "" {
			b.Name = id
		}
		if b.TimeoutS == 0 {
			b.TimeoutS = defaultBackendTimeout
		}
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	switch c.SSL.VerifyClient {
	case "none", "optional", "required":
	default:
		return fmt.Errorf("verify_client must be none, optional, or required, got %q", c.SSL.VerifyClient)
	}
	if c.SSL.Cert == "" || c.SSL.Key == "" {
		return fmt.Errorf("ssl cert and key are required")
	}
	if len(c.Backends) == 0 {
		return fmt.Errorf("at least one backend is required")
	}
	for id, b := range c.Backends {
		if b.Host == "" || b.Port < 1 || b.Port > 65535 {
			return fmt.Errorf("backend %s: host and port 1-65535 are required", id)
		}
		if b.PathPrefix == "" {
			return fmt.Errorf("backend %s: path_prefix is required", id)
		}
	}
	if c.DefaultBackend != "" {
		if _, ok := c.Backends[c.DefaultBackend]; !ok {
			return fmt.Errorf("default_backend %q is not a configured backend", c.DefaultBackend)
		}
	}
	switch c.Auth.SessionBackend {
	case "memory":
	case "redis":
		if c.Auth.RedisAddr == "" {
			return fmt.Errorf("redis session backend requires redis_addr")
		}
	case "postgres":
		if c.Auth.PostgresURL == "" {
			return fmt.Errorf("postgres session backend requires postgres_url")
		}
	default:
		return fmt.Errorf("session_backend must be memory, redis, or postgres, got %q", c.Auth.SessionBackend)
	}
	return nil
}

// sortedBackends returns backends by prefix length descending, so the
// router always picks the longest match first.
func (c *Config) sortedBackends() []*Backend {
	backends := make([]*Backend, 0, len(c.Backends))
	for _, b := range c.Backends {
		backends = append(backends, b)
	}
	sort.Slice(backends, func(i, j int) bool {
		if len(backends[i].PathPrefix) != len(backends[j].PathPrefix) {
			return len(backends[i].PathPrefix) > len(backends[j].PathPrefix)
		}
		return backends[i].ID < backends[j].ID
	})
	return backends
}
