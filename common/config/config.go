package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all controller configuration
type Config struct {
	Service  ServiceConfig
	Database DatabaseConfig
	Agents   AgentClientConfig
	Mail     MailConfig
	Auth     AuthConfig
	Reports  ReportsConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name      string
	Port      int
	LogLevel  string
	LogFormat string
	// APIHost is the externally visible base URL, used for dashboard
	// links embedded in notification mails.
	APIHost string
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// AgentClientConfig holds settings for outbound agent calls
type AgentClientConfig struct {
	TLSEnabled     bool
	TLSVerify      bool
	CACerts        string
	ConnectTimeout time.Duration
	HealthTimeout  time.Duration
	DefaultTimeout time.Duration
	// StaleAfter is how long after the last heartbeat an agent is
	// reported offline.
	StaleAfter time.Duration
}

// MailConfig holds notification mail settings
type MailConfig struct {
	From         string
	SendmailPath string
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	UseTLS       bool
	DryRun       bool
	Timeout      time.Duration
}

// AuthConfig holds token and JWT settings
type AuthConfig struct {
	// ApproverJWTSecret signs/verifies HS256 approver tokens for the
	// re-execution approval endpoint.
	ApproverJWTSecret string
	// ExecTokenTTL bounds the lifetime of one-time execution tokens.
	ExecTokenTTL time.Duration
	DefaultRole  string
}

// ReportsConfig holds report dispatcher settings
type ReportsConfig struct {
	// Retention is how long terminal run state is kept in memory so late
	// stream subscribers still receive the final frame.
	Retention      time.Duration
	DefaultTimeout time.Duration
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:      serviceName,
			Port:      getEnvInt("PORT", 8000),
			LogLevel:  getEnv("LOG_LEVEL", "info"),
			LogFormat: getEnv("LOG_FORMAT", "text"),
			APIHost:   getEnv("API_HOST", "https://localhost:7585"),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "opsconductor"),
			User:        getEnv("POSTGRES_USER", "opsconductor"),
			Password:    getEnv("POSTGRES_PASSWORD", "opsconductor"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Agents: AgentClientConfig{
			TLSEnabled:     getEnvBool("SSL_ENABLED", true),
			TLSVerify:      getEnvBool("SSL_VERIFY", false),
			CACerts:        getEnv("SSL_CA_CERTS", "./certs/certChain.pem"),
			ConnectTimeout: getEnvDuration("AGENT_CONNECT_TIMEOUT", 10*time.Second),
			HealthTimeout:  getEnvDuration("AGENT_HEALTH_TIMEOUT", 5*time.Second),
			DefaultTimeout: getEnvDuration("AGENT_DEFAULT_TIMEOUT", 300*time.Second),
			StaleAfter:     getEnvDuration("AGENT_STALE_AFTER", 2*time.Minute),
		},
		Mail: MailConfig{
			From:         getEnv("SMTP_FROM", "opsconductor@localhost"),
			SendmailPath: getEnv("SENDMAIL_PATH", "/usr/sbin/sendmail"),
			SMTPHost:     getEnv("SMTP_HOST", "localhost"),
			SMTPPort:     getEnvInt("SMTP_PORT", 25),
			SMTPUser:     getEnv("SMTP_USER", ""),
			SMTPPassword: getEnv("SMTP_PASSWORD", ""),
			UseTLS:       getEnvBool("SMTP_USE_TLS", false),
			DryRun:       getEnvBool("EMAIL_DRY_RUN", false),
			Timeout:      getEnvDuration("SMTP_TIMEOUT", 10*time.Second),
		},
		Auth: AuthConfig{
			ApproverJWTSecret: getEnv("APPROVER_JWT_SECRET", ""),
			ExecTokenTTL:      getEnvDuration("EXEC_TOKEN_TTL", 30*time.Minute),
			DefaultRole:       getEnv("DEFAULT_ROLE", "viewer"),
		},
		Reports: ReportsConfig{
			Retention:      getEnvDuration("REPORT_RUN_RETENTION", 60*time.Second),
			DefaultTimeout: getEnvDuration("REPORT_DEFAULT_TIMEOUT", 300*time.Second),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(strings.ToLower(value)); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
