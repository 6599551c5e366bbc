// Package config loads application configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(NewConfig),
)

// cloudPGSuffixes are managed-Postgres host suffixes that require SSL.
var cloudPGSuffixes = []string{
	".rds.amazonaws.com",
	".postgres.database.azure.com",
	".db.ondigitalocean.com",
	".aivencloud.com",
	".neon.tech",
	".supabase.co",
}

// Config holds all application configuration.
type Config struct {
	// Server settings
	ServerPort    int    `env:"SERVER_PORT" envDefault:"8080"`
	ServerAddress string `env:"SERVER_ADDRESS" envDefault:"0.0.0.0"`
	Environment   string `env:"ENVIRONMENT" envDefault:"local"`
	Debug         bool   `env:"DEBUG" envDefault:"false"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`

	// Primary database
	Database DatabaseConfig

	// Optional checkpoint database; independent of the primary one.
	Memory MemoryDBConfig

	// Sandbox provider
	Sandbox SandboxConfig

	// Workspace manager
	Workspace WorkspaceConfig

	// Skills
	Skills SkillsConfig

	// LLM provider
	LLM LLMConfig

	// MCP servers
	MCP MCPConfig

	// Server timeouts. Write/idle are long because turn streams are SSE.
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"7200s"`
	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT" envDefault:"7200s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host         string        `env:"DB_HOST" envDefault:"localhost"`
	Port         int           `env:"DB_PORT" envDefault:"5432"`
	User         string        `env:"DB_USER" envDefault:"cadenza"`
	Password     string        `env:"DB_PASSWORD" envDefault:""`
	Database     string        `env:"DB_NAME" envDefault:"cadenza"`
	SSLMode      string        `env:"DB_SSL_MODE" envDefault:""`
	MaxOpenConns int           `env:"DB_MAX_OPEN_CONNS" envDefault:"10"`
	MinConns     int           `env:"DB_MIN_CONNS" envDefault:"1"`
	MaxIdleTime  time.Duration `env:"DB_MAX_IDLE_TIME" envDefault:"5m"`
	QueryDebug   bool          `env:"DB_QUERY_DEBUG" envDefault:"false"`
}

// SSLRequired reports whether the host is a managed-Postgres endpoint that
// refuses plaintext connections.
func (d *DatabaseConfig) SSLRequired() bool {
	for _, suffix := range cloudPGSuffixes {
		if strings.HasSuffix(d.Host, suffix) {
			return true
		}
	}
	return false
}

// EffectiveSSLMode resolves the SSL mode, forcing "require" for cloud hosts.
func (d *DatabaseConfig) EffectiveSSLMode() string {
	if d.SSLMode != "" {
		return d.SSLMode
	}
	if d.SSLRequired() {
		return "require"
	}
	return "disable"
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.EffectiveSSLMode(),
	)
}

// MemoryDBConfig holds the optional checkpoint database settings.
// When Host is empty the checkpointer is disabled.
type MemoryDBConfig struct {
	Host     string `env:"MEMORY_DB_HOST" envDefault:""`
	Port     int    `env:"MEMORY_DB_PORT" envDefault:"5432"`
	User     string `env:"MEMORY_DB_USER" envDefault:""`
	Password string `env:"MEMORY_DB_PASSWORD" envDefault:""`
	Database string `env:"MEMORY_DB_NAME" envDefault:""`
}

// Enabled reports whether a checkpoint database is configured.
func (m *MemoryDBConfig) Enabled() bool {
	return m.Host != ""
}

// DSN returns the checkpoint database connection string.
func (m *MemoryDBConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s",
		m.User, m.Password, m.Host, m.Port, m.Database,
	)
}

// SandboxConfig holds remote sandbox provider settings.
type SandboxConfig struct {
	// API key for the remote sandbox provider.
	APIKey string `env:"SANDBOX_API_KEY" envDefault:""`

	// Base image and snapshot naming.
	BaseImage        string `env:"SANDBOX_BASE_IMAGE" envDefault:"python:3.12-slim"`
	SnapshotBaseName string `env:"SANDBOX_SNAPSHOT_BASE" envDefault:"cadenza-agent"`
	PythonVersion    string `env:"SANDBOX_PYTHON_VERSION" envDefault:"3.12"`

	// Declarative image contents. Order never affects the snapshot hash.
	PipDependencies []string `env:"SANDBOX_PIP_DEPS" envSeparator:"," envDefault:"pandas,numpy,matplotlib,requests"`
	AptPackages     []string `env:"SANDBOX_APT_PACKAGES" envSeparator:"," envDefault:"ripgrep,curl"`
	MCPNpmPackages  []string `env:"SANDBOX_MCP_NPM_PACKAGES" envSeparator:"," envDefault:""`

	// Execution limits.
	ExecTimeout        time.Duration `env:"SANDBOX_EXEC_TIMEOUT" envDefault:"300s"`
	StartTimeout       time.Duration `env:"SANDBOX_START_TIMEOUT" envDefault:"60s"`
	ExecInstallRetries int           `env:"SANDBOX_EXEC_INSTALL_RETRIES" envDefault:"2"`

	// Working directory inside the sandbox.
	WorkDir string `env:"SANDBOX_WORK_DIR" envDefault:"/home/user/workspace"`
}

// WorkspaceConfig holds workspace manager settings.
type WorkspaceConfig struct {
	CleanupInterval time.Duration `env:"WORKSPACE_CLEANUP_INTERVAL" envDefault:"300s"`
	IdleTimeout     time.Duration `env:"WORKSPACE_IDLE_TIMEOUT" envDefault:"1800s"`
}

// SkillsConfig holds local skill root directories in precedence order
// (user first, project last; later roots override earlier ones).
type SkillsConfig struct {
	UserRoot    string `env:"SKILLS_USER_ROOT" envDefault:""`
	ProjectRoot string `env:"SKILLS_PROJECT_ROOT" envDefault:"./skills"`
}

// Roots returns the configured skill roots in precedence order, skipping
// unset entries.
func (s *SkillsConfig) Roots() []string {
	var roots []string
	if s.UserRoot != "" {
		roots = append(roots, s.UserRoot)
	}
	if s.ProjectRoot != "" {
		roots = append(roots, s.ProjectRoot)
	}
	return roots
}

// LLMConfig holds LLM provider settings.
type LLMConfig struct {
	GCPProjectID     string        `env:"GCP_PROJECT_ID" envDefault:""`
	VertexAILocation string        `env:"VERTEX_AI_LOCATION" envDefault:"us-central1"`
	Model            string        `env:"LLM_MODEL" envDefault:"gemini-2.5-flash"`
	CallTimeout      time.Duration `env:"LLM_CALL_TIMEOUT" envDefault:"600s"`
	ParseRetries     int           `env:"LLM_PARSE_RETRIES" envDefault:"5"`
}

// MCPConfig holds MCP connector settings.
type MCPConfig struct {
	// Path to the JSON file declaring MCP servers.
	ServersFile string `env:"MCP_SERVERS_FILE" envDefault:"./mcp_servers.json"`

	// Default timeout for HTTP-transport MCP calls.
	CallTimeout time.Duration `env:"MCP_CALL_TIMEOUT" envDefault:"60s"`
}

// NewConfig loads configuration from environment variables.
func NewConfig(log *slog.Logger) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	log.Info("configuration loaded",
		slog.String("environment", cfg.Environment),
		slog.Int("port", cfg.ServerPort),
		slog.String("db_host", cfg.Database.Host),
		slog.Bool("memory_db", cfg.Memory.Enabled()),
	)

	return cfg, nil
}
