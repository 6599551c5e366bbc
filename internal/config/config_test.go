package config

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig_Defaults(t *testing.T) {
	cfg, err := NewConfig(slog.Default())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.ServerPort)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 10, cfg.Database.MaxOpenConns)
	assert.Equal(t, 1, cfg.Database.MinConns)
	assert.False(t, cfg.Memory.Enabled())
	assert.Equal(t, int64(300), int64(cfg.Workspace.CleanupInterval.Seconds()))
	assert.Equal(t, int64(1800), int64(cfg.Workspace.IdleTimeout.Seconds()))
}

func TestNewConfig_EnvOverrides(t *testing.T) {
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PORT", "5433")
	t.Setenv("DB_NAME", "orchestrator")
	t.Setenv("MEMORY_DB_HOST", "memdb.internal")
	t.Setenv("SANDBOX_PIP_DEPS", "polars,duckdb")

	cfg, err := NewConfig(slog.Default())
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 5433, cfg.Database.Port)
	assert.Equal(t, "orchestrator", cfg.Database.Database)
	assert.True(t, cfg.Memory.Enabled())
	assert.Equal(t, []string{"polars", "duckdb"}, cfg.Sandbox.PipDependencies)
}

func TestDatabaseConfig_SSLForCloudHosts(t *testing.T) {
	tests := []struct {
		name     string
		host     string
		explicit string
		want     string
	}{
		{"local host", "localhost", "", "disable"},
		{"rds host", "mydb.abc123.us-east-1.rds.amazonaws.com", "", "require"},
		{"neon host", "ep-cool-sky.neon.tech", "", "require"},
		{"explicit wins", "localhost", "verify-full", "verify-full"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := DatabaseConfig{Host: tt.host, SSLMode: tt.explicit}
			assert.Equal(t, tt.want, d.EffectiveSSLMode())
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	d := DatabaseConfig{
		Host: "localhost", Port: 5432,
		User: "u", Password: "p", Database: "d",
	}
	assert.Equal(t, "postgres://u:p@localhost:5432/d?sslmode=disable", d.DSN())
}

func TestSkillsConfig_Roots(t *testing.T) {
	s := SkillsConfig{UserRoot: "/home/me/.skills", ProjectRoot: "./skills"}
	assert.Equal(t, []string{"/home/me/.skills", "./skills"}, s.Roots())

	s = SkillsConfig{ProjectRoot: "./skills"}
	assert.Equal(t, []string{"./skills"}, s.Roots())
}
