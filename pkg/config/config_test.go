package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Redis.Host)
	assert.Equal(t, 1000, cfg.Session.MaxSessions)
	assert.Equal(t, 30*time.Minute, cfg.Session.TTL)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 4*time.Second, cfg.Retry.MinWait)
	assert.Equal(t, 10*time.Second, cfg.Retry.MaxWait)
	assert.Equal(t, 2.0, cfg.Retry.Base)
	assert.False(t, cfg.ArchiveEnabled())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("SESSION_MAX_SESSIONS", "50")
	t.Setenv("SESSION_TTL", "5m")
	t.Setenv("RETRY_BASE", "3.5")
	t.Setenv("ARCHIVE_DSN", "postgres://localhost/pipeline")
	t.Setenv("TRACING_ENABLED", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 50, cfg.Session.MaxSessions)
	assert.Equal(t, 5*time.Minute, cfg.Session.TTL)
	assert.Equal(t, 3.5, cfg.Retry.Base)
	assert.True(t, cfg.ArchiveEnabled())
	assert.True(t, cfg.Tracing.Enabled)
}

func TestInvalidValuesFallBackToDefaults(t *testing.T) {
	t.Setenv("SERVER_PORT", "not-a-number")
	t.Setenv("SESSION_TTL", "soon")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Minute, cfg.Session.TTL)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max sessions", func(c *Config) { c.Session.MaxSessions = 0 }},
		{"zero session TTL", func(c *Config) { c.Session.TTL = 0 }},
		{"zero workers", func(c *Config) { c.Pipeline.MaxConcurrentRuns = 0 }},
		{"zero retry attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }},
		{"zero min wait", func(c *Config) { c.Retry.MinWait = 0 }},
		{"max wait below min wait", func(c *Config) { c.Retry.MaxWait = c.Retry.MinWait - time.Second }},
		{"base of one", func(c *Config) { c.Retry.Base = 1.0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)

			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestRedisAddr(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "localhost:6379", cfg.RedisAddr())
}
