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

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, "http://localhost:8080", cfg.CallbackBase)
	assert.Equal(t, 90*time.Second, cfg.AgentStaleTimeout)
	assert.Equal(t, 3, cfg.EnforcementMaxRetries)
	assert.True(t, cfg.EnforcementAutoRestart)
	assert.Equal(t, 5*time.Minute, cfg.DeployLockTTL)
	assert.Equal(t, 7, cfg.JobRetentionDays)
	assert.Equal(t, time.Hour, cfg.CleanupSweepInterval)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ARCHETYPE_LISTEN_ADDR", ":9090")
	t.Setenv("ARCHETYPE_AGENT_STALE_TIMEOUT", "2m")
	t.Setenv("ARCHETYPE_ENFORCEMENT_AUTO_RESTART", "false")
	t.Setenv("ARCHETYPE_JOB_RETENTION_DAYS", "14")
	t.Setenv("ARCHETYPE_AGENT_TOKEN", "s3cret")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, 2*time.Minute, cfg.AgentStaleTimeout)
	assert.False(t, cfg.EnforcementAutoRestart)
	assert.Equal(t, 14, cfg.JobRetentionDays)
	assert.Equal(t, "s3cret", cfg.AgentToken)
}

func TestLoadMalformedValuesFallBack(t *testing.T) {
	t.Setenv("ARCHETYPE_AGENT_STALE_TIMEOUT", "soon")
	t.Setenv("ARCHETYPE_JOB_RETENTION_DAYS", "a week")
	t.Setenv("ARCHETYPE_LOG_JSON", "maybe")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.AgentStaleTimeout)
	assert.Equal(t, 7, cfg.JobRetentionDays)
	assert.False(t, cfg.LogJSON)
}

func TestValidate(t *testing.T) {
	t.Run("enforcement retries below one", func(t *testing.T) {
		t.Setenv("ARCHETYPE_ENFORCEMENT_MAX_RETRIES", "0")
		_, err := Load()
		assert.ErrorContains(t, err, "ENFORCEMENT_MAX_RETRIES")
	})

	t.Run("disk warning above critical", func(t *testing.T) {
		t.Setenv("ARCHETYPE_DISK_WARNING_PCT", "96")
		_, err := Load()
		assert.ErrorContains(t, err, "disk warning")
	})

	t.Run("db pool warning above critical", func(t *testing.T) {
		t.Setenv("ARCHETYPE_DB_POOL_WARNING_PCT", "95")
		_, err := Load()
		assert.ErrorContains(t, err, "db pool warning")
	})
}
