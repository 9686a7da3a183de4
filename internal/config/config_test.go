package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ISSUEBOT_CONFIG", "")
	t.Setenv("SYSTEM_MODE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ModePush, cfg.SystemMode)
	assert.Equal(t, 30*time.Second, cfg.QueueWorkingInterval)
	assert.Equal(t, filepath.Join("file-queue", "waiting-list"), cfg.PendingDir)
	assert.Equal(t, filepath.Join("file-queue", "completed"), cfg.CompletedDir)
	assert.Equal(t, filepath.Join("file-queue", "failed"), cfg.FailedDir)
	assert.True(t, cfg.PushEnabled())
	assert.False(t, cfg.PullEnabled())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ISSUEBOT_CONFIG", "")
	t.Setenv("SYSTEM_MODE", "dual")
	t.Setenv("PULLING_REPO_LIST", " org/a , ,org/b")
	t.Setenv("PULLING_INTERVAL", "120")
	t.Setenv("QUEUE_WORKING_INTERVAL", "5s")
	t.Setenv("TASKS_DIR", "/var/lib/bot")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ModeDual, cfg.SystemMode)
	assert.Equal(t, []string{"org/a", "org/b"}, cfg.PullingRepos)
	assert.Equal(t, 120*time.Second, cfg.PullingInterval)
	assert.Equal(t, 5*time.Second, cfg.QueueWorkingInterval)
	assert.Equal(t, filepath.Join("/var/lib/bot", "failed"), cfg.FailedDir)
	assert.True(t, cfg.PushEnabled())
	assert.True(t, cfg.PullEnabled())
}

func TestLoadYAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "issuebot.yaml")
	content := `
system_mode: PULL
pulling_repos: [org/yaml]
pulling_interval: 10m
log_level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("ISSUEBOT_CONFIG", path)
	t.Setenv("SYSTEM_MODE", "")
	t.Setenv("PULLING_REPO_LIST", "")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ModePull, cfg.SystemMode)
	assert.Equal(t, []string{"org/yaml"}, cfg.PullingRepos)
	assert.Equal(t, 10*time.Minute, cfg.PullingInterval)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestValidateRejectsUnknownMode(t *testing.T) {
	cfg := Defaults()
	cfg.SystemMode = "POLL"
	assert.Error(t, cfg.Validate())
}
