package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("engine-defaults-test")
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Engine.MaxParallelTasks)
	assert.Equal(t, 50, cfg.Engine.MaxIterations)
	assert.Equal(t, 500, cfg.Engine.MaxNodeExecutions)
	assert.Equal(t, 30*time.Second, cfg.Engine.LLMTimeout)
	assert.Equal(t, 5*time.Second, cfg.Sandbox.Timeout)
	assert.Equal(t, "memory", cfg.RunStore.Backend)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr())
	assert.Equal(t, "memory", cfg.Server.RateLimit.Backend)
	assert.Equal(t, time.Minute, cfg.Server.RateLimit.Window)
	assert.Equal(t, 720*time.Hour, cfg.Archive.Retention)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "configs"), 0o755))
	yaml := []byte("engine:\n  max_parallel_tasks: 9\nsandbox:\n  timeout: 2s\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "configs", "engine-file-test.yaml"), yaml, 0o644))

	t.Setenv("AIFLOW_ENGINE_MAX_ITERATIONS", "7")
	t.Setenv("AIFLOW_SANDBOX_ALLOWED_HOSTS", "api.example.com,docs.example.com")

	cfg, err := Load("engine-file-test")
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.Engine.MaxParallelTasks)
	assert.Equal(t, 7, cfg.Engine.MaxIterations)
	assert.Equal(t, 2*time.Second, cfg.Sandbox.Timeout)
	assert.Equal(t, []string{"api.example.com", "docs.example.com"}, cfg.Sandbox.AllowedHosts)
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("engine-validate-test")
	require.NoError(t, err)

	cfg.RunStore.Backend = "etcd"
	assert.Error(t, cfg.Validate())

	cfg.RunStore.Backend = "redis"
	cfg.Engine.MaxParallelTasks = 0
	assert.Error(t, cfg.Validate())
}
