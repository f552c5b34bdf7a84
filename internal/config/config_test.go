package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/studio-jobs/internal/history"
	"github.com/ChuLiYu/studio-jobs/internal/queue"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "data", cfg.DataDir)
	assert.Equal(t, filepath.Join("data", "wal", "jobs.wal"), cfg.WAL.Path)
	assert.Equal(t, filepath.Join("data", "snapshot.json"), cfg.Snapshot.Path)
	assert.Equal(t, filepath.Join("data", "catalog.db"), cfg.Catalog.Path)
	assert.Equal(t, history.DefaultCapacity, cfg.History.Capacity)
	assert.Equal(t, queue.BackendMemory, cfg.Queue.Backend)
	assert.Equal(t, "python3", cfg.Adapters.Python)
	assert.Equal(t, "docker", cfg.Adapters.Remediation.DockerBin)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, time.Minute, cfg.Snapshot.Interval)
}

func TestLoadYAML(t *testing.T) {
	chdir(t, t.TempDir())
	path := writeConfig(t, `
data_dir: /var/lib/studio
log:
  level: debug
  format: text
history:
  capacity: 10
snapshot:
  interval: 30s
queue:
  backend: redis
  redis:
    addr: redis:6379
adapters:
  generation:
    script: /opt/studio/generate.py
    timeout: 10m
  remediation:
    memory: 8g
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join("/var/lib/studio", "wal", "jobs.wal"), cfg.WAL.Path)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 10, cfg.History.Capacity)
	assert.Equal(t, 30*time.Second, cfg.Snapshot.Interval)
	assert.Equal(t, queue.BackendRedis, cfg.Queue.Backend)
	assert.Equal(t, "redis:6379", cfg.Queue.Redis.Addr)
	assert.Equal(t, "/opt/studio/generate.py", cfg.Adapters.Generation.Script)
	assert.Equal(t, 10*time.Minute, cfg.Adapters.Generation.Timeout)
	assert.Equal(t, "8g", cfg.Adapters.Remediation.Memory)
	assert.Equal(t, "2", cfg.Adapters.Remediation.CPUs, "unset fields keep defaults")
}

func TestEnvOverridesYAML(t *testing.T) {
	chdir(t, t.TempDir())
	path := writeConfig(t, "history:\n  capacity: 10\n")

	t.Setenv("STUDIOJOBS_HISTORY_CAPACITY", "25")
	t.Setenv("STUDIOJOBS_QUEUE_REDIS_ADDR", "cache:6380")
	t.Setenv("STUDIOJOBS_ADAPTER_TRAINING_TIMEOUT", "2h")
	t.Setenv("STUDIOJOBS_METRICS_ENABLED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.History.Capacity)
	assert.Equal(t, "cache:6380", cfg.Queue.Redis.Addr)
	assert.Equal(t, 2*time.Hour, cfg.Adapters.Training.Timeout)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestDotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("STUDIOJOBS_DATA_DIR=/srv/jobs\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("STUDIOJOBS_DATA_DIR") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/srv/jobs", cfg.DataDir)
	assert.Equal(t, "/srv/jobs", cfg.WorkspaceRoot)
}

func TestLoadErrors(t *testing.T) {
	chdir(t, t.TempDir())

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "history: [oops"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "queue:\n  backend: kafka\n"))
	assert.ErrorContains(t, err, "unknown queue backend")

	t.Setenv("STUDIOJOBS_HISTORY_CAPACITY", "many")
	_, err = Load("")
	assert.Error(t, err)
}

// chdir changes the working directory for the duration of the test.
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}
