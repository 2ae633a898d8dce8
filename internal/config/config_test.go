// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, overrides, durations and manifests

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clarityos/clarity-kernel/internal/bus"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeFile(t, t.TempDir(), "kernel.yaml", `
bus:
  history_size: 250
  request_timeout: "2s"
  workers:
    critical: 4
    normal: 2

supervisor:
  agents_dir: "/etc/clarity/agents"
  monitor_interval: "1s"
  stop_timeout: "3s"
  dedupe_ttl: "1m"

server:
  http_addr: "127.0.0.1:8080"
  grpc_addr: "127.0.0.1:50051"

database:
  path: "./kernel.db"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 250, cfg.Bus.HistorySize)
	assert.Equal(t, 2*time.Second, cfg.Bus.RequestTimeout)
	assert.Equal(t, "/etc/clarity/agents", cfg.Supervisor.AgentsDir)
	assert.Equal(t, time.Second, cfg.Supervisor.MonitorInterval)
	assert.Equal(t, 3*time.Second, cfg.Supervisor.StopTimeout)
	assert.Equal(t, time.Minute, cfg.Supervisor.DedupeTTL)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "127.0.0.1:50051", cfg.Server.GRPCAddr)
	assert.Equal(t, "./kernel.db", cfg.Database.Path)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	workers, err := cfg.Bus.WorkerCounts()
	require.NoError(t, err)
	assert.Equal(t, map[bus.Priority]int{bus.PriorityCritical: 4, bus.PriorityNormal: 2}, workers)
}

func TestLoad_Defaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "kernel.yaml", "server:\n  http_addr: \":8080\"\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, bus.DefaultHistorySize, cfg.Bus.HistorySize)
	assert.Equal(t, bus.DefaultRequestTimeout, cfg.Bus.RequestTimeout)
	assert.Equal(t, 5*time.Second, cfg.Supervisor.MonitorInterval)
	assert.Equal(t, 10*time.Second, cfg.Supervisor.StopTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Empty(t, cfg.Database.Path)
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_CLARITY_DB", "/var/lib/clarity/kernel.db")

	path := writeFile(t, t.TempDir(), "kernel.yaml", `
database:
  path: "${TEST_CLARITY_DB}"
logging:
  level: "${TEST_CLARITY_UNSET_LEVEL}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/clarity/kernel.db", cfg.Database.Path)
	assert.Equal(t, "info", cfg.Logging.Level, "unset variable expands to empty and takes the default")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CLARITY_BUS_HISTORY_SIZE", "42")
	t.Setenv("CLARITY_SUPERVISOR_STOP_TIMEOUT", "750ms")
	t.Setenv("CLARITY_SERVER_HTTP_ADDR", ":9999")
	t.Setenv("CLARITY_LOGGING_FORMAT", "json")

	path := writeFile(t, t.TempDir(), "kernel.yaml", `
bus:
  history_size: 10
supervisor:
  stop_timeout: "5s"
server:
  http_addr: ":8080"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.Bus.HistorySize)
	assert.Equal(t, 750*time.Millisecond, cfg.Supervisor.StopTimeout)
	assert.Equal(t, ":9999", cfg.Server.HTTPAddr)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestFromEnv(t *testing.T) {
	t.Setenv("CLARITY_DATABASE_PATH", "/tmp/k.db")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/k.db", cfg.Database.Path)
	assert.Equal(t, bus.DefaultHistorySize, cfg.Bus.HistorySize)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad yaml", "bus: [", "parsing config file"},
		{"bad duration", "bus:\n  request_timeout: \"soon\"\n", "bus.request_timeout"},
		{"bad priority", "bus:\n  workers:\n    urgent: 2\n", "unknown priority"},
		{"zero workers", "bus:\n  workers:\n    high: 0\n", "at least 1"},
		{"bad level", "logging:\n  level: \"loud\"\n", "logging.level"},
		{"bad format", "logging:\n  format: \"xml\"\n", "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "kernel.yaml", tt.content)
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestResolvePath(t *testing.T) {
	t.Run("flag wins", func(t *testing.T) {
		t.Setenv("CLARITY_CONFIG", "/from/env.yaml")
		assert.Equal(t, "/from/flag.yaml", ResolvePath("/from/flag.yaml"))
	})

	t.Run("env var", func(t *testing.T) {
		t.Setenv("CLARITY_CONFIG", "/from/env.yaml")
		assert.Equal(t, "/from/env.yaml", ResolvePath(""))
	})

	t.Run("xdg config home", func(t *testing.T) {
		t.Setenv("CLARITY_CONFIG", "")
		dir := t.TempDir()
		t.Setenv("XDG_CONFIG_HOME", dir)
		assert.Empty(t, ResolvePath(""))

		require.NoError(t, os.MkdirAll(filepath.Join(dir, "clarity"), 0o755))
		want := writeFile(t, filepath.Join(dir, "clarity"), "kernel.yaml", "")
		assert.Equal(t, want, ResolvePath(""))
	})
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, bus.DefaultHistorySize, cfg.Bus.HistorySize)
}
