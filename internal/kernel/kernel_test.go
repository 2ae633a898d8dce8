// ABOUTME: Tests for the kernel orchestrator, persistence mirror and HTTP API
// ABOUTME: Boots real kernels against temp databases and manifest directories

package kernel

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/clarityos/clarity-kernel/internal/agent"
	"github.com/clarityos/clarity-kernel/internal/bus"
	"github.com/clarityos/clarity-kernel/internal/config"
	"github.com/clarityos/clarity-kernel/internal/store"
)

const pulseManifest = `
name = "pulse"
kind = "heartbeat"
auto_start = true
permissions = ["read_system_data"]

[config]
interval = "20ms"
`

const echoManifest = `
name = "echo"
kind = "echo"
`

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// freeAddr returns a loopback address that was free a moment ago.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func writeManifest(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

// testConfig creates a config with persistence in a temp dir, the given
// manifests, and no listeners.
func testConfig(t *testing.T, manifests map[string]string) *config.Config {
	t.Helper()

	dir := t.TempDir()
	agentsDir := filepath.Join(dir, "agents")
	require.NoError(t, os.Mkdir(agentsDir, 0o755))
	for name, content := range manifests {
		writeManifest(t, agentsDir, name, content)
	}

	cfg := config.Default()
	cfg.Database.Path = filepath.Join(dir, "kernel.db")
	cfg.Supervisor.AgentsDir = agentsDir
	cfg.Supervisor.MonitorInterval = 10 * time.Millisecond
	cfg.Supervisor.StopTimeout = time.Second
	return cfg
}

func newKernel(t *testing.T, cfg *config.Config) *Kernel {
	t.Helper()
	k, err := New(cfg, testLogger())
	require.NoError(t, err)
	return k
}

// startKernel boots k and shuts it down when the test ends.
func startKernel(t *testing.T, k *Kernel) {
	t.Helper()
	require.NoError(t, k.Start(t.Context()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = k.Shutdown(ctx)
	})
}

func flush(t *testing.T, k *Kernel) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	require.NoError(t, k.Bus().Flush(ctx))
}

func agentByName(t *testing.T, k *Kernel, name string) agent.AgentInfo {
	t.Helper()
	for _, a := range k.Supervisor().List() {
		if a.Name == name {
			return a
		}
	}
	require.Failf(t, "agent not found", "no agent named %q", name)
	return agent.AgentInfo{}
}

func waitStatus(t *testing.T, k *Kernel, id string, want agent.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		info, err := k.Supervisor().Get(id)
		return err == nil && info.Status == want
	}, 2*time.Second, 5*time.Millisecond, "agent %s never reached %s", id, want)
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestNew_InvalidWorkers(t *testing.T) {
	cfg := config.Default()
	cfg.Bus.Workers = map[string]int{"urgent": 2}

	_, err := New(cfg, testLogger())
	require.Error(t, err)
}

func TestNotReadyBeforeStart(t *testing.T) {
	cfg := testConfig(t, nil)
	cfg.Database.Path = ""
	k := newKernel(t, cfg)

	assert.False(t, k.Ready())
	assert.Equal(t, http.StatusOK, get(t, k.Handler(), "/health").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, k.Handler(), "/health/ready").Code)
}

func TestStart_LoadsManifests(t *testing.T) {
	cfg := testConfig(t, map[string]string{
		"10-pulse.toml":  pulseManifest,
		"20-echo.toml":   echoManifest,
		"30-broken.toml": "name = \"broken\"\nkind =",
		"40-ghost.toml":  "name = \"ghost\"\nkind = \"no-such-kind\"\nauto_start = true\n",
	})
	k := newKernel(t, cfg)
	startKernel(t, k)

	assert.True(t, k.Ready())
	require.Len(t, k.Supervisor().List(), 3)

	pulse := agentByName(t, k, "pulse")
	waitStatus(t, k, pulse.ID, agent.StatusRunning)
	assert.Equal(t, agent.StatusInitializing, agentByName(t, k, "echo").Status)
	assert.Equal(t, agent.StatusFailed, agentByName(t, k, "ghost").Status)

	flush(t, k)
	boot := k.Bus().QueryHistory(bus.HistoryQuery{Topic: bus.TopicSystemBootComplete})
	require.Len(t, boot, 1)
	var ev BootComplete
	require.NoError(t, bus.DecodePayload(boot[0], &ev))
	assert.Equal(t, 3, ev.Agents)
	assert.Equal(t, 1, ev.Started)
	assert.Equal(t, bus.PriorityHigh, boot[0].Priority)

	components := k.Bus().QueryHistory(bus.HistoryQuery{Topic: bus.TopicSystemComponentStarted})
	assert.Len(t, components, 4)

	rec := get(t, k.Handler(), "/health/ready")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready (3 agents)", rec.Body.String())
}

func TestShutdown_PersistsTransitions(t *testing.T) {
	cfg := testConfig(t, map[string]string{"pulse.toml": pulseManifest})
	k := newKernel(t, cfg)
	require.NoError(t, k.Start(t.Context()))

	id := agentByName(t, k, "pulse").ID
	waitStatus(t, k, id, agent.StatusRunning)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	require.NoError(t, k.Shutdown(ctx))
	assert.False(t, k.Ready())
	assert.False(t, k.Bus().Running())

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	require.NoError(t, err)
	defer s.Close()

	rec, err := s.GetAgent(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, "pulse", rec.Name)
	assert.Equal(t, "heartbeat", rec.Kind)
	assert.Equal(t, string(agent.StatusStopped), rec.Status)
	assert.Equal(t, []string{"read_system_data"}, rec.Permissions)
	assert.Equal(t, "20ms", rec.Config["interval"])

	transitions, err := s.ListTransitions(t.Context(), store.TransitionFilter{AgentID: id})
	require.NoError(t, err)
	require.Len(t, transitions, 2)
	assert.Equal(t, string(agent.StatusRunning), transitions[0].From)
	assert.Equal(t, string(agent.StatusStopped), transitions[0].To)
	assert.Equal(t, string(agent.StatusInitializing), transitions[1].From)
	assert.Equal(t, string(agent.StatusRunning), transitions[1].To)
}

func TestStart_MarksOrphans(t *testing.T) {
	cfg := testConfig(t, nil)

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	require.NoError(t, err)
	now := time.Now()
	for _, r := range []*store.AgentRecord{
		{ID: "left-running", Name: "a", Kind: "echo", Version: "1", Status: "running", CreatedAt: now, UpdatedAt: now},
		{ID: "already-failed", Name: "b", Kind: "echo", Version: "1", Status: "failed", LastError: "boom", CreatedAt: now, UpdatedAt: now},
	} {
		require.NoError(t, s.SaveAgent(t.Context(), r))
	}
	require.NoError(t, s.Close())

	k := newKernel(t, cfg)
	startKernel(t, k)

	orphan, err := k.store.GetAgent(t.Context(), "left-running")
	require.NoError(t, err)
	assert.Equal(t, string(agent.StatusStopped), orphan.Status)
	assert.Equal(t, orphanReason, orphan.LastError)

	failed, err := k.store.GetAgent(t.Context(), "already-failed")
	require.NoError(t, err)
	assert.Equal(t, "failed", failed.Status)
	assert.Equal(t, "boom", failed.LastError)

	rec := get(t, k.Handler(), "/agents/left-running/transitions")
	require.Equal(t, http.StatusOK, rec.Code)
	var transitions []TransitionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &transitions))
	require.Len(t, transitions, 1)
	assert.Equal(t, "running", transitions[0].From)
	assert.Equal(t, "stopped", transitions[0].To)
	assert.Equal(t, orphanReason, transitions[0].Error)
}

func TestHTTPAPI(t *testing.T) {
	cfg := testConfig(t, map[string]string{
		"pulse.toml": pulseManifest,
		"echo.toml":  echoManifest,
	})
	k := newKernel(t, cfg)
	startKernel(t, k)

	pulse := agentByName(t, k, "pulse")
	waitStatus(t, k, pulse.ID, agent.StatusRunning)
	flush(t, k)
	h := k.Handler()

	t.Run("list agents", func(t *testing.T) {
		rec := get(t, h, "/agents")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var agents []agent.AgentInfo
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agents))
		assert.Len(t, agents, 2)
	})

	t.Run("filter by status", func(t *testing.T) {
		var agents []agent.AgentInfo
		rec := get(t, h, "/agents?status=RUNNING")
		require.Equal(t, http.StatusOK, rec.Code)
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agents))
		require.Len(t, agents, 1)
		assert.Equal(t, "pulse", agents[0].Name)

		assert.Equal(t, http.StatusBadRequest, get(t, h, "/agents?status=sleeping").Code)
	})

	t.Run("get agent", func(t *testing.T) {
		rec := get(t, h, "/agents/"+pulse.ID)
		require.Equal(t, http.StatusOK, rec.Code)

		var info agent.AgentInfo
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
		assert.Equal(t, pulse.ID, info.ID)
		assert.Equal(t, "heartbeat", info.Kind)

		rec = get(t, h, "/agents/nope")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.JSONEq(t, `{"error":"agent not found"}`, rec.Body.String())
	})

	t.Run("transitions", func(t *testing.T) {
		rec := get(t, h, "/agents/"+pulse.ID+"/transitions")
		require.Equal(t, http.StatusOK, rec.Code)
		var transitions []TransitionResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &transitions))
		require.NotEmpty(t, transitions)
		assert.Equal(t, "running", transitions[0].To)

		assert.Equal(t, http.StatusNotFound, get(t, h, "/agents/nope/transitions").Code)
		assert.Equal(t, http.StatusBadRequest, get(t, h, "/agents/"+pulse.ID+"/transitions?limit=0").Code)
	})

	t.Run("history", func(t *testing.T) {
		rec := get(t, h, "/history?topic=system.heartbeat&limit=1")
		require.Equal(t, http.StatusOK, rec.Code)

		var entries []HistoryEntry
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
		require.Len(t, entries, 1)
		assert.Equal(t, bus.TopicSystemHeartbeat, entries[0].Topic)
		assert.Equal(t, "low", entries[0].Priority)
		assert.Equal(t, pulse.ID, entries[0].Source)

		rec = get(t, h, "/history?source=kernel&topic=system.#")
		require.Equal(t, http.StatusOK, rec.Code)
		entries = nil
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
		assert.NotEmpty(t, entries)
		for _, e := range entries {
			assert.Equal(t, "kernel", e.Source)
		}

		future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
		rec = get(t, h, "/history?since="+future)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `[]`, rec.Body.String())

		assert.Equal(t, http.StatusBadRequest, get(t, h, "/history?since=yesterday").Code)
		assert.Equal(t, http.StatusBadRequest, get(t, h, "/history?limit=-3").Code)
	})

	t.Run("stats", func(t *testing.T) {
		rec := get(t, h, "/stats")
		require.Equal(t, http.StatusOK, rec.Code)

		var stats StatsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
		assert.True(t, stats.Running)
		assert.Positive(t, stats.Published)
		assert.Positive(t, stats.Subscribers)
		assert.Contains(t, stats.QueueDepth, "critical")
		assert.Equal(t, 1, stats.Agents["running"])
		assert.Equal(t, 1, stats.Agents["initializing"])
	})
}

func TestTransitions_PersistenceDisabled(t *testing.T) {
	cfg := testConfig(t, map[string]string{"echo.toml": echoManifest})
	cfg.Database.Path = ""
	k := newKernel(t, cfg)
	startKernel(t, k)

	id := agentByName(t, k, "echo").ID
	rec := get(t, k.Handler(), "/agents/"+id+"/transitions")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"persistence is disabled"}`, rec.Body.String())
}

func TestRun(t *testing.T) {
	cfg := testConfig(t, map[string]string{"pulse.toml": pulseManifest})
	cfg.Server.HTTPAddr = freeAddr(t)
	cfg.Server.GRPCAddr = freeAddr(t)
	k := newKernel(t, cfg)

	ctx, cancel := context.WithCancel(t.Context())
	errCh := make(chan error, 1)
	go func() { errCh <- k.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health/ready")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond, "kernel never became ready")

	conn, err := grpc.NewClient(cfg.Server.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	resp, err := client.Check(t.Context(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	pulse := agentByName(t, k, "pulse")
	require.Eventually(t, func() bool {
		resp, err := client.Check(t.Context(), &healthpb.HealthCheckRequest{Service: "agent/" + pulse.ID})
		return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, k.Ready())
}

func TestRun_ListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig(t, nil)
	cfg.Server.HTTPAddr = ln.Addr().String()
	k := newKernel(t, cfg)

	err = k.Run(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listening on HTTP address")
	assert.False(t, k.Bus().Running())
}

func TestRegisterRequest(t *testing.T) {
	req := RegisterRequest(config.Manifest{
		Name:        "pulse",
		Kind:        "heartbeat",
		Version:     "1.2.0",
		Description: "beats",
		AutoStart:   true,
		Permissions: []string{"read_system_data"},
		Config:      map[string]any{"interval": "2s"},
		Capabilities: []config.CapabilityManifest{{
			ID:                  "pulse",
			Name:                "Pulse",
			Parameters:          map[string]any{"interval": "duration"},
			RequiredPermissions: []string{"read_system_data"},
		}},
	})

	assert.Equal(t, "pulse", req.Name)
	assert.Equal(t, "heartbeat", req.Kind)
	assert.Equal(t, "1.2.0", req.Version)
	assert.Equal(t, "beats", req.Description)
	assert.True(t, req.AutoStart)
	assert.Equal(t, []agent.Permission{agent.PermReadSystemData}, req.Permissions)
	assert.Equal(t, "2s", req.Config["interval"])
	require.Len(t, req.Capabilities, 1)
	assert.Equal(t, "pulse", req.Capabilities[0].ID)
	assert.Equal(t, []agent.Permission{agent.PermReadSystemData}, req.Capabilities[0].RequiredPermissions)
}
