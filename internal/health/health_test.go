// ABOUTME: Tests for the gRPC health service
// ABOUTME: Drives real agent lifecycles and checks both direct and over-the-wire status

package health

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/clarityos/clarity-kernel/internal/agent"
	"github.com/clarityos/clarity-kernel/internal/bus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	bus    *bus.Bus
	sup    *agent.Supervisor
	health *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	b := bus.New(func(o *bus.Options) { o.Logger = testLogger() })
	require.NoError(t, b.Start(t.Context()))

	reg := agent.NewRegistry()
	require.NoError(t, reg.Register("idle", func(agent.Env) (any, error) { return struct{}{}, nil }))

	sup := agent.New(b, func(o *agent.Options) {
		o.Registry = reg
		o.MonitorInterval = 10 * time.Millisecond
		o.Logger = testLogger()
	})
	require.NoError(t, sup.Start(t.Context()))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
		_ = b.Stop(ctx)
	})
	return &fixture{bus: b, sup: sup, health: New(b, sup, testLogger())}
}

func (f *fixture) waitServing(t *testing.T, service string, want healthpb.HealthCheckResponse_ServingStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		got, err := f.health.Check(t.Context(), service)
		return err == nil && got == want
	}, 2*time.Second, 5*time.Millisecond, "%s never became %s", service, want)
}

func TestServingStatus(t *testing.T) {
	tests := []struct {
		status agent.Status
		want   healthpb.HealthCheckResponse_ServingStatus
	}{
		{agent.StatusRunning, healthpb.HealthCheckResponse_SERVING},
		{agent.StatusDegraded, healthpb.HealthCheckResponse_SERVING},
		{agent.StatusInitializing, healthpb.HealthCheckResponse_NOT_SERVING},
		{agent.StatusPaused, healthpb.HealthCheckResponse_NOT_SERVING},
		{agent.StatusUpdating, healthpb.HealthCheckResponse_NOT_SERVING},
		{agent.StatusStopped, healthpb.HealthCheckResponse_NOT_SERVING},
		{agent.StatusFailed, healthpb.HealthCheckResponse_NOT_SERVING},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, ServingStatus(tt.status))
		})
	}
}

func TestOverallStatusFollowsStartStop(t *testing.T) {
	f := newFixture(t)

	got, err := f.health.Check(t.Context(), "")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, got)

	require.NoError(t, f.health.Start(t.Context()))
	require.NoError(t, f.health.Start(t.Context()), "start is idempotent")
	got, err = f.health.Check(t.Context(), "")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, got)

	f.health.Stop()
	f.health.Stop()
	got, err = f.health.Check(t.Context(), "")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, got)
	assert.Equal(t, 0, f.bus.TopicSubscriberCount(agent.TopicStatusChanged))
}

func TestAgentLifecycleMirrored(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.health.Start(t.Context()))

	id, err := f.sup.Register(t.Context(), agent.RegisterRequest{Name: "worker", Kind: "idle"})
	require.NoError(t, err)
	service := ServiceName(id)
	f.waitServing(t, service, healthpb.HealthCheckResponse_NOT_SERVING)

	require.NoError(t, f.sup.StartAgent(t.Context(), id))
	f.waitServing(t, service, healthpb.HealthCheckResponse_SERVING)

	require.NoError(t, f.sup.ReportStatus(agent.StatusUpdate{AgentID: id, Status: agent.StatusDegraded}))
	f.waitServing(t, service, healthpb.HealthCheckResponse_SERVING)

	require.NoError(t, f.sup.ReportStatus(agent.StatusUpdate{AgentID: id, Status: agent.StatusPaused}))
	f.waitServing(t, service, healthpb.HealthCheckResponse_NOT_SERVING)

	require.NoError(t, f.sup.ReportStatus(agent.StatusUpdate{AgentID: id, Status: agent.StatusRunning}))
	f.waitServing(t, service, healthpb.HealthCheckResponse_SERVING)

	require.NoError(t, f.sup.StopAgent(t.Context(), id))
	f.waitServing(t, service, healthpb.HealthCheckResponse_NOT_SERVING)
}

func TestStartSeedsExistingAgents(t *testing.T) {
	f := newFixture(t)

	id, err := f.sup.Register(t.Context(), agent.RegisterRequest{Name: "early", Kind: "idle", AutoStart: true})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		info, err := f.sup.Get(id)
		return err == nil && info.Status == agent.StatusRunning
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.health.Start(t.Context()))
	got, err := f.health.Check(t.Context(), ServiceName(id))
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, got)
}

func TestUnknownService(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.health.Start(t.Context()))

	_, err := f.health.Check(t.Context(), ServiceName("nobody"))
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestOverGRPC(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.health.Start(t.Context()))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	gs := grpc.NewServer()
	f.health.Register(gs)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	client := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	id, err := f.sup.Register(t.Context(), agent.RegisterRequest{Name: "remote", Kind: "idle", AutoStart: true})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName(id)})
		return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	}, 2*time.Second, 10*time.Millisecond)
}
