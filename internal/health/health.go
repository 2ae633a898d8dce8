// ABOUTME: gRPC health service that mirrors agent lifecycle status
// ABOUTME: Follows agent.status.changed on the bus and maps statuses to SERVING/NOT_SERVING

package health

import (
	"context"
	"log/slog"
	"sync"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/clarityos/clarity-kernel/internal/agent"
	"github.com/clarityos/clarity-kernel/internal/bus"
)

// ServicePrefix prefixes per-agent service names: "agent/<agent id>".
const ServicePrefix = "agent/"

const subscriberID = "health"

// ServiceName returns the health service name for an agent.
func ServiceName(agentID string) string {
	return ServicePrefix + agentID
}

// ServingStatus maps an agent status to a gRPC health status. Running and
// degraded agents still answer requests; everything else does not.
func ServingStatus(s agent.Status) healthpb.HealthCheckResponse_ServingStatus {
	switch s {
	case agent.StatusRunning, agent.StatusDegraded:
		return healthpb.HealthCheckResponse_SERVING
	default:
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
}

// Lister returns the current agent records. *agent.Supervisor implements it.
type Lister interface {
	List() []agent.AgentInfo
}

// Service keeps a grpc health server in step with agent status. The overall
// ("") service is SERVING between Start and Stop.
type Service struct {
	bus    *bus.Bus
	agents Lister
	server *grpchealth.Server
	logger *slog.Logger

	mu      sync.Mutex
	running bool
}

// New creates a Service. Call Register to expose it and Start to begin
// tracking.
func New(b *bus.Bus, agents Lister, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	server := grpchealth.NewServer()
	server.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return &Service{
		bus:    b,
		agents: agents,
		server: server,
		logger: logger.With("component", "health"),
	}
}

// Register adds the health service to a gRPC server.
func (s *Service) Register(gs *grpc.Server) {
	healthpb.RegisterHealthServer(gs, s.server)
}

// Check answers a health check directly, without a gRPC connection.
func (s *Service) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := s.server.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// Start seeds statuses from the current agent list and subscribes to status
// changes.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	if _, err := s.bus.Subscribe(agent.TopicStatusChanged, s.handleStatusChanged, bus.WithSubscriberID(subscriberID)); err != nil {
		return err
	}
	if _, err := s.bus.Subscribe(agent.TopicRegistered, s.handleRegistered, bus.WithSubscriberID(subscriberID)); err != nil {
		s.bus.Unsubscribe(agent.TopicStatusChanged, subscriberID)
		return err
	}

	s.server.Resume()
	for _, info := range s.agents.List() {
		s.set(info.ID, info.Status)
	}
	s.server.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.running = true
	s.logger.Info("health service started")
	return nil
}

// Stop unsubscribes and marks every service NOT_SERVING. Watchers are told
// before the gRPC server goes away.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.bus.Unsubscribe(agent.TopicStatusChanged, subscriberID)
	s.bus.Unsubscribe(agent.TopicRegistered, subscriberID)
	s.server.Shutdown()
	s.running = false
	s.logger.Info("health service stopped")
}

func (s *Service) set(agentID string, status agent.Status) {
	s.server.SetServingStatus(ServiceName(agentID), ServingStatus(status))
}

func (s *Service) handleStatusChanged(_ context.Context, env bus.Envelope) error {
	var ev agent.StatusChanged
	if err := bus.DecodePayload(env, &ev); err != nil {
		return err
	}
	s.mu.Lock()
	s.set(ev.AgentID, ev.Status)
	s.mu.Unlock()
	s.logger.Debug("agent health updated", "agent_id", ev.AgentID, "status", ev.Status)
	return nil
}

// handleRegistered adds a NOT_SERVING entry for a new agent. Status changes
// are published at higher priority and may already have arrived, so an
// existing entry is left alone.
func (s *Service) handleRegistered(ctx context.Context, env bus.Envelope) error {
	var ev agent.Registered
	if err := bus.DecodePayload(env, &ev); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.server.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName(ev.AgentID)}); err == nil {
		return nil
	}
	s.set(ev.AgentID, agent.StatusInitializing)
	return nil
}
