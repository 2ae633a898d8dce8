// ABOUTME: Heartbeat agent publishes system.heartbeat on a fixed interval
// ABOUTME: Each beat also self-reports memory and beat count as agent metrics

package builtins

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/clarityos/clarity-kernel/internal/agent"
	"github.com/clarityos/clarity-kernel/internal/bus"
)

// DefaultHeartbeatInterval is used when the manifest sets no interval.
const DefaultHeartbeatInterval = 5 * time.Second

// HeartbeatConfig is decoded from the agent's config map.
type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// HeartbeatPayload is published on system.heartbeat.
type HeartbeatPayload struct {
	AgentID    string        `mapstructure:"agent_id" json:"agent_id"`
	Sequence   int64         `mapstructure:"sequence" json:"sequence"`
	Uptime     time.Duration `mapstructure:"uptime" json:"uptime"`
	Goroutines int           `mapstructure:"goroutines" json:"goroutines"`
	HeapAlloc  uint64        `mapstructure:"heap_alloc" json:"heap_alloc"`
}

// Heartbeat is the heartbeat agent.
type Heartbeat struct {
	env     agent.Env
	cfg     HeartbeatConfig
	logger  *slog.Logger
	started time.Time
	seq     int64
}

// NewHeartbeat is the agent.Factory for KindHeartbeat.
func NewHeartbeat(env agent.Env) (any, error) {
	cfg := HeartbeatConfig{Interval: DefaultHeartbeatInterval}
	if err := env.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("heartbeat interval must be positive, got %s", cfg.Interval)
	}
	return &Heartbeat{
		env:    env,
		cfg:    cfg,
		logger: env.Logger.With("kind", KindHeartbeat),
	}, nil
}

// Capabilities implements agent.CapabilityProvider.
func (h *Heartbeat) Capabilities() []agent.Capability {
	return []agent.Capability{{
		ID:                  "system.heartbeat",
		Name:                "Heartbeat",
		Description:         "Publishes liveness and runtime stats on system.heartbeat",
		Parameters:          map[string]any{"interval": h.cfg.Interval.String()},
		RequiredPermissions: []agent.Permission{agent.PermReadSystemData},
	}}
}

// Run beats until ctx is cancelled.
func (h *Heartbeat) Run(ctx context.Context) error {
	h.started = time.Now()
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	h.logger.Debug("heartbeat running", "interval", h.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.beat()
		}
	}
}

func (h *Heartbeat) beat() {
	h.seq++
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	payload := HeartbeatPayload{
		AgentID:    h.env.ID,
		Sequence:   h.seq,
		Uptime:     time.Since(h.started),
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  mem.HeapAlloc,
	}
	if _, err := h.env.Bus.Publish(bus.TopicSystemHeartbeat, payload,
		bus.WithSource(h.env.ID),
		bus.WithPriority(bus.PriorityLow),
	); err != nil {
		h.logger.Warn("heartbeat publish failed", "error", err)
		return
	}

	err := h.env.Report("", &agent.MetricsUpdate{
		MemoryUsage:  ptr(float64(mem.HeapAlloc) / (1 << 20)),
		RequestCount: ptr(h.seq),
	})
	if err != nil {
		h.logger.Warn("metrics report failed", "error", err)
	}
}
