// ABOUTME: Echo agent answers requests on its topic with the request payload
// ABOUTME: A reference responder for bus.Request and a liveness probe for agents

package builtins

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/clarityos/clarity-kernel/internal/agent"
	"github.com/clarityos/clarity-kernel/internal/bus"
)

// DefaultEchoTopic is the request topic when the manifest sets none.
const DefaultEchoTopic = "echo"

// EchoConfig is decoded from the agent's config map.
type EchoConfig struct {
	Topic string `mapstructure:"topic"`
}

// EchoReply is the reply payload.
type EchoReply struct {
	AgentID string `mapstructure:"agent_id" json:"agent_id"`
	Echo    any    `mapstructure:"echo" json:"echo"`
	Count   int64  `mapstructure:"count" json:"count"`
}

// Echo is the echo agent.
type Echo struct {
	env    agent.Env
	cfg    EchoConfig
	logger *slog.Logger

	count    atomic.Int64
	failures atomic.Int64
	totalDur atomic.Int64 // nanoseconds spent replying
}

// NewEcho is the agent.Factory for KindEcho.
func NewEcho(env agent.Env) (any, error) {
	cfg := EchoConfig{Topic: DefaultEchoTopic}
	if err := env.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	return &Echo{
		env:    env,
		cfg:    cfg,
		logger: env.Logger.With("kind", KindEcho, "topic", cfg.Topic),
	}, nil
}

// Capabilities implements agent.CapabilityProvider.
func (e *Echo) Capabilities() []agent.Capability {
	return []agent.Capability{{
		ID:          "echo",
		Name:        "Echo",
		Description: "Replies to requests on " + e.cfg.Topic + " with the request payload",
		Parameters:  map[string]any{"topic": e.cfg.Topic},
	}}
}

// Start subscribes to the request topic.
func (e *Echo) Start(ctx context.Context) error {
	_, err := e.env.Bus.Subscribe(e.cfg.Topic, e.handle, bus.WithSubscriberID(e.env.ID))
	return err
}

// Stop unsubscribes and reports final counters.
func (e *Echo) Stop(ctx context.Context) error {
	e.env.Bus.Unsubscribe(e.cfg.Topic, e.env.ID)
	return e.env.Report("", e.metrics())
}

func (e *Echo) handle(_ context.Context, env bus.Envelope) error {
	if env.ReplyTo == "" {
		return nil
	}
	start := time.Now()
	n := e.count.Add(1)

	_, err := e.env.Bus.Reply(env, EchoReply{AgentID: e.env.ID, Echo: env.Payload, Count: n}, e.env.ID)
	e.totalDur.Add(int64(time.Since(start)))
	if err != nil {
		e.failures.Add(1)
		return err
	}

	// Periodic reports keep metrics fresh without a report per request.
	if n%10 == 1 {
		if err := e.env.Report("", e.metrics()); err != nil {
			e.logger.Warn("metrics report failed", "error", err)
		}
	}
	return nil
}

func (e *Echo) metrics() *agent.MetricsUpdate {
	n := e.count.Load()
	u := &agent.MetricsUpdate{
		RequestCount: ptr(n),
		ErrorCount:   ptr(e.failures.Load()),
	}
	if n > 0 {
		avg := float64(e.totalDur.Load()) / float64(n) / float64(time.Millisecond)
		u.AverageResponseTime = &avg
	}
	return u
}
