// ABOUTME: Cron agent publishes a configured topic on a cron schedule
// ABOUTME: Schedules are parsed and advanced with adhocore/gronx

package builtins

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/adhocore/gronx"

	"github.com/clarityos/clarity-kernel/internal/agent"
	"github.com/clarityos/clarity-kernel/internal/bus"
)

// CronConfig is decoded from the agent's config map.
type CronConfig struct {
	Schedule string         `mapstructure:"schedule"`
	Topic    string         `mapstructure:"topic"`
	Priority string         `mapstructure:"priority"`
	Payload  map[string]any `mapstructure:"payload"`
}

// CronTick is published on the configured topic at each scheduled time.
type CronTick struct {
	AgentID   string         `mapstructure:"agent_id" json:"agent_id"`
	Schedule  string         `mapstructure:"schedule" json:"schedule"`
	Scheduled time.Time      `mapstructure:"scheduled" json:"scheduled"`
	Fired     int64          `mapstructure:"fired" json:"fired"`
	Payload   map[string]any `mapstructure:"payload" json:"payload,omitempty"`
}

// Cron is the cron agent.
type Cron struct {
	env      agent.Env
	cfg      CronConfig
	priority bus.Priority
	logger   *slog.Logger
	fired    int64
	failures int64

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

// NewCron is the agent.Factory for KindCron.
func NewCron(env agent.Env) (any, error) {
	var cfg CronConfig
	if err := env.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	if cfg.Schedule == "" {
		return nil, errors.New("cron schedule is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("cron topic is required")
	}
	g := gronx.New()
	if !g.IsValid(cfg.Schedule) {
		return nil, fmt.Errorf("invalid cron schedule %q", cfg.Schedule)
	}

	priority := bus.PriorityNormal
	if cfg.Priority != "" {
		p, err := bus.ParsePriority(cfg.Priority)
		if err != nil {
			return nil, fmt.Errorf("cron priority: %w", err)
		}
		priority = p
	}

	return &Cron{
		env:      env,
		cfg:      cfg,
		priority: priority,
		logger:   env.Logger.With("kind", KindCron, "schedule", cfg.Schedule),
		now:      time.Now,
		after:    time.After,
	}, nil
}

// Capabilities implements agent.CapabilityProvider.
func (c *Cron) Capabilities() []agent.Capability {
	return []agent.Capability{{
		ID:          "schedule." + c.cfg.Topic,
		Name:        "Scheduled publish",
		Description: "Publishes " + c.cfg.Topic + " on schedule " + c.cfg.Schedule,
		Parameters:  map[string]any{"schedule": c.cfg.Schedule, "topic": c.cfg.Topic},
	}}
}

// Next returns the first scheduled time strictly after t.
func (c *Cron) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(c.cfg.Schedule, t, false)
}

// Run waits for each scheduled time and publishes a CronTick until ctx is
// cancelled.
func (c *Cron) Run(ctx context.Context) error {
	for {
		next, err := c.Next(c.now())
		if err != nil {
			return fmt.Errorf("computing next tick: %w", err)
		}
		c.logger.Debug("next tick", "at", next)

		select {
		case <-ctx.Done():
			return nil
		case <-c.after(next.Sub(c.now())):
			c.fire(next)
		}
	}
}

func (c *Cron) fire(scheduled time.Time) {
	c.fired++
	tick := CronTick{
		AgentID:   c.env.ID,
		Schedule:  c.cfg.Schedule,
		Scheduled: scheduled,
		Fired:     c.fired,
		Payload:   maps.Clone(c.cfg.Payload),
	}
	if _, err := c.env.Bus.Publish(c.cfg.Topic, tick,
		bus.WithSource(c.env.ID),
		bus.WithPriority(c.priority),
	); err != nil {
		c.logger.Warn("cron publish failed", "topic", c.cfg.Topic, "error", err)
		c.failures++
		if rerr := c.env.Report("", &agent.MetricsUpdate{ErrorCount: ptr(c.failures)}); rerr != nil {
			c.logger.Warn("metrics report failed", "error", rerr)
		}
		return
	}
	if err := c.env.Report("", &agent.MetricsUpdate{RequestCount: ptr(c.fired)}); err != nil {
		c.logger.Warn("metrics report failed", "error", err)
	}
}
