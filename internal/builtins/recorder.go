// ABOUTME: Recorder agent counts envelopes per topic from a wildcard subscription
// ABOUTME: Answers recorder.stats requests with the counts collected so far

package builtins

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/clarityos/clarity-kernel/internal/agent"
	"github.com/clarityos/clarity-kernel/internal/bus"
)

// DefaultRecorderStatsTopic is the request topic for counter snapshots.
const DefaultRecorderStatsTopic = "recorder.stats"

// RecorderConfig is decoded from the agent's config map.
type RecorderConfig struct {
	// Pattern selects what to count: the bare wildcard or a topic pattern
	// such as "system.#".
	Pattern    string `mapstructure:"pattern"`
	StatsTopic string `mapstructure:"stats_topic"`
}

// RecorderStats is the reply to a stats request.
type RecorderStats struct {
	AgentID string           `mapstructure:"agent_id" json:"agent_id"`
	Pattern string           `mapstructure:"pattern" json:"pattern"`
	Since   time.Time        `mapstructure:"since" json:"since"`
	Total   int64            `mapstructure:"total" json:"total"`
	Topics  map[string]int64 `mapstructure:"topics" json:"topics"`
}

// Recorder is the recorder agent.
type Recorder struct {
	env    agent.Env
	cfg    RecorderConfig
	logger *slog.Logger

	mu     sync.Mutex
	since  time.Time
	total  int64
	topics map[string]int64
}

// NewRecorder is the agent.Factory for KindRecorder.
func NewRecorder(env agent.Env) (any, error) {
	cfg := RecorderConfig{Pattern: bus.Wildcard, StatsTopic: DefaultRecorderStatsTopic}
	if err := env.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	return &Recorder{
		env:    env,
		cfg:    cfg,
		logger: env.Logger.With("kind", KindRecorder, "pattern", cfg.Pattern),
		topics: make(map[string]int64),
	}, nil
}

// Capabilities implements agent.CapabilityProvider.
func (r *Recorder) Capabilities() []agent.Capability {
	return []agent.Capability{{
		ID:                  "bus.stats",
		Name:                "Topic counters",
		Description:         "Counts envelopes matching " + r.cfg.Pattern + " and answers " + r.cfg.StatsTopic,
		Parameters:          map[string]any{"pattern": r.cfg.Pattern, "stats_topic": r.cfg.StatsTopic},
		RequiredPermissions: []agent.Permission{agent.PermReadSystemData},
	}}
}

// Start subscribes the counter and the stats responder.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	r.since = time.Now()
	r.mu.Unlock()

	if _, err := r.env.Bus.Subscribe(r.cfg.Pattern, r.count, bus.WithSubscriberID(r.env.ID)); err != nil {
		return err
	}
	if _, err := r.env.Bus.Subscribe(r.cfg.StatsTopic, r.answer, bus.WithSubscriberID(r.env.ID)); err != nil {
		r.env.Bus.Unsubscribe(r.cfg.Pattern, r.env.ID)
		return err
	}
	return nil
}

// Stop unsubscribes both handlers.
func (r *Recorder) Stop(ctx context.Context) error {
	r.env.Bus.Unsubscribe(r.cfg.Pattern, r.env.ID)
	r.env.Bus.Unsubscribe(r.cfg.StatsTopic, r.env.ID)
	return nil
}

// Snapshot returns a copy of the counters.
func (r *Recorder) Snapshot() RecorderStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RecorderStats{
		AgentID: r.env.ID,
		Pattern: r.cfg.Pattern,
		Since:   r.since,
		Total:   r.total,
		Topics:  maps.Clone(r.topics),
	}
}

func (r *Recorder) count(_ context.Context, env bus.Envelope) error {
	r.mu.Lock()
	r.total++
	r.topics[env.Topic]++
	r.mu.Unlock()
	return nil
}

func (r *Recorder) answer(_ context.Context, env bus.Envelope) error {
	if env.ReplyTo == "" {
		return nil
	}
	stats := r.Snapshot()
	if _, err := r.env.Bus.Reply(env, stats, r.env.ID); err != nil {
		return err
	}
	return r.env.Report("", &agent.MetricsUpdate{RequestCount: ptr(stats.Total)})
}
