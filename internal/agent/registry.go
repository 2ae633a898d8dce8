// ABOUTME: Compile-time table of agent factories keyed by kind tag
// ABOUTME: Defines the optional Starter/Runner/Stopper contract agents implement

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/go-viper/mapstructure/v2"

	"github.com/clarityos/clarity-kernel/internal/bus"
)

// ErrUnknownKind indicates no factory is registered for an agent kind.
var ErrUnknownKind = errors.New("unknown agent kind")

// ErrDuplicateKind indicates a factory is already registered for a kind.
var ErrDuplicateKind = errors.New("agent kind already registered")

// Env is what a factory receives to build one agent instance.
type Env struct {
	ID     string
	Name   string
	Config map[string]any // private copy of the record's config
	Bus    *bus.Bus
	Logger *slog.Logger
}

// DecodeConfig decodes the agent's config map into out using mapstructure
// tags. Duration strings such as "30s" are accepted.
func (e Env) DecodeConfig(out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return fmt.Errorf("creating config decoder: %w", err)
	}
	if err := decoder.Decode(e.Config); err != nil {
		return fmt.Errorf("decoding config for agent %s: %w", e.Name, err)
	}
	return nil
}

// Report publishes a self-reported status and metrics update for this agent.
// An empty status reports metrics only.
func (e Env) Report(status Status, metrics *MetricsUpdate) error {
	_, err := e.Bus.Publish(TopicStatusUpdate, StatusUpdate{
		AgentID: e.ID,
		Status:  status,
		Metrics: metrics,
	}, bus.WithSource(e.ID))
	return err
}

// Factory builds an agent instance. The returned value may implement any of
// Starter, Runner, Stopper and CapabilityProvider.
type Factory func(env Env) (any, error)

// Starter is called once before the agent is marked running.
type Starter interface {
	Start(ctx context.Context) error
}

// Runner is the agent's long-running loop. It should return when ctx is
// cancelled. Agents without Run stay alive until stopped.
type Runner interface {
	Run(ctx context.Context) error
}

// Stopper is called after the agent's context is cancelled so it can release
// resources.
type Stopper interface {
	Stop(ctx context.Context) error
}

// Registry maps agent kinds to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory for kind.
func (r *Registry) Register(kind string, factory Factory) error {
	if kind == "" {
		return errors.New("agent kind is required")
	}
	if factory == nil {
		return fmt.Errorf("factory for %s is nil", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateKind, kind)
	}
	r.factories[kind] = factory
	return nil
}

// Lookup returns the factory for kind.
func (r *Registry) Lookup(kind string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[kind]
	return f, ok
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}
