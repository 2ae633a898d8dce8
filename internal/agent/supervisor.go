// ABOUTME: Supervisor owns the agent table, runs agents as monitored goroutines,
// ABOUTME: and broadcasts every lifecycle transition on agent.status.changed.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/clarityos/clarity-kernel/internal/bus"
	"github.com/clarityos/clarity-kernel/internal/dedupe"
)

// ErrAgentNotFound indicates the specified agent was not found.
var ErrAgentNotFound = errors.New("agent not found")

// ErrInvalidRequest indicates a registration or update request is malformed.
var ErrInvalidRequest = errors.New("invalid agent request")

// ErrAgentPanic wraps a panic recovered from an agent's Start or Run.
var ErrAgentPanic = errors.New("agent panicked")

// DefaultVersion is used when a registration does not name a version.
const DefaultVersion = "0.1.0"

// Defaults for Options fields left unset.
const (
	DefaultMonitorInterval = 5 * time.Second
	DefaultStopTimeout     = 10 * time.Second
	DefaultDedupeTTL       = 5 * time.Minute
)

// source is the envelope source for everything the supervisor publishes.
const source = "supervisor"

// Options configures a Supervisor.
type Options struct {
	// Registry resolves agent kinds to factories. Required for StartAgent to
	// succeed; an empty registry fails every start with ErrUnknownKind.
	Registry *Registry

	// MonitorInterval is how often finished tasks are reconciled when no
	// task exit wakes the monitor earlier.
	MonitorInterval time.Duration

	// StopTimeout bounds an agent's Stop callback.
	StopTimeout time.Duration

	// DedupeTTL is how long a command correlation id is remembered.
	DedupeTTL time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// RegisterRequest describes a new agent.
type RegisterRequest struct {
	Name         string         `mapstructure:"name"`
	Kind         string         `mapstructure:"kind"`
	Version      string         `mapstructure:"version"`
	Description  string         `mapstructure:"description"`
	Config       map[string]any `mapstructure:"config"`
	Permissions  []Permission   `mapstructure:"permissions"`
	Capabilities []Capability   `mapstructure:"capabilities"`
	AutoStart    bool           `mapstructure:"auto_start"`
}

// AgentInfo is a copy of an agent record. Mutating it does not affect the
// supervisor.
type AgentInfo struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Kind         string         `json:"kind"`
	Version      string         `json:"version"`
	Description  string         `json:"description,omitempty"`
	Status       Status         `json:"status"`
	Config       map[string]any `json:"config,omitempty"`
	Permissions  []Permission   `json:"permissions,omitempty"`
	Capabilities []Capability   `json:"capabilities,omitempty"`
	Metrics      Metrics        `json:"metrics"`
	LastError    string         `json:"last_error,omitempty"`
	Restarts     int            `json:"restarts"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// task is one run of an agent. err is written by the task goroutine
// before done is closed and read only after it is closed.
type task struct {
	cancel     context.CancelFunc
	done       chan struct{}
	err        error
	reconciled bool // guarded by Supervisor.mu
}

func (t *task) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// record is the supervisor's private agent state.
type record struct {
	info AgentInfo
	task *task
}

func (r *record) snapshot() AgentInfo {
	info := r.info
	info.Config = maps.Clone(r.info.Config)
	info.Permissions = slices.Clone(r.info.Permissions)
	info.Capabilities = slices.Clone(r.info.Capabilities)
	return info
}

// Supervisor manages agent registration, monitored execution and lifecycle
// status.
type Supervisor struct {
	bus             *bus.Bus
	registry        *Registry
	dedupe          *dedupe.Cache
	monitorInterval time.Duration
	stopTimeout     time.Duration
	now             func() time.Time
	logger          *slog.Logger

	mu     sync.RWMutex
	agents map[string]*record

	// wake prompts the monitor when a task exits. Capacity 1.
	wake chan struct{}

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	bg          sync.WaitGroup
	running     bool
}

// New creates a Supervisor on b. Call Start to subscribe to command topics
// and run the monitor.
func New(b *bus.Bus, optFns ...func(o *Options)) *Supervisor {
	opts := Options{
		MonitorInterval: DefaultMonitorInterval,
		StopTimeout:     DefaultStopTimeout,
		DedupeTTL:       DefaultDedupeTTL,
		Now:             time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.MonitorInterval <= 0 {
		opts.MonitorInterval = DefaultMonitorInterval
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Supervisor{
		bus:      b,
		registry: opts.Registry,
		dedupe: dedupe.New(func(o *dedupe.Options) {
			o.TTL = opts.DedupeTTL
			o.Now = opts.Now
		}),
		monitorInterval: opts.MonitorInterval,
		stopTimeout:     opts.StopTimeout,
		now:             opts.Now,
		logger:          opts.Logger.With("component", "supervisor"),
		agents:          make(map[string]*record),
		wake:            make(chan struct{}, 1),
	}
}

// Registry returns the factory table used to construct agents.
func (s *Supervisor) Registry() *Registry {
	return s.registry
}

// Start subscribes the command handlers and launches the monitor. Calling
// Start on a running supervisor is a no-op.
func (s *Supervisor) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.running {
		return nil
	}
	if err := s.subscribe(); err != nil {
		s.unsubscribe()
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.bg.Add(2)
	go func() {
		defer s.bg.Done()
		s.monitor(runCtx)
	}()
	go func() {
		defer s.bg.Done()
		s.dedupe.Run(runCtx)
	}()
	s.running = true

	s.logger.Info("supervisor started", "monitor_interval", s.monitorInterval)
	return nil
}

// Shutdown stops the monitor, removes the command handlers and stops every
// agent concurrently, waiting for all of them.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.running {
		s.cancel()
		s.bg.Wait()
		s.unsubscribe()
		s.running = false
	}

	s.mu.RLock()
	ids := slices.Collect(maps.Keys(s.agents))
	s.mu.RUnlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			return s.StopAgent(ctx, id)
		})
	}
	err := g.Wait()

	// Publish anything the monitor did not get to.
	s.reconcile()

	s.logger.Info("supervisor stopped", "agents", len(ids))
	return err
}

// Register creates an agent record in INITIALIZING and returns its id. When
// AutoStart is set the agent is started; a start failure is logged and
// reflected in the agent's status, not returned.
func (s *Supervisor) Register(ctx context.Context, req RegisterRequest) (string, error) {
	if req.Name == "" {
		return "", fmt.Errorf("%w: name is required", ErrInvalidRequest)
	}
	if req.Kind == "" {
		return "", fmt.Errorf("%w: kind is required", ErrInvalidRequest)
	}
	perms, err := normalizePermissions(req.Permissions)
	if err != nil {
		return "", err
	}
	if err := checkCapabilities(req.Capabilities, perms); err != nil {
		return "", err
	}
	if req.Version == "" {
		req.Version = DefaultVersion
	}

	now := s.now()
	rec := &record{info: AgentInfo{
		ID:           uuid.New().String(),
		Name:         req.Name,
		Kind:         req.Kind,
		Version:      req.Version,
		Description:  req.Description,
		Status:       StatusInitializing,
		Config:       maps.Clone(req.Config),
		Permissions:  perms,
		Capabilities: slices.Clone(req.Capabilities),
		CreatedAt:    now,
		UpdatedAt:    now,
	}}
	if rec.info.Config == nil {
		rec.info.Config = make(map[string]any)
	}
	id := rec.info.ID

	s.mu.Lock()
	duplicate := s.nameInUseLocked(req.Name)
	s.agents[id] = rec
	total := len(s.agents)
	s.mu.Unlock()

	if duplicate {
		s.logger.Warn("agent name already registered", "name", req.Name, "agent_id", id)
	}
	s.logger.Info("=== AGENT REGISTERED ===",
		"agent_id", id,
		"name", req.Name,
		"kind", req.Kind,
		"version", req.Version,
		"total_agents", total,
	)
	s.publish(TopicRegistered, Registered{AgentID: id, Name: req.Name, Kind: req.Kind, Version: req.Version}, bus.PriorityNormal)

	if req.AutoStart {
		if err := s.StartAgent(ctx, id); err != nil {
			s.logger.Warn("auto-start failed", "agent_id", id, "name", req.Name, "error", err)
		}
	}
	return id, nil
}

func (s *Supervisor) nameInUseLocked(name string) bool {
	for _, rec := range s.agents {
		if rec.info.Name == name {
			return true
		}
	}
	return false
}

// StartAgent constructs the agent from its kind and runs it in a monitored
// goroutine. Starting an agent whose task is still alive is a no-op. A
// STOPPED or FAILED agent gets a fresh task under the same id.
func (s *Supervisor) StartAgent(ctx context.Context, id string) error {
	s.mu.Lock()
	rec, ok := s.agents[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if rec.task != nil && !rec.task.finished() {
		s.mu.Unlock()
		return nil
	}
	// A previous run that ended before the monitor saw it is reported first.
	events := s.reconcileLocked(rec)
	events = s.appendChange(events, rec, StatusInitializing, "")

	factory, ok := s.registry.Lookup(rec.info.Kind)
	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownKind, rec.info.Kind)
		events = s.appendChange(events, rec, StatusFailed, err.Error())
		s.mu.Unlock()
		s.publishChanges(events)
		s.logger.Error("agent kind not registered", "agent_id", id, "kind", rec.info.Kind)
		return err
	}

	restarting := rec.task != nil
	env := Env{
		ID:     id,
		Name:   rec.info.Name,
		Config: maps.Clone(rec.info.Config),
		Bus:    s.bus,
		Logger: s.logger.With("component", "agent", "agent_id", id, "agent", rec.info.Name),
	}
	s.mu.Unlock()
	s.publishChanges(events)

	instance, err := factory(env)
	if err != nil {
		err = fmt.Errorf("constructing agent %s: %w", id, err)
		s.mu.Lock()
		var events []StatusChanged
		if rec.info.Status == StatusInitializing {
			events = s.appendChange(nil, rec, StatusFailed, err.Error())
		}
		s.mu.Unlock()
		s.publishChanges(events)
		return err
	}

	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &task{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	switch {
	case rec.task != nil && !rec.task.finished():
		// A concurrent StartAgent won.
		s.mu.Unlock()
		cancel()
		return nil
	case rec.info.Status != StatusInitializing:
		// Stopped while being constructed.
		s.mu.Unlock()
		cancel()
		return nil
	}
	if provider, ok := instance.(CapabilityProvider); ok {
		rec.info.Capabilities = mergeCapabilities(rec.info.Capabilities, provider.Capabilities())
	}
	if restarting {
		rec.info.Restarts++
	}
	rec.info.LastError = ""
	rec.task = t
	s.mu.Unlock()

	go s.runAgent(taskCtx, rec, t, instance)

	s.logger.Info("agent started", "agent_id", id, "name", env.Name, "kind", rec.info.Kind)
	return nil
}

// runAgent is the monitored task body. It records the outcome on t and wakes
// the monitor; it never changes the record's status to a terminal value.
func (s *Supervisor) runAgent(ctx context.Context, rec *record, t *task, instance any) {
	defer s.poke()
	defer close(t.done)
	defer func() {
		if r := recover(); r != nil {
			t.err = fmt.Errorf("%w: %v", ErrAgentPanic, r)
			s.logger.Debug("agent panic stack", "agent_id", rec.info.ID, "stack", string(debug.Stack()))
		}
	}()

	if starter, ok := instance.(Starter); ok {
		if err := starter.Start(ctx); err != nil {
			if ctx.Err() == nil {
				t.err = fmt.Errorf("starting agent: %w", err)
				return
			}
		}
	}

	if ctx.Err() == nil {
		s.markRunning(rec, t)

		var err error
		if runner, ok := instance.(Runner); ok {
			err = runner.Run(ctx)
		} else {
			<-ctx.Done()
		}
		if ctx.Err() == nil {
			t.err = err
			return
		}
	}

	// Cancelled: give the agent a bounded chance to clean up.
	if stopper, ok := instance.(Stopper); ok {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.stopTimeout)
		defer cancel()
		if err := stopper.Stop(stopCtx); err != nil {
			s.logger.Error("agent stop callback failed", "agent_id", rec.info.ID, "error", err)
		}
	}
}

func (s *Supervisor) markRunning(rec *record, t *task) {
	s.mu.Lock()
	var events []StatusChanged
	if rec.task == t && rec.info.Status == StatusInitializing {
		events = s.appendChange(nil, rec, StatusRunning, "")
	}
	s.mu.Unlock()
	s.publishChanges(events)
}

// StopAgent marks the agent STOPPED, cancels its task and waits for the task
// goroutine to return or ctx to end. Stopping an already stopped or failed
// agent is a no-op.
func (s *Supervisor) StopAgent(ctx context.Context, id string) error {
	s.mu.Lock()
	rec, ok := s.agents[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	// A task that already returned keeps its own outcome; a Run error must
	// surface as FAILED rather than be masked by the stop.
	events := s.reconcileLocked(rec)
	stopping := !rec.info.Status.Terminal()
	if stopping {
		events = s.appendChange(events, rec, StatusStopped, "")
	}
	t := rec.task
	s.mu.Unlock()
	s.publishChanges(events)

	if t == nil {
		return nil
	}

	t.cancel()
	select {
	case <-t.done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for agent %s to stop: %w", id, ctx.Err())
	}

	s.mu.Lock()
	t.reconciled = true
	s.mu.Unlock()

	if stopping {
		s.logger.Info("agent stopped", "agent_id", id, "name", rec.info.Name)
	}
	return nil
}

// Update merges config, sets the version, and restarts the agent when
// requested.
func (s *Supervisor) Update(ctx context.Context, req UpdateRequest) (AgentInfo, error) {
	s.mu.Lock()
	rec, ok := s.agents[req.AgentID]
	if !ok {
		s.mu.Unlock()
		return AgentInfo{}, fmt.Errorf("%w: %s", ErrAgentNotFound, req.AgentID)
	}
	maps.Copy(rec.info.Config, req.Config)
	if req.Version != "" {
		rec.info.Version = req.Version
	}
	rec.info.UpdatedAt = s.now()
	s.mu.Unlock()

	s.logger.Info("agent updated", "agent_id", req.AgentID, "version", req.Version, "restart", req.Restart)

	if req.Restart {
		if err := s.StopAgent(ctx, req.AgentID); err != nil {
			return AgentInfo{}, err
		}
		if err := s.StartAgent(ctx, req.AgentID); err != nil {
			return AgentInfo{}, err
		}
	}
	return s.Get(req.AgentID)
}

// ReportStatus applies an agent's self-report: metrics are merged last write
// wins, and a self-reportable status is applied when the transition is legal.
func (s *Supervisor) ReportStatus(update StatusUpdate) error {
	s.mu.Lock()
	rec, ok := s.agents[update.AgentID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, update.AgentID)
	}
	if update.Metrics != nil {
		rec.info.Metrics.Apply(*update.Metrics, s.now())
	}

	var events []StatusChanged
	var rejected error
	if update.Status != "" && update.Status != rec.info.Status {
		switch {
		case !update.Status.SelfReportable():
			rejected = fmt.Errorf("%w: agents cannot report %q", ErrInvalidStatus, update.Status)
		case !ValidTransition(rec.info.Status, update.Status):
			rejected = fmt.Errorf("%w: %s -> %s", ErrInvalidStatus, rec.info.Status, update.Status)
		default:
			events = s.appendChange(nil, rec, update.Status, "")
		}
	}
	s.mu.Unlock()

	s.publishChanges(events)
	return rejected
}

// Get returns a copy of the agent record.
func (s *Supervisor) Get(id string) (AgentInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.agents[id]
	if !ok {
		return AgentInfo{}, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return rec.snapshot(), nil
}

// List returns copies of every agent record ordered by registration time.
func (s *Supervisor) List() []AgentInfo {
	s.mu.RLock()
	out := make([]AgentInfo, 0, len(s.agents))
	for _, rec := range s.agents {
		out = append(out, rec.snapshot())
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b AgentInfo) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// monitor reconciles finished tasks every interval and whenever a task exits.
func (s *Supervisor) monitor(ctx context.Context) {
	ticker := time.NewTicker(s.monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		}
		s.reconcile()
	}
}

func (s *Supervisor) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// reconcile settles every finished, unreconciled task and publishes the
// resulting status changes.
func (s *Supervisor) reconcile() {
	s.mu.Lock()
	var events []StatusChanged
	for _, rec := range s.agents {
		events = append(events, s.reconcileLocked(rec)...)
	}
	s.mu.Unlock()
	s.publishChanges(events)
}

// reconcileLocked marks rec STOPPED or FAILED from its finished task's
// outcome. Each task is reconciled at most once. Must be called with mu held.
func (s *Supervisor) reconcileLocked(rec *record) []StatusChanged {
	t := rec.task
	if t == nil || t.reconciled || !t.finished() {
		return nil
	}
	t.reconciled = true
	if rec.info.Status.Terminal() {
		return nil
	}

	if t.err != nil {
		s.logger.Error("=== AGENT FAILED ===",
			"agent_id", rec.info.ID,
			"name", rec.info.Name,
			"error", t.err,
		)
		return s.appendChange(nil, rec, StatusFailed, t.err.Error())
	}
	s.logger.Info("agent exited", "agent_id", rec.info.ID, "name", rec.info.Name)
	return s.appendChange(nil, rec, StatusStopped, "")
}

// appendChange sets rec's status and appends the resulting event. Must be
// called with mu held.
func (s *Supervisor) appendChange(events []StatusChanged, rec *record, to Status, errMsg string) []StatusChanged {
	from := rec.info.Status
	if from == to {
		return events
	}
	now := s.now()
	rec.info.Status = to
	rec.info.UpdatedAt = now
	if errMsg != "" {
		rec.info.LastError = errMsg
	}

	s.logger.Debug("agent status changed", "agent_id", rec.info.ID, "from", from, "to", to)
	return append(events, StatusChanged{
		AgentID:   rec.info.ID,
		Name:      rec.info.Name,
		Status:    to,
		Previous:  from,
		Error:     errMsg,
		Timestamp: now,
	})
}

func (s *Supervisor) publishChanges(events []StatusChanged) {
	for _, ev := range events {
		s.publish(TopicStatusChanged, ev, bus.PriorityHigh)
	}
}

func (s *Supervisor) publish(topic string, payload any, priority bus.Priority) {
	if _, err := s.bus.Publish(topic, payload, bus.WithSource(source), bus.WithPriority(priority)); err != nil {
		s.logger.Error("publishing lifecycle event", "topic", topic, "error", err)
	}
}
