// ABOUTME: Priority router: per-priority FIFO queues served by worker pools
// ABOUTME: Dispatches each envelope to history and every matching subscriber

package bus

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultWorkers is the static worker weighting per priority. Urgent queues
// get more workers.
var DefaultWorkers = map[Priority]int{
	PriorityCritical: 3,
	PriorityHigh:     3,
	PriorityNormal:   1,
	PriorityLow:      1,
	PriorityLowest:   1,
}

// DefaultRequestTimeout bounds Request calls that do not set a timeout.
const DefaultRequestTimeout = 5 * time.Second

// Options configures a Bus.
type Options struct {
	// HistorySize is the number of dispatched envelopes kept for QueryHistory.
	HistorySize int

	// Workers sets the worker count per priority. Missing or non-positive
	// entries fall back to DefaultWorkers.
	Workers map[Priority]int

	// RequestTimeout is used by Request when the caller passes no timeout.
	RequestTimeout time.Duration

	// Logger receives dispatch and handler failure logs. Defaults to
	// slog.Default().
	Logger *slog.Logger

	// Now is the clock used to timestamp envelopes.
	Now func() time.Time
}

// Stats is a point-in-time view of bus counters.
type Stats struct {
	Running       bool
	Published     uint64
	Delivered     uint64
	HandlerErrors uint64
	Pending       int64
	QueueDepth    map[Priority]int
	Subscribers   int
	HistorySize   int
}

// Bus is an in-process publish/subscribe router with one FIFO queue and a
// worker pool per priority.
//
// FIFO order is guaranteed only within one priority queue and only when that
// priority is served by a single worker. There is no ordering across
// priorities, and low priorities can starve under sustained urgent load.
type Bus struct {
	registry       *registry
	history        *history
	queues         [numPriorities]*queue
	workers        [numPriorities]int
	requestTimeout time.Duration
	now            func() time.Time
	logger         *slog.Logger

	correlator *correlator

	// lifecycleMu serializes whole Start and Stop sequences.
	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	running     atomic.Bool
	// exited is closed once every worker of the latest Start has returned.
	exited chan struct{}

	pending       atomic.Int64
	published     atomic.Uint64
	delivered     atomic.Uint64
	handlerErrors atomic.Uint64
}

// New creates a stopped Bus. Envelopes published before Start are queued and
// delivered once workers run.
func New(optFns ...func(o *Options)) *Bus {
	opts := Options{
		HistorySize:    DefaultHistorySize,
		RequestTimeout: DefaultRequestTimeout,
		Now:            time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}

	b := &Bus{
		registry:       newRegistry(),
		history:        newHistory(opts.HistorySize),
		requestTimeout: opts.RequestTimeout,
		now:            opts.Now,
		logger:         opts.Logger.With("component", "bus"),
	}
	for _, p := range Priorities {
		b.queues[p] = newQueue()
		n := opts.Workers[p]
		if n <= 0 {
			n = DefaultWorkers[p]
		}
		b.workers[p] = n
	}
	b.correlator = newCorrelator(b)
	return b
}

// Publish builds an envelope and enqueues it on its priority's queue. It
// returns without waiting for delivery. Queue depth is not bounded.
func (b *Bus) Publish(topic string, payload any, opts ...PublishOption) (Envelope, error) {
	if topic == "" {
		return Envelope{}, ErrEmptyTopic
	}
	env, err := newEnvelope(topic, payload, b.now(), opts...)
	if err != nil {
		return Envelope{}, err
	}

	b.pending.Add(1)
	b.published.Add(1)
	b.queues[env.Priority].push(env)

	b.logger.Debug("envelope published",
		"envelope_id", env.ID,
		"topic", env.Topic,
		"source", env.Source,
		"priority", env.Priority.String(),
	)
	return env, nil
}

// SubscribeOption customizes a subscription.
type SubscribeOption func(*subscription)

// WithSubscriberID registers under a caller-chosen id. Subscribing again with
// the same id on the same topic replaces the previous handler.
func WithSubscriberID(id string) SubscribeOption {
	return func(s *subscription) { s.id = id }
}

// Subscribe registers handler for topic and returns the subscriber id. Use
// Wildcard to receive every topic, or a pattern such as "system.cpu.*".
func (b *Bus) Subscribe(topic string, handler Handler, opts ...SubscribeOption) (string, error) {
	if topic == "" {
		return "", ErrEmptyTopic
	}
	if handler == nil {
		return "", fmt.Errorf("subscribing to %s: handler is nil", topic)
	}

	sub := subscription{topic: topic, handler: handler}
	for _, fn := range opts {
		fn(&sub)
	}
	if sub.id == "" {
		sub.id = uuid.New().String()
	}
	b.registry.add(sub)

	b.logger.Debug("subscriber added", "topic", topic, "sub_id", sub.id)
	return sub.id, nil
}

// Unsubscribe removes a subscription. It returns false if the subscriber id
// is not registered on topic.
func (b *Bus) Unsubscribe(topic, subscriberID string) bool {
	removed := b.registry.remove(topic, subscriberID)
	if removed {
		b.logger.Debug("subscriber removed", "topic", topic, "sub_id", subscriberID)
	}
	return removed
}

// Start launches the worker pools. Calling Start on a running bus is a no-op.
func (b *Bus) Start(ctx context.Context) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	if b.running.Load() {
		return nil
	}

	// A Stop that timed out may have left workers finishing a handler.
	if b.exited != nil {
		select {
		case <-b.exited:
		case <-ctx.Done():
			return fmt.Errorf("waiting for previous bus workers: %w", ctx.Err())
		}
	}

	// Workers outlive the caller's request context; only Stop ends them.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.cancel = cancel

	var wg sync.WaitGroup
	total := 0
	for _, p := range Priorities {
		for i := range b.workers[p] {
			wg.Add(1)
			go func() {
				defer wg.Done()
				b.worker(runCtx, p, i)
			}()
			total++
		}
	}
	exited := make(chan struct{})
	go func() {
		wg.Wait()
		close(exited)
	}()
	b.exited = exited
	b.running.Store(true)

	b.logger.Info("bus started", "workers", total, "pending", b.pending.Load())
	return nil
}

// Stop cancels every worker and waits for them to exit. Envelopes still
// queued stay queued for a later Start. Calling Stop on a stopped bus is a
// no-op.
//
// The bus counts as stopped as soon as its workers are cancelled, even when
// ctx expires before they return. A later Start waits for them first.
func (b *Bus) Stop(ctx context.Context) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	if !b.running.Load() {
		return nil
	}

	b.cancel()
	b.cancel = nil
	b.running.Store(false)

	select {
	case <-b.exited:
	case <-ctx.Done():
		b.logger.Warn("bus stopped before workers exited", "error", ctx.Err())
		return fmt.Errorf("waiting for bus workers: %w", ctx.Err())
	}

	b.logger.Info("bus stopped", "pending", b.pending.Load())
	return nil
}

// Running reports whether worker pools are active.
func (b *Bus) Running() bool {
	return b.running.Load()
}

// worker serves one priority queue until ctx is cancelled.
func (b *Bus) worker(ctx context.Context, p Priority, n int) {
	logger := b.logger.With("priority", p.String(), "worker", n)
	logger.Debug("worker started")
	for {
		env, ok := b.queues[p].next(ctx)
		if !ok {
			logger.Debug("worker stopped")
			return
		}
		b.dispatch(ctx, env)
	}
}

// dispatch records env in history and delivers it to every matching
// subscriber. Handler failures are isolated per handler.
func (b *Bus) dispatch(ctx context.Context, env Envelope) {
	defer b.pending.Add(-1)

	b.history.append(env)

	for _, sub := range b.registry.match(env.Topic) {
		if err := b.invoke(ctx, sub, env); err != nil {
			b.handlerErrors.Add(1)
			b.logger.Error("handler failed",
				"topic", env.Topic,
				"sub_id", sub.id,
				"envelope_id", env.ID,
				"error", err,
			)
			continue
		}
		b.delivered.Add(1)
	}
}

// invoke calls one handler, converting a panic into an error.
func (b *Bus) invoke(ctx context.Context, sub subscription, env Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
			b.logger.Debug("handler panic stack", "sub_id", sub.id, "stack", string(debug.Stack()))
		}
	}()
	return sub.handler(ctx, env)
}

// QueryHistory returns dispatched envelopes matching q, most recent first.
func (b *Bus) QueryHistory(q HistoryQuery) []Envelope {
	return b.history.query(q)
}

// Flush blocks until every envelope published so far has been dispatched,
// or ctx is done. It only makes progress while the bus is running.
func (b *Bus) Flush(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()

	for b.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("flushing bus: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// Pending returns the number of published envelopes not yet fully dispatched.
func (b *Bus) Pending() int {
	return int(b.pending.Load())
}

// SubscriberCount returns the total number of registered subscriptions.
func (b *Bus) SubscriberCount() int {
	return b.registry.count()
}

// TopicSubscriberCount returns the number of subscribers registered on
// exactly topic (or pattern, or Wildcard).
func (b *Bus) TopicSubscriberCount(topic string) int {
	return b.registry.topicCount(topic)
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	depth := make(map[Priority]int, numPriorities)
	for _, p := range Priorities {
		depth[p] = b.queues[p].len()
	}
	return Stats{
		Running:       b.running.Load(),
		Published:     b.published.Load(),
		Delivered:     b.delivered.Load(),
		HandlerErrors: b.handlerErrors.Load(),
		Pending:       b.pending.Load(),
		QueueDepth:    depth,
		Subscribers:   b.registry.count(),
		HistorySize:   b.history.len(),
	}
}
