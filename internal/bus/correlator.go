// ABOUTME: Request/response correlation built on one-shot reply subscriptions
// ABOUTME: Returns a tagged Result so a timeout is never mistaken for a reply

package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ResultKind tags the outcome of a Request.
type ResultKind int

const (
	// ResultReply means a reply envelope arrived before the deadline.
	ResultReply ResultKind = iota
	// ResultTimeout means no reply arrived within the timeout.
	ResultTimeout
	// ResultError means the request could not be completed (publish failed or
	// the caller's context ended).
	ResultError
)

func (k ResultKind) String() string {
	switch k {
	case ResultReply:
		return "reply"
	case ResultTimeout:
		return "timeout"
	case ResultError:
		return "error"
	default:
		return fmt.Sprintf("result(%d)", int(k))
	}
}

// Result is the outcome of a Request. Reply is only meaningful when Kind is
// ResultReply; Err only when Kind is ResultError.
type Result struct {
	Kind  ResultKind
	Reply Envelope
	Err   error
}

// OK reports whether a reply was received.
func (r Result) OK() bool { return r.Kind == ResultReply }

// TimedOut reports whether the request expired without a reply.
func (r Result) TimedOut() bool { return r.Kind == ResultTimeout }

// RequestOptions configures a Request.
type RequestOptions struct {
	Timeout  time.Duration // defaults to the bus RequestTimeout
	Priority Priority      // defaults to PriorityNormal
	Source   string
	Metadata map[string]string
}

// pendingRequest is one in-flight request awaiting its reply.
type pendingRequest struct {
	correlationID string
	ch            chan Envelope // capacity 1; first reply wins
}

// correlator owns the temporary reply subscriptions. Envelope.ReplyTo holds a
// key into its pending table, never a reference to the waiting caller.
type correlator struct {
	bus     *Bus
	mu      sync.Mutex
	pending map[string]*pendingRequest
	logger  *slog.Logger
}

func newCorrelator(b *Bus) *correlator {
	return &correlator{
		bus:     b,
		pending: make(map[string]*pendingRequest),
		logger:  b.logger.With("component", "correlator"),
	}
}

// Request publishes payload on topic and waits for the first reply on
// topic+".reply" addressed to this request. The temporary subscription is
// removed on every return path.
func (b *Bus) Request(ctx context.Context, topic string, payload any, opts RequestOptions) Result {
	return b.correlator.request(ctx, topic, payload, opts)
}

// Reply answers request by publishing payload on its reply topic with the
// request's correlation id, reply key and priority.
func (b *Bus) Reply(request Envelope, payload any, source string) (Envelope, error) {
	return b.Publish(ReplyTopic(request.Topic), payload,
		WithSource(source),
		WithPriority(request.Priority),
		WithCorrelationID(request.CorrelationID),
		WithReplyTo(request.ReplyTo),
	)
}

// PendingRequests returns the number of requests awaiting replies.
func (b *Bus) PendingRequests() int {
	b.correlator.mu.Lock()
	defer b.correlator.mu.Unlock()
	return len(b.correlator.pending)
}

func (c *correlator) request(ctx context.Context, topic string, payload any, opts RequestOptions) Result {
	if topic == "" {
		return Result{Kind: ResultError, Err: ErrEmptyTopic}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.bus.requestTimeout
	}
	priority := opts.Priority
	if !priority.Valid() {
		priority = PriorityNormal
	}

	key := uuid.New().String()
	req := &pendingRequest{
		correlationID: uuid.New().String(),
		ch:            make(chan Envelope, 1),
	}

	c.mu.Lock()
	c.pending[key] = req
	c.mu.Unlock()
	defer c.release(key)

	replyTopic := ReplyTopic(topic)
	if _, err := c.bus.Subscribe(replyTopic, func(_ context.Context, env Envelope) error {
		c.deliver(key, env)
		return nil
	}, WithSubscriberID(key)); err != nil {
		return Result{Kind: ResultError, Err: fmt.Errorf("subscribing to %s: %w", replyTopic, err)}
	}
	defer c.bus.Unsubscribe(replyTopic, key)

	if _, err := c.bus.Publish(topic, payload,
		WithSource(opts.Source),
		WithPriority(priority),
		WithCorrelationID(req.correlationID),
		WithReplyTo(key),
		WithMetadata(opts.Metadata),
	); err != nil {
		return Result{Kind: ResultError, Err: fmt.Errorf("publishing request: %w", err)}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env := <-req.ch:
		return Result{Kind: ResultReply, Reply: env}
	case <-timer.C:
		c.logger.Debug("request timed out", "topic", topic, "timeout", timeout)
		return Result{Kind: ResultTimeout}
	case <-ctx.Done():
		return Result{Kind: ResultError, Err: ctx.Err()}
	}
}

// deliver hands env to the request registered under key if the envelope is
// addressed to it. Later replies are dropped.
func (c *correlator) deliver(key string, env Envelope) {
	c.mu.Lock()
	req, ok := c.pending[key]
	c.mu.Unlock()
	if !ok {
		return
	}
	if env.ReplyTo != key && env.CorrelationID != req.correlationID {
		return
	}

	select {
	case req.ch <- env:
	default:
		c.logger.Debug("dropping duplicate reply", "envelope_id", env.ID, "topic", env.Topic)
	}
}

func (c *correlator) release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, key)
}
