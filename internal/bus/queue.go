// ABOUTME: Unbounded FIFO queue feeding one priority's worker pool
// ABOUTME: Workers wait on a wake channel so they can also watch for cancellation

package bus

import (
	"context"
	"sync"
)

// queue is an unbounded FIFO of envelopes. Push never blocks; no depth limit
// is enforced.
type queue struct {
	mu    sync.Mutex
	items []Envelope
	head  int
	wake  chan struct{} // capacity 1; signalled when items become available
}

func newQueue() *queue {
	return &queue{wake: make(chan struct{}, 1)}
}

// push appends env and wakes one waiting worker.
func (q *queue) push(env Envelope) {
	q.mu.Lock()
	q.items = append(q.items, env)
	q.mu.Unlock()
	q.signal()
}

// pop removes the oldest envelope. If more remain, another worker is woken.
func (q *queue) pop() (Envelope, bool) {
	q.mu.Lock()
	if q.head >= len(q.items) {
		q.mu.Unlock()
		return Envelope{}, false
	}

	env := q.items[q.head]
	q.items[q.head] = Envelope{}
	q.head++
	// Reclaim the consumed prefix once it dominates the slice.
	if q.head > 64 && q.head*2 >= len(q.items) {
		q.items = append(q.items[:0], q.items[q.head:]...)
		q.head = 0
	}
	more := q.head < len(q.items)
	q.mu.Unlock()

	if more {
		q.signal()
	}
	return env, true
}

// next blocks until an envelope is available or ctx is done.
func (q *queue) next(ctx context.Context) (Envelope, bool) {
	for {
		if env, ok := q.pop(); ok {
			return env, true
		}
		select {
		case <-q.wake:
		case <-ctx.Done():
			return Envelope{}, false
		}
	}
}

// len returns the number of queued envelopes.
func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

func (q *queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
