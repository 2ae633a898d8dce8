// ABOUTME: Bounded most-recent-N audit log of dispatched envelopes
// ABOUTME: Queryable by topic (exact or pattern), source, and time range

package bus

import (
	"container/list"
	"sync"
	"time"
)

// DefaultHistorySize is the number of envelopes retained when no size is
// configured.
const DefaultHistorySize = 1000

// HistoryQuery filters QueryHistory results. Zero values disable a filter.
type HistoryQuery struct {
	Topic  string     // exact topic or pattern ("system.#")
	Source string     // exact source
	Since  *time.Time // only envelopes at or after this time
	Until  *time.Time // only envelopes at or before this time
	Limit  int        // maximum results; <= 0 means no limit
}

// history keeps the last capacity envelopes in dispatch order, oldest at the
// front of the list.
type history struct {
	mu       sync.Mutex
	entries  *list.List
	capacity int
}

func newHistory(capacity int) *history {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &history{
		entries:  list.New(),
		capacity: capacity,
	}
}

// append records env, evicting the oldest entries beyond capacity.
func (h *history) append(env Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries.PushBack(env)
	for h.entries.Len() > h.capacity {
		h.entries.Remove(h.entries.Front())
	}
}

// query scans newest to oldest and returns matching envelopes.
func (h *history) query(q HistoryQuery) []Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []Envelope
	for e := h.entries.Back(); e != nil; e = e.Prev() {
		env, _ := e.Value.(Envelope)
		if !q.matches(env) {
			continue
		}
		out = append(out, env)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out
}

// len returns the number of retained envelopes.
func (h *history) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.entries.Len()
}

func (q HistoryQuery) matches(env Envelope) bool {
	if q.Topic != "" && !MatchTopic(env.Topic, q.Topic) {
		return false
	}
	if q.Source != "" && env.Source != q.Source {
		return false
	}
	if q.Since != nil && env.Timestamp.Before(*q.Since) {
		return false
	}
	if q.Until != nil && env.Timestamp.After(*q.Until) {
		return false
	}
	return true
}
