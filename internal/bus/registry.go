// ABOUTME: Subscription registry mapping topics to ordered subscriber handlers
// ABOUTME: Tracks exact topics, hierarchical patterns, and the '*' wildcard set

package bus

import (
	"context"
	"slices"
	"sync"
)

// Handler receives envelopes delivered by the bus. A returned error or a
// panic is logged by the dispatching worker and does not affect delivery to
// other subscribers.
type Handler func(ctx context.Context, env Envelope) error

// subscription is one (topic, subscriber id, handler) entry.
type subscription struct {
	id      string
	topic   string
	handler Handler
}

// registry holds every subscription. Lists keep registration order so
// delivery order within each class is stable. Pattern subscriptions share
// one list across all patterns.
type registry struct {
	mu       sync.RWMutex
	exact    map[string][]subscription // topic -> subscribers
	patterns []subscription
	wildcard []subscription
}

func newRegistry() *registry {
	return &registry{
		exact: make(map[string][]subscription),
	}
}

// add registers sub. An existing entry with the same id on the same topic is
// replaced in place.
func (r *registry) add(sub subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case sub.topic == Wildcard:
		r.wildcard = upsert(r.wildcard, sub)
	case IsPattern(sub.topic):
		if i := r.patternIndex(sub.topic, sub.id); i >= 0 {
			r.patterns[i] = sub
			return
		}
		r.patterns = append(r.patterns, sub)
	default:
		r.exact[sub.topic] = upsert(r.exact[sub.topic], sub)
	}
}

// remove deletes the subscriber id from topic. Returns false when no such
// subscription exists.
func (r *registry) remove(topic, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed bool
	switch {
	case topic == Wildcard:
		r.wildcard, removed = without(r.wildcard, id)
	case IsPattern(topic):
		if i := r.patternIndex(topic, id); i >= 0 {
			r.patterns = slices.Delete(r.patterns, i, i+1)
			removed = true
		}
	default:
		r.exact[topic], removed = without(r.exact[topic], id)
		if len(r.exact[topic]) == 0 {
			delete(r.exact, topic)
		}
	}
	return removed
}

// match returns the subscribers for topic: exact subscribers first, then
// pattern subscribers, then wildcard subscribers, each class in registration
// order. The returned slice is a snapshot and safe to use without holding the
// lock.
func (r *registry) match(topic string) []subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]subscription, 0, len(r.exact[topic])+len(r.wildcard))
	out = append(out, r.exact[topic]...)
	for _, sub := range r.patterns {
		if MatchTopic(topic, sub.topic) {
			out = append(out, sub)
		}
	}
	out = append(out, r.wildcard...)
	return out
}

// count returns the total number of subscriptions.
func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := len(r.wildcard) + len(r.patterns)
	for _, subs := range r.exact {
		n += len(subs)
	}
	return n
}

// topicCount returns the number of subscribers registered on exactly topic.
func (r *registry) topicCount(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	switch {
	case topic == Wildcard:
		return len(r.wildcard)
	case IsPattern(topic):
		n := 0
		for _, sub := range r.patterns {
			if sub.topic == topic {
				n++
			}
		}
		return n
	default:
		return len(r.exact[topic])
	}
}

// patternIndex returns the position of id's subscription on pattern, or -1.
// Callers hold r.mu.
func (r *registry) patternIndex(pattern, id string) int {
	return slices.IndexFunc(r.patterns, func(s subscription) bool {
		return s.topic == pattern && s.id == id
	})
}

func upsert(list []subscription, sub subscription) []subscription {
	if i := slices.IndexFunc(list, func(s subscription) bool { return s.id == sub.id }); i >= 0 {
		list[i] = sub
		return list
	}
	return append(list, sub)
}

func without(list []subscription, id string) ([]subscription, bool) {
	i := slices.IndexFunc(list, func(s subscription) bool { return s.id == id })
	if i < 0 {
		return list, false
	}
	return slices.Delete(list, i, i+1), true
}
