// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu          sync.RWMutex
	agents      map[string]*AgentRecord // keyed by agent ID
	transitions []*Transition           // in insertion order
}

var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		agents: make(map[string]*AgentRecord),
	}
}

func copyRecord(r *AgentRecord) *AgentRecord {
	c := *r
	c.Permissions = slices.Clone(r.Permissions)
	c.Config = maps.Clone(r.Config)
	return &c
}

// SaveAgent stores a copy of the record, keeping the original CreatedAt.
func (m *MockStore) SaveAgent(ctx context.Context, r *AgentRecord) error {
	if r.ID == "" {
		return errors.New("agent id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c := copyRecord(r)
	if prev, ok := m.agents[r.ID]; ok {
		c.CreatedAt = prev.CreatedAt
	}
	m.agents[r.ID] = c
	return nil
}

// GetAgent returns a copy of the stored record.
func (m *MockStore) GetAgent(ctx context.Context, id string) (*AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(r), nil
}

// ListAgents returns copies ordered by creation time, then ID.
func (m *MockStore) ListAgents(ctx context.Context) ([]*AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*AgentRecord, 0, len(m.agents))
	for _, r := range m.agents {
		out = append(out, copyRecord(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// DeleteAgent removes the record and its transitions.
func (m *MockStore) DeleteAgent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[id]; !ok {
		return ErrNotFound
	}
	delete(m.agents, id)
	m.transitions = slices.DeleteFunc(m.transitions, func(t *Transition) bool {
		return t.AgentID == id
	})
	return nil
}

// RecordTransition appends a transition for a known agent.
func (m *MockStore) RecordTransition(ctx context.Context, t *Transition) error {
	if t.AgentID == "" || t.To == "" {
		return errors.New("agent id and target status required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[t.AgentID]; !ok {
		return fmt.Errorf("recording transition for %s: %w", t.AgentID, ErrNotFound)
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}
	c := *t
	m.transitions = append(m.transitions, &c)
	return nil
}

// ListTransitions returns matching transitions, newest first.
func (m *MockStore) ListTransitions(ctx context.Context, f TransitionFilter) ([]*Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Transition
	for _, t := range slices.Backward(m.transitions) {
		if f.AgentID != "" && t.AgentID != f.AgentID {
			continue
		}
		if f.Since != nil && t.Timestamp.Before(*f.Since) {
			continue
		}
		if f.Until != nil && t.Timestamp.After(*f.Until) {
			continue
		}
		c := *t
		out = append(out, &c)
	}
	// Insertion order is not timestamp order when callers supply timestamps.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if n := f.limit(); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}
