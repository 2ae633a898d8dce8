// ABOUTME: Store interface and data types for clarity-kernel persistence
// ABOUTME: Defines AgentRecord, Transition and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// AgentRecord is the last known snapshot of a registered agent.
type AgentRecord struct {
	ID          string
	Name        string
	Kind        string
	Version     string
	Description string
	Status      string
	Permissions []string
	Config      map[string]any
	Restarts    int
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Transition is one row of the agent status audit trail.
type Transition struct {
	ID        string
	AgentID   string
	From      string // empty for the first status after registration
	To        string
	Error     string
	Timestamp time.Time
}

// TransitionFilter narrows ListTransitions.
type TransitionFilter struct {
	AgentID string     // Optional: only this agent
	Since   *time.Time // Optional: at or after this timestamp
	Until   *time.Time // Optional: at or before this timestamp
	Limit   int        // 1-1000, defaults to 100
}

// Store defines the interface for agent registry persistence
type Store interface {
	// SaveAgent inserts or replaces the snapshot for record.ID.
	SaveAgent(ctx context.Context, record *AgentRecord) error
	GetAgent(ctx context.Context, id string) (*AgentRecord, error)
	// ListAgents returns every snapshot ordered by creation time.
	ListAgents(ctx context.Context) ([]*AgentRecord, error)
	DeleteAgent(ctx context.Context, id string) error

	RecordTransition(ctx context.Context, t *Transition) error
	// ListTransitions returns matching transitions, newest first.
	ListTransitions(ctx context.Context, f TransitionFilter) ([]*Transition, error)

	Close() error
}

const (
	defaultTransitionLimit = 100
	maxTransitionLimit     = 1000
)

func (f TransitionFilter) limit() int {
	switch {
	case f.Limit <= 0:
		return defaultTransitionLimit
	case f.Limit > maxTransitionLimit:
		return maxTransitionLimit
	default:
		return f.Limit
	}
}
