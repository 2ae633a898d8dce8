// ABOUTME: Agent lifecycle status values and the legal transitions between them
// ABOUTME: STOPPED and FAILED end a task instance; restart goes back to INITIALIZING

package agent

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrInvalidStatus indicates a status name outside the lifecycle.
var ErrInvalidStatus = errors.New("invalid agent status")

// Status is an agent's lifecycle state.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusPaused       Status = "paused"
	StatusUpdating     Status = "updating"
	StatusDegraded     Status = "degraded"
	StatusStopped      Status = "stopped"
	StatusFailed       Status = "failed"
)

// transitions lists the statuses reachable from each status.
var transitions = map[Status][]Status{
	StatusInitializing: {StatusRunning, StatusStopped, StatusFailed},
	StatusRunning:      {StatusPaused, StatusUpdating, StatusDegraded, StatusStopped, StatusFailed},
	StatusPaused:       {StatusRunning, StatusUpdating, StatusDegraded, StatusStopped, StatusFailed},
	StatusUpdating:     {StatusRunning, StatusPaused, StatusDegraded, StatusStopped, StatusFailed},
	StatusDegraded:     {StatusRunning, StatusPaused, StatusUpdating, StatusStopped, StatusFailed},
	StatusStopped:      {StatusInitializing},
	StatusFailed:       {StatusInitializing},
}

// ParseStatus converts a status name into a Status.
func ParseStatus(s string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := transitions[status]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return status, nil
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether s ends the current task instance.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusFailed
}

// SelfReportable reports whether an agent may set s on itself through a
// status update. Lifecycle edges (initializing, stopped, failed) belong to
// the supervisor.
func (s Status) SelfReportable() bool {
	switch s {
	case StatusRunning, StatusPaused, StatusUpdating, StatusDegraded:
		return true
	default:
		return false
	}
}

// ValidTransition reports whether an agent may move from one status to
// another.
func ValidTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}
