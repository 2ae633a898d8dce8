// ABOUTME: Priority classes for bus envelopes, ordered most to least urgent
// ABOUTME: Each priority owns its own queue and worker pool in the router

package bus

import (
	"fmt"
	"strings"
)

// Priority is an urgency class. Lower values are more urgent.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityLowest
)

// numPriorities is the number of distinct priority queues.
const numPriorities = int(PriorityLowest) + 1

// Priorities lists every priority from most to least urgent.
var Priorities = []Priority{
	PriorityCritical,
	PriorityHigh,
	PriorityNormal,
	PriorityLow,
	PriorityLowest,
}

// String returns the lowercase name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityLowest:
		return "lowest"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p is one of the defined priorities.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityLowest
}

// MoreUrgentThan reports whether p should be served before other.
func (p Priority) MoreUrgentThan(other Priority) bool {
	return p < other
}

// ParsePriority converts a name such as "high" into a Priority.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "normal", "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "lowest", "idle":
		return PriorityLowest, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}
