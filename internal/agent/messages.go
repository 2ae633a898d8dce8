// ABOUTME: Well-known agent topics and the payloads carried on them
// ABOUTME: Map payloads from other publishers decode via mapstructure tags

package agent

import "time"

// Topics the supervisor subscribes to or publishes on.
const (
	TopicRegister           = "agent.register"
	TopicStart              = "agent.start"
	TopicStop               = "agent.stop"
	TopicUpdate             = "agent.update"
	TopicCapabilityDiscover = "agent.capability.discover"
	TopicStatusUpdate       = "agent.status.update"
	TopicStatusChanged      = "agent.status.changed"
	TopicRegistered         = "agent.registered"
)

// StatusChanged is published whenever the supervisor changes an agent's
// status.
type StatusChanged struct {
	AgentID   string    `mapstructure:"agent_id" json:"agent_id"`
	Name      string    `mapstructure:"name" json:"name"`
	Status    Status    `mapstructure:"status" json:"status"`
	Previous  Status    `mapstructure:"previous" json:"previous"`
	Error     string    `mapstructure:"error" json:"error,omitempty"`
	Timestamp time.Time `mapstructure:"timestamp" json:"timestamp"`
}

// Registered is published after an agent record is created.
type Registered struct {
	AgentID string `mapstructure:"agent_id" json:"agent_id"`
	Name    string `mapstructure:"name" json:"name"`
	Kind    string `mapstructure:"kind" json:"kind"`
	Version string `mapstructure:"version" json:"version"`
}

// StatusUpdate is an agent's self-report. AgentID defaults to the envelope
// source when empty.
type StatusUpdate struct {
	AgentID string         `mapstructure:"agent_id"`
	Status  Status         `mapstructure:"status"`
	Metrics *MetricsUpdate `mapstructure:"metrics"`
}

// AgentCommand addresses an existing agent (start, stop, discover).
type AgentCommand struct {
	AgentID string `mapstructure:"agent_id"`
}

// UpdateRequest changes an agent's config or version, optionally restarting
// it. Config keys are merged into the existing config.
type UpdateRequest struct {
	AgentID string         `mapstructure:"agent_id"`
	Config  map[string]any `mapstructure:"config"`
	Version string         `mapstructure:"version"`
	Restart bool           `mapstructure:"restart"`
}

// CommandReply answers agent.register, agent.start, agent.stop and
// agent.update requests.
type CommandReply struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	AgentID string `json:"agent_id,omitempty"`
}

// CapabilityReport lists one agent's capabilities.
type CapabilityReport struct {
	AgentID      string       `json:"agent_id"`
	AgentName    string       `json:"agent_name"`
	Capabilities []Capability `json:"capabilities"`
}

// DiscoverReply answers agent.capability.discover requests.
type DiscoverReply struct {
	Success bool               `json:"success"`
	Message string             `json:"message,omitempty"`
	Agents  []CapabilityReport `json:"agents,omitempty"`
}
