// ABOUTME: Permission vocabulary and capability descriptors for agents
// ABOUTME: Capabilities declare the permissions they need; registration checks them

package agent

import (
	"errors"
	"fmt"
	"slices"
)

// ErrPermissionDenied indicates a capability requires a permission the agent
// was not granted.
var ErrPermissionDenied = errors.New("permission denied")

// ErrUnknownPermission indicates a permission name outside the vocabulary.
var ErrUnknownPermission = errors.New("unknown permission")

// Permission names a class of resource an agent may touch.
type Permission string

const (
	PermReadFiles       Permission = "read_files"
	PermWriteFiles      Permission = "write_files"
	PermExecuteCommands Permission = "execute_commands"
	PermNetworkAccess   Permission = "network_access"

	PermManageProcesses Permission = "manage_processes"
	PermManageUsers     Permission = "manage_users"
	PermManageSystem    Permission = "manage_system"
	PermManageAgents    Permission = "manage_agents"

	PermReadUserData    Permission = "read_user_data"
	PermWriteUserData   Permission = "write_user_data"
	PermReadSystemData  Permission = "read_system_data"
	PermWriteSystemData Permission = "write_system_data"
)

var knownPermissions = []Permission{
	PermReadFiles, PermWriteFiles, PermExecuteCommands, PermNetworkAccess,
	PermManageProcesses, PermManageUsers, PermManageSystem, PermManageAgents,
	PermReadUserData, PermWriteUserData, PermReadSystemData, PermWriteSystemData,
}

// Valid reports whether p is part of the permission vocabulary.
func (p Permission) Valid() bool {
	return slices.Contains(knownPermissions, p)
}

// normalizePermissions validates perms and returns them sorted without
// duplicates.
func normalizePermissions(perms []Permission) ([]Permission, error) {
	out := make([]Permission, 0, len(perms))
	for _, p := range perms {
		if !p.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPermission, p)
		}
		out = append(out, p)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

// Capability is something an agent can do for other components.
type Capability struct {
	ID                  string         `mapstructure:"id" json:"id"`
	Name                string         `mapstructure:"name" json:"name"`
	Description         string         `mapstructure:"description" json:"description,omitempty"`
	Parameters          map[string]any `mapstructure:"parameters" json:"parameters,omitempty"`
	RequiredPermissions []Permission   `mapstructure:"required_permissions" json:"required_permissions,omitempty"`
}

// CapabilityProvider is implemented by agents that advertise capabilities.
// They are merged into the agent record when the agent is constructed.
type CapabilityProvider interface {
	Capabilities() []Capability
}

// checkCapabilities verifies every capability's required permissions are in
// granted.
func checkCapabilities(caps []Capability, granted []Permission) error {
	for _, c := range caps {
		if c.ID == "" {
			return fmt.Errorf("capability %q: id is required", c.Name)
		}
		for _, p := range c.RequiredPermissions {
			if !slices.Contains(granted, p) {
				return fmt.Errorf("%w: capability %s requires %s", ErrPermissionDenied, c.ID, p)
			}
		}
	}
	return nil
}

// mergeCapabilities adds caps to existing, replacing entries with the same id.
func mergeCapabilities(existing, caps []Capability) []Capability {
	out := slices.Clone(existing)
	for _, c := range caps {
		if i := slices.IndexFunc(out, func(e Capability) bool { return e.ID == c.ID }); i >= 0 {
			out[i] = c
			continue
		}
		out = append(out, c)
	}
	return out
}
