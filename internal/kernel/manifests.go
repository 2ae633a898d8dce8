// ABOUTME: Converts TOML agent manifests into supervisor registrations
// ABOUTME: Every manifest is registered at boot; auto_start ones are started

package kernel

import (
	"context"

	"github.com/clarityos/clarity-kernel/internal/agent"
	"github.com/clarityos/clarity-kernel/internal/config"
)

// RegisterRequest converts a manifest into a supervisor registration.
func RegisterRequest(m config.Manifest) agent.RegisterRequest {
	req := agent.RegisterRequest{
		Name:        m.Name,
		Kind:        m.Kind,
		Version:     m.Version,
		Description: m.Description,
		Config:      m.Config,
		AutoStart:   m.AutoStart,
	}
	for _, p := range m.Permissions {
		req.Permissions = append(req.Permissions, agent.Permission(p))
	}
	for _, c := range m.Capabilities {
		capability := agent.Capability{
			ID:          c.ID,
			Name:        c.Name,
			Description: c.Description,
			Parameters:  c.Parameters,
		}
		for _, p := range c.RequiredPermissions {
			capability.RequiredPermissions = append(capability.RequiredPermissions, agent.Permission(p))
		}
		req.Capabilities = append(req.Capabilities, capability)
	}
	return req
}

// loadManifests registers every manifest in the agents dir. Broken files and
// rejected registrations are logged and skipped so one bad manifest does not
// keep the kernel down.
func (k *Kernel) loadManifests(ctx context.Context) (registered, started int) {
	dir := k.config.Supervisor.AgentsDir
	manifests, err := config.LoadManifests(dir)
	if err != nil {
		k.logger.Warn("some agent manifests could not be loaded", "dir", dir, "error", err)
	}

	for _, m := range manifests {
		id, err := k.supervisor.Register(ctx, RegisterRequest(m))
		if err != nil {
			k.logger.Error("manifest rejected", "path", m.Path, "name", m.Name, "error", err)
			continue
		}
		registered++
		if !m.AutoStart {
			continue
		}
		if info, err := k.supervisor.Get(id); err == nil && info.Status != agent.StatusFailed {
			started++
		}
	}

	if len(manifests) > 0 || dir != "" {
		k.logger.Info("agent manifests loaded", "dir", dir, "registered", registered, "started", started)
	}
	return registered, started
}
