// ABOUTME: Agent manifests: one TOML file per agent in the supervisor's agents_dir
// ABOUTME: Loaded at boot; auto_start manifests are started after registration

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
)

// Manifest describes an agent to register at boot.
type Manifest struct {
	Name         string               `toml:"name"`
	Kind         string               `toml:"kind"`
	Version      string               `toml:"version"`
	Description  string               `toml:"description"`
	AutoStart    bool                 `toml:"auto_start"`
	Permissions  []string             `toml:"permissions"`
	Config       map[string]any       `toml:"config"`
	Capabilities []CapabilityManifest `toml:"capabilities"`

	// Path is the file the manifest was read from.
	Path string `toml:"-"`
}

// CapabilityManifest is a [[capabilities]] table in a manifest.
type CapabilityManifest struct {
	ID                  string         `toml:"id"`
	Name                string         `toml:"name"`
	Description         string         `toml:"description"`
	Parameters          map[string]any `toml:"parameters"`
	RequiredPermissions []string       `toml:"required_permissions"`
}

// LoadManifest reads one manifest file. Unknown keys are rejected so typos do
// not silently drop settings.
func LoadManifest(path string) (Manifest, error) {
	var m Manifest
	md, err := toml.DecodeFile(path, &m)
	if err != nil {
		return Manifest{}, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			// Anything under [config] belongs to the agent.
			if len(k) > 0 && k[0] == "config" {
				continue
			}
			keys = append(keys, k.String())
		}
		if len(keys) > 0 {
			return Manifest{}, fmt.Errorf("manifest %s: unknown keys %s", path, strings.Join(keys, ", "))
		}
	}

	m.Path = path
	if err := m.Validate(); err != nil {
		return Manifest{}, fmt.Errorf("manifest %s: %w", path, err)
	}
	return m, nil
}

// LoadManifests reads every *.toml file in dir, sorted by file name. A
// missing directory yields no manifests. Broken files are skipped and their
// errors joined into the returned error alongside the good manifests.
func LoadManifests(dir string) ([]Manifest, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading agents dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".toml" {
			continue
		}
		names = append(names, e.Name())
	}
	slices.Sort(names)

	var manifests []Manifest
	var errs []error
	for _, name := range names {
		m, err := LoadManifest(filepath.Join(dir, name))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		manifests = append(manifests, m)
	}
	return manifests, errors.Join(errs...)
}

// Validate checks the fields the supervisor needs to register the agent.
func (m Manifest) Validate() error {
	if m.Name == "" {
		return errors.New("name is required")
	}
	if m.Kind == "" {
		return errors.New("kind is required")
	}
	for i, c := range m.Capabilities {
		if c.ID == "" {
			return fmt.Errorf("capabilities[%d]: id is required", i)
		}
	}
	return nil
}
