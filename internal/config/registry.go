package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// Registry maps a human-readable disk name to its backend spec, loaded from
// ~/.aerodisk/disks.toml. This is a thin convenience over the worker's open
// operation (spec §3 "Registry metadata") — not involved in any invariant.
type Registry struct {
	Disks map[string]RegistryEntry `toml:"disks"`
}

// RegistryEntry is one named disk's backend spec, using the same field
// names as the worker's open/openRemote/openChunked payloads so a registry
// entry can be copied directly into a request.
type RegistryEntry struct {
	Kind        string `toml:"kind"` // "local", "remoteRange", or "remoteChunked"
	Path        string `toml:"path,omitempty"`
	URL         string `toml:"url,omitempty"`
	ManifestURL string `toml:"manifest_url,omitempty"`
	CacheDir    string `toml:"cache_dir,omitempty"`
}

func registryPath() string {
	return filepath.Join(HomeDir(), "disks.toml")
}

// LoadRegistry reads disks.toml, returning an empty Registry if it does not
// exist.
func LoadRegistry() (*Registry, error) {
	reg := &Registry{Disks: map[string]RegistryEntry{}}
	data, err := os.ReadFile(registryPath())
	if err != nil {
		if os.IsNotExist(err) {
			return reg, nil
		}
		return nil, fmt.Errorf("reading disks.toml: %w", err)
	}
	if err := toml.Unmarshal(data, reg); err != nil {
		return nil, fmt.Errorf("parsing disks.toml: %w", err)
	}
	if reg.Disks == nil {
		reg.Disks = map[string]RegistryEntry{}
	}
	return reg, nil
}

// SaveRegistry writes reg back to disks.toml.
func SaveRegistry(reg *Registry) error {
	if err := EnsureDir(); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := toml.Marshal(reg)
	if err != nil {
		return fmt.Errorf("marshaling disks.toml: %w", err)
	}
	return os.WriteFile(registryPath(), data, 0o644)
}

// Put registers name -> entry and persists the registry.
func Put(name string, entry RegistryEntry) error {
	reg, err := LoadRegistry()
	if err != nil {
		return err
	}
	reg.Disks[name] = entry
	return SaveRegistry(reg)
}

// Remove deletes name from the registry and persists the change.
func Remove(name string) error {
	reg, err := LoadRegistry()
	if err != nil {
		return err
	}
	delete(reg.Disks, name)
	return SaveRegistry(reg)
}
