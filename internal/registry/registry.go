// Package registry holds the persisted set of configured MCP servers.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"mcplink/internal/config"
)

// Registry maps server names to their configuration. It carries no lock of
// its own; the manager's lock protects all access.
type Registry struct {
	Servers map[string]*config.ServerConfig `json:"servers"`

	path string
}

// New returns an empty registry with no backing file.
func New() *Registry {
	return &Registry{Servers: make(map[string]*config.ServerConfig)}
}

// Load reads a registry from a JSON file. A missing file yields an empty
// registry bound to that path, so the first save creates it.
func Load(path string) (*Registry, error) {
	reg := New()
	reg.path = path

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return reg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read registry %s: %w", path, err)
	}
	if err := json.Unmarshal(data, reg); err != nil {
		return nil, fmt.Errorf("failed to parse registry %s: %w", path, err)
	}
	if reg.Servers == nil {
		reg.Servers = make(map[string]*config.ServerConfig)
	}
	return reg, nil
}

// Save writes the registry back to its file, creating parent directories as
// needed. A registry without a path is in-memory only and Save is a no-op.
func (r *Registry) Save() error {
	if r.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(r.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create registry dir: %w", err)
		}
	}
	if err := os.WriteFile(r.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write registry %s: %w", r.path, err)
	}
	return nil
}

// Add inserts or replaces a server configuration.
func (r *Registry) Add(name string, cfg *config.ServerConfig) error {
	r.Servers[name] = cfg
	return r.Save()
}

// Remove deletes a server configuration, reporting whether it existed.
func (r *Registry) Remove(name string) (bool, error) {
	if _, ok := r.Servers[name]; !ok {
		return false, nil
	}
	delete(r.Servers, name)
	return true, r.Save()
}

// Enable marks a server enabled, reporting whether the name was known.
func (r *Registry) Enable(name string) (bool, error) {
	cfg, ok := r.Servers[name]
	if !ok {
		return false, nil
	}
	cfg.SetEnabled(true)
	return true, r.Save()
}

// Disable marks a server disabled, reporting whether the name was known.
func (r *Registry) Disable(name string) (bool, error) {
	cfg, ok := r.Servers[name]
	if !ok {
		return false, nil
	}
	cfg.SetEnabled(false)
	return true, r.Save()
}

// Get returns the configuration for name, or nil.
func (r *Registry) Get(name string) *config.ServerConfig {
	return r.Servers[name]
}

// Enabled returns a snapshot of all enabled entries. The configs are copies
// so callers can use them outside the manager's lock.
func (r *Registry) Enabled() map[string]*config.ServerConfig {
	out := make(map[string]*config.ServerConfig)
	for name, cfg := range r.Servers {
		if cfg.IsEnabled() {
			c := *cfg
			out[name] = &c
		}
	}
	return out
}
