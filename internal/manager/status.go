package manager

import (
	"context"
	"sort"

	"mcplink/internal/auth"
	"mcplink/internal/config"
)

// Display states reported by Status.
const (
	DisplayStopped        = "stopped"
	DisplayConnecting     = "connecting"
	DisplayAuthenticating = "authenticating"
	DisplayRunning        = "running"
	DisplayDead           = "dead"
)

// ServerStatus is the externally visible state of one configured server.
type ServerStatus struct {
	Name      string            `json:"name"`
	State     string            `json:"state"`
	Enabled   bool              `json:"enabled"`
	Transport string            `json:"transport"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	URL       string            `json:"url,omitempty"`
	ToolCount int               `json:"tool_count"`
	AuthState auth.State        `json:"auth_state"`
	AuthURL   string            `json:"auth_url,omitempty"`
}

// Status reports every configured server, sorted by name. Liveness of
// running servers is probed, so this may take a network round trip per
// HTTP server.
func (m *Manager) Status(ctx context.Context) []ServerStatus {
	type entry struct {
		status ServerStatus
		handle interface {
			IsAlive(context.Context) bool
		}
	}

	m.mu.RLock()
	entries := make([]entry, 0, len(m.registry.Servers))
	for name, cfg := range m.registry.Servers {
		st := ServerStatus{
			Name:      name,
			State:     DisplayStopped,
			Enabled:   cfg.IsEnabled(),
			Transport: string(cfg.Kind()),
			Command:   cfg.Command,
			Args:      append([]string(nil), cfg.Args...),
			URL:       cfg.URL,
			AuthState: auth.StateNotRequired,
		}
		if len(cfg.Env) > 0 {
			st.Env = make(map[string]string, len(cfg.Env))
			for k, v := range cfg.Env {
				st.Env[k] = v
			}
		}

		if prov, ok := m.providers[name]; ok {
			st.AuthState = prov.AuthState()
			st.AuthURL = prov.PendingAuthURL()
		}

		e := entry{status: st}
		if handle, ok := m.clients[name]; ok {
			st.ToolCount = len(m.tools[name])
			e.status = st
			e.handle = handle
		} else if st.AuthState == auth.StateAwaitingBrowser {
			e.status.State = DisplayAuthenticating
		} else if m.starting[name] {
			e.status.State = DisplayConnecting
		}
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	// Probe liveness outside the lock.
	out := make([]ServerStatus, 0, len(entries))
	for _, e := range entries {
		if e.handle != nil {
			if e.handle.IsAlive(ctx) {
				e.status.State = DisplayRunning
			} else {
				e.status.State = DisplayDead
			}
		}
		out = append(out, e.status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ServerStatusByName returns the status of one server.
func (m *Manager) ServerStatusByName(ctx context.Context, name string) (*ServerStatus, error) {
	m.mu.RLock()
	known := m.registry.Get(name) != nil
	m.mu.RUnlock()
	if !known {
		return nil, ErrServerNotFound
	}
	for _, st := range m.Status(ctx) {
		if st.Name == name {
			return &st, nil
		}
	}
	return nil, ErrServerNotFound
}

// Registered reports whether a name has a registry entry.
func (m *Manager) Registered(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.registry.Get(name) != nil
}

// Configs returns a copy of every registry entry.
func (m *Manager) Configs() map[string]*config.ServerConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*config.ServerConfig, len(m.registry.Servers))
	for name, cfg := range m.registry.Servers {
		c := *cfg
		out[name] = &c
	}
	return out
}
