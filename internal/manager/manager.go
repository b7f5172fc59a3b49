// Package manager owns the lifecycle of every configured MCP server: start,
// stop, registry edits, OAuth flows and tool dispatch.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"mcplink/internal/auth"
	"mcplink/internal/client"
	"mcplink/internal/config"
	"mcplink/internal/metrics"
	"mcplink/internal/protocol"
	"mcplink/internal/registry"
	"mcplink/internal/storage"
	"mcplink/internal/transport"
)

// Manager coordinates connections to all configured servers.
//
// One RWMutex guards the registry, the client map, the tool cache and the
// auth providers. Network I/O always happens outside the lock; results are
// committed under the write lock, so a tools entry exists exactly when the
// matching client entry does.
type Manager struct {
	mu        sync.RWMutex
	registry  *registry.Registry
	clients   map[string]*client.Handle
	tools     map[string][]protocol.ToolDef
	providers map[string]auth.Provider
	starting  map[string]bool

	store  *storage.Store
	logger *zap.Logger
}

// New wires a manager around a loaded registry. The credential store may be
// nil; OAuth tokens are then held in memory only.
func New(reg *registry.Registry, store *storage.Store, logger *zap.Logger) *Manager {
	return &Manager{
		registry:  reg,
		clients:   make(map[string]*client.Handle),
		tools:     make(map[string][]protocol.ToolDef),
		providers: make(map[string]auth.Provider),
		starting:  make(map[string]bool),
		store:     store,
		logger:    logger.Named("manager"),
	}
}

// StartEnabled starts every enabled server. One server's failure is logged
// and never aborts the others. Returns the names that started, plus the
// names that failed only because they need interactive OAuth.
func (m *Manager) StartEnabled(ctx context.Context) (started, needAuth []string) {
	m.mu.RLock()
	enabled := m.registry.Enabled()
	m.mu.RUnlock()

	for name := range enabled {
		err := m.StartServer(ctx, name)
		if err == nil {
			started = append(started, name)
			continue
		}
		var required *OAuthRequiredError
		if errors.As(err, &required) {
			needAuth = append(needAuth, name)
			continue
		}
		m.logger.Error("failed to start server",
			zap.String("server", name), zap.Error(err))
	}
	sort.Strings(started)
	sort.Strings(needAuth)
	return started, needAuth
}

// StartServer connects the named server, running the handshake and fetching
// its tool list. A running instance is replaced. Returns *OAuthRequiredError
// when the server demands interactive authentication.
func (m *Manager) StartServer(ctx context.Context, name string) error {
	m.mu.RLock()
	cfg := m.registry.Get(name)
	if cfg != nil {
		c := *cfg
		cfg = &c
	}
	m.mu.RUnlock()
	if cfg == nil {
		return fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}

	m.logger.Info("starting server",
		zap.String("server", name), zap.String("transport", string(cfg.Kind())))

	m.mu.Lock()
	m.starting[name] = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.starting, name)
		m.mu.Unlock()
	}()

	// Tear down any prior connection before dialing the new one.
	m.mu.Lock()
	prev := m.clients[name]
	delete(m.clients, name)
	delete(m.tools, name)
	m.mu.Unlock()
	if prev != nil {
		metrics.ServersConnected.Dec()
		prev.Shutdown(ctx)
	}

	var (
		handle *client.Handle
		tools  []protocol.ToolDef
		err    error
	)
	switch cfg.Kind() {
	case config.TransportStdio:
		handle, tools, err = m.connectStdio(ctx, name, cfg)
	case config.TransportHTTP:
		handle, tools, err = m.connectHTTP(ctx, name, cfg)
	default:
		err = fmt.Errorf("unknown transport %q for server %s", cfg.Transport, name)
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	racer := m.clients[name]
	m.clients[name] = handle
	m.tools[name] = tools
	m.mu.Unlock()

	// A concurrent start for the same name may have committed while we were
	// dialing; last writer wins and the loser is torn down.
	if racer != nil {
		racer.Shutdown(ctx)
	} else {
		metrics.ServersConnected.Inc()
	}
	metrics.ServerConnectionsTotal.WithLabelValues(name).Inc()

	m.logger.Info("server started",
		zap.String("server", name), zap.Int("tools", len(tools)))
	return nil
}

// StopServer disconnects the named server. Its auth provider stays around so
// a later start does not need to re-authenticate. Stopping a server that is
// not running succeeds.
func (m *Manager) StopServer(ctx context.Context, name string) error {
	m.mu.Lock()
	if m.registry.Get(name) == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}
	handle := m.clients[name]
	delete(m.clients, name)
	delete(m.tools, name)
	m.mu.Unlock()

	if handle == nil {
		return nil
	}
	metrics.ServersConnected.Dec()
	err := handle.Shutdown(ctx)
	m.logger.Info("server stopped", zap.String("server", name))
	return err
}

// RestartServer stops and starts the named server.
func (m *Manager) RestartServer(ctx context.Context, name string) error {
	if err := m.StopServer(ctx, name); err != nil {
		return err
	}
	return m.StartServer(ctx, name)
}

// StopAll disconnects every running server.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	handles := m.clients
	m.clients = make(map[string]*client.Handle)
	m.tools = make(map[string][]protocol.ToolDef)
	m.mu.Unlock()

	for name, handle := range handles {
		metrics.ServersConnected.Dec()
		if err := handle.Shutdown(ctx); err != nil {
			m.logger.Warn("shutdown failed",
				zap.String("server", name), zap.Error(err))
		}
	}
}

// AddServer registers a new server and starts it when enabled.
func (m *Manager) AddServer(ctx context.Context, name string, cfg *config.ServerConfig) error {
	m.mu.Lock()
	err := m.registry.Add(name, cfg)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if !cfg.IsEnabled() {
		return nil
	}
	return m.StartServer(ctx, name)
}

// UpdateServer replaces a server's configuration. The previous entry's
// enabled state always carries over, ignoring the new config's own flag; a
// brand-new entry defaults to enabled. A running server is restarted with
// the new config.
func (m *Manager) UpdateServer(ctx context.Context, name string, cfg *config.ServerConfig) error {
	m.mu.Lock()
	prev := m.registry.Get(name)
	if prev != nil {
		cfg.SetEnabled(prev.IsEnabled())
	} else {
		cfg.Enabled = nil
	}
	err := m.registry.Add(name, cfg)
	running := m.clients[name] != nil
	m.mu.Unlock()
	if err != nil {
		return err
	}

	if !cfg.IsEnabled() {
		if running {
			return m.StopServer(ctx, name)
		}
		return nil
	}
	if running {
		return m.RestartServer(ctx, name)
	}
	return m.StartServer(ctx, name)
}

// RemoveServer stops the server if running and deletes its registry entry,
// auth provider and stored credentials. Removing an unknown name is not an
// error; the result reports whether the entry existed.
func (m *Manager) RemoveServer(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	known, err := m.registry.Remove(name)
	handle := m.clients[name]
	delete(m.clients, name)
	delete(m.tools, name)
	delete(m.providers, name)
	m.mu.Unlock()

	if !known {
		return false, nil
	}

	// The handle is already out of the maps; shut it down even when
	// persisting the registry failed, or the connection leaks.
	if handle != nil {
		metrics.ServersConnected.Dec()
		handle.Shutdown(ctx)
	}
	if err != nil {
		return true, err
	}
	if m.store != nil {
		if err := m.store.DeleteToken(name); err != nil {
			m.logger.Warn("failed to delete stored token",
				zap.String("server", name), zap.Error(err))
		}
	}
	m.logger.Info("server removed", zap.String("server", name))
	return true, nil
}

// EnableServer marks the server enabled and starts it.
func (m *Manager) EnableServer(ctx context.Context, name string) error {
	m.mu.Lock()
	known, err := m.registry.Enable(name)
	m.mu.Unlock()
	if !known {
		return fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}
	if err != nil {
		return err
	}
	return m.StartServer(ctx, name)
}

// DisableServer stops the server, then marks it disabled.
func (m *Manager) DisableServer(ctx context.Context, name string) error {
	if err := m.StopServer(ctx, name); err != nil {
		return err
	}
	m.mu.Lock()
	_, err := m.registry.Disable(name)
	m.mu.Unlock()
	return err
}

// ListTools returns the cached tool list of one running server.
func (m *Manager) ListTools(name string) ([]protocol.ToolDef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.registry.Get(name) == nil {
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}
	tools, ok := m.tools[name]
	if !ok {
		return nil, fmt.Errorf("server %q is not running", name)
	}
	out := make([]protocol.ToolDef, len(tools))
	copy(out, tools)
	return out, nil
}

// AllTools returns the cached tool lists of every running server.
func (m *Manager) AllTools() map[string][]protocol.ToolDef {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]protocol.ToolDef, len(m.tools))
	for name, tools := range m.tools {
		cp := make([]protocol.ToolDef, len(tools))
		copy(cp, tools)
		out[name] = cp
	}
	return out
}

// CallTool invokes a tool on a running server. The call itself runs outside
// the manager lock.
func (m *Manager) CallTool(ctx context.Context, server, tool string, args json.RawMessage) (*protocol.ToolsCallResult, error) {
	m.mu.RLock()
	handle := m.clients[server]
	known := m.registry.Get(server) != nil
	m.mu.RUnlock()

	if handle == nil {
		if !known {
			return nil, fmt.Errorf("%w: %s", ErrServerNotFound, server)
		}
		return nil, fmt.Errorf("server %q is not running", server)
	}
	return handle.CallTool(ctx, tool, args)
}

// RefreshTools re-fetches the tool list of a running server and updates the
// cache.
func (m *Manager) RefreshTools(ctx context.Context, name string) ([]protocol.ToolDef, error) {
	m.mu.RLock()
	handle := m.clients[name]
	m.mu.RUnlock()
	if handle == nil {
		return nil, fmt.Errorf("server %q is not running", name)
	}

	tools, err := handle.ListTools(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.clients[name] == handle {
		m.tools[name] = tools
	}
	m.mu.Unlock()
	return tools, nil
}

// StartOAuth begins an interactive OAuth flow for an HTTP server and returns
// the authorization URL to open in a browser.
func (m *Manager) StartOAuth(ctx context.Context, name, redirectURI string) (string, error) {
	m.mu.Lock()
	cfg := m.registry.Get(name)
	if cfg == nil {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}
	if cfg.Kind() != config.TransportHTTP {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrNotHTTPTransport, name)
	}
	if cfg.URL == "" {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrMissingURL, name)
	}
	prov := m.providers[name]
	if prov == nil {
		prov = auth.NewOAuthProvider(name, cfg.URL, m.store, cfg.OAuth, m.logger)
		m.providers[name] = prov
	}
	m.mu.Unlock()

	return prov.StartOAuth(ctx, redirectURI, "")
}

// Reauth forces a fresh authorization flow for a server whose token has
// been revoked or expired beyond refresh.
func (m *Manager) Reauth(ctx context.Context, name, redirectURI string) (string, error) {
	return m.StartOAuth(ctx, name, redirectURI)
}

// CompleteOAuth routes an authorization callback to the provider whose
// pending flow issued the state value, then restarts that server. Returns
// the matched server name alongside any restart error.
func (m *Manager) CompleteOAuth(ctx context.Context, state, code string) (string, error) {
	m.mu.RLock()
	providers := make(map[string]auth.Provider, len(m.providers))
	for name, prov := range m.providers {
		providers[name] = prov
	}
	m.mu.RUnlock()

	for name, prov := range providers {
		matched, err := prov.CompleteOAuth(ctx, state, code)
		if !matched {
			continue
		}
		if err != nil {
			return name, err
		}
		m.logger.Info("OAuth flow completed, restarting server",
			zap.String("server", name))
		return name, m.StartServer(ctx, name)
	}
	return "", ErrOAuthStateNotFound
}

// connectStdio spawns the child process and runs the handshake.
func (m *Manager) connectStdio(ctx context.Context, name string, cfg *config.ServerConfig) (*client.Handle, []protocol.ToolDef, error) {
	if cfg.Command == "" {
		return nil, nil, fmt.Errorf("stdio server %s has no command", name)
	}
	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	tr, err := transport.NewStdio(cfg.Command, cfg.Args, env, m.logger)
	if err != nil {
		return nil, nil, err
	}
	return m.handshake(ctx, name, tr)
}

// connectHTTP dials an HTTP server, deciding up front whether to attach
// authentication: a live provider, an OAuth override or a stored token all
// mean authenticated from the first request. Otherwise the connection is
// probed bare and a 401 escalates to the OAuth flow.
func (m *Manager) connectHTTP(ctx context.Context, name string, cfg *config.ServerConfig) (*client.Handle, []protocol.ToolDef, error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("%w: %s", ErrMissingURL, name)
	}

	m.mu.RLock()
	prov := m.providers[name]
	m.mu.RUnlock()

	if prov == nil && cfg.OAuth != nil {
		prov = m.installProvider(name, cfg)
	}
	if prov == nil && m.store != nil {
		rec, err := m.store.GetToken(name)
		if err != nil {
			m.logger.Warn("token store read failed",
				zap.String("server", name), zap.Error(err))
		} else if rec != nil {
			prov = m.installProvider(name, cfg)
		}
	}

	if prov != nil {
		return m.dial(ctx, name, cfg.URL, prov)
	}

	handle, tools, err := m.dial(ctx, name, cfg.URL, auth.NoAuth{})
	if err == nil {
		return handle, tools, nil
	}
	var unauth *transport.UnauthorizedError
	if !errors.As(err, &unauth) {
		return nil, nil, err
	}

	oauthProv := m.installProvider(name, cfg)
	recovered, authErr := oauthProv.HandleUnauthorized(ctx, unauth.Challenge)
	if authErr != nil {
		return nil, nil, authErr
	}
	if recovered {
		return m.dial(ctx, name, cfg.URL, oauthProv)
	}
	return nil, nil, &OAuthRequiredError{Server: name}
}

// installProvider creates (or returns the existing) OAuth provider for an
// HTTP server, under the write lock.
func (m *Manager) installProvider(name string, cfg *config.ServerConfig) auth.Provider {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prov, ok := m.providers[name]; ok {
		return prov
	}
	prov := auth.NewOAuthProvider(name, cfg.URL, m.store, cfg.OAuth, m.logger)
	m.providers[name] = prov
	return prov
}

// dial builds a streamable-HTTP transport, runs the handshake and fetches
// tools, tearing the transport down on failure.
func (m *Manager) dial(ctx context.Context, name, url string, prov auth.Provider) (*client.Handle, []protocol.ToolDef, error) {
	tr := transport.NewStreamableHTTP(url, prov, m.logger)
	return m.handshake(ctx, name, tr)
}

func (m *Manager) handshake(ctx context.Context, name string, tr transport.Transport) (*client.Handle, []protocol.ToolDef, error) {
	handle := client.New(name, tr, m.logger)
	if err := handle.Connect(ctx); err != nil {
		tr.Kill(ctx)
		return nil, nil, err
	}
	tools, err := handle.ListTools(ctx)
	if err != nil {
		handle.Shutdown(ctx)
		return nil, nil, err
	}
	return handle, tools, nil
}
