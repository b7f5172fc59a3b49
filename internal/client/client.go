// Package client wraps one transport with the MCP handshake and the typed
// tool operations the manager needs.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"mcplink/internal/metrics"
	"mcplink/internal/protocol"
	"mcplink/internal/transport"
)

// ClientName identifies this client in the initialize handshake.
const ClientName = "mcplink"

// ClientVersion is reported to servers during initialize.
const ClientVersion = "0.1.0"

// State is the lifecycle state of a client handle.
type State string

const (
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateReady          State = "ready"
	StateClosed         State = "closed"
)

// Handle owns a live connection to one MCP server. It is created around an
// already-constructed transport, performs the initialize handshake on
// Connect, and caches the server's identity and tool list.
type Handle struct {
	server    string
	transport transport.Transport
	logger    *zap.Logger

	mu         sync.RWMutex
	state      State
	serverInfo protocol.ServerInfo
	tools      []protocol.ToolDef
}

// New wraps a transport. The handle starts in the connecting state; call
// Connect to run the handshake.
func New(server string, tr transport.Transport, logger *zap.Logger) *Handle {
	return &Handle{
		server:    server,
		transport: tr,
		logger:    logger.Named("client").With(zap.String("server", server)),
		state:     StateConnecting,
	}
}

// Connect runs the MCP initialize handshake and sends the initialized
// notification. On success the handle is Ready.
func (h *Handle) Connect(ctx context.Context) error {
	params := protocol.InitializeParams{
		ProtocolVersion: protocol.Version,
		ClientInfo:      protocol.ClientInfo{Name: ClientName, Version: ClientVersion},
	}
	raw, err := h.transport.Request(ctx, protocol.MethodInitialize, params)
	if err != nil {
		return fmt.Errorf("initialize %s: %w", h.server, err)
	}

	var result protocol.InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("decode initialize result from %s: %w", h.server, err)
	}

	if err := h.transport.Notify(ctx, protocol.NotifyInitialized, nil); err != nil {
		return fmt.Errorf("send initialized to %s: %w", h.server, err)
	}

	h.mu.Lock()
	h.serverInfo = result.ServerInfo
	h.state = StateReady
	h.mu.Unlock()

	h.logger.Info("connected",
		zap.String("server_name", result.ServerInfo.Name),
		zap.String("server_version", result.ServerInfo.Version),
		zap.String("protocol_version", result.ProtocolVersion))
	return nil
}

// ListTools fetches the server's tool list and caches it on the handle.
func (h *Handle) ListTools(ctx context.Context) ([]protocol.ToolDef, error) {
	raw, err := h.transport.Request(ctx, protocol.MethodToolsList, nil)
	if err != nil {
		return nil, fmt.Errorf("list tools on %s: %w", h.server, err)
	}
	var result protocol.ToolsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode tool list from %s: %w", h.server, err)
	}

	h.mu.Lock()
	h.tools = result.Tools
	h.mu.Unlock()
	return result.Tools, nil
}

// CallTool invokes a tool by its server-local name.
func (h *Handle) CallTool(ctx context.Context, name string, args json.RawMessage) (*protocol.ToolsCallResult, error) {
	start := time.Now()
	metrics.ToolCallsTotal.WithLabelValues(h.server, name).Inc()

	raw, err := h.transport.Request(ctx, protocol.MethodToolsCall, protocol.ToolsCallParams{
		Name:      name,
		Arguments: args,
	})
	metrics.ToolCallDuration.WithLabelValues(h.server, name).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ToolCallErrorsTotal.WithLabelValues(h.server, name).Inc()
		return nil, fmt.Errorf("call %s on %s: %w", name, h.server, err)
	}

	var result protocol.ToolsCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		metrics.ToolCallErrorsTotal.WithLabelValues(h.server, name).Inc()
		return nil, fmt.Errorf("decode %s result from %s: %w", name, h.server, err)
	}
	return &result, nil
}

// IsAlive probes the underlying transport.
func (h *Handle) IsAlive(ctx context.Context) bool {
	h.mu.RLock()
	state := h.state
	h.mu.RUnlock()
	if state == StateClosed {
		return false
	}
	return h.transport.IsAlive(ctx)
}

// Shutdown closes the transport. Safe to call on any state.
func (h *Handle) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.state == StateClosed {
		h.mu.Unlock()
		return nil
	}
	h.state = StateClosed
	h.mu.Unlock()
	return h.transport.Kill(ctx)
}

// State returns the handle's lifecycle state.
func (h *Handle) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// ServerInfo returns the identity reported during initialize.
func (h *Handle) ServerInfo() protocol.ServerInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.serverInfo
}

// Tools returns the cached tool list from the last ListTools.
func (h *Handle) Tools() []protocol.ToolDef {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]protocol.ToolDef, len(h.tools))
	copy(out, h.tools)
	return out
}
