package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"mcplink/internal/protocol"
)

// Transport moves JSON-RPC messages between the client and one MCP server.
// Implementations are safe for concurrent use.
type Transport interface {
	// Request sends a request and waits for the matching response. A
	// response carrying a JSON-RPC error object is returned as *RPCError.
	Request(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification. No response is awaited.
	Notify(ctx context.Context, method string, params any) error

	// IsAlive reports whether the server is still reachable.
	IsAlive(ctx context.Context) bool

	// Kill tears the connection down and releases resources.
	Kill(ctx context.Context) error
}

// UnauthorizedError reports an HTTP 401 from the server, carrying the
// WWW-Authenticate challenge needed for OAuth discovery.
type UnauthorizedError struct {
	Challenge string
}

func (e *UnauthorizedError) Error() string {
	return "server returned 401 unauthorized"
}

// RPCError is a JSON-RPC error object returned by the server.
type RPCError struct {
	Method  string
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s failed: %s (code %d)", e.Method, e.Message, e.Code)
}

func rpcError(method string, respErr *protocol.ResponseError) *RPCError {
	return &RPCError{Method: method, Code: int(respErr.Code), Message: respErr.Message}
}
