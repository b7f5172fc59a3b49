// Package bridge flattens the tools of every connected server into a single
// namespace for the host application.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"mcplink/internal/manager"
	"mcplink/internal/protocol"
)

// Separator joins server and tool names in the flattened namespace.
const Separator = ":"

// Tool is one entry in the flattened tool namespace.
type Tool struct {
	// Name is "<server>:<tool>".
	Name        string
	Server      string
	ToolName    string
	Description string
	InputSchema json.RawMessage
}

// Bridge exposes every server's tools under qualified names and routes calls
// back to the owning server.
type Bridge struct {
	manager *manager.Manager
}

// New wraps a manager.
func New(m *manager.Manager) *Bridge {
	return &Bridge{manager: m}
}

// Tools returns the flattened tool list of all running servers, sorted by
// qualified name.
func (b *Bridge) Tools() []Tool {
	var out []Tool
	for server, tools := range b.manager.AllTools() {
		for _, t := range tools {
			out = append(out, Tool{
				Name:        server + Separator + t.Name,
				Server:      server,
				ToolName:    t.Name,
				Description: t.Description,
				InputSchema: t.InputSchema,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Call invokes a tool by qualified name.
func (b *Bridge) Call(ctx context.Context, qualified string, args json.RawMessage) (*protocol.ToolsCallResult, error) {
	server, tool, err := Split(qualified)
	if err != nil {
		return nil, err
	}
	return b.manager.CallTool(ctx, server, tool, args)
}

// Split breaks a qualified tool name into server and tool parts. The tool
// part may itself contain the separator.
func Split(qualified string) (server, tool string, err error) {
	server, tool, ok := strings.Cut(qualified, Separator)
	if !ok || server == "" || tool == "" {
		return "", "", fmt.Errorf("invalid tool name %q, want \"server%stool\"", qualified, Separator)
	}
	return server, tool, nil
}
