// Package metrics exposes Prometheus instruments for MCP connections and
// tool calls.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ServerConnectionsTotal counts successful connections per server.
	ServerConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcplink_server_connections_total",
		Help: "Total successful MCP server connections.",
	}, []string{"server"})

	// ServersConnected tracks the number of currently connected servers.
	ServersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mcplink_servers_connected",
		Help: "Number of MCP servers currently connected.",
	})

	// ToolCallsTotal counts tool invocations per server and tool.
	ToolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcplink_tool_calls_total",
		Help: "Total MCP tool calls.",
	}, []string{"server", "tool"})

	// ToolCallErrorsTotal counts failed tool invocations.
	ToolCallErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcplink_tool_call_errors_total",
		Help: "Total failed MCP tool calls.",
	}, []string{"server", "tool"})

	// ToolCallDuration observes tool call latency in seconds.
	ToolCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mcplink_tool_call_duration_seconds",
		Help:    "MCP tool call duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"server", "tool"})
)
