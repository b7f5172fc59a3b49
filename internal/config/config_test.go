package config

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerConfig_Kind(t *testing.T) {
	assert.Equal(t, TransportStdio, (&ServerConfig{}).Kind(), "stdio is the default")
	assert.Equal(t, TransportHTTP, (&ServerConfig{Transport: TransportHTTP}).Kind())
}

func TestServerConfig_Enabled(t *testing.T) {
	var cfg ServerConfig
	assert.True(t, cfg.IsEnabled(), "absent flag means enabled")

	cfg.SetEnabled(false)
	assert.False(t, cfg.IsEnabled())

	cfg.SetEnabled(true)
	assert.True(t, cfg.IsEnabled())
}

func TestServerConfig_EnabledJSON(t *testing.T) {
	var cfg ServerConfig
	require.NoError(t, json.Unmarshal([]byte(`{"command":"mcp-fs"}`), &cfg))
	assert.True(t, cfg.IsEnabled())

	require.NoError(t, json.Unmarshal([]byte(`{"command":"mcp-fs","enabled":false}`), &cfg))
	assert.False(t, cfg.IsEnabled())
}
