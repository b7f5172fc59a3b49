package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcplink/internal/config"
)

func TestLoad(t *testing.T) {
	t.Run("missing file yields empty registry bound to path", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "servers.json")
		reg, err := Load(path)
		require.NoError(t, err)
		assert.Empty(t, reg.Servers)

		// First save creates the file.
		require.NoError(t, reg.Add("fs", &config.ServerConfig{Command: "mcp-fs"}))
		_, err = os.Stat(path)
		require.NoError(t, err)
	})

	t.Run("invalid JSON is an error", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "servers.json")
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
		_, err := Load(path)
		require.Error(t, err)
	})
}

func TestRegistry_Roundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "servers.json")
	reg, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, reg.Add("fs", &config.ServerConfig{
		Command: "mcp-fs",
		Args:    []string{"--root", "/tmp"},
		Env:     map[string]string{"DEBUG": "1"},
	}))
	require.NoError(t, reg.Add("gh", &config.ServerConfig{
		Transport: config.TransportHTTP,
		URL:       "https://gh.example/mcp",
	}))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Len(t, loaded.Servers, 2)
	assert.Equal(t, "mcp-fs", loaded.Servers["fs"].Command)
	assert.Equal(t, config.TransportHTTP, loaded.Servers["gh"].Kind())
	assert.True(t, loaded.Servers["fs"].IsEnabled(), "enabled defaults to true")
}

func TestRegistry_EnableDisable(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Add("fs", &config.ServerConfig{Command: "mcp-fs"}))

	known, err := reg.Disable("fs")
	require.NoError(t, err)
	assert.True(t, known)
	assert.False(t, reg.Get("fs").IsEnabled())
	assert.Empty(t, reg.Enabled())

	known, err = reg.Enable("fs")
	require.NoError(t, err)
	assert.True(t, known)
	assert.Len(t, reg.Enabled(), 1)

	known, err = reg.Enable("ghost")
	require.NoError(t, err)
	assert.False(t, known)
}

func TestRegistry_Remove(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Add("fs", &config.ServerConfig{Command: "mcp-fs"}))

	known, err := reg.Remove("fs")
	require.NoError(t, err)
	assert.True(t, known)
	assert.Nil(t, reg.Get("fs"))

	known, err = reg.Remove("fs")
	require.NoError(t, err)
	assert.False(t, known)
}

func TestRegistry_EnabledReturnsCopies(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Add("fs", &config.ServerConfig{Command: "mcp-fs"}))

	snapshot := reg.Enabled()
	snapshot["fs"].Command = "mutated"
	assert.Equal(t, "mcp-fs", reg.Get("fs").Command)
}
