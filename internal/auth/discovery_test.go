package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractResourceMetadataURL(t *testing.T) {
	t.Run("present", func(t *testing.T) {
		challenge := `Bearer realm="mcp", resource_metadata="https://rs.example/.well-known/oauth-protected-resource"`
		assert.Equal(t, "https://rs.example/.well-known/oauth-protected-resource",
			ExtractResourceMetadataURL(challenge))
	})

	t.Run("absent", func(t *testing.T) {
		assert.Empty(t, ExtractResourceMetadataURL(`Bearer realm="mcp"`))
		assert.Empty(t, ExtractResourceMetadataURL(""))
	})
}

func TestWellKnownURL(t *testing.T) {
	base, err := url.Parse("https://rs.example/mcp/v1")
	require.NoError(t, err)
	assert.Equal(t,
		"https://rs.example/.well-known/oauth-protected-resource/mcp/v1",
		wellKnownURL(base, wellKnownProtectedResource))

	root, err := url.Parse("https://rs.example")
	require.NoError(t, err)
	assert.Equal(t,
		"https://rs.example/.well-known/oauth-protected-resource",
		wellKnownURL(root, wellKnownProtectedResource))
}

func TestFetchResourceMetadata_PathFallback(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if r.URL.Path == "/.well-known/oauth-protected-resource/mcp" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(ProtectedResourceMetadata{
			Resource:             srvURL(r),
			AuthorizationServers: []string{"https://as.example"},
		})
	}))
	defer srv.Close()

	base, err := url.Parse(srv.URL + "/mcp")
	require.NoError(t, err)

	meta, err := fetchResourceMetadata(context.Background(), srv.Client(), base)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://as.example"}, meta.AuthorizationServers)
	require.Len(t, paths, 2, "path-aware lookup first, origin fallback second")
	assert.Equal(t, "/.well-known/oauth-protected-resource/mcp", paths[0])
	assert.Equal(t, "/.well-known/oauth-protected-resource", paths[1])
}

func srvURL(r *http.Request) string {
	return "http://" + r.Host
}

func TestRegisterClient(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"client_id": "generated-id"})
	}))
	defer srv.Close()

	reg, err := registerClient(context.Background(), srv.Client(), srv.URL, "http://127.0.0.1:9999/callback", "test-client")
	require.NoError(t, err)
	assert.Equal(t, "generated-id", reg.ClientID)

	assert.Equal(t, []any{"http://127.0.0.1:9999/callback"}, body["redirect_uris"])
	assert.Equal(t, "none", body["token_endpoint_auth_method"])
}

func TestRegisterClient_RejectsMissingClientID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()

	_, err := registerClient(context.Background(), srv.Client(), srv.URL, "http://127.0.0.1:9999/callback", "test-client")
	require.Error(t, err)
}
