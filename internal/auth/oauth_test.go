package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcplink/internal/config"
	"mcplink/internal/storage"
)

func testStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func overrideFor(tokenURL string) *config.OAuthOverride {
	return &config.OAuthOverride{
		ClientID: "client-777",
		AuthURL:  "https://as.example/authorize",
		TokenURL: tokenURL,
		Scopes:   []string{"mcp.read"},
	}
}

func TestOAuthProvider_StartOAuthWithOverride(t *testing.T) {
	prov := NewOAuthProvider("srv", "https://rs.example/mcp", testStore(t), overrideFor("https://as.example/token"), zap.NewNop())

	authURL, err := prov.StartOAuth(context.Background(), "http://127.0.0.1:9000/callback", "")
	require.NoError(t, err)

	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	q := parsed.Query()
	assert.Equal(t, "client-777", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "http://127.0.0.1:9000/callback", q.Get("redirect_uri"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.NotEmpty(t, q.Get("state"))
	assert.Equal(t, "https://rs.example/mcp", q.Get("resource"))

	assert.Equal(t, StateAwaitingBrowser, prov.AuthState())
	assert.Equal(t, authURL, prov.PendingAuthURL())
}

func TestOAuthProvider_StartOAuthRejectsIncompleteOverride(t *testing.T) {
	for name, override := range map[string]*config.OAuthOverride{
		"no auth url":  {ClientID: "client-777", TokenURL: "https://as.example/token"},
		"no token url": {ClientID: "client-777", AuthURL: "https://as.example/authorize"},
	} {
		t.Run(name, func(t *testing.T) {
			prov := NewOAuthProvider("srv", "https://rs.example/mcp", testStore(t), override, zap.NewNop())

			_, err := prov.StartOAuth(context.Background(), "http://127.0.0.1:9000/callback", "")
			require.Error(t, err)
			assert.Contains(t, err.Error(), "endpoint")
			assert.Empty(t, prov.PendingAuthURL())
		})
	}
}

func TestOAuthProvider_CompleteOAuth(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.Form.Get("grant_type"))
		assert.Equal(t, "the-code", r.Form.Get("code"))
		assert.NotEmpty(t, r.Form.Get("code_verifier"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-123",
			"refresh_token": "rt-456",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	defer tokenSrv.Close()

	store := testStore(t)
	prov := NewOAuthProvider("srv", "https://rs.example/mcp", store, overrideFor(tokenSrv.URL), zap.NewNop())

	authURL, err := prov.StartOAuth(context.Background(), "http://127.0.0.1:9000/callback", "")
	require.NoError(t, err)
	state := mustQueryParam(t, authURL, "state")

	t.Run("wrong state does not match", func(t *testing.T) {
		matched, err := prov.CompleteOAuth(context.Background(), "other-state", "the-code")
		require.NoError(t, err)
		assert.False(t, matched)
	})

	t.Run("matching state exchanges and persists", func(t *testing.T) {
		matched, err := prov.CompleteOAuth(context.Background(), state, "the-code")
		require.NoError(t, err)
		assert.True(t, matched)
		assert.Equal(t, StateAuthenticated, prov.AuthState())
		assert.Empty(t, prov.PendingAuthURL())

		tok, err := prov.AccessToken(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "at-123", tok)

		rec, err := store.GetToken("srv")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, "at-123", rec.AccessToken)
		assert.Equal(t, "rt-456", rec.RefreshToken)
	})

	t.Run("flow is single use", func(t *testing.T) {
		matched, err := prov.CompleteOAuth(context.Background(), state, "the-code")
		require.NoError(t, err)
		assert.False(t, matched)
	})
}

func TestOAuthProvider_AccessToken(t *testing.T) {
	t.Run("no token anywhere yields empty", func(t *testing.T) {
		prov := NewOAuthProvider("srv", "https://rs.example/mcp", testStore(t), nil, zap.NewNop())
		tok, err := prov.AccessToken(context.Background())
		require.NoError(t, err)
		assert.Empty(t, tok)
	})

	t.Run("valid stored token is returned", func(t *testing.T) {
		store := testStore(t)
		require.NoError(t, store.SaveToken("srv", &storage.TokenRecord{
			AccessToken: "stored-at",
			ExpiresAt:   time.Now().Add(time.Hour),
		}))

		prov := NewOAuthProvider("srv", "https://rs.example/mcp", store, nil, zap.NewNop())
		tok, err := prov.AccessToken(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "stored-at", tok)
		assert.Equal(t, StateAuthenticated, prov.AuthState())
	})

	t.Run("expired token without refresh yields empty", func(t *testing.T) {
		store := testStore(t)
		require.NoError(t, store.SaveToken("srv", &storage.TokenRecord{
			AccessToken: "old-at",
			ExpiresAt:   time.Now().Add(-time.Hour),
		}))

		prov := NewOAuthProvider("srv", "https://rs.example/mcp", store, nil, zap.NewNop())
		tok, err := prov.AccessToken(context.Background())
		require.NoError(t, err)
		assert.Empty(t, tok)
	})

	t.Run("token inside expiry buffer counts as expired", func(t *testing.T) {
		store := testStore(t)
		require.NoError(t, store.SaveToken("srv", &storage.TokenRecord{
			AccessToken: "soon-at",
			ExpiresAt:   time.Now().Add(10 * time.Second),
		}))

		prov := NewOAuthProvider("srv", "https://rs.example/mcp", store, nil, zap.NewNop())
		tok, err := prov.AccessToken(context.Background())
		require.NoError(t, err)
		assert.Empty(t, tok)
	})
}

func TestOAuthProvider_RefreshesExpiredToken(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "rt-old", r.Form.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at-new",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer tokenSrv.Close()

	store := testStore(t)
	require.NoError(t, store.SaveToken("srv", &storage.TokenRecord{
		AccessToken:  "at-old",
		RefreshToken: "rt-old",
		ExpiresAt:    time.Now().Add(-time.Hour),
	}))

	prov := NewOAuthProvider("srv", "https://rs.example/mcp", store, overrideFor(tokenSrv.URL), zap.NewNop())
	tok, err := prov.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-new", tok)

	rec, err := store.GetToken("srv")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "at-new", rec.AccessToken)
	assert.Equal(t, "rt-old", rec.RefreshToken, "refresh token carries over when the response omits one")
}

func TestOAuthProvider_HandleUnauthorized(t *testing.T) {
	prov := NewOAuthProvider("srv", "https://rs.example/mcp", testStore(t), nil, zap.NewNop())

	recovered, err := prov.HandleUnauthorized(context.Background(), `Bearer resource_metadata="https://rs.example/.well-known/oauth-protected-resource"`)
	require.NoError(t, err)
	assert.False(t, recovered, "interactive auth is never completed inline")
	assert.Equal(t, StateAwaitingBrowser, prov.AuthState())
}

func TestOAuthProvider_DiscoveryFlow(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/.well-known/oauth-protected-resource", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(ProtectedResourceMetadata{
			Resource:             srv.URL + "/mcp",
			AuthorizationServers: []string{srv.URL},
		})
	})
	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(AuthServerMetadata{
			Issuer:                srv.URL,
			AuthorizationEndpoint: srv.URL + "/authorize",
			TokenEndpoint:         srv.URL + "/token",
			RegistrationEndpoint:  srv.URL + "/register",
		})
	})
	var registrations int
	mux.HandleFunc("/register", func(w http.ResponseWriter, r *http.Request) {
		registrations++
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"client_id": "dyn-client"})
	})

	store := testStore(t)
	prov := NewOAuthProvider("srv", srv.URL+"/mcp", store, nil, zap.NewNop())

	authURL, err := prov.StartOAuth(context.Background(), "http://127.0.0.1:9000/callback", "")
	require.NoError(t, err)

	assert.Equal(t, "dyn-client", mustQueryParam(t, authURL, "client_id"))
	assert.Equal(t, srv.URL+"/mcp", mustQueryParam(t, authURL, "resource"))
	assert.Equal(t, 1, registrations)

	reg, err := store.GetRegistration(srv.URL + "/mcp")
	require.NoError(t, err)
	require.NotNil(t, reg)
	assert.Equal(t, "dyn-client", reg.ClientID)
	assert.Equal(t, srv.URL+"/token", reg.TokenEndpoint)

	// A second interactive flow registers again with the current redirect.
	_, err = prov.StartOAuth(context.Background(), "http://127.0.0.1:9001/callback", "")
	require.NoError(t, err)
	assert.Equal(t, 2, registrations)
}

func mustQueryParam(t *testing.T, rawURL, key string) string {
	t.Helper()
	parsed, err := url.Parse(rawURL)
	require.NoError(t, err)
	val := parsed.Query().Get(key)
	require.NotEmpty(t, val)
	return val
}
