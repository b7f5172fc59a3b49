package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const (
	wellKnownProtectedResource = "/.well-known/oauth-protected-resource"
	wellKnownAuthServer        = "/.well-known/oauth-authorization-server"
)

// ProtectedResourceMetadata is RFC 9728 protected resource metadata.
type ProtectedResourceMetadata struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers"`
	ScopesSupported      []string `json:"scopes_supported,omitempty"`
}

// AuthServerMetadata is RFC 8414 authorization server metadata.
type AuthServerMetadata struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	RegistrationEndpoint  string   `json:"registration_endpoint,omitempty"`
	ScopesSupported       []string `json:"scopes_supported,omitempty"`
}

// clientRegistration is the subset of the RFC 7591 registration response we use.
type clientRegistration struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// ExtractResourceMetadataURL pulls the resource_metadata parameter out of a
// WWW-Authenticate challenge, e.g.
// `Bearer error="invalid_request", resource_metadata="https://…"`.
func ExtractResourceMetadataURL(challenge string) string {
	parts := strings.SplitN(challenge, `resource_metadata="`, 2)
	if len(parts) < 2 {
		return ""
	}
	end := strings.Index(parts[1], `"`)
	if end < 0 {
		return ""
	}
	return parts[1][:end]
}

// originOf strips path, query and fragment from a URL, keeping scheme,
// host and explicit port.
func originOf(u *url.URL) string {
	return (&url.URL{Scheme: u.Scheme, Host: u.Host}).String()
}

// wellKnownURL inserts a well-known suffix between the host and the base
// URL's path, per RFC 9728 section 3.1.
func wellKnownURL(base *url.URL, suffix string) string {
	u := *base
	u.Path = suffix + strings.TrimRight(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

func getJSON(ctx context.Context, client *http.Client, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("metadata endpoint %s returned %d", rawURL, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse metadata from %s: %w", rawURL, err)
	}
	return nil
}

// fetchResourceMetadata fetches RFC 9728 metadata for the server URL, trying
// the path-aware well-known location first and falling back to the origin
// when the server URL carries a non-trivial path.
func fetchResourceMetadata(ctx context.Context, client *http.Client, serverURL *url.URL) (*ProtectedResourceMetadata, error) {
	var meta ProtectedResourceMetadata
	err := getJSON(ctx, client, wellKnownURL(serverURL, wellKnownProtectedResource), &meta)
	if err != nil && hasPath(serverURL) {
		origin := &url.URL{Scheme: serverURL.Scheme, Host: serverURL.Host, Path: "/"}
		if oErr := getJSON(ctx, client, wellKnownURL(origin, wellKnownProtectedResource), &meta); oErr == nil {
			return &meta, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

// fetchResourceMetadataAt fetches RFC 9728 metadata from an explicit URL
// taken from a WWW-Authenticate challenge.
func fetchResourceMetadataAt(ctx context.Context, client *http.Client, metaURL string) (*ProtectedResourceMetadata, error) {
	var meta ProtectedResourceMetadata
	if err := getJSON(ctx, client, metaURL, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// fetchAuthServerMetadata fetches RFC 8414 metadata with the same
// path-aware-then-origin fallback as resource metadata.
func fetchAuthServerMetadata(ctx context.Context, client *http.Client, base *url.URL) (*AuthServerMetadata, error) {
	var meta AuthServerMetadata
	err := getJSON(ctx, client, wellKnownURL(base, wellKnownAuthServer), &meta)
	if err != nil && hasPath(base) {
		origin := &url.URL{Scheme: base.Scheme, Host: base.Host, Path: "/"}
		if oErr := getJSON(ctx, client, wellKnownURL(origin, wellKnownAuthServer), &meta); oErr == nil {
			return &meta, nil
		}
		return nil, fmt.Errorf("authorization server metadata unavailable at %s and its origin: %w", base, err)
	}
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

func hasPath(u *url.URL) bool {
	return u.Path != "" && u.Path != "/"
}

// registerClient performs RFC 7591 dynamic client registration with the
// exact redirect URI of the current flow. Some providers reject
// registrations whose redirect URIs do not match exactly.
func registerClient(ctx context.Context, client *http.Client, endpoint, redirectURI, clientName string) (*clientRegistration, error) {
	payload, err := json.Marshal(map[string]any{
		"redirect_uris":              []string{redirectURI},
		"client_name":                clientName,
		"grant_types":                []string{"authorization_code", "refresh_token"},
		"response_types":             []string{"code"},
		"token_endpoint_auth_method": "none",
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dynamic client registration failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("registration endpoint returned %d", resp.StatusCode)
	}

	var reg clientRegistration
	if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
		return nil, fmt.Errorf("failed to parse registration response: %w", err)
	}
	if reg.ClientID == "" {
		return nil, fmt.Errorf("registration response contained no client_id")
	}
	return &reg, nil
}
