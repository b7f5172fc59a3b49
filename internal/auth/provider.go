// Package auth provides per-server authentication for MCP HTTP transports.
//
// The OAuth provider implements the MCP authorization flow: protected
// resource metadata discovery (RFC 9728), authorization server metadata
// discovery (RFC 8414), dynamic client registration (RFC 7591) and the PKCE
// authorization-code exchange. The flow is callback driven: this package
// never opens a browser or listens for redirects itself.
package auth

import "context"

// State is the observable authentication state of a provider.
type State string

const (
	// StateNotRequired means no authentication is needed or none was attempted.
	StateNotRequired State = "not_required"
	// StateAwaitingBrowser means an authorization URL was issued and the
	// flow is waiting for the user to complete it.
	StateAwaitingBrowser State = "awaiting_browser"
	// StateAuthenticated means a valid token is held.
	StateAuthenticated State = "authenticated"
	// StateFailed means the last authentication attempt failed.
	StateFailed State = "failed"
)

// Provider supplies bearer tokens for MCP HTTP requests and drives the
// OAuth flow when a server demands authentication.
type Provider interface {
	// AccessToken returns a valid access token, refreshing if necessary.
	// An empty string means no token is available.
	AccessToken(ctx context.Context) (string, error)

	// HandleUnauthorized reacts to a 401 challenge. It returns true when
	// authentication succeeded non-interactively and the request should be
	// retried; false means an interactive flow is required.
	HandleUnauthorized(ctx context.Context, challenge string) (bool, error)

	// StartOAuth begins an authorization-code flow using redirectURI and
	// returns the authorization URL the user must visit. An empty URL means
	// the provider does not support interactive auth.
	StartOAuth(ctx context.Context, redirectURI, challenge string) (string, error)

	// CompleteOAuth finishes a pending flow. It returns true when state
	// matched this provider's in-flight attempt and completion was performed.
	CompleteOAuth(ctx context.Context, state, code string) (bool, error)

	// PendingAuthURL returns the authorization URL of an in-flight flow, if any.
	PendingAuthURL() string

	// AuthState returns the current authentication state.
	AuthState() State
}

// NoAuth is the provider for servers that require no authentication.
type NoAuth struct{}

func (NoAuth) AccessToken(context.Context) (string, error) { return "", nil }

func (NoAuth) HandleUnauthorized(context.Context, string) (bool, error) { return false, nil }

func (NoAuth) StartOAuth(context.Context, string, string) (string, error) { return "", nil }

func (NoAuth) CompleteOAuth(context.Context, string, string) (bool, error) { return false, nil }

func (NoAuth) PendingAuthURL() string { return "" }

func (NoAuth) AuthState() State { return StateNotRequired }

// StaticToken always presents a fixed bearer token. Used in tests and for
// servers authenticated with a personal access token.
type StaticToken struct {
	Token string
}

func (s StaticToken) AccessToken(context.Context) (string, error) { return s.Token, nil }

func (StaticToken) HandleUnauthorized(context.Context, string) (bool, error) { return false, nil }

func (StaticToken) StartOAuth(context.Context, string, string) (string, error) { return "", nil }

func (StaticToken) CompleteOAuth(context.Context, string, string) (bool, error) {
	return false, nil
}

func (StaticToken) PendingAuthURL() string { return "" }

func (StaticToken) AuthState() State { return StateAuthenticated }
