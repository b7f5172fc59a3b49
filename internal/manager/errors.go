package manager

import (
	"errors"
	"fmt"
)

var (
	// ErrServerNotFound means the name has no registry entry.
	ErrServerNotFound = errors.New("server not found")

	// ErrNotHTTPTransport means an HTTP-only operation was attempted on a
	// stdio server.
	ErrNotHTTPTransport = errors.New("server does not use the HTTP transport")

	// ErrMissingURL means an HTTP server config has no url.
	ErrMissingURL = errors.New("HTTP server config has no url")

	// ErrOAuthStateNotFound means no pending OAuth flow matched the state
	// parameter of a callback.
	ErrOAuthStateNotFound = errors.New("no pending OAuth flow matches state")
)

// OAuthRequiredError reports that a server rejected the connection and needs
// an interactive OAuth flow before it can be started.
type OAuthRequiredError struct {
	Server string
}

func (e *OAuthRequiredError) Error() string {
	return fmt.Sprintf("server %q requires OAuth authentication", e.Server)
}
