package config

// TransportType selects how a server connection is established.
type TransportType string

const (
	// TransportStdio spawns the server as a local subprocess and speaks
	// JSON-RPC over its stdin/stdout.
	TransportStdio TransportType = "stdio"
	// TransportHTTP talks to a remote server over streamable HTTP
	// (HTTP POST per request, replies as JSON or an SSE stream).
	TransportHTTP TransportType = "http"
)

// ServerConfig describes a single MCP server.
type ServerConfig struct {
	Transport TransportType     `json:"transport,omitempty"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	URL       string            `json:"url,omitempty"`

	// Enabled defaults to true when absent so a minimal config entry is
	// live without an explicit flag.
	Enabled *bool `json:"enabled,omitempty"`

	// OAuth, when set, skips endpoint discovery and dynamic client
	// registration for HTTP servers.
	OAuth *OAuthOverride `json:"oauth,omitempty"`
}

// OAuthOverride is a manually configured OAuth client for servers whose
// authorization server does not support discovery or dynamic registration.
type OAuthOverride struct {
	ClientID string   `json:"client_id"`
	AuthURL  string   `json:"auth_url"`
	TokenURL string   `json:"token_url"`
	Scopes   []string `json:"scopes,omitempty"`
}

// IsEnabled reports the effective enabled state.
func (c *ServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// SetEnabled records an explicit enabled state.
func (c *ServerConfig) SetEnabled(v bool) {
	c.Enabled = &v
}

// Kind returns the effective transport, defaulting to stdio when unset.
func (c *ServerConfig) Kind() TransportType {
	if c.Transport == "" {
		return TransportStdio
	}
	return c.Transport
}

// LogConfig controls logger construction in internal/logs.
type LogConfig struct {
	Level         string `json:"level"`
	EnableConsole bool   `json:"enable_console"`
	EnableFile    bool   `json:"enable_file"`
	Filename      string `json:"filename,omitempty"`
	MaxSize       int    `json:"max_size"`    // MB
	MaxBackups    int    `json:"max_backups"` // files
	MaxAge        int    `json:"max_age"`     // days
	Compress      bool   `json:"compress"`
	JSONFormat    bool   `json:"json_format"`
}
