package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"mcplink/internal/config"
	"mcplink/internal/storage"
)

// expiryBuffer treats tokens expiring within this window as already expired.
const expiryBuffer = 60 * time.Second

const discoveryTimeout = 30 * time.Second

// OAuthProvider implements Provider for a single MCP server using the MCP
// authorization flow. Tokens and dynamic registrations are persisted in the
// credential store so they survive restarts and reconnects.
type OAuthProvider struct {
	serverName string
	serverURL  string
	httpClient *http.Client
	store      *storage.Store
	override   *config.OAuthOverride
	logger     *zap.Logger

	mu            sync.RWMutex
	state         State
	cached        *storage.TokenRecord
	pending       *pendingFlow
	lastChallenge string
}

type pendingFlow struct {
	state    string
	verifier string
	cfg      oauth2.Config
	authURL  string
}

// NewOAuthProvider creates a provider for the given server. The store may be
// nil, in which case tokens live only in memory. An override pins the OAuth
// client and endpoints, skipping discovery and dynamic registration.
func NewOAuthProvider(serverName, serverURL string, store *storage.Store, override *config.OAuthOverride, logger *zap.Logger) *OAuthProvider {
	return &OAuthProvider{
		serverName: serverName,
		serverURL:  serverURL,
		httpClient: &http.Client{Timeout: discoveryTimeout},
		store:      store,
		override:   override,
		logger:     logger.Named("oauth").With(zap.String("server", serverName)),
		state:      StateNotRequired,
	}
}

// AccessToken returns a usable access token, consulting the in-memory cache
// first, then the store, refreshing expired tokens when a refresh token and
// token endpoint are known. Empty result means interactive auth is needed.
func (p *OAuthProvider) AccessToken(ctx context.Context) (string, error) {
	p.mu.RLock()
	cached := p.cached
	p.mu.RUnlock()

	if cached != nil && !cached.Expired(expiryBuffer) {
		p.setState(StateAuthenticated)
		return cached.AccessToken, nil
	}

	rec := cached
	if rec == nil && p.store != nil {
		stored, err := p.store.GetToken(p.serverName)
		if err != nil {
			return "", err
		}
		rec = stored
	}
	if rec == nil {
		return "", nil
	}

	if rec.Expired(expiryBuffer) {
		refreshed, err := p.refresh(ctx, rec)
		if err != nil {
			return "", err
		}
		if refreshed == nil {
			// No refresh token or no known token endpoint; force re-auth.
			return "", nil
		}
		rec = refreshed
	}

	p.mu.Lock()
	p.cached = rec
	p.state = StateAuthenticated
	p.mu.Unlock()
	return rec.AccessToken, nil
}

// HandleUnauthorized records the challenge and drops the cached token. It
// never completes authentication by itself: the interactive flow is driven
// by StartOAuth plus the redirect callback, so the result is always false
// and the provider is left waiting for the browser step.
func (p *OAuthProvider) HandleUnauthorized(_ context.Context, challenge string) (bool, error) {
	p.mu.Lock()
	p.cached = nil
	if challenge != "" {
		p.lastChallenge = challenge
	}
	p.state = StateAwaitingBrowser
	p.mu.Unlock()
	return false, nil
}

// StartOAuth resolves the OAuth endpoints (via override or discovery plus
// dynamic registration), prepares a PKCE authorization request and returns
// the authorization URL. The flow stays pending until CompleteOAuth.
func (p *OAuthProvider) StartOAuth(ctx context.Context, redirectURI, challenge string) (string, error) {
	if challenge == "" {
		p.mu.RLock()
		challenge = p.lastChallenge
		p.mu.RUnlock()
	} else {
		p.mu.Lock()
		p.lastChallenge = challenge
		p.mu.Unlock()
	}

	cfg, resource, err := p.resolveEndpoints(ctx, redirectURI, challenge)
	if err != nil {
		return "", err
	}

	verifier := oauth2.GenerateVerifier()
	state := uuid.NewString()

	opts := []oauth2.AuthCodeOption{
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
	}
	if resource != "" {
		opts = append(opts, oauth2.SetAuthURLParam("resource", resource))
	}
	authURL := cfg.AuthCodeURL(state, opts...)

	p.mu.Lock()
	p.pending = &pendingFlow{state: state, verifier: verifier, cfg: *cfg, authURL: authURL}
	p.state = StateAwaitingBrowser
	p.mu.Unlock()

	p.logger.Info("prepared OAuth authorization URL",
		zap.String("auth_url", authURL),
		zap.String("resource", resource))
	return authURL, nil
}

// CompleteOAuth exchanges the code for tokens when state matches the
// in-flight flow. A non-matching state returns (false, nil) so the caller
// can try other providers.
func (p *OAuthProvider) CompleteOAuth(ctx context.Context, state, code string) (bool, error) {
	p.mu.Lock()
	pending := p.pending
	if pending == nil || pending.state != state {
		p.mu.Unlock()
		return false, nil
	}
	p.pending = nil
	p.mu.Unlock()

	tok, err := pending.cfg.Exchange(ctx, code, oauth2.VerifierOption(pending.verifier))
	if err != nil {
		p.setState(StateFailed)
		return true, fmt.Errorf("OAuth token exchange failed: %w", err)
	}

	rec := tokenRecord(tok, pending.cfg.Scopes)
	if p.store != nil {
		if err := p.store.SaveToken(p.serverName, rec); err != nil {
			p.logger.Warn("failed to persist OAuth token", zap.Error(err))
		}
	}

	p.mu.Lock()
	p.cached = rec
	p.state = StateAuthenticated
	p.mu.Unlock()

	p.logger.Info("OAuth authentication complete")
	return true, nil
}

// PendingAuthURL returns the authorization URL of the in-flight flow, if any.
func (p *OAuthProvider) PendingAuthURL() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.pending == nil {
		return ""
	}
	return p.pending.authURL
}

// AuthState returns the current authentication state.
func (p *OAuthProvider) AuthState() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *OAuthProvider) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// refresh exchanges a refresh token for new tokens. Returns nil without
// error when refresh is impossible (no refresh token, unknown endpoint) or
// when the grant is rejected; both degrade to interactive re-auth.
func (p *OAuthProvider) refresh(ctx context.Context, rec *storage.TokenRecord) (*storage.TokenRecord, error) {
	if rec.RefreshToken == "" {
		return nil, nil
	}

	clientID, tokenURL := p.refreshEndpoint()
	if tokenURL == "" {
		return nil, nil
	}

	cfg := oauth2.Config{
		ClientID: clientID,
		Endpoint: oauth2.Endpoint{TokenURL: tokenURL},
	}
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: rec.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		p.logger.Warn("OAuth token refresh failed", zap.Error(err))
		return nil, nil
	}

	fresh := tokenRecord(tok, rec.Scopes)
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = rec.RefreshToken
	}
	if p.store != nil {
		if err := p.store.SaveToken(p.serverName, fresh); err != nil {
			p.logger.Warn("failed to persist refreshed token", zap.Error(err))
		}
	}
	p.logger.Info("OAuth token refreshed")
	return fresh, nil
}

// refreshEndpoint resolves the client id and token endpoint for a refresh
// grant from the override or a cached dynamic registration.
func (p *OAuthProvider) refreshEndpoint() (clientID, tokenURL string) {
	if p.override != nil {
		return p.override.ClientID, p.override.TokenURL
	}
	if p.store == nil {
		return "", ""
	}
	reg, err := p.store.GetRegistration(p.serverURL)
	if err != nil || reg == nil {
		return "", ""
	}
	return reg.ClientID, reg.TokenEndpoint
}

// resolveEndpoints produces the oauth2 config for an interactive flow. With
// an override it is built directly; otherwise metadata discovery and dynamic
// client registration run against the server.
func (p *OAuthProvider) resolveEndpoints(ctx context.Context, redirectURI, challenge string) (*oauth2.Config, string, error) {
	if p.override != nil {
		if p.override.AuthURL == "" || p.override.TokenURL == "" {
			return nil, "", fmt.Errorf("OAuth override for %s is missing an authorization or token endpoint", p.serverName)
		}
		return &oauth2.Config{
			ClientID:    p.override.ClientID,
			RedirectURL: redirectURI,
			Scopes:      p.override.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  p.override.AuthURL,
				TokenURL: p.override.TokenURL,
			},
		}, p.serverURL, nil
	}

	serverURL, err := url.Parse(p.serverURL)
	if err != nil {
		return nil, "", fmt.Errorf("invalid server URL %q: %w", p.serverURL, err)
	}

	// Registrations are re-done per interactive flow so the registered
	// redirect URI always matches the current callback origin.
	if p.store != nil {
		_ = p.store.DeleteRegistration(p.serverURL)
	}

	asMeta, resource, err := p.discover(ctx, serverURL, challenge)
	if err != nil {
		return nil, "", err
	}

	if asMeta.RegistrationEndpoint == "" {
		return nil, "", fmt.Errorf("authorization server for %s does not support dynamic client registration and no client_id is configured", p.serverName)
	}
	reg, err := registerClient(ctx, p.httpClient, asMeta.RegistrationEndpoint, redirectURI, fmt.Sprintf("mcplink (%s)", p.serverName))
	if err != nil {
		return nil, "", err
	}

	if p.store != nil {
		err := p.store.SaveRegistration(p.serverURL, &storage.RegistrationRecord{
			ClientID:              reg.ClientID,
			ClientSecret:          reg.ClientSecret,
			AuthorizationEndpoint: asMeta.AuthorizationEndpoint,
			TokenEndpoint:         asMeta.TokenEndpoint,
			Resource:              resource,
			RegisteredAt:          time.Now(),
		})
		if err != nil {
			p.logger.Warn("failed to persist client registration", zap.Error(err))
		}
	}

	return &oauth2.Config{
		ClientID:    reg.ClientID,
		RedirectURL: redirectURI,
		Scopes:      asMeta.ScopesSupported,
		Endpoint: oauth2.Endpoint{
			AuthURL:  asMeta.AuthorizationEndpoint,
			TokenURL: asMeta.TokenEndpoint,
		},
	}, resource, nil
}

// discover locates the authorization server metadata and the RFC 8707
// resource indicator, preferring RFC 9728 resource metadata (from the
// challenge's resource_metadata URL or the well-known location) and falling
// back to RFC 8414 against the server URL.
func (p *OAuthProvider) discover(ctx context.Context, serverURL *url.URL, challenge string) (*AuthServerMetadata, string, error) {
	var resMeta *ProtectedResourceMetadata
	var resErr error

	if metaURL := ExtractResourceMetadataURL(challenge); metaURL != "" {
		resMeta, resErr = fetchResourceMetadataAt(ctx, p.httpClient, metaURL)
	} else {
		resMeta, resErr = fetchResourceMetadata(ctx, p.httpClient, serverURL)
	}

	if resErr == nil {
		if len(resMeta.AuthorizationServers) == 0 {
			return nil, "", fmt.Errorf("no authorization_servers in protected resource metadata for %s", p.serverName)
		}
		asURL, err := url.Parse(resMeta.AuthorizationServers[0])
		if err != nil {
			return nil, "", fmt.Errorf("invalid authorization server URL %q: %w", resMeta.AuthorizationServers[0], err)
		}
		asMeta, err := fetchAuthServerMetadata(ctx, p.httpClient, asURL)
		if err != nil {
			return nil, "", err
		}
		return asMeta, resMeta.Resource, nil
	}

	p.logger.Debug("resource metadata unavailable, falling back to RFC 8414",
		zap.Error(resErr))

	asMeta, err := fetchAuthServerMetadata(ctx, p.httpClient, serverURL)
	if err != nil {
		return nil, "", err
	}
	// Without resource metadata, use the origin as the resource indicator to
	// avoid path-scoped audience mismatches.
	return asMeta, originOf(serverURL), nil
}

func tokenRecord(tok *oauth2.Token, scopes []string) *storage.TokenRecord {
	rec := &storage.TokenRecord{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Scopes:       scopes,
	}
	if !tok.Expiry.IsZero() {
		rec.ExpiresAt = tok.Expiry
	}
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		rec.Scopes = strings.Split(scope, " ")
	}
	return rec
}
