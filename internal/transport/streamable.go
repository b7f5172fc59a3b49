package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tmaxmax/go-sse"
	"go.uber.org/zap"

	"mcplink/internal/auth"
	"mcplink/internal/protocol"
)

const (
	headerSessionID       = "Mcp-Session-Id"
	headerProtocolVersion = "MCP-Protocol-Version"

	contentTypeJSON = "application/json"
	contentTypeSSE  = "text/event-stream"
)

const requestTimeout = 60 * time.Second

// StreamableHTTP is the streamable-HTTP MCP transport. Each JSON-RPC message
// is an HTTP POST to the server endpoint; responses arrive either as plain
// JSON or as an SSE stream whose first message carries the JSON-RPC envelope.
//
// The server may assign a session id in the Mcp-Session-Id response header at
// any point, including on errors. Once captured, the id is echoed on every
// subsequent request and the session is deleted on Kill.
type StreamableHTTP struct {
	endpoint   string
	httpClient *http.Client
	provider   auth.Provider
	logger     *zap.Logger

	nextID atomic.Int64

	mu        sync.Mutex
	sessionID string

	closed atomic.Bool
}

// NewStreamableHTTP creates a transport for the given endpoint. The provider
// supplies bearer tokens and drives re-authentication on 401; use
// auth.NoAuth{} for unauthenticated servers.
func NewStreamableHTTP(endpoint string, provider auth.Provider, logger *zap.Logger) *StreamableHTTP {
	return &StreamableHTTP{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: requestTimeout},
		provider:   provider,
		logger:     logger.Named("http"),
	}
}

// SessionID returns the session id captured from the server, if any.
func (t *StreamableHTTP) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// Request implements Transport. On a 401 it first replays the request once
// if the 401 itself carried a fresh session id, then lets the auth provider
// attempt recovery and retries once with the refreshed token.
func (t *StreamableHTTP) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if t.closed.Load() {
		return nil, errors.New("transport is closed")
	}

	req, err := protocol.NewRequest(t.nextID.Add(1), method, params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	resp, err := t.roundTrip(ctx, body)
	if err != nil {
		return nil, err
	}

	var unauth *UnauthorizedError
	if errors.As(resp.err, &unauth) {
		// A session id on the 401 means the server restarted or expired the
		// old session. Replay with the new id before touching auth at all.
		if resp.newSession {
			t.logger.Debug("401 carried a new session id, replaying request",
				zap.String("method", method))
			resp, err = t.roundTrip(ctx, body)
			if err != nil {
				return nil, err
			}
			if resp.err == nil {
				return t.decode(method, resp)
			}
			if !errors.As(resp.err, &unauth) {
				return nil, resp.err
			}
		}

		recovered, authErr := t.provider.HandleUnauthorized(ctx, unauth.Challenge)
		if authErr != nil {
			return nil, fmt.Errorf("authentication recovery for %s: %w", method, authErr)
		}
		if !recovered {
			return nil, unauth
		}
		resp, err = t.roundTrip(ctx, body)
		if err != nil {
			return nil, err
		}
	}

	if resp.err != nil {
		return nil, resp.err
	}
	return t.decode(method, resp)
}

// Notify implements Transport. Failures are logged, not returned as hard
// errors, except when the message cannot even be sent.
func (t *StreamableHTTP) Notify(ctx context.Context, method string, params any) error {
	if t.closed.Load() {
		return errors.New("transport is closed")
	}

	note := protocol.Notification{JSONRPC: "2.0", Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal %s params: %w", method, err)
		}
		note.Params = raw
	}
	body, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal %s notification: %w", method, err)
	}

	resp, err := t.roundTrip(ctx, body)
	if err != nil {
		return err
	}
	if resp.rawBody != nil {
		io.Copy(io.Discard, resp.rawBody)
		resp.rawBody.Close()
	}
	if resp.err != nil {
		t.logger.Warn("notification rejected by server",
			zap.String("method", method), zap.Error(resp.err))
	}
	return nil
}

// IsAlive implements Transport. Any HTTP response at all counts as alive;
// only transport-level failures (connection refused, DNS, timeout) mean the
// server is gone.
func (t *StreamableHTTP) IsAlive(ctx context.Context) bool {
	if t.closed.Load() {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint, nil)
	if err != nil {
		return false
	}
	t.setHeaders(ctx, req, false)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return false
	}
	t.captureSession(resp)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return true
}

// Kill implements Transport. If a session was established it is deleted on
// the server, best effort. Safe to call more than once.
func (t *StreamableHTTP) Kill(ctx context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}

	t.mu.Lock()
	session := t.sessionID
	t.mu.Unlock()
	if session == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.endpoint, nil)
	if err != nil {
		return nil
	}
	req.Header.Set(headerSessionID, session)
	req.Header.Set(headerProtocolVersion, protocol.Version)
	t.setAuthHeader(ctx, req)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		t.logger.Debug("session delete failed", zap.Error(err))
		return nil
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

// httpResult carries one HTTP exchange: either a decoded body or a
// transport-visible error, plus whether this exchange replaced the session id.
type httpResult struct {
	body        []byte
	contentType string
	rawBody     io.ReadCloser
	newSession  bool
	err         error
}

// roundTrip performs one POST of the given payload. The session id is
// captured from every response, success or failure, before anything else.
func (t *StreamableHTTP) roundTrip(ctx context.Context, payload []byte) (*httpResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	t.setHeaders(ctx, req, true)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", t.endpoint, err)
	}

	newSession := t.captureSession(resp)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		challenge := resp.Header.Get("WWW-Authenticate")
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return &httpResult{newSession: newSession, err: &UnauthorizedError{Challenge: challenge}}, nil

	case resp.StatusCode < 200 || resp.StatusCode > 299:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return &httpResult{newSession: newSession, err: fmt.Errorf(
			"server returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))}, nil
	}

	ct := resp.Header.Get("Content-Type")
	if strings.HasPrefix(ct, contentTypeSSE) {
		return &httpResult{contentType: contentTypeSSE, rawBody: resp.Body, newSession: newSession}, nil
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return &httpResult{body: body, contentType: contentTypeJSON, newSession: newSession}, nil
}

// decode extracts the JSON-RPC result from a successful HTTP exchange,
// reading the first envelope off an SSE stream when the server streams.
func (t *StreamableHTTP) decode(method string, res *httpResult) (json.RawMessage, error) {
	raw := res.body
	if res.contentType == contentTypeSSE {
		defer res.rawBody.Close()
		env, err := firstSSEMessage(res.rawBody)
		if err != nil {
			return nil, fmt.Errorf("read SSE response for %s: %w", method, err)
		}
		raw = env
	}

	var envelope protocol.Response
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", method, err)
	}
	if envelope.Error != nil {
		return nil, rpcError(method, envelope.Error)
	}
	return envelope.Result, nil
}

// firstSSEMessage returns the data of the first event on the stream that
// parses as a JSON-RPC envelope with a result or error. Servers may emit
// unrelated events (progress, logging) before the response.
func firstSSEMessage(body io.Reader) (json.RawMessage, error) {
	for ev, err := range sse.Read(body, nil) {
		if err != nil {
			return nil, err
		}
		data := strings.TrimSpace(ev.Data)
		if data == "" {
			continue
		}
		var probe struct {
			Result json.RawMessage `json:"result"`
			Error  json.RawMessage `json:"error"`
		}
		if err := json.Unmarshal([]byte(data), &probe); err != nil {
			continue
		}
		if probe.Result == nil && probe.Error == nil {
			continue
		}
		return json.RawMessage(data), nil
	}
	return nil, errors.New("stream ended without a JSON-RPC response")
}

// captureSession records the Mcp-Session-Id header if present, reporting
// whether it differed from the one held before.
func (t *StreamableHTTP) captureSession(resp *http.Response) bool {
	session := resp.Header.Get(headerSessionID)
	if session == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if session == t.sessionID {
		return false
	}
	t.sessionID = session
	return true
}

func (t *StreamableHTTP) setHeaders(ctx context.Context, req *http.Request, post bool) {
	if post {
		req.Header.Set("Content-Type", contentTypeJSON)
	}
	req.Header.Set("Accept", contentTypeJSON+", "+contentTypeSSE)
	req.Header.Set(headerProtocolVersion, protocol.Version)
	t.mu.Lock()
	if t.sessionID != "" {
		req.Header.Set(headerSessionID, t.sessionID)
	}
	t.mu.Unlock()
	t.setAuthHeader(ctx, req)
}

func (t *StreamableHTTP) setAuthHeader(ctx context.Context, req *http.Request) {
	if t.provider == nil {
		return
	}
	token, err := t.provider.AccessToken(ctx)
	if err != nil {
		t.logger.Debug("token lookup failed", zap.Error(err))
		return
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}
