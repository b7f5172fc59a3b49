package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mcplink/internal/protocol"
)

const stdioRequestTimeout = 30 * time.Second

// Stdio runs an MCP server as a child process and speaks newline-delimited
// JSON-RPC over its stdin/stdout. Stderr is drained into the log.
type Stdio struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *zap.Logger

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan *protocol.Response

	done   chan struct{}
	closed atomic.Bool
}

// NewStdio spawns the command and wires up the message loop. The returned
// transport owns the process; Kill terminates it.
func NewStdio(command string, args, env []string, logger *zap.Logger) (*Stdio, error) {
	cmd := exec.Command(command, args...)
	if len(env) > 0 {
		cmd.Env = append(cmd.Environ(), env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", command, err)
	}

	t := &Stdio{
		cmd:     cmd,
		stdin:   stdin,
		logger:  logger.Named("stdio").With(zap.String("command", command)),
		pending: make(map[int64]chan *protocol.Response),
		done:    make(chan struct{}),
	}
	go t.readLoop(stdout)
	go t.drainStderr(stderr)
	go func() {
		cmd.Wait()
		close(t.done)
		t.failPending()
	}()
	return t, nil
}

// Request implements Transport.
func (t *Stdio) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if t.closed.Load() {
		return nil, errors.New("transport is closed")
	}

	req, err := protocol.NewRequest(t.nextID.Add(1), method, params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}

	ch := make(chan *protocol.Response, 1)
	t.mu.Lock()
	t.pending[req.ID] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, req.ID)
		t.mu.Unlock()
	}()

	if err := t.writeMessage(req); err != nil {
		return nil, err
	}

	timer := time.NewTimer(stdioRequestTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp == nil {
			return nil, fmt.Errorf("%s: server process exited", method)
		}
		if resp.Error != nil {
			return nil, rpcError(method, resp.Error)
		}
		return resp.Result, nil
	case <-timer.C:
		return nil, fmt.Errorf("%s: no response within %s", method, stdioRequestTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, fmt.Errorf("%s: server process exited", method)
	}
}

// Notify implements Transport.
func (t *Stdio) Notify(_ context.Context, method string, params any) error {
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
	return t.writeMessage(note)
}

// IsAlive implements Transport. A stdio server is alive while its process
// runs; no probe message is sent.
func (t *Stdio) IsAlive(_ context.Context) bool {
	if t.closed.Load() {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Kill implements Transport. Closes stdin to let the server exit cleanly,
// then kills the process if it is still around after a short grace period.
func (t *Stdio) Kill(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	t.stdin.Close()

	select {
	case <-t.done:
		return nil
	case <-time.After(2 * time.Second):
	}
	if err := t.cmd.Process.Kill(); err != nil {
		t.logger.Debug("kill failed", zap.Error(err))
	}
	<-t.done
	return nil
}

func (t *Stdio) writeMessage(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to server stdin: %w", err)
	}
	return nil
}

// readLoop routes responses to their waiting requests. Notifications from
// the server are logged and dropped; this client does not subscribe to any.
func (t *Stdio) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp protocol.Response
		if err := json.Unmarshal(line, &resp); err != nil {
			t.logger.Debug("unparseable line from server", zap.ByteString("line", line))
			continue
		}
		if len(resp.ID) == 0 {
			t.logger.Debug("dropping server notification")
			continue
		}
		var id int64
		if err := json.Unmarshal(resp.ID, &id); err != nil {
			t.logger.Debug("non-numeric response id", zap.ByteString("id", resp.ID))
			continue
		}

		t.mu.Lock()
		ch, ok := t.pending[id]
		t.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}
}

func (t *Stdio) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		t.logger.Debug("server stderr", zap.String("line", scanner.Text()))
	}
}

// failPending wakes every in-flight request after the process exits.
func (t *Stdio) failPending() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, ch := range t.pending {
		select {
		case ch <- nil:
		default:
		}
		delete(t.pending, id)
	}
}
