package mcpconn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	methodInitialize  = "initialize"
	methodInitialized = "notifications/initialized"
	methodToolsList   = "tools/list"
	methodToolsCall   = "tools/call"
	methodPing        = "ping"
)

// waitDelay bounds how long Wait keeps copying the child's stderr after the
// child itself has exited.
const waitDelay = 2 * time.Second

// State is the lifecycle state of a Connection.
type State int32

const (
	StateUninitialized State = iota
	StateConnecting
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Connection is a JSON-RPC session with one backend child process.
// All methods are safe for concurrent use.
type Connection struct {
	name   string
	id     string
	cfg    *StdioServerConfig
	opts   Options
	logger *slog.Logger
	corr   *correlator

	mu         sync.Mutex
	state      State
	cmd        *exec.Cmd
	ch         *channel
	initResult *mcp.InitializeResult
	closeErr   error

	closeOnce sync.Once
	done      chan struct{}
	exited    chan struct{}
}

// New returns an unconnected Connection for the backend called name. cfg is
// copied; opts may be nil.
func New(name string, cfg *StdioServerConfig, opts *Options) *Connection {
	o := opts.withDefaults()
	id := uuid.NewString()
	logger := o.Logger.With("backend", name, "conn_id", id)
	o.Logger = logger
	return &Connection{
		name:   name,
		id:     id,
		cfg:    cfg.Clone(),
		opts:   o,
		logger: logger,
		corr:   newCorrelator(name, logger),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
}

// Name returns the backend name.
func (c *Connection) Name() string { return c.name }

// ID returns a unique identifier for this connection instance.
func (c *Connection) ID() string { return c.id }

// Config returns a copy of the launch configuration.
func (c *Connection) Config() *StdioServerConfig { return c.cfg.Clone() }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Ready reports whether the handshake completed and the connection has not
// closed since.
func (c *Connection) Ready() bool { return c.State() == StateReady }

// Done is closed once the connection reaches StateClosed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err returns the reason the connection closed, or nil while it is open.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// ServerInfo returns the backend's initialize result, or nil before the
// handshake completes.
func (c *Connection) ServerInfo() *mcp.InitializeResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initResult
}

// PID returns the child's process id, or 0 if it was never started.
func (c *Connection) PID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// Inflight returns the number of requests awaiting a response.
func (c *Connection) Inflight() int { return c.corr.inflight() }

// Connect spawns the child and performs the initialize handshake. It may be
// called once. On failure the connection is closed and the child, if any, is
// killed.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateUninitialized {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("mcpconn: %s: connect called in state %s", c.name, state)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	if err := c.start(); err != nil {
		c.markClosed(err)
		return err
	}

	hctx, cancel := withTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()
	res, err := c.initialize(hctx)
	if err != nil {
		herr := &Error{Kind: KindHandshake, Backend: c.name, Method: methodInitialize, Message: "handshake failed", Cause: err}
		c.kill()
		c.markClosed(herr)
		return herr
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		closeErr := c.closeErr
		c.mu.Unlock()
		return &Error{Kind: KindHandshake, Backend: c.name, Method: methodInitialize, Message: "connection closed during handshake", Cause: closeErr}
	}
	c.state = StateReady
	c.initResult = res
	c.mu.Unlock()

	if err := c.notify(ctx, methodInitialized, struct{}{}); err != nil {
		c.logger.Warn("failed to send initialized notification", "error", err)
	}
	attrs := []any{"pid", c.PID()}
	if res.ServerInfo != nil {
		attrs = append(attrs, "server", res.ServerInfo.Name, "server_version", res.ServerInfo.Version)
	}
	c.logger.Info("connected to backend", attrs...)
	return nil
}

func (c *Connection) start() error {
	if err := c.cfg.Validate(); err != nil {
		return &Error{Kind: KindProcessSpawn, Backend: c.name, Message: "invalid server config", Cause: err}
	}
	cmd := exec.Command(c.cfg.Command, c.cfg.Args...)
	cmd.Env = c.cfg.environ()
	cmd.Stderr = &stderrLogger{logger: c.logger}
	cmd.WaitDelay = waitDelay
	// stdin is an os.Pipe rather than cmd.StdinPipe so writes can carry a
	// deadline.
	stdinR, stdin, err := os.Pipe()
	if err != nil {
		return &Error{Kind: KindProcessSpawn, Backend: c.name, Message: "create stdin pipe", Cause: err}
	}
	cmd.Stdin = stdinR
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdinR.Close()
		_ = stdin.Close()
		return &Error{Kind: KindProcessSpawn, Backend: c.name, Message: "create stdout pipe", Cause: err}
	}
	err = cmd.Start()
	_ = stdinR.Close()
	if err != nil {
		_ = stdin.Close()
		return &Error{Kind: KindProcessSpawn, Backend: c.name, Message: fmt.Sprintf("start %q", c.cfg.Command), Cause: err}
	}

	ch := newChannel(c.name, stdin, stdout, &c.opts)
	c.mu.Lock()
	if c.state == StateClosed {
		closeErr := c.closeErr
		c.mu.Unlock()
		_ = stdin.Close()
		_ = cmd.Process.Kill()
		go func() {
			_ = cmd.Wait()
			close(c.exited)
		}()
		return &Error{Kind: KindProcessSpawn, Backend: c.name, Message: "connection closed while starting", Cause: closeErr}
	}
	c.cmd = cmd
	c.ch = ch
	c.mu.Unlock()
	c.logger.Debug("spawned backend process", "command", c.cfg.Command, "args", c.cfg.Args, "pid", cmd.Process.Pid)

	go c.readLoop(cmd, ch)
	return nil
}

// readLoop pumps the backend's output until it ends. The connection closes as
// soon as the output ends, even if the process keeps running; a process that
// outlives its output is killed unless Disconnect is already stopping it.
func (c *Connection) readLoop(cmd *exec.Cmd, ch *channel) {
	var readErr error
	ch.receiveLoop(c.handleMessage, func(err error) { readErr = err })

	message := "backend closed its output"
	if readErr != nil {
		message = "reading backend output failed"
	}
	if c.markClosed(&Error{Kind: KindConnectionClosed, Backend: c.name, Message: message, Cause: readErr}) {
		_ = cmd.Process.Kill()
	}
	_ = ch.closeWrite()
	waitErr := cmd.Wait()
	close(c.exited)
	c.logger.Debug("backend process exited", "pid", cmd.Process.Pid, "status", waitErr)
}

func (c *Connection) handleMessage(msg jsonrpc.Message) {
	switch m := msg.(type) {
	case *jsonrpc.Response:
		id, ok := requestID(m.ID)
		if !ok {
			c.logger.Warn("ignoring response with non-integer id", "id", m.ID.Raw())
			return
		}
		if m.Error != nil {
			c.corr.fail(id, c.remoteError(m.Error))
			return
		}
		c.corr.resolve(id, m.Result)
	case *jsonrpc.Request:
		if m.IsCall() {
			go c.answer(m)
			return
		}
		c.logger.Debug("backend notification", "method", m.Method)
	}
}

func (c *Connection) remoteError(wireErr error) *Error {
	payload, err := json.Marshal(wireErr)
	if err != nil || bytes.Equal(payload, []byte("{}")) {
		payload, _ = json.Marshal(RemoteError{Message: wireErr.Error()})
	}
	return &Error{Kind: KindRemoteTool, Backend: c.name, Message: wireErr.Error(), Remote: payload}
}

// answer replies to requests the backend sends to us. Only ping is
// supported.
func (c *Connection) answer(req *jsonrpc.Request) {
	resp := &jsonrpc.Response{ID: req.ID}
	if req.Method == methodPing {
		resp.Result = json.RawMessage(`{}`)
	} else {
		resp.Error = fmt.Errorf("method %q not supported by client", req.Method)
	}
	ch := c.channel()
	if ch == nil {
		return
	}
	ctx, cancel := withTimeout(context.Background(), c.opts.RequestTimeout)
	defer cancel()
	if err := ch.send(ctx, resp); err != nil {
		c.logger.Debug("failed to answer backend request", "method", req.Method, "error", err)
	}
}

func (c *Connection) initialize(ctx context.Context) (*mcp.InitializeResult, error) {
	params := map[string]any{
		"protocolVersion": c.opts.ProtocolVersion,
		"capabilities":    map[string]any{"tools": map[string]any{}},
		"clientInfo": &mcp.Implementation{
			Name:    c.opts.ClientName,
			Version: c.opts.ClientVersion,
		},
	}
	raw, err := c.call(ctx, methodInitialize, params)
	if err != nil {
		return nil, err
	}
	res := &mcp.InitializeResult{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, res); err != nil {
			return nil, &Error{Kind: KindMalformedResponse, Backend: c.name, Method: methodInitialize, Message: "decode initialize result", Cause: err}
		}
	}
	return res, nil
}

// ListTools asks the backend for its tools. A missing tools field yields an
// empty list; entries may be tool objects or bare tool names.
func (c *Connection) ListTools(ctx context.Context) ([]*mcp.Tool, error) {
	if err := c.checkReady(); err != nil {
		return nil, err
	}
	raw, err := c.call(ctx, methodToolsList, struct{}{})
	if err != nil {
		return nil, err
	}
	var payload struct {
		Tools []json.RawMessage `json:"tools"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, &Error{Kind: KindMalformedResponse, Backend: c.name, Method: methodToolsList, Message: "decode tools/list result", Cause: err}
		}
	}
	tools := make([]*mcp.Tool, 0, len(payload.Tools))
	for _, entry := range payload.Tools {
		var name string
		if err := json.Unmarshal(entry, &name); err == nil {
			tools = append(tools, &mcp.Tool{Name: name})
			continue
		}
		tool := &mcp.Tool{}
		if err := json.Unmarshal(entry, tool); err != nil {
			return nil, &Error{Kind: KindMalformedResponse, Backend: c.name, Method: methodToolsList, Message: "decode tool entry", Cause: err}
		}
		tools = append(tools, tool)
	}
	return tools, nil
}

type callToolParams struct {
	Name      string `json:"name"`
	Arguments any    `json:"arguments"`
}

// CallTool invokes a tool and returns the result exactly as the backend sent
// it. A JSON-RPC error reply becomes a KindRemoteTool error.
func (c *Connection) CallTool(ctx context.Context, name string, args any) (json.RawMessage, error) {
	if err := c.checkReady(); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return c.call(ctx, methodToolsCall, &callToolParams{Name: name, Arguments: args})
}

// Disconnect terminates the child and fails every pending request with a
// KindConnectionClosed error. The child is asked to stop with SIGTERM and
// killed if it is still running when ctx ends. Calling Disconnect on a closed
// connection is a no-op.
func (c *Connection) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	state := c.state
	cmd := c.cmd
	ch := c.ch
	c.mu.Unlock()
	if state == StateClosed {
		return nil
	}

	c.markClosed(newError(KindConnectionClosed, c.name, "connection closed"))
	if ch != nil {
		_ = ch.closeWrite()
	}
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		_ = cmd.Process.Kill()
	}
	select {
	case <-c.exited:
		c.logger.Debug("backend process stopped")
		return nil
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return &Error{Kind: KindTimeout, Backend: c.name, Message: "backend did not exit in time and was killed", Cause: ctx.Err()}
	}
}

func (c *Connection) kill() {
	c.mu.Lock()
	cmd := c.cmd
	c.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

// markClosed moves the connection to StateClosed and fails all pending
// requests with err. Only the first call has any effect, and only that call
// reports true.
func (c *Connection) markClosed(err error) bool {
	closed := false
	c.closeOnce.Do(func() {
		closed = true
		c.mu.Lock()
		prev := c.state
		c.state = StateClosed
		c.closeErr = err
		c.mu.Unlock()

		failed := c.corr.failAll(err)
		close(c.done)
		c.logger.Info("connection closed", "previous_state", prev.String(), "failed_requests", failed, "reason", err)
	})
	return closed
}

func (c *Connection) checkReady() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateReady:
		return nil
	case StateClosed:
		if c.closeErr != nil {
			return c.closeErr
		}
		return newError(KindConnectionClosed, c.name, "connection closed")
	default:
		return newError(KindConnectionClosed, c.name, "connection not ready (%s)", c.state)
	}
}

func (c *Connection) channel() *channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch
}

// call sends a request and waits for its response, the connection closing,
// or ctx ending. On timeout the pending entry is dropped so a late response
// is reported as unmatched.
func (c *Connection) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	ch := c.channel()
	if ch == nil {
		return nil, newError(KindConnectionClosed, c.name, "connection not started")
	}
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("mcpconn: %s: %s: encode params: %w", c.name, method, err)
	}

	rctx, cancel := withTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	id := c.corr.nextID()
	p, err := c.corr.register(id, method)
	if err != nil {
		return nil, err
	}
	reqID, err := jsonrpc.MakeID(float64(id))
	if err != nil {
		c.corr.forget(id)
		return nil, err
	}
	if err := ch.send(rctx, &jsonrpc.Request{ID: reqID, Method: method, Params: rawParams}); err != nil {
		c.corr.forget(id)
		if ch.isBroken() {
			c.markClosed(&Error{Kind: KindConnectionClosed, Backend: c.name, Message: "incomplete write to backend", Cause: err})
			c.kill()
		}
		return nil, withMethod(err, method)
	}

	res, err := p.await(rctx)
	if err == nil {
		return res, nil
	}
	if ctxErr := rctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		c.corr.forget(id)
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, &Error{Kind: KindTimeout, Backend: c.name, Method: method, Message: fmt.Sprintf("no response to request %d", id), Cause: ctxErr}
		}
		return nil, fmt.Errorf("mcpconn: %s: %s: %w", c.name, method, ctxErr)
	}
	return nil, withMethod(err, method)
}

func (c *Connection) notify(ctx context.Context, method string, params any) error {
	ch := c.channel()
	if ch == nil {
		return newError(KindConnectionClosed, c.name, "connection not started")
	}
	rawParams, err := json.Marshal(params)
	if err != nil {
		return err
	}
	nctx, cancel := withTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	return ch.send(nctx, &jsonrpc.Request{Method: method, Params: rawParams})
}

// withMethod annotates a per-request *Error with the method it belongs to.
// Errors shared across requests, such as the close error, are returned as is.
func withMethod(err error, method string) error {
	var e *Error
	if !errors.As(err, &e) || e.Method != "" {
		return err
	}
	if e.Kind != KindRemoteTool && e.Kind != KindTransportWrite && e.Kind != KindTimeout {
		return err
	}
	e.Method = method
	return err
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// stderrLogger forwards the child's stderr to the logger one line at a time.
type stderrLogger struct {
	logger *slog.Logger
	buf    []byte
}

func (w *stderrLogger) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimRight(w.buf[:i], "\r"); len(line) > 0 {
			w.logger.Debug("backend stderr", "line", string(line))
		}
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > maxLoggedLine*16 {
		w.logger.Debug("backend stderr", "line", string(w.buf))
		w.buf = w.buf[:0]
	}
	return len(p), nil
}
