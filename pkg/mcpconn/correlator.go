package mcpconn

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

type callResult struct {
	result json.RawMessage
	err    error
}

// pendingRequest is resolved or failed exactly once. done has room for the
// single outcome so the receive loop never blocks on a caller.
type pendingRequest struct {
	id     int64
	method string
	done   chan callResult
}

func (p *pendingRequest) deliver(res callResult) {
	select {
	case p.done <- res:
	default:
	}
}

func (p *pendingRequest) await(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-p.done:
		return res.result, res.err
	}
}

// correlator maps in-flight request ids to their waiting callers.
type correlator struct {
	backend string
	logger  *slog.Logger

	mu      sync.Mutex
	next    int64
	pending map[int64]*pendingRequest
	closed  error
}

func newCorrelator(backend string, logger *slog.Logger) *correlator {
	return &correlator{
		backend: backend,
		logger:  logger,
		pending: make(map[int64]*pendingRequest),
	}
}

// nextID returns a fresh id. Ids start at 1 and are never reused.
func (c *correlator) nextID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	return c.next
}

// register records a pending request. Once failAll has run every register
// call fails with the close error so no caller can wait forever.
func (c *correlator) register(id int64, method string) (*pendingRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed != nil {
		return nil, c.closed
	}
	p := &pendingRequest{id: id, method: method, done: make(chan callResult, 1)}
	c.pending[id] = p
	return p, nil
}

func (c *correlator) take(id int64) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	return p
}

// resolve completes the request with id. Unknown ids are logged and ignored.
func (c *correlator) resolve(id int64, result json.RawMessage) bool {
	p := c.take(id)
	if p == nil {
		c.unmatched(id)
		return false
	}
	p.deliver(callResult{result: result})
	return true
}

// fail completes the request with id with err. Unknown ids are logged and
// ignored.
func (c *correlator) fail(id int64, err error) bool {
	p := c.take(id)
	if p == nil {
		c.unmatched(id)
		return false
	}
	p.deliver(callResult{err: err})
	return true
}

// failAll fails every pending request with err and makes later register
// calls fail too. Only the first call has any effect. It returns the number
// of requests failed.
func (c *correlator) failAll(err error) int {
	c.mu.Lock()
	if c.closed != nil {
		c.mu.Unlock()
		return 0
	}
	c.closed = err
	pending := c.pending
	c.pending = make(map[int64]*pendingRequest)
	c.mu.Unlock()

	for _, p := range pending {
		p.deliver(callResult{err: err})
	}
	return len(pending)
}

// forget drops id without completing it, used when the caller gave up.
func (c *correlator) forget(id int64) {
	c.take(id)
}

func (c *correlator) inflight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *correlator) unmatched(id int64) {
	c.logger.Warn("ignoring response for unknown request id",
		"backend", c.backend,
		"id", id,
		"error", &Error{Kind: KindUnmatchedResponseID, Backend: c.backend, Message: "id " + strconv.FormatInt(id, 10)})
}

// requestID extracts the integer id from a response. Numeric strings are
// accepted since some backends echo ids as strings.
func requestID(id jsonrpc.ID) (int64, bool) {
	switch v := id.Raw().(type) {
	case int64:
		return v, true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
