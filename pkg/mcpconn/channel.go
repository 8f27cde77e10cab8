package mcpconn

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// maxLoggedLine caps how much of an undecodable line ends up in the log.
const maxLoggedLine = 256

// deadlineWriter is implemented by writers whose blocking writes can be
// bounded, such as the *os.File ends of a pipe.
type deadlineWriter interface {
	SetWriteDeadline(t time.Time) error
}

// channel frames JSON-RPC messages as single lines over a duplex byte stream.
// Writes are serialized; reads happen on exactly one goroutine.
type channel struct {
	backend string
	logger  *slog.Logger
	rpcLog  RPCLogger

	maxMalformed int

	// writeSem has capacity one and serializes writers. Waiting for it
	// honours the caller's context.
	writeSem chan struct{}
	// broken is set once a write stopped partway through a line. The
	// stream can no longer be framed after that.
	broken atomic.Bool
	w      io.WriteCloser
	r      *bufio.Reader
}

func newChannel(backend string, w io.WriteCloser, r io.Reader, opts *Options) *channel {
	return &channel{
		backend:      backend,
		logger:       opts.Logger,
		rpcLog:       opts.rpcLogger(opts.Logger),
		maxMalformed: opts.MaxConsecutiveMalformed,
		writeSem:     make(chan struct{}, 1),
		w:            w,
		r:            bufio.NewReader(r),
	}
}

// send encodes msg and writes it followed by a newline. Concurrent callers
// never interleave bytes of different messages. When ctx has a deadline and
// the writer supports write deadlines, a write blocked on a backend that
// stopped reading fails with a KindTimeout error at that deadline.
func (c *channel) send(ctx context.Context, msg jsonrpc.Message) error {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return &Error{Kind: KindTransportWrite, Backend: c.backend, Message: "encode message", Cause: err}
	}
	line := append(data, '\n')

	select {
	case c.writeSem <- struct{}{}:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &Error{Kind: KindTimeout, Backend: c.backend, Message: "timed out waiting to write", Cause: ctx.Err()}
		}
		return ctx.Err()
	}
	defer func() { <-c.writeSem }()

	if c.broken.Load() {
		return newError(KindTransportWrite, c.backend, "stream is broken after an incomplete write")
	}
	if dw, ok := c.w.(deadlineWriter); ok {
		if deadline, ok := ctx.Deadline(); ok {
			_ = dw.SetWriteDeadline(deadline)
			defer func() { _ = dw.SetWriteDeadline(time.Time{}) }()
		}
	}
	n, err := c.w.Write(line)
	if err != nil {
		if n > 0 {
			c.broken.Store(true)
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return &Error{Kind: KindTimeout, Backend: c.backend, Message: "backend is not reading its input", Cause: err}
		}
		return &Error{Kind: KindTransportWrite, Backend: c.backend, Message: "write to backend stdin", Cause: err}
	}
	c.emit(RPCDirectionSend, data)
	return nil
}

// isBroken reports whether a partial write corrupted the outgoing stream.
func (c *channel) isBroken() bool { return c.broken.Load() }

// closeWrite closes the write side, signalling end of input to the backend.
// It does not wait for writers; closing the pipe wakes a writer blocked on a
// full pipe.
func (c *channel) closeWrite() error {
	return c.w.Close()
}

// receiveLoop reads lines until the stream ends, handing every decoded message
// to onMessage in arrival order. Blank lines are skipped and undecodable lines
// are logged and dropped. onClosed is called exactly once when the loop stops;
// its argument is nil on a clean end of stream.
func (c *channel) receiveLoop(onMessage func(jsonrpc.Message), onClosed func(error)) {
	malformed := 0
	for {
		line, readErr := c.r.ReadBytes('\n')
		if line = bytes.TrimSpace(line); len(line) > 0 {
			msg, err := jsonrpc.DecodeMessage(line)
			if err != nil {
				malformed++
				c.logger.Warn("dropping malformed line from backend",
					"backend", c.backend,
					"error", &Error{Kind: KindMalformedResponse, Backend: c.backend, Cause: err},
					"line", truncate(line, maxLoggedLine))
				if c.maxMalformed > 0 && malformed >= c.maxMalformed {
					onClosed(newError(KindMalformedResponse, c.backend, "%d consecutive malformed lines", malformed))
					return
				}
			} else {
				malformed = 0
				c.emit(RPCDirectionReceive, line)
				onMessage(msg)
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				readErr = nil
			}
			onClosed(readErr)
			return
		}
	}
}

func (c *channel) emit(direction RPCDirection, data []byte) {
	if c.rpcLog == nil {
		return
	}
	c.rpcLog(RPCLogEvent{Direction: direction, Message: bytes.Clone(data), ServerID: c.backend})
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
