package mcpconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikashloomba/mcp-orchestrator-go/internal/testchild"
)

func connectChild(t *testing.T, mode string, opts *Options) *Connection {
	t.Helper()
	if opts == nil {
		opts = &Options{}
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	conn := New(mode, childConfig(mode), opts)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, conn.Connect(ctx))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = conn.Disconnect(ctx)
	})
	return conn
}

func TestConnectPerformsHandshake(t *testing.T) {
	t.Parallel()

	conn := connectChild(t, testchild.ModeFull, nil)

	assert.Equal(t, StateReady, conn.State())
	assert.True(t, conn.Ready())
	assert.NotZero(t, conn.PID())
	assert.NotEmpty(t, conn.ID())
	info := conn.ServerInfo()
	require.NotNil(t, info)
	require.NotNil(t, info.ServerInfo)
	assert.Equal(t, "testchild-full", info.ServerInfo.Name)
	assert.Equal(t, "0.1.0", info.ProtocolVersion)
}

func TestConnectTwiceFails(t *testing.T) {
	t.Parallel()

	conn := connectChild(t, testchild.ModeFull, nil)
	err := conn.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect called in state ready")
}

func TestListTools(t *testing.T) {
	t.Parallel()

	t.Run("tool objects", func(t *testing.T) {
		t.Parallel()
		conn := connectChild(t, testchild.ModeFull, nil)
		tools, err := conn.ListTools(context.Background())
		require.NoError(t, err)

		names := make([]string, 0, len(tools))
		for _, tool := range tools {
			names = append(names, tool.Name)
		}
		want := []string{"echo", "ping", "sleep", "hang", "exit", "fail", "noise", "hangup", "deaf"}
		if diff := cmp.Diff(want, names); diff != "" {
			t.Fatalf("tool names mismatch (-want +got):\n%s", diff)
		}
		assert.Equal(t, "Echo the arguments back", tools[0].Description)
	})

	t.Run("bare names", func(t *testing.T) {
		t.Parallel()
		conn := connectChild(t, testchild.ModeAlpha, nil)
		tools, err := conn.ListTools(context.Background())
		require.NoError(t, err)
		require.Len(t, tools, 1)
		assert.Equal(t, "ping", tools[0].Name)
	})

	t.Run("missing tools field", func(t *testing.T) {
		t.Parallel()
		conn := connectChild(t, testchild.ModeEmpty, nil)
		tools, err := conn.ListTools(context.Background())
		require.NoError(t, err)
		assert.Empty(t, tools)
	})
}

func TestCallToolEchoRoundTrip(t *testing.T) {
	t.Parallel()

	conn := connectChild(t, testchild.ModeFull, nil)
	got, err := conn.CallTool(context.Background(), "echo", map[string]any{"x": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(got))

	got, err = conn.CallTool(context.Background(), "echo", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(got), "nil arguments are sent as an empty object")
}

func TestCallToolRemoteError(t *testing.T) {
	t.Parallel()

	conn := connectChild(t, testchild.ModeFull, nil)
	_, err := conn.CallTool(context.Background(), "fail", map[string]any{})
	require.Error(t, err)
	assert.True(t, IsRemoteTool(err))

	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "tools/call", e.Method)
	assert.JSONEq(t, `{"code":-32000,"message":"tool failed","data":{"reason":"requested"}}`, string(e.Remote))

	// The connection stays usable after a tool error.
	got, err := conn.CallTool(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"pong":true}`, string(got))
}

func TestConcurrentCallsResolveOutOfOrder(t *testing.T) {
	t.Parallel()

	conn := connectChild(t, testchild.ModeFull, nil)
	delays := []int{300, 200, 100, 0}

	type outcome struct {
		ms   int
		raw  json.RawMessage
		err  error
		done time.Time
	}
	results := make([]outcome, len(delays))
	var wg sync.WaitGroup
	for i, ms := range delays {
		wg.Add(1)
		go func(i, ms int) {
			defer wg.Done()
			raw, err := conn.CallTool(context.Background(), "sleep", map[string]any{"ms": ms})
			results[i] = outcome{ms: ms, raw: raw, err: err, done: time.Now()}
		}(i, ms)
	}
	wg.Wait()

	for _, r := range results {
		require.NoError(t, r.err)
		assert.JSONEq(t, fmt.Sprintf(`{"slept":%d}`, r.ms), string(r.raw), "each caller gets its own response")
	}
	assert.True(t, results[3].done.Before(results[0].done), "fast call must not wait behind the slow one")
	assert.Zero(t, conn.Inflight())
}

func TestStrayAndMalformedLinesAreTolerated(t *testing.T) {
	t.Parallel()

	conn := connectChild(t, testchild.ModeFull, nil)
	got, err := conn.CallTool(context.Background(), "noise", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(got))

	got, err = conn.CallTool(context.Background(), "echo", map[string]any{"after": "noise"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"after":"noise"}`, string(got))
	assert.True(t, conn.Ready())
}

func TestChildExitFailsPendingRequests(t *testing.T) {
	t.Parallel()

	conn := connectChild(t, testchild.ModeFull, nil)
	const k = 3

	errs := make(chan error, k)
	for range k {
		go func() {
			_, err := conn.CallTool(context.Background(), "hang", nil)
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return conn.Inflight() == k }, 5*time.Second, 10*time.Millisecond)

	_, err := conn.CallTool(context.Background(), "exit", nil)
	assert.ErrorIs(t, err, ErrConnectionClosed)

	for range k {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrConnectionClosed)
		case <-time.After(5 * time.Second):
			t.Fatal("pending request was not failed after child exit")
		}
	}

	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection did not close after child exit")
	}
	assert.Equal(t, StateClosed, conn.State())
	assert.ErrorIs(t, conn.Err(), ErrConnectionClosed)

	_, err = conn.ListTools(context.Background())
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestRequestTimeout(t *testing.T) {
	t.Parallel()

	conn := connectChild(t, testchild.ModeFull, &Options{RequestTimeout: 100 * time.Millisecond})

	start := time.Now()
	_, err := conn.CallTool(context.Background(), "hang", nil)
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Zero(t, conn.Inflight(), "timed out request is removed from the pending table")

	// A late response for a forgotten id is dropped and the connection keeps working.
	_, err = conn.CallTool(context.Background(), "sleep", map[string]any{"ms": 300})
	assert.True(t, IsTimeout(err))
	time.Sleep(400 * time.Millisecond)
	got, err := conn.CallTool(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"pong":true}`, string(got))
}

func TestCallerCancellation(t *testing.T) {
	t.Parallel()

	conn := connectChild(t, testchild.ModeFull, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := conn.CallTool(ctx, "hang", nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsTimeout(err))
	assert.Zero(t, conn.Inflight())
}

func TestConnectFailures(t *testing.T) {
	t.Parallel()

	t.Run("missing executable", func(t *testing.T) {
		t.Parallel()
		conn := New("ghost", &StdioServerConfig{Command: "/nonexistent/mcp-backend-binary"}, &Options{Logger: discardLogger()})
		err := conn.Connect(context.Background())
		assert.ErrorIs(t, err, ErrProcessSpawn)
		assert.Equal(t, StateClosed, conn.State())
	})

	t.Run("empty command", func(t *testing.T) {
		t.Parallel()
		conn := New("ghost", &StdioServerConfig{}, &Options{Logger: discardLogger()})
		err := conn.Connect(context.Background())
		assert.ErrorIs(t, err, ErrProcessSpawn)
	})

	t.Run("child never answers initialize", func(t *testing.T) {
		t.Parallel()
		conn := New("beta", childConfig(testchild.ModeSilent), &Options{
			Logger:           discardLogger(),
			HandshakeTimeout: 200 * time.Millisecond,
		})
		start := time.Now()
		err := conn.Connect(context.Background())
		assert.ErrorIs(t, err, ErrHandshake)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.Less(t, time.Since(start), 5*time.Second)
		assert.Equal(t, StateClosed, conn.State())
	})

	t.Run("child exits during handshake", func(t *testing.T) {
		t.Parallel()
		conn := New("crash", childConfig(testchild.ModeCrash), &Options{Logger: discardLogger()})
		err := conn.Connect(context.Background())
		assert.ErrorIs(t, err, ErrHandshake)
		select {
		case <-conn.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("connection did not close")
		}
	})
}

func TestDisconnect(t *testing.T) {
	t.Parallel()

	t.Run("idempotent", func(t *testing.T) {
		t.Parallel()
		conn := connectChild(t, testchild.ModeFull, nil)
		ctx := context.Background()

		require.NoError(t, conn.Disconnect(ctx))
		assert.Equal(t, StateClosed, conn.State())
		require.NoError(t, conn.Disconnect(ctx), "second disconnect is a no-op")

		_, err := conn.CallTool(ctx, "echo", nil)
		assert.ErrorIs(t, err, ErrConnectionClosed)
	})

	t.Run("fails pending requests", func(t *testing.T) {
		t.Parallel()
		conn := connectChild(t, testchild.ModeFull, nil)

		errs := make(chan error, 1)
		go func() {
			_, err := conn.CallTool(context.Background(), "hang", nil)
			errs <- err
		}()
		require.Eventually(t, func() bool { return conn.Inflight() == 1 }, 5*time.Second, 10*time.Millisecond)

		require.NoError(t, conn.Disconnect(context.Background()))
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrConnectionClosed)
		case <-time.After(5 * time.Second):
			t.Fatal("pending request survived disconnect")
		}
	})

	t.Run("kills a child that ignores SIGTERM", func(t *testing.T) {
		t.Parallel()
		conn := connectChild(t, testchild.ModeStubborn, nil)

		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		defer cancel()
		err := conn.Disconnect(ctx)
		assert.True(t, IsTimeout(err))
		assert.Equal(t, StateClosed, conn.State())
	})

	t.Run("never connected", func(t *testing.T) {
		t.Parallel()
		conn := New("idle", childConfig(testchild.ModeFull), &Options{Logger: discardLogger()})
		require.NoError(t, conn.Disconnect(context.Background()))
		assert.Equal(t, StateClosed, conn.State())
		err := conn.Connect(context.Background())
		require.Error(t, err)
	})
}

func TestOutputClosedWhileChildRuns(t *testing.T) {
	t.Parallel()

	conn := connectChild(t, testchild.ModeFull, nil)
	pending := make(chan error, 1)
	go func() {
		_, err := conn.CallTool(context.Background(), "hang", nil)
		pending <- err
	}()
	require.Eventually(t, func() bool { return conn.Inflight() == 1 }, 5*time.Second, 10*time.Millisecond)

	_, err := conn.CallTool(context.Background(), "hangup", nil)
	assert.ErrorIs(t, err, ErrConnectionClosed)

	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection still open after the child closed its output")
	}
	assert.Equal(t, StateClosed, conn.State())
	select {
	case err := <-pending:
		assert.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("pending request was not failed")
	}
	select {
	case <-conn.exited:
	case <-time.After(5 * time.Second):
		t.Fatal("child outlived its closed output")
	}
}

// fillStdin stops the child from reading and queues a request larger than
// the pipe buffer, so the write blocks.
func fillStdin(t *testing.T, conn *Connection) <-chan error {
	t.Helper()
	deafCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := conn.CallTool(deafCtx, "deaf", nil)
	require.Error(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := conn.CallTool(context.Background(), "echo", map[string]any{"blob": strings.Repeat("x", 1<<20)})
		errs <- err
	}()
	return errs
}

func TestBlockedWriteIsBounded(t *testing.T) {
	t.Parallel()

	t.Run("request timeout", func(t *testing.T) {
		t.Parallel()
		conn := connectChild(t, testchild.ModeFull, &Options{RequestTimeout: 500 * time.Millisecond})

		start := time.Now()
		errs := fillStdin(t, conn)
		select {
		case err := <-errs:
			assert.True(t, IsTimeout(err), "got %v", err)
		case <-time.After(5 * time.Second):
			t.Fatal("write to a child that stopped reading was not bounded")
		}
		assert.Less(t, time.Since(start), 3*time.Second)
		select {
		case <-conn.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("connection with a half-written request stayed open")
		}
	})

	t.Run("disconnect", func(t *testing.T) {
		t.Parallel()
		conn := connectChild(t, testchild.ModeStubborn, &Options{RequestTimeout: time.Minute})

		errs := fillStdin(t, conn)
		time.Sleep(200 * time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		start := time.Now()
		_ = conn.Disconnect(ctx)
		assert.Less(t, time.Since(start), 3*time.Second)
		assert.Equal(t, StateClosed, conn.State())

		select {
		case err := <-errs:
			assert.Error(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("blocked writer survived disconnect")
		}
	})
}

func TestDisconnectWhileStarting(t *testing.T) {
	t.Parallel()

	conn := New("late", childConfig(testchild.ModeFull), &Options{Logger: discardLogger()})
	conn.mu.Lock()
	conn.state = StateConnecting
	conn.mu.Unlock()
	require.NoError(t, conn.Disconnect(context.Background()))

	err := conn.start()
	assert.ErrorIs(t, err, ErrProcessSpawn)
	assert.Nil(t, conn.channel())
	select {
	case <-conn.exited:
	case <-time.After(5 * time.Second):
		t.Fatal("child spawned after disconnect was not stopped")
	}
}
