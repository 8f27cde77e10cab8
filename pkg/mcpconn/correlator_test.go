package mcpconn

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelatorIDsAreUniqueAndIncreasing(t *testing.T) {
	t.Parallel()

	c := newCorrelator("alpha", discardLogger())
	const workers, perWorker = 8, 100

	var mu sync.Mutex
	seen := make(map[int64]bool)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := int64(0)
			for range perWorker {
				id := c.nextID()
				assert.Greater(t, id, last)
				last = id
				mu.Lock()
				assert.False(t, seen[id], "id %d issued twice", id)
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)
	assert.Equal(t, int64(workers*perWorker+1), c.nextID())
}

func TestCorrelatorResolvesOutOfOrder(t *testing.T) {
	t.Parallel()

	c := newCorrelator("alpha", discardLogger())
	ctx := context.Background()

	p1, err := c.register(c.nextID(), "tools/call")
	require.NoError(t, err)
	p2, err := c.register(c.nextID(), "tools/call")
	require.NoError(t, err)

	require.True(t, c.resolve(p2.id, json.RawMessage(`"second"`)))
	require.True(t, c.resolve(p1.id, json.RawMessage(`"first"`)))

	got1, err := p1.await(ctx)
	require.NoError(t, err)
	got2, err := p2.await(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `"first"`, string(got1))
	assert.JSONEq(t, `"second"`, string(got2))
	assert.Zero(t, c.inflight())
}

func TestCorrelatorCompletesOnce(t *testing.T) {
	t.Parallel()

	c := newCorrelator("alpha", discardLogger())
	p, err := c.register(c.nextID(), "tools/call")
	require.NoError(t, err)

	assert.True(t, c.resolve(p.id, json.RawMessage(`1`)))
	assert.False(t, c.resolve(p.id, json.RawMessage(`2`)), "second resolution must be ignored")
	assert.False(t, c.fail(p.id, errors.New("late")), "failure after resolution must be ignored")

	got, err := p.await(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `1`, string(got))
}

func TestCorrelatorIgnoresUnknownIDs(t *testing.T) {
	t.Parallel()

	c := newCorrelator("alpha", discardLogger())
	p, err := c.register(c.nextID(), "tools/list")
	require.NoError(t, err)

	assert.False(t, c.resolve(999, json.RawMessage(`{}`)))
	assert.False(t, c.fail(998, errors.New("nope")))
	assert.Equal(t, 1, c.inflight())

	require.True(t, c.resolve(p.id, json.RawMessage(`{"ok":true}`)))
	got, err := p.await(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(got))
}

func TestCorrelatorFailAll(t *testing.T) {
	t.Parallel()

	c := newCorrelator("alpha", discardLogger())
	closeErr := newError(KindConnectionClosed, "alpha", "connection closed")

	var pending []*pendingRequest
	for range 5 {
		p, err := c.register(c.nextID(), "tools/call")
		require.NoError(t, err)
		pending = append(pending, p)
	}

	assert.Equal(t, 5, c.failAll(closeErr))
	assert.Zero(t, c.failAll(errors.New("second")), "failAll only acts once")

	for _, p := range pending {
		_, err := p.await(context.Background())
		assert.ErrorIs(t, err, ErrConnectionClosed)
	}

	_, err := c.register(c.nextID(), "tools/call")
	assert.ErrorIs(t, err, ErrConnectionClosed, "register after teardown must fail")
}

func TestCorrelatorForget(t *testing.T) {
	t.Parallel()

	c := newCorrelator("alpha", discardLogger())
	p, err := c.register(c.nextID(), "tools/call")
	require.NoError(t, err)

	c.forget(p.id)
	assert.Zero(t, c.inflight())
	assert.False(t, c.resolve(p.id, json.RawMessage(`{}`)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRequestID(t *testing.T) {
	t.Parallel()

	num, err := jsonrpc.MakeID(float64(7))
	require.NoError(t, err)
	str, err := jsonrpc.MakeID("8")
	require.NoError(t, err)
	bad, err := jsonrpc.MakeID("abc")
	require.NoError(t, err)

	id, ok := requestID(num)
	assert.True(t, ok)
	assert.Equal(t, int64(7), id)

	id, ok = requestID(str)
	assert.True(t, ok)
	assert.Equal(t, int64(8), id)

	_, ok = requestID(bad)
	assert.False(t, ok)
}
