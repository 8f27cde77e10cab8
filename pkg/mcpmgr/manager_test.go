package mcpmgr

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vikashloomba/mcp-orchestrator-go/internal/testchild"
	"github.com/vikashloomba/mcp-orchestrator-go/pkg/mcpconn"
)

func TestManagerInitialServersAndSummaries(t *testing.T) {
	t.Parallel()

	cfg := map[string]*StdioServerConfig{
		"memory": {Command: "python", Args: []string{"-m", "mcp_memory"}},
		"github": {Command: "python", Args: []string{"-m", "mcp_github"}, Env: map[string]string{"GITHUB_TOKEN": "secret"}},
	}
	manager := testManager(t, cfg, &ManagerOptions{DefaultClientName: "manager-tests"})

	servers := manager.ListServers()
	expected := []string{"github", "memory"}
	if !reflect.DeepEqual(servers, expected) {
		t.Fatalf("ListServers() = %v, expected %v", servers, expected)
	}
	if !manager.HasServer("github") || manager.HasServer("docker") {
		t.Fatalf("HasServer mismatch")
	}

	got := manager.GetServerConfig("github")
	if got == nil || got.Command != "python" || got.Env["GITHUB_TOKEN"] != "secret" {
		t.Fatalf("config not preserved: %#v", got)
	}
	got.Env["GITHUB_TOKEN"] = "changed"
	if manager.GetServerConfig("github").Env["GITHUB_TOKEN"] != "secret" {
		t.Fatalf("GetServerConfig must return a copy")
	}

	summaries := manager.GetServerSummaries()
	if len(summaries) != 2 {
		t.Fatalf("expected two summaries, got %d", len(summaries))
	}
	for _, summary := range summaries {
		if summary.Status != StatusDisconnected {
			t.Fatalf("expected disconnected status for %s, got %s", summary.ID, summary.Status)
		}
		if summary.Config.Command != "python" {
			t.Fatalf("summary config mismatch for %s: %#v", summary.ID, summary.Config)
		}
		if v, ok := summary.Config.Env["GITHUB_TOKEN"]; ok && v == "secret" {
			t.Fatalf("summary leaked environment value")
		}
	}
}

func TestGetOrCreateSingleSpawnUnderConcurrency(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics(prometheus.NewRegistry())
	manager := testManager(t, nil, &ManagerOptions{Metrics: metrics})
	cfg := childConfig(testchild.ModeFull)

	const callers = 16
	conns := make([]*mcpconn.Connection, callers)
	errs := make([]error, callers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			conns[i], errs[i] = manager.GetOrCreate(context.Background(), "full", cfg)
		}(i)
	}
	close(start)
	wg.Wait()

	for i := range callers {
		if errs[i] != nil {
			t.Fatalf("caller %d: GetOrCreate: %v", i, errs[i])
		}
		if conns[i] != conns[0] {
			t.Fatalf("caller %d received a different connection instance", i)
		}
	}
	if n := testutil.ToFloat64(metrics.Connects.WithLabelValues("full", outcomeSuccess)); n != 1 {
		t.Fatalf("expected exactly one spawn, got %v", n)
	}
	if n := testutil.ToFloat64(metrics.Connections); n != 1 {
		t.Fatalf("expected one pooled connection, got %v", n)
	}
	if manager.Len() != 1 {
		t.Fatalf("pool size = %d, expected 1", manager.Len())
	}
}

func TestGetOrCreateUsesRegisteredConfig(t *testing.T) {
	t.Parallel()

	manager := testManager(t, map[string]*StdioServerConfig{
		"alpha": childConfig(testchild.ModeAlpha),
	}, nil)

	conn, err := manager.GetOrCreate(context.Background(), "alpha", nil)
	if err != nil {
		t.Fatalf("GetOrCreate(alpha): %v", err)
	}
	if !conn.Ready() {
		t.Fatalf("connection not ready: %s", conn.State())
	}

	if _, err := manager.GetOrCreate(context.Background(), "unknown", nil); err == nil {
		t.Fatalf("expected error for unknown backend without config")
	}
}

func TestGetOrCreateFailureIsNotCached(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics(nil)
	manager := testManager(t, nil, &ManagerOptions{Metrics: metrics})
	bad := &StdioServerConfig{Command: "/nonexistent/mcp-backend-binary"}

	_, err := manager.GetOrCreate(context.Background(), "ghost", bad)
	if !errors.Is(err, mcpconn.ErrProcessSpawn) {
		t.Fatalf("expected spawn error, got %v", err)
	}
	if manager.Len() != 0 {
		t.Fatalf("failed connection must not be pooled")
	}

	conn, err := manager.GetOrCreate(context.Background(), "ghost", childConfig(testchild.ModeFull))
	if err != nil {
		t.Fatalf("retry with a working config: %v", err)
	}
	if !conn.Ready() {
		t.Fatalf("retry produced a connection in state %s", conn.State())
	}
	if n := testutil.ToFloat64(metrics.Connects.WithLabelValues("ghost", string(mcpconn.KindProcessSpawn))); n != 1 {
		t.Fatalf("expected one failed connect, got %v", n)
	}
}

func TestGetOrCreateHonoursContextWhileWaiting(t *testing.T) {
	t.Parallel()

	manager := testManager(t, nil, &ManagerOptions{HandshakeTimeout: 2 * time.Second})
	slow := childConfig(testchild.ModeSilent)

	first := make(chan error, 1)
	go func() {
		_, err := manager.GetOrCreate(context.Background(), "beta", slow)
		first <- err
	}()

	// Wait until the first caller holds the creation guard.
	deadline := time.Now().Add(5 * time.Second)
	for {
		summaries := manager.GetServerSummaries()
		if len(summaries) == 1 && summaries[0].Status == StatusConnecting {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("first caller never started connecting")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := manager.GetOrCreate(ctx, "beta", slow); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("waiting caller should give up with its context, got %v", err)
	}

	if err := <-first; !errors.Is(err, mcpconn.ErrHandshake) {
		t.Fatalf("expected handshake error for silent backend, got %v", err)
	}
}

func TestDeadConnectionIsRemovedFromPool(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics(prometheus.NewRegistry())
	manager := testManager(t, nil, &ManagerOptions{Metrics: metrics})
	removed := make(chan string, 1)
	manager.OnServerRemoved(func(id string) {
		select {
		case removed <- id:
		default:
		}
	})
	manager.OnServerRemoved(func(string) { panic("handler panics are isolated") })

	cfg := childConfig(testchild.ModeFull)
	conn, err := manager.GetOrCreate(context.Background(), "full", cfg)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	const k = 2
	pending := make(chan error, k)
	for range k {
		go func() {
			_, err := conn.CallTool(context.Background(), "hang", nil)
			pending <- err
		}()
	}
	for conn.Inflight() != k {
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := conn.CallTool(context.Background(), "exit", nil); !errors.Is(err, mcpconn.ErrConnectionClosed) {
		t.Fatalf("exit call: expected connection closed, got %v", err)
	}
	for range k {
		if err := <-pending; !errors.Is(err, mcpconn.ErrConnectionClosed) {
			t.Fatalf("pending call: expected connection closed, got %v", err)
		}
	}

	select {
	case id := <-removed:
		if id != "full" {
			t.Fatalf("removed handler got %q", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("dead connection was not removed from the pool")
	}
	if manager.Len() != 0 {
		t.Fatalf("pool still holds %d connections", manager.Len())
	}
	if n := testutil.ToFloat64(metrics.Connections); n != 0 {
		t.Fatalf("connections gauge = %v, expected 0", n)
	}

	fresh, err := manager.GetOrCreate(context.Background(), "full", nil)
	if err != nil {
		t.Fatalf("reconnect after removal: %v", err)
	}
	if fresh == conn || fresh.ID() == conn.ID() {
		t.Fatalf("expected a fresh connection after the old one died")
	}
}

func TestCloseAll(t *testing.T) {
	t.Parallel()

	manager := testManager(t, map[string]*StdioServerConfig{
		"a":        childConfig(testchild.ModeFull),
		"b":        childConfig(testchild.ModeAlpha),
		"stubborn": childConfig(testchild.ModeStubborn),
	}, &ManagerOptions{DisconnectTimeout: 300 * time.Millisecond})

	var conns []*mcpconn.Connection
	for _, name := range []string{"a", "b", "stubborn"} {
		conn, err := manager.GetOrCreate(context.Background(), name, nil)
		if err != nil {
			t.Fatalf("GetOrCreate(%s): %v", name, err)
		}
		conns = append(conns, conn)
	}

	var mu sync.Mutex
	var removed []string
	manager.OnServerRemoved(func(id string) {
		mu.Lock()
		defer mu.Unlock()
		removed = append(removed, id)
	})

	err := manager.CloseAll(context.Background())
	if !mcpconn.IsTimeout(err) {
		t.Fatalf("expected the stubborn backend's timeout to be reported, got %v", err)
	}
	if manager.Len() != 0 {
		t.Fatalf("pool not empty after CloseAll: %d", manager.Len())
	}
	for _, conn := range conns {
		if conn.State() != mcpconn.StateClosed {
			t.Fatalf("%s left in state %s", conn.Name(), conn.State())
		}
	}
	mu.Lock()
	if !reflect.DeepEqual(removed, []string{"a", "b", "stubborn"}) {
		t.Fatalf("removed handlers = %v", removed)
	}
	mu.Unlock()

	if err := manager.CloseAll(context.Background()); err != nil {
		t.Fatalf("second CloseAll: %v", err)
	}
}

func TestDisconnectAndRemoveServer(t *testing.T) {
	t.Parallel()

	manager := testManager(t, map[string]*StdioServerConfig{
		"echo": childConfig(testchild.ModeFull),
	}, nil)

	conn, err := manager.GetOrCreate(context.Background(), "echo", nil)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if err := manager.DisconnectServer(context.Background(), "echo"); err != nil {
		t.Fatalf("DisconnectServer: %v", err)
	}
	if conn.State() != mcpconn.StateClosed {
		t.Fatalf("connection state %s after disconnect", conn.State())
	}
	if err := manager.DisconnectServer(context.Background(), "echo"); err != nil {
		t.Fatalf("second DisconnectServer: %v", err)
	}
	if !manager.HasServer("echo") {
		t.Fatalf("DisconnectServer must keep the registered config")
	}

	if err := manager.RemoveServer(context.Background(), "echo"); err != nil {
		t.Fatalf("RemoveServer: %v", err)
	}
	if manager.HasServer("echo") {
		t.Fatalf("RemoveServer must forget the backend")
	}
}

func TestManagerListTools(t *testing.T) {
	t.Parallel()

	manager := testManager(t, map[string]*StdioServerConfig{
		"alpha": childConfig(testchild.ModeAlpha),
	}, nil)
	tools, err := manager.ListTools(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "ping" {
		t.Fatalf("unexpected tools: %#v", tools)
	}

	summaries := manager.GetServerSummaries()
	if len(summaries) != 1 || summaries[0].Status != StatusConnected || summaries[0].PID == 0 {
		t.Fatalf("unexpected summaries: %#v", summaries)
	}
	if summaries[0].Server == nil || summaries[0].Server.Name != "testchild-alpha" {
		t.Fatalf("summary missing server info: %#v", summaries[0].Server)
	}
}

func TestAutoConnect(t *testing.T) {
	t.Parallel()

	manager := testManager(t, map[string]*StdioServerConfig{
		"full": childConfig(testchild.ModeFull),
	}, &ManagerOptions{AutoConnect: true})

	deadline := time.Now().Add(10 * time.Second)
	for {
		if conn, ok := manager.GetConnection("full"); ok && conn.Ready() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("auto-connect did not establish a connection")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConnectionWithClosedOutputIsReplaced(t *testing.T) {
	t.Parallel()

	manager := testManager(t, map[string]*StdioServerConfig{
		"full": childConfig(testchild.ModeFull),
	}, nil)
	conn, err := manager.GetOrCreate(context.Background(), "full", nil)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if _, err := conn.CallTool(context.Background(), "hangup", nil); !errors.Is(err, mcpconn.ErrConnectionClosed) {
		t.Fatalf("hangup call: expected connection closed, got %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for manager.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("connection with closed output stayed in the pool (state %s)", conn.State())
		}
		time.Sleep(10 * time.Millisecond)
	}

	fresh, err := manager.GetOrCreate(context.Background(), "full", nil)
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if fresh.ID() == conn.ID() {
		t.Fatalf("expected a fresh connection")
	}
}

func TestCloseAllWithBlockedWriter(t *testing.T) {
	t.Parallel()

	manager := testManager(t, map[string]*StdioServerConfig{
		"stubborn": childConfig(testchild.ModeStubborn),
		"full":     childConfig(testchild.ModeFull),
	}, &ManagerOptions{DisconnectTimeout: 300 * time.Millisecond, RequestTimeout: time.Minute})

	stubborn, err := manager.GetOrCreate(context.Background(), "stubborn", nil)
	if err != nil {
		t.Fatalf("GetOrCreate(stubborn): %v", err)
	}
	full, err := manager.GetOrCreate(context.Background(), "full", nil)
	if err != nil {
		t.Fatalf("GetOrCreate(full): %v", err)
	}

	deafCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := stubborn.CallTool(deafCtx, "deaf", nil); err == nil {
		t.Fatalf("deaf call unexpectedly answered")
	}
	blocked := make(chan error, 1)
	go func() {
		_, err := stubborn.CallTool(context.Background(), "echo", map[string]any{"blob": strings.Repeat("x", 1<<20)})
		blocked <- err
	}()
	time.Sleep(200 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		_ = manager.CloseAll(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("CloseAll blocked on a backend that stopped reading its input")
	}
	if full.State() != mcpconn.StateClosed || stubborn.State() != mcpconn.StateClosed {
		t.Fatalf("states after CloseAll: full=%s stubborn=%s", full.State(), stubborn.State())
	}
	select {
	case <-blocked:
	case <-time.After(5 * time.Second):
		t.Fatalf("blocked writer survived CloseAll")
	}
}

func TestCloseAllStopsConnectionStillHandshaking(t *testing.T) {
	t.Parallel()

	manager := testManager(t, nil, nil)
	result := make(chan error, 1)
	var conn *mcpconn.Connection
	go func() {
		c, err := manager.GetOrCreate(context.Background(), "slow", childConfig(testchild.ModeSlow))
		conn = c
		result <- err
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		summaries := manager.GetServerSummaries()
		if len(summaries) == 1 && summaries[0].Status == StatusConnecting {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("slow backend never started connecting")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := manager.CloseAll(ctx); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}

	select {
	case err := <-result:
		if !errors.Is(err, mcpconn.ErrConnectionClosed) {
			t.Fatalf("expected the handshaking caller to see the pool close, got %v", err)
		}
		if conn != nil {
			t.Fatalf("no connection should be handed out after CloseAll")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("handshaking caller never returned")
	}
	if manager.Len() != 0 {
		t.Fatalf("pool holds %d connections after CloseAll", manager.Len())
	}

	again, err := manager.GetOrCreate(context.Background(), "slow", nil)
	if err != nil {
		t.Fatalf("pool should be usable after CloseAll: %v", err)
	}
	if !again.Ready() {
		t.Fatalf("new connection is %s", again.State())
	}
}
