// Package mcpmgr provides a pool of process-backed MCP connections keyed by
// backend name, with single-flight creation, automatic removal of dead
// connections, and bounded parallel shutdown.
package mcpmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/vikashloomba/mcp-orchestrator-go/pkg/mcpconn"
)

// ConnectionStatus represents the lifecycle of a managed connection.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
)

// ServerSummary aggregates status information for a managed backend.
type ServerSummary struct {
	ID       string
	Status   ConnectionStatus
	ConnID   string
	PID      int
	Inflight int
	Server   *mcp.Implementation
	Config   ConfigView
}

// Manager pools one connection per backend name.
type Manager struct {
	mu sync.RWMutex

	options ManagerOptions
	logger  *slog.Logger
	metrics *Metrics

	configs map[string]*StdioServerConfig
	conns   map[string]*mcpconn.Connection
	// guards serialize connection creation per name. A guard is a channel
	// with capacity one so waiting honours context cancellation.
	guards map[string]chan struct{}
	// generation changes on every CloseAll. A connection that finishes
	// its handshake in a later generation than it started is not pooled.
	generation uint64

	// serverRemovedHandlers are invoked after a connection leaves the pool.
	serverRemovedHandlers []func(string)

	newConnection func(name string, cfg *StdioServerConfig) *mcpconn.Connection
}

// NewManager constructs a Manager with optional initial backend
// configurations. Pass a map of backend names to configs to pre-register
// them and, when ManagerOptions.AutoConnect is true, start them right away.
// Callers can provide nil options to fall back to sensible defaults.
func NewManager(cfg map[string]*StdioServerConfig, opts *ManagerOptions) *Manager {
	options := opts.normalized()
	m := &Manager{
		options: options,
		logger:  options.Logger,
		metrics: options.Metrics,
		configs: make(map[string]*StdioServerConfig, len(cfg)),
		conns:   make(map[string]*mcpconn.Connection),
		guards:  make(map[string]chan struct{}),
	}
	connOpts := options.connectionOptions()
	m.newConnection = func(name string, cfg *StdioServerConfig) *mcpconn.Connection {
		return mcpconn.New(name, cfg, connOpts)
	}
	for id, sc := range cfg {
		m.configs[id] = sc.Clone()
	}
	if options.AutoConnect {
		for id := range m.configs {
			go func(name string) {
				ctx, cancel := context.WithTimeout(context.Background(), m.options.HandshakeTimeout)
				defer cancel()
				_, _ = m.GetOrCreate(ctx, name, nil)
			}(id)
		}
	}
	return m
}

// ListServers returns the names of registered and pooled backends.
func (m *Manager) ListServers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{}, len(m.configs)+len(m.conns))
	for id := range m.configs {
		seen[id] = struct{}{}
	}
	for id := range m.conns {
		seen[id] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HasServer reports whether a backend name is registered or pooled.
func (m *Manager) HasServer(serverID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.configs[serverID]; ok {
		return true
	}
	_, ok := m.conns[serverID]
	return ok
}

// Len returns the number of pooled connections.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// GetServerConfig returns a copy of the configuration for a backend, or nil
// when none has been registered or used.
func (m *Manager) GetServerConfig(serverID string) *StdioServerConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if cfg, ok := m.configs[serverID]; ok {
		return cfg.Clone()
	}
	if conn, ok := m.conns[serverID]; ok {
		return conn.Config()
	}
	return nil
}

// GetConnection returns the pooled connection for serverID without creating
// one.
func (m *Manager) GetConnection(serverID string) (*mcpconn.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[serverID]
	return conn, ok
}

// GetServerSummaries returns status snapshots for all known backends.
func (m *Manager) GetServerSummaries() []ServerSummary {
	ids := m.ListServers()
	summaries := make([]ServerSummary, 0, len(ids))
	for _, id := range ids {
		m.mu.RLock()
		conn := m.conns[id]
		guard := m.guards[id]
		cfg := m.configs[id]
		m.mu.RUnlock()

		summary := ServerSummary{ID: id, Status: StatusDisconnected, Config: ViewOf(cfg)}
		switch {
		case conn != nil && conn.Ready():
			summary.Status = StatusConnected
			summary.ConnID = conn.ID()
			summary.PID = conn.PID()
			summary.Inflight = conn.Inflight()
			if info := conn.ServerInfo(); info != nil {
				summary.Server = info.ServerInfo
			}
			if cfg == nil {
				summary.Config = ViewOf(conn.Config())
			}
		case guard != nil && len(guard) > 0:
			summary.Status = StatusConnecting
		}
		summaries = append(summaries, summary)
	}
	return summaries
}

// GetOrCreate returns the ready connection for name, spawning and
// handshaking a new child when there is none. When cfg is nil the
// configuration registered with NewManager is used; a non-nil cfg is
// remembered for later calls. Concurrent callers for the same name share a
// single spawn. A failed attempt is not cached, so the next call retries.
func (m *Manager) GetOrCreate(ctx context.Context, name string, cfg *StdioServerConfig) (*mcpconn.Connection, error) {
	if conn := m.lookup(name); conn != nil {
		return conn, nil
	}
	m.mu.RLock()
	gen := m.generation
	m.mu.RUnlock()

	guard := m.guard(name)
	select {
	case guard <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("mcpmgr: waiting to connect %q: %w", name, ctx.Err())
	}
	defer func() { <-guard }()

	// Another caller may have finished connecting while we waited.
	if conn := m.lookup(name); conn != nil {
		return conn, nil
	}

	if m.closedSince(gen) {
		return nil, fmt.Errorf("mcpmgr: connect %q: pool closed while waiting: %w", name, mcpconn.ErrConnectionClosed)
	}

	resolved, err := m.resolveConfig(name, cfg)
	if err != nil {
		return nil, err
	}

	conn := m.newConnection(name, resolved)
	err = conn.Connect(ctx)
	m.metrics.connectAttempt(name, err)
	if err != nil {
		m.logger.Warn("failed to connect backend", "backend", name, "error", err)
		return nil, err
	}

	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		m.logger.Info("pool closed while connecting; stopping backend", "backend", name)
		dctx, cancel := context.WithTimeout(context.Background(), m.options.DisconnectTimeout)
		_ = conn.Disconnect(dctx)
		cancel()
		return nil, fmt.Errorf("mcpmgr: connect %q: pool closed while connecting: %w", name, mcpconn.ErrConnectionClosed)
	}
	stale := m.conns[name]
	m.conns[name] = conn
	m.mu.Unlock()
	if stale == nil {
		m.metrics.connectionAdded()
	}
	go m.monitor(name, conn)
	return conn, nil
}

// closedSince reports whether CloseAll ran after generation gen was read.
func (m *Manager) closedSince(gen uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation != gen
}

func (m *Manager) lookup(name string) *mcpconn.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if conn, ok := m.conns[name]; ok && conn.Ready() {
		return conn
	}
	return nil
}

func (m *Manager) guard(name string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.guards[name]
	if !ok {
		g = make(chan struct{}, 1)
		m.guards[name] = g
	}
	return g
}

func (m *Manager) resolveConfig(name string, cfg *StdioServerConfig) (*StdioServerConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg != nil {
		m.configs[name] = cfg.Clone()
		return cfg, nil
	}
	if known, ok := m.configs[name]; ok {
		return known, nil
	}
	return nil, fmt.Errorf("mcpmgr: unknown server %q", name)
}

// monitor removes conn from the pool once it closes on its own.
func (m *Manager) monitor(name string, conn *mcpconn.Connection) {
	<-conn.Done()
	if !m.detach(name, conn) {
		return
	}
	m.logger.Info("backend connection closed; removed from pool", "backend", name, "conn_id", conn.ID(), "reason", conn.Err())
	m.notifyRemoved(name)
}

// detach removes conn from the pool if it is still the pooled instance.
func (m *Manager) detach(name string, conn *mcpconn.Connection) bool {
	m.mu.Lock()
	current, ok := m.conns[name]
	if !ok || current != conn {
		m.mu.Unlock()
		return false
	}
	delete(m.conns, name)
	m.mu.Unlock()
	m.metrics.connectionRemoved()
	return true
}

// DisconnectServer stops the pooled connection for serverID, if any.
func (m *Manager) DisconnectServer(ctx context.Context, serverID string) error {
	conn, ok := m.GetConnection(serverID)
	if !ok {
		return nil
	}
	if !m.detach(serverID, conn) {
		return nil
	}
	err := conn.Disconnect(ctx)
	m.notifyRemoved(serverID)
	if err != nil {
		return fmt.Errorf("mcpmgr: disconnect %q: %w", serverID, err)
	}
	return nil
}

// RemoveServer stops the backend and forgets its configuration.
func (m *Manager) RemoveServer(ctx context.Context, serverID string) error {
	err := m.DisconnectServer(ctx, serverID)
	m.mu.Lock()
	delete(m.configs, serverID)
	m.mu.Unlock()
	return err
}

// CloseAll disconnects every pooled backend in parallel, each bounded by
// DisconnectTimeout. A failure to stop one backend is logged and does not
// prevent the others from being stopped; all failures are returned joined.
// Connections still handshaking are stopped when their handshake ends, and
// CloseAll waits for that within ctx. The pool is empty when CloseAll
// returns and can be used again afterwards.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*mcpconn.Connection)
	m.generation++
	guards := make(map[string]chan struct{}, len(m.guards))
	for name, g := range m.guards {
		guards[name] = g
	}
	m.mu.Unlock()

	var (
		errMu sync.Mutex
		errs  []error
	)
	var g errgroup.Group
	g.SetLimit(m.options.MaxParallelDisconnects)
	for name, conn := range conns {
		g.Go(func() error {
			dctx, cancel := context.WithTimeout(ctx, m.options.DisconnectTimeout)
			defer cancel()
			m.metrics.connectionRemoved()
			if err := conn.Disconnect(dctx); err != nil {
				m.logger.Warn("failed to disconnect backend", "backend", name, "error", err)
				errMu.Lock()
				errs = append(errs, fmt.Errorf("mcpmgr: disconnect %q: %w", name, err))
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	for name, guard := range guards {
		select {
		case guard <- struct{}{}:
			<-guard
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("mcpmgr: waiting for %q to finish connecting: %w", name, ctx.Err()))
		}
	}
	if len(conns) == 0 {
		return errors.Join(errs...)
	}

	names := make([]string, 0, len(conns))
	for name := range conns {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		m.notifyRemoved(name)
	}
	m.logger.Info("closed all backend connections", "count", len(conns), "failures", len(errs))
	return errors.Join(errs...)
}

// OnServerRemoved registers a callback invoked after a connection leaves the
// pool, whether it closed on its own or was disconnected. Handlers run
// without the manager lock held.
func (m *Manager) OnServerRemoved(handler func(string)) {
	if handler == nil {
		return
	}
	m.mu.Lock()
	m.serverRemovedHandlers = append(m.serverRemovedHandlers, handler)
	m.mu.Unlock()
}

func (m *Manager) notifyRemoved(serverID string) {
	m.mu.RLock()
	handlers := append([]func(string){}, m.serverRemovedHandlers...)
	m.mu.RUnlock()
	for _, h := range handlers {
		// Best-effort; isolate panics.
		func(handler func(string), id string) {
			defer func() { _ = recover() }()
			handler(id)
		}(h, serverID)
	}
}

// ListTools returns the tools reported by a backend, connecting first when
// needed with the registered configuration.
func (m *Manager) ListTools(ctx context.Context, serverID string) ([]*mcp.Tool, error) {
	conn, err := m.GetOrCreate(ctx, serverID, nil)
	if err != nil {
		return nil, err
	}
	return conn.ListTools(ctx)
}
