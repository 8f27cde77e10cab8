package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"

	"github.com/vikashloomba/mcp-orchestrator-go/pkg/mcpconn"
	"github.com/vikashloomba/mcp-orchestrator-go/pkg/registry"
	"github.com/vikashloomba/mcp-orchestrator-go/pkg/router"
)

// Version is reported as the server implementation version.
var Version = "0.1.0"

//go:generate mockgen -destination=mocks/mock_executor.go -package=mocks github.com/vikashloomba/mcp-orchestrator-go/pkg/orchestrator Executor

// Executor runs a tool on a named backend. *mcpmgr.Manager implements it.
type Executor interface {
	ExecuteOnBackend(ctx context.Context, name, toolName string, args any, cfg *mcpconn.StdioServerConfig) (json.RawMessage, error)
}

// Catalog describes the backends that can be routed to. *registry.Registry
// implements it.
type Catalog interface {
	Entry(name string) (*registry.Entry, bool)
	Descriptor(name string) (*mcpconn.StdioServerConfig, bool)
	ListCapabilities(category string) map[string][]string
	ToolInfo(backend, tool string) (*registry.ToolDoc, bool)
}

// Matcher picks the backend for a request. *router.Router implements it.
type Matcher interface {
	Best(query string, threshold float64) (router.Match, bool)
}

// Orchestrator serves the routing tools over MCP.
type Orchestrator struct {
	exec    Executor
	catalog Catalog
	matcher Matcher
	opts    Options

	server        *mcp.Server
	streamHandler *mcp.StreamableHTTPHandler
	mux           *http.ServeMux
	httpHandler   http.Handler

	httpServerMu sync.Mutex
	httpServer   *http.Server
}

// New builds an Orchestrator and registers its tools.
func New(exec Executor, catalog Catalog, matcher Matcher, opts *Options) (*Orchestrator, error) {
	if exec == nil {
		return nil, fmt.Errorf("orchestrator: executor is required")
	}
	if catalog == nil {
		return nil, fmt.Errorf("orchestrator: catalog is required")
	}
	if matcher == nil {
		return nil, fmt.Errorf("orchestrator: matcher is required")
	}
	options := opts.withDefaults()
	if options.TokenOptions != nil && options.TokenVerifier == nil {
		return nil, fmt.Errorf("orchestrator: TokenOptions requires TokenVerifier")
	}
	o := &Orchestrator{
		exec:    exec,
		catalog: catalog,
		matcher: matcher,
		opts:    options,
	}

	o.server = mcp.NewServer(options.Implementation, &mcp.ServerOptions{HasTools: true})
	o.registerTools()
	o.streamHandler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return o.server
	}, &options.Streamable)
	o.httpHandler = o.mountHandler()
	return o, nil
}

// Options returns the effective options after defaults were applied.
func (o *Orchestrator) Options() Options {
	return o.opts
}

// Server returns the underlying MCP server.
func (o *Orchestrator) Server() *mcp.Server {
	return o.server
}

// ServeMux exposes the mux behind Handler so callers can add routes.
func (o *Orchestrator) ServeMux() *http.ServeMux {
	return o.mux
}

// Handler exposes the HTTP handler that serves the Streamable endpoint.
func (o *Orchestrator) Handler() http.Handler {
	return o.httpHandler
}

// RunStdio serves a single client over stdin and stdout until ctx is
// cancelled or the client goes away.
func (o *Orchestrator) RunStdio(ctx context.Context) error {
	o.opts.Logger.Info("serving on stdio")
	err := o.server.Run(ctx, &mcp.StdioTransport{})
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// ListenAndServe runs an HTTP server until the provided context is cancelled or
// the server stops.
func (o *Orchestrator) ListenAndServe(ctx context.Context) error {
	o.httpServerMu.Lock()
	if o.httpServer != nil {
		serv := o.httpServer
		o.httpServerMu.Unlock()
		return fmt.Errorf("orchestrator: server already running on %s", serv.Addr)
	}
	srv := &http.Server{Addr: o.opts.Addr, Handler: o.Handler()}
	o.httpServer = srv
	o.httpServerMu.Unlock()
	defer func() {
		o.httpServerMu.Lock()
		if o.httpServer == srv {
			o.httpServer = nil
		}
		o.httpServerMu.Unlock()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	o.opts.Logger.Info("serving streamable http", "addr", o.opts.Addr, "path", o.opts.Path)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), o.opts.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops the embedded HTTP server if it is running.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.httpServerMu.Lock()
	srv := o.httpServer
	o.httpServer = nil
	o.httpServerMu.Unlock()
	if srv == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return srv.Shutdown(ctx)
}

func (o *Orchestrator) mountHandler() http.Handler {
	path := o.opts.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	var endpoint http.Handler = o.streamHandler
	if o.opts.TokenVerifier != nil {
		endpoint = auth.RequireBearerToken(o.opts.TokenVerifier, o.opts.TokenOptions)(endpoint)
	}
	o.mux = http.NewServeMux()
	o.mux.Handle(path, endpoint)
	if !strings.HasSuffix(path, "/") {
		o.mux.Handle(path+"/", endpoint)
	}
	if len(o.opts.AllowedOrigins) == 0 {
		return o.mux
	}
	return cors.New(cors.Options{
		AllowedOrigins: o.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Mcp-Session-Id", "Mcp-Protocol-Version", "Last-Event-ID"},
		ExposedHeaders: []string{"Mcp-Session-Id"},
	}).Handler(o.mux)
}

func (o *Orchestrator) logError(msg string, err error, args ...any) {
	if err == nil {
		return
	}
	attrs := append([]any{"error", err}, args...)
	o.opts.Logger.Error(msg, attrs...)
}
