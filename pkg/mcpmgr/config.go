package mcpmgr

import (
	"log/slog"
	"time"

	"github.com/vikashloomba/mcp-orchestrator-go/pkg/mcpconn"
)

// StdioServerConfig describes a backend launched as a child process.
type StdioServerConfig = mcpconn.StdioServerConfig

// ManagerOptions configures a Manager instance.
type ManagerOptions struct {
	// DefaultClientName overrides the client name advertised during
	// initialization. When empty, "mcp-orchestrator" is used.
	DefaultClientName string
	// DefaultClientVersion controls the version reported to backends.
	DefaultClientVersion string
	// DefaultTimeout bounds the handshake and every request unless
	// HandshakeTimeout or RequestTimeout override it.
	DefaultTimeout   time.Duration
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	// DisconnectTimeout bounds each backend shutdown during CloseAll.
	DisconnectTimeout time.Duration
	// MaxParallelDisconnects caps how many backends CloseAll stops at once.
	MaxParallelDisconnects int
	// MaxConsecutiveMalformed closes a connection after that many undecodable
	// lines in a row. Zero tolerates any number.
	MaxConsecutiveMalformed int
	// DefaultLogJSONRPC logs all JSON-RPC traffic at debug level.
	DefaultLogJSONRPC bool
	// RPCLogger provides a custom logger for JSON-RPC traffic; it takes
	// precedence over DefaultLogJSONRPC.
	RPCLogger mcpconn.RPCLogger
	// AutoConnect instructs the manager to start all configured backends in
	// the background immediately after construction.
	AutoConnect bool
	Logger      *slog.Logger
	// Metrics receives pool and dispatch metrics. Nil disables them.
	Metrics *Metrics
}

func (o *ManagerOptions) normalized() ManagerOptions {
	var out ManagerOptions
	if o != nil {
		out = *o
	}
	if out.DefaultClientName == "" {
		out.DefaultClientName = mcpconn.DefaultClientName
	}
	if out.DefaultClientVersion == "" {
		out.DefaultClientVersion = mcpconn.DefaultClientVersion
	}
	if out.DefaultTimeout <= 0 {
		out.DefaultTimeout = 30 * time.Second
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = out.DefaultTimeout
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = out.DefaultTimeout
	}
	if out.DisconnectTimeout <= 0 {
		out.DisconnectTimeout = 5 * time.Second
	}
	if out.MaxParallelDisconnects <= 0 {
		out.MaxParallelDisconnects = 10
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

func (o *ManagerOptions) connectionOptions() *mcpconn.Options {
	return &mcpconn.Options{
		ClientName:              o.DefaultClientName,
		ClientVersion:           o.DefaultClientVersion,
		HandshakeTimeout:        o.HandshakeTimeout,
		RequestTimeout:          o.RequestTimeout,
		MaxConsecutiveMalformed: o.MaxConsecutiveMalformed,
		Logger:                  o.Logger,
		LogJSONRPC:              o.DefaultLogJSONRPC,
		RPCLogger:               o.RPCLogger,
	}
}
