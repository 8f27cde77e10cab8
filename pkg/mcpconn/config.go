package mcpconn

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"
)

const (
	DefaultClientName       = "mcp-orchestrator"
	DefaultClientVersion    = "0.1.0"
	DefaultProtocolVersion  = "0.1.0"
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultRequestTimeout   = 30 * time.Second
)

// RPCDirection represents the direction of an observed JSON-RPC message.
type RPCDirection string

const (
	RPCDirectionSend    RPCDirection = "send"
	RPCDirectionReceive RPCDirection = "receive"
)

// RPCLogEvent encapsulates JSON-RPC traffic for custom logging.
type RPCLogEvent struct {
	Direction RPCDirection
	Message   []byte
	ServerID  string
}

// RPCLogger is invoked for each JSON-RPC line written to or read from a
// backend when traffic logging is enabled.
type RPCLogger func(RPCLogEvent)

// StdioServerConfig describes how to launch a backend. Env entries are
// layered over the parent's environment.
type StdioServerConfig struct {
	Command string            `json:"command" yaml:"command"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// Clone returns a deep copy of c.
func (c *StdioServerConfig) Clone() *StdioServerConfig {
	if c == nil {
		return nil
	}
	out := &StdioServerConfig{Command: c.Command}
	if c.Args != nil {
		out.Args = append([]string(nil), c.Args...)
	}
	if c.Env != nil {
		out.Env = make(map[string]string, len(c.Env))
		for k, v := range c.Env {
			out.Env[k] = v
		}
	}
	return out
}

// Validate reports whether c can be used to start a process.
func (c *StdioServerConfig) Validate() error {
	if c == nil {
		return fmt.Errorf("mcpconn: missing server config")
	}
	if c.Command == "" {
		return fmt.Errorf("mcpconn: command missing")
	}
	return nil
}

// environ returns the parent's environment with the Env overlay applied.
// Overlay keys are appended in sorted order so later duplicates win
// deterministically.
func (c *StdioServerConfig) environ() []string {
	env := os.Environ()
	if len(c.Env) == 0 {
		return env
	}
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, c.Env[k]))
	}
	return env
}

// Options tunes a Connection. The zero value is usable.
type Options struct {
	// ClientName and ClientVersion are advertised in clientInfo during the
	// initialize handshake.
	ClientName    string
	ClientVersion string
	// ProtocolVersion is sent as protocolVersion in initialize.
	ProtocolVersion string
	// HandshakeTimeout bounds Connect when the caller's context has no
	// earlier deadline.
	HandshakeTimeout time.Duration
	// RequestTimeout bounds each request when the caller's context has no
	// earlier deadline. Negative disables the default bound.
	RequestTimeout time.Duration
	// MaxConsecutiveMalformed closes the connection after this many
	// undecodable lines in a row. Zero tolerates any number.
	MaxConsecutiveMalformed int
	// Logger receives connection diagnostics and the child's stderr.
	Logger *slog.Logger
	// LogJSONRPC logs every JSON-RPC line at debug level unless RPCLogger is
	// set, in which case RPCLogger receives them instead.
	LogJSONRPC bool
	RPCLogger  RPCLogger
}

func (o *Options) withDefaults() Options {
	var out Options
	if o != nil {
		out = *o
	}
	if out.ClientName == "" {
		out.ClientName = DefaultClientName
	}
	if out.ClientVersion == "" {
		out.ClientVersion = DefaultClientVersion
	}
	if out.ProtocolVersion == "" {
		out.ProtocolVersion = DefaultProtocolVersion
	}
	if out.HandshakeTimeout == 0 {
		out.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if out.RequestTimeout == 0 {
		out.RequestTimeout = DefaultRequestTimeout
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

func (o *Options) rpcLogger(logger *slog.Logger) RPCLogger {
	if o.RPCLogger != nil {
		return o.RPCLogger
	}
	if !o.LogJSONRPC {
		return nil
	}
	return func(event RPCLogEvent) {
		logger.Debug("jsonrpc", "backend", event.ServerID, "direction", string(event.Direction), "message", string(event.Message))
	}
}
