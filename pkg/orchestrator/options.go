package orchestrator

import (
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-orchestrator-go/pkg/router"
)

// Options configure an Orchestrator instance.
type Options struct {
	// Implementation identifies the orchestrator's MCP server implementation metadata.
	Implementation *mcp.Implementation
	// Addr controls the listen address used by ListenAndServe. Defaults to ":8700".
	Addr string
	// Path mounts the Streamable handler under a specific HTTP path.
	// Defaults to "/mcp".
	Path string
	// Threshold is the minimum routing confidence acted on. Defaults to
	// router.DefaultThreshold.
	Threshold float64
	// AllowedOrigins enables CORS on the HTTP handler for the listed origins.
	// "*" allows any origin. CORS is off when empty.
	AllowedOrigins []string
	// TokenVerifier, when set, requires a bearer token on the MCP endpoint.
	TokenVerifier auth.TokenVerifier
	// TokenOptions tunes bearer token checks. Requires TokenVerifier.
	TokenOptions *auth.RequireBearerTokenOptions
	// Streamable tweaks the Streamable HTTP handler behavior passed to
	// mcp.NewStreamableHTTPHandler.
	Streamable mcp.StreamableHTTPOptions
	// Logger receives structured diagnostics.
	Logger *slog.Logger
	// ShutdownTimeout bounds HTTP server shutdown in ListenAndServe.
	ShutdownTimeout time.Duration
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Implementation == nil {
		opts.Implementation = &mcp.Implementation{
			Name:    "mcp-orchestrator",
			Title:   "MCP Orchestrator",
			Version: Version,
		}
	} else {
		impl := *opts.Implementation
		opts.Implementation = &impl
	}
	if opts.Addr == "" {
		opts.Addr = ":8700"
	}
	if opts.Path == "" {
		opts.Path = "/mcp"
	}
	if opts.Threshold <= 0 {
		opts.Threshold = router.DefaultThreshold
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	return opts
}
