package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vikashloomba/mcp-orchestrator-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-orchestrator-go/pkg/orchestrator"
	"github.com/vikashloomba/mcp-orchestrator-go/pkg/router"
)

const (
	transportStdio = "stdio"
	transportHTTP  = "http"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator MCP server",
		Long: `Start the orchestrator MCP server.

With --transport stdio (the default) the server talks MCP over stdin and
stdout, which is how desktop MCP clients launch it. With --transport http it
serves the streamable HTTP transport on --addr at --path, along with a
/metrics endpoint.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	flags := cmd.Flags()
	flags.String("transport", transportStdio, "Transport to serve: stdio or http")
	flags.String("addr", ":8700", "Listen address for the http transport")
	flags.String("path", "/mcp", "HTTP path of the MCP endpoint")
	flags.String("metrics-addr", "", "Also serve Prometheus metrics on this address")
	flags.Float64("threshold", router.DefaultThreshold, "Minimum routing confidence")
	flags.StringSlice("allowed-origins", nil, "Origins allowed to call the http transport (enables CORS)")
	flags.Bool("json-response", false, "Answer http requests with application/json instead of event streams")
	bindFlags(flags, "transport", "addr", "path", "metrics-addr", "threshold", "allowed-origins", "json-response")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metricsHandler := promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})

	env, err := newEnvironment(mcpmgr.NewMetrics(promRegistry))
	if err != nil {
		return err
	}
	defer env.close()

	orch, err := orchestrator.New(env.manager, env.registry, router.New(env.registry), &orchestrator.Options{
		Addr:           viper.GetString("addr"),
		Path:           viper.GetString("path"),
		Threshold:      viper.GetFloat64("threshold"),
		AllowedOrigins: viper.GetStringSlice("allowed-origins"),
		Streamable:     mcp.StreamableHTTPOptions{JSONResponse: viper.GetBool("json-response")},
		Logger:         env.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to build orchestrator: %w", err)
	}

	if addr := viper.GetString("metrics-addr"); addr != "" {
		go serveMetrics(ctx, env, addr, metricsHandler)
	}

	switch transport := viper.GetString("transport"); transport {
	case transportStdio:
		err = orch.RunStdio(ctx)
	case transportHTTP:
		orch.ServeMux().Handle("/metrics", metricsHandler)
		err = orch.ListenAndServe(ctx)
	default:
		return fmt.Errorf("unknown transport %q, want %s or %s", transport, transportStdio, transportHTTP)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func serveMetrics(ctx context.Context, env *environment, addr string, handler http.Handler) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	env.logger.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		env.logger.Error("metrics server stopped", "error", err)
	}
}
