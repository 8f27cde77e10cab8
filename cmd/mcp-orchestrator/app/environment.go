package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/viper"

	"github.com/vikashloomba/mcp-orchestrator-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-orchestrator-go/pkg/registry"
)

// environment bundles what every command needs: the loaded registry and a pool
// built from it.
type environment struct {
	registry *registry.Registry
	manager  *mcpmgr.Manager
	logger   *slog.Logger
}

func newEnvironment(metrics *mcpmgr.Metrics) (*environment, error) {
	logger := slog.Default()
	dir := configDir()
	reg, err := registry.LoadDir(dir)
	if err != nil {
		return nil, err
	}
	logger.Debug("loaded registry", "dir", dir, "backends", len(reg.MCPs))

	manager := mcpmgr.NewManager(reg.Descriptors(), &mcpmgr.ManagerOptions{
		HandshakeTimeout:  viper.GetDuration("handshake-timeout"),
		RequestTimeout:    viper.GetDuration("request-timeout"),
		DisconnectTimeout: viper.GetDuration("disconnect-timeout"),
		DefaultLogJSONRPC: viper.GetBool("debug"),
		Logger:            logger,
		Metrics:           metrics,
	})
	return &environment{registry: reg, manager: manager, logger: logger}, nil
}

// close stops every backend the command started.
func (e *environment) close() {
	timeout := viper.GetDuration("disconnect-timeout")
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*timeout)
	defer cancel()
	if err := e.manager.CloseAll(ctx); err != nil {
		e.logger.Warn("failed to stop some backends", "error", err)
	}
}
