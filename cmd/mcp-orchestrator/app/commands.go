// Package app provides the entry point for the mcp-orchestrator command-line application.
package app

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/vikashloomba/mcp-orchestrator-go/pkg/mcpconn"
	"github.com/vikashloomba/mcp-orchestrator-go/pkg/orchestrator"
)

const (
	envPrefix        = "MCP_ORCHESTRATOR"
	settingsFileName = "settings"
)

// NewRootCmd creates the root command for the mcp-orchestrator CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "mcp-orchestrator",
		DisableAutoGenTag: true,
		Short:             "Route natural-language requests to the right MCP server",
		Long: `mcp-orchestrator fronts a registry of MCP servers with a single MCP server.

Clients ask it to find or execute a capability in plain language; the
orchestrator picks the backend, launches it as a child process on first use,
and reuses the connection for later calls.`,
		Run: func(cmd *cobra.Command, _ []string) {
			if err := cmd.Help(); err != nil {
				slog.Error(fmt.Sprintf("Error displaying help: %v", err))
			}
		},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := initConfig(); err != nil {
				return err
			}
			initLogger(cmd.ErrOrStderr())
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.Bool("debug", false, "Enable debug mode")
	flags.String("config-dir", "", "Directory holding registry.json and credentials.json (default $HOME/.mcp-orchestrator)")
	flags.Duration("handshake-timeout", mcpconn.DefaultHandshakeTimeout, "Maximum time to wait for a backend to complete initialization")
	flags.Duration("request-timeout", mcpconn.DefaultRequestTimeout, "Maximum time to wait for a backend response")
	flags.Duration("disconnect-timeout", 5*time.Second, "Maximum time to wait for a backend to exit on shutdown")
	bindFlags(flags, "debug", "config-dir", "handshake-timeout", "request-timeout", "disconnect-timeout")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newBackendsCmd())
	rootCmd.AddCommand(newToolsCmd())
	rootCmd.AddCommand(newCallCmd())
	rootCmd.AddCommand(newVersionCmd())

	rootCmd.SilenceUsage = true

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mcp-orchestrator version: %s\n", orchestrator.Version)
		},
	}
}

func bindFlags(flags *pflag.FlagSet, names ...string) {
	for _, name := range names {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			slog.Error(fmt.Sprintf("Error binding %s flag: %v", name, err))
		}
	}
}

// initConfig wires environment variables and the optional settings file
// into viper. Flags bound earlier take precedence over both.
func initConfig() error {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	viper.SetConfigName(settingsFileName)
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir())
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read settings: %w", err)
		}
	}
	return nil
}

// configDir returns the configured directory, falling back to
// $HOME/.mcp-orchestrator.
func configDir() string {
	if dir := viper.GetString("config-dir"); dir != "" {
		return dir
	}
	return filepath.Join(xdg.Home, ".mcp-orchestrator")
}
