package app

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vikashloomba/mcp-orchestrator-go/pkg/mcpmgr"
)

func newToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools <backend>",
		Short: "List the tools a backend reports",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newEnvironment(nil)
			if err != nil {
				return err
			}
			defer env.close()

			tools, err := env.manager.ListTools(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			table := newTable(cmd.OutOrStdout(), []string{"Name", "Description"})
			for _, tool := range tools {
				if err := table.Append([]string{tool.Name, tool.Description}); err != nil {
					return fmt.Errorf("failed to append row for %s: %w", tool.Name, err)
				}
			}
			if err := table.Render(); err != nil {
				return fmt.Errorf("failed to render table: %w", err)
			}
			return nil
		},
	}
}

func newCallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "call <backend> [tool|auto] [json-args]",
		Short: "Call a tool on a backend and print the result",
		Long: `Call a tool on a backend and print the raw result.

The tool defaults to "auto", which calls the first tool the backend lists.
Arguments are given as a JSON object.`,
		Example: `  mcp-orchestrator call filesystem read_file '{"path":"README.md"}'
  mcp-orchestrator call memory`,
		Args: cobra.RangeArgs(1, 3),
		RunE: runCall,
	}
}

func runCall(cmd *cobra.Command, args []string) error {
	backend, tool := args[0], mcpmgr.AutoTool
	if len(args) > 1 {
		tool = args[1]
	}
	var rest []string
	if len(args) > 2 {
		rest = args[2:]
	}
	params, err := parseArgs(rest)
	if err != nil {
		return err
	}

	env, err := newEnvironment(nil)
	if err != nil {
		return err
	}
	defer env.close()

	if !env.manager.HasServer(backend) {
		return fmt.Errorf("backend %q is not in the registry", backend)
	}
	result, err := env.manager.ExecuteOnBackend(cmd.Context(), backend, tool, params, nil)
	if err != nil {
		return err
	}
	var out bytes.Buffer
	if err := json.Indent(&out, result, "", "  "); err != nil {
		out.Reset()
		out.Write(result)
	}
	out.WriteByte('\n')
	_, err = out.WriteTo(cmd.OutOrStdout())
	return err
}

func parseArgs(args []string) (map[string]any, error) {
	params := map[string]any{}
	if len(args) == 0 || args[0] == "" {
		return params, nil
	}
	if err := json.Unmarshal([]byte(args[0]), &params); err != nil {
		return nil, fmt.Errorf("arguments must be a JSON object: %w", err)
	}
	return params, nil
}
