package app

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vikashloomba/mcp-orchestrator-go/pkg/mcpmgr"
)

const maxParallelProbes = 4

func newBackendsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backends",
		Short: "List the backends in the registry",
		Long: `List the backends in the registry with their launch command.

With --probe every backend is started, asked to initialize, and stopped
again, and the table shows whether that worked.`,
		Args: cobra.NoArgs,
		RunE: runBackends,
	}
	cmd.Flags().Bool("probe", false, "Start each backend and report whether it initializes")
	return cmd
}

func runBackends(cmd *cobra.Command, _ []string) error {
	probe, err := cmd.Flags().GetBool("probe")
	if err != nil {
		return err
	}
	env, err := newEnvironment(nil)
	if err != nil {
		return err
	}
	defer env.close()

	var probeErrs map[string]error
	if probe {
		probeErrs = probeBackends(cmd.Context(), env.manager, env.registry.Names())
	}
	return renderBackends(cmd.OutOrStdout(), env, probe, probeErrs)
}

// probeBackends connects to every backend, at most maxParallelProbes at a
// time, and records each failure.
func probeBackends(ctx context.Context, manager *mcpmgr.Manager, names []string) map[string]error {
	var (
		mu   sync.Mutex
		errs = make(map[string]error)
	)
	g := new(errgroup.Group)
	g.SetLimit(maxParallelProbes)
	for _, name := range names {
		g.Go(func() error {
			if _, err := manager.GetOrCreate(ctx, name, nil); err != nil {
				mu.Lock()
				errs[name] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

func renderBackends(w io.Writer, env *environment, probed bool, probeErrs map[string]error) error {
	headers := []string{"Name", "Description", "Command", "Env", "Tools", "Capabilities"}
	if probed {
		headers = append(headers, "Status", "Server")
	}
	table := newTable(w, headers)

	summaries := make(map[string]mcpmgr.ServerSummary)
	for _, s := range env.manager.GetServerSummaries() {
		summaries[s.ID] = s
	}
	for _, name := range env.registry.Names() {
		entry, _ := env.registry.Entry(name)
		cfg, _ := env.registry.Descriptor(name)
		row := []string{
			name,
			entry.Description,
			mcpmgr.CommandLine(cfg),
			strings.Join(mcpmgr.EnvKeys(cfg), ","),
			strconv.Itoa(len(entry.Tools)),
			strconv.Itoa(len(entry.Capabilities)),
		}
		if probed {
			status, server := string(summaries[name].Status), ""
			if info := summaries[name].Server; info != nil {
				server = strings.TrimSpace(info.Name + " " + info.Version)
			}
			if err := probeErrs[name]; err != nil {
				status = "error: " + err.Error()
			}
			row = append(row, status, server)
		}
		if err := table.Append(row); err != nil {
			return fmt.Errorf("failed to append row for %s: %w", name, err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}

func newTable(w io.Writer, headers []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.Options(
		tablewriter.WithHeader(headers),
		tablewriter.WithRendition(
			tw.Rendition{
				Borders: tw.Border{
					Left:   tw.State(1),
					Top:    tw.State(1),
					Right:  tw.State(1),
					Bottom: tw.State(1),
				},
			},
		),
		tablewriter.WithAlignment(tw.MakeAlign(len(headers), tw.AlignLeft)),
	)
	return table
}
