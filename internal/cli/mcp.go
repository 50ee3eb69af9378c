package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	aregmcp "github.com/valter-silva-au/agent-registry/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "MCP server commands",
	Long:  "Commands for running the areg MCP (Model Context Protocol) server.",
}

var mcpServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the areg MCP server on stdio",
	Long: `Start the areg MCP server on stdio transport.

The server exposes the registry as MCP tools that agents can call to
register themselves, report heartbeats, manage dependencies and read
health, events, metrics and alerts.`,
	Args:        cobra.NoArgs,
	Annotations: map[string]string{annotationDaemon: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if Registry == nil || Health == nil || Dependencies == nil {
			return fmt.Errorf("registry services not initialized")
		}

		svc := aregmcp.Services{
			Registry:     Registry,
			Health:       Health,
			Dependencies: Dependencies,
			Metrics:      Metrics,
			Alerts:       AlertEngine,
		}
		// A nil interface value must stay nil so the tool reports the log
		// as unavailable.
		if EventLog != nil {
			svc.Events = EventLog
		}
		srv := aregmcp.NewServer(svc, appVersion)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		if err := srv.Run(ctx); err != nil {
			return fmt.Errorf("running MCP server: %w", err)
		}

		return nil
	},
}

func init() {
	mcpCmd.AddCommand(mcpServeCmd)
	rootCmd.AddCommand(mcpCmd)
}
