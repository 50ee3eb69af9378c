package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the registry server",
	Long: `Run the registry server in the foreground.

The server exposes the REST API and websocket streams, delivers events to
subscribers through the dispatcher workers, and runs the scheduled jobs
(stale sweep, metrics snapshots, alerts, redrive, subscription expiry and
event retention). It stops cleanly on SIGINT or SIGTERM, draining queued
deliveries before closing its stores.`,
	Args:        cobra.NoArgs,
	Annotations: map[string]string{annotationDaemon: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if Server == nil {
			return fmt.Errorf("server not initialized")
		}

		addr := serveAddr
		if addr == "" {
			addr = ListenAddr
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Fprintf(cmd.OutOrStdout(), "areg listening on %s\n", addr)
		if err := Server.Run(ctx, addr); err != nil {
			return fmt.Errorf("running server: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from http.addr)")
	rootCmd.AddCommand(serveCmd)
}
