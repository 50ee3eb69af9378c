package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var (
	alertsNotify bool
	alertsJSON   bool
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Show active alerts and warnings",
	Long: `Evaluate alert conditions against the registry and display any triggered alerts.

Alerts fire for entities with stale heartbeats, entities in the critical
tier, entities dragged down by their dependencies, and a growing
dead-letter queue.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if AlertEngine == nil {
			return fmt.Errorf("alert engine not initialized (alerts may be disabled)")
		}

		ctx := commandContext(cmd)
		alerts, err := AlertEngine.Evaluate(ctx)
		if err != nil {
			return fmt.Errorf("evaluating alerts: %w", err)
		}

		if alertsNotify && len(alerts) > 0 {
			if Notifier == nil {
				return fmt.Errorf("notifier not configured (set notifications.enabled and notifications.slack_webhook_url)")
			}
			if err := Notifier.Notify(ctx, alerts); err != nil {
				return fmt.Errorf("sending notification: %w", err)
			}
		}

		if alertsJSON {
			return printJSON(cmd.OutOrStdout(), alerts)
		}

		w := cmd.OutOrStdout()
		if len(alerts) == 0 {
			fmt.Fprintln(w, "No active alerts.")
			return nil
		}

		fmt.Fprintf(w, "%d active alert(s):\n\n", len(alerts))
		for _, alert := range alerts {
			severity := strings.ToUpper(string(alert.Severity))
			fmt.Fprintf(w, "  [%s] %s\n", severity, alert.Message)
			fmt.Fprintf(w, "         triggered at %s\n\n", alert.TriggeredAt.Format("2006-01-02 15:04 UTC"))
		}
		if alertsNotify {
			fmt.Fprintln(w, "Notification sent.")
		}

		return nil
	},
}

func init() {
	alertsCmd.Flags().BoolVar(&alertsNotify, "notify", false, "Also send the alerts to the configured notifier")
	alertsCmd.Flags().BoolVar(&alertsJSON, "json", false, "Output as JSON")
	rootCmd.AddCommand(alertsCmd)
}
