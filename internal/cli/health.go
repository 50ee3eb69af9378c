package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/valter-silva-au/agent-registry/pkg/models"
)

var (
	heartbeatResponseTime float64
	heartbeatLoad         float64
	healthJSON            bool
	healthHistoryLimit    int
)

var heartbeatCmd = &cobra.Command{
	Use:   "heartbeat <id>",
	Short: "Report a heartbeat for an entity",
	Long: `Report a heartbeat with the observed response time and load. The
entity's health score is recomputed immediately.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if Health == nil {
			return fmt.Errorf("health scorer not initialized")
		}
		if heartbeatResponseTime < 0 {
			return fmt.Errorf("--response-time must not be negative")
		}
		if heartbeatLoad < 0 || heartbeatLoad > 100 {
			return fmt.Errorf("--load must be between 0 and 100")
		}

		report, err := Health.ReportHeartbeat(commandContext(cmd), args[0], heartbeatResponseTime, heartbeatLoad)
		if err != nil {
			return fmt.Errorf("reporting heartbeat for %s: %w", args[0], err)
		}
		if healthJSON {
			return printJSON(cmd.OutOrStdout(), report)
		}
		printHealthReport(cmd.OutOrStdout(), report)
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Inspect and recompute entity health",
}

var healthShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show an entity's health report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if Health == nil {
			return fmt.Errorf("health scorer not initialized")
		}

		report, err := Health.GetHealth(commandContext(cmd), args[0])
		if err != nil {
			return fmt.Errorf("getting health of %s: %w", args[0], err)
		}
		if healthJSON {
			return printJSON(cmd.OutOrStdout(), report)
		}
		printHealthReport(cmd.OutOrStdout(), report)
		return nil
	},
}

var healthRecomputeCmd = &cobra.Command{
	Use:   "recompute <id>",
	Short: "Recompute an entity's health from its latest heartbeat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if Health == nil {
			return fmt.Errorf("health scorer not initialized")
		}

		report, err := Health.RecomputeHealth(commandContext(cmd), args[0])
		if err != nil {
			return fmt.Errorf("recomputing health of %s: %w", args[0], err)
		}
		if healthJSON {
			return printJSON(cmd.OutOrStdout(), report)
		}
		printHealthReport(cmd.OutOrStdout(), report)
		return nil
	},
}

var healthHistoryCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "Show recent heartbeat samples, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if Health == nil {
			return fmt.Errorf("health scorer not initialized")
		}

		samples, err := Health.HealthHistory(commandContext(cmd), args[0], healthHistoryLimit)
		if err != nil {
			return fmt.Errorf("reading health history of %s: %w", args[0], err)
		}
		if healthJSON {
			return printJSON(cmd.OutOrStdout(), samples)
		}
		if len(samples) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No heartbeats recorded.")
			return nil
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "  %-24s %10s %7s %7s\n", "RECORDED", "RESP(ms)", "LOAD%", "SCORE")
		for _, s := range samples {
			fmt.Fprintf(w, "  %-24s %10.1f %7.1f %7.1f\n",
				formatTime(&s.RecordedAt), s.ResponseTimeMS, s.LoadPercent, s.Score)
		}
		return nil
	},
}

func printHealthReport(w io.Writer, r *models.HealthReport) {
	fmt.Fprintf(w, "Health of %s\n\n", r.EntityID)
	fmt.Fprintf(w, "  %-20s %.1f\n", "Score:", r.Score)
	fmt.Fprintf(w, "  %-20s %s\n", "Tier:", r.Tier)
	if r.Stale {
		fmt.Fprintf(w, "  %-20s %s\n", "Warning:", "no heartbeat within the staleness window")
	}
	if r.Components != nil {
		fmt.Fprintf(w, "  %-20s recency %.0f, response %.0f, load %.0f\n", "Components:",
			r.Components.Recency, r.Components.ResponseTime, r.Components.Load)
	}
	fmt.Fprintf(w, "  %-20s %.1f\n", "Dependency impact:", r.DependencyImpact)
	fmt.Fprintf(w, "  %-20s %.1f\n", "Effective health:", r.EffectiveHealth)
	fmt.Fprintf(w, "  %-20s %s\n", "Last heartbeat:", formatTime(r.LastHeartbeat))
}

func init() {
	heartbeatCmd.Flags().Float64Var(&heartbeatResponseTime, "response-time", 0, "Observed response time in milliseconds")
	heartbeatCmd.Flags().Float64Var(&heartbeatLoad, "load", 0, "Current load percentage (0-100)")
	heartbeatCmd.Flags().BoolVar(&healthJSON, "json", false, "Output as JSON")

	healthCmd.PersistentFlags().BoolVar(&healthJSON, "json", false, "Output as JSON")
	healthHistoryCmd.Flags().IntVar(&healthHistoryLimit, "limit", 20, "Maximum samples to show")

	healthCmd.AddCommand(healthShowCmd, healthRecomputeCmd, healthHistoryCmd)
	rootCmd.AddCommand(heartbeatCmd, healthCmd)
}
