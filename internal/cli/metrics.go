package cli

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/valter-silva-au/agent-registry/pkg/models"
)

var (
	metricsJSON  bool
	metricsLimit int
)

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Display registry metrics snapshots",
	Long: `Display the most recent metrics snapshot.

A snapshot rolls up entity counts per kind and status, average health and
tier distribution, dependency edges, event and subscription counters and
heartbeat performance. Aggregates that could not be computed are listed as
unavailable.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if Metrics == nil {
			return fmt.Errorf("metrics aggregator not initialized (metrics may be disabled)")
		}

		snap, err := Metrics.LatestSnapshot(commandContext(cmd))
		if err != nil {
			return fmt.Errorf("loading latest snapshot: %w", err)
		}
		if snap == nil {
			fmt.Fprintln(cmd.OutOrStdout(), "No snapshot has been taken yet. Run 'areg metrics snapshot'.")
			return nil
		}
		if metricsJSON {
			return printJSON(cmd.OutOrStdout(), snap)
		}
		printSnapshot(cmd.OutOrStdout(), snap)
		return nil
	},
}

var metricsSnapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Take and store a metrics snapshot now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if Metrics == nil {
			return fmt.Errorf("metrics aggregator not initialized (metrics may be disabled)")
		}

		snap, err := Metrics.TakeSnapshot(commandContext(cmd))
		if err != nil {
			return fmt.Errorf("taking snapshot: %w", err)
		}
		if metricsJSON {
			return printJSON(cmd.OutOrStdout(), snap)
		}
		printSnapshot(cmd.OutOrStdout(), snap)
		return nil
	},
}

var metricsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored snapshots, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if Metrics == nil {
			return fmt.Errorf("metrics aggregator not initialized (metrics may be disabled)")
		}

		snaps, err := Metrics.ListSnapshots(commandContext(cmd), metricsLimit)
		if err != nil {
			return fmt.Errorf("listing snapshots: %w", err)
		}
		if metricsJSON {
			return printJSON(cmd.OutOrStdout(), snaps)
		}
		if len(snaps) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No snapshots found.")
			return nil
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "  %-24s %8s %8s %8s  %s\n", "TAKEN", "ENTITIES", "STALE", "EDGES", "UNAVAILABLE")
		for _, s := range snaps {
			total := 0
			for _, n := range s.EntityCounts {
				total += n
			}
			fmt.Fprintf(w, "  %-24s %8d %8s %8s  %s\n",
				formatTime(&s.TakenAt), total, optionalInt(s.StaleEntities), optionalInt(s.DependencyEdges),
				strings.Join(s.Unavailable, ","))
		}
		return nil
	},
}

func printSnapshot(w io.Writer, s *models.MetricsSnapshot) {
	fmt.Fprintf(w, "Snapshot %s (taken %s)\n\n", s.ID, formatTime(&s.TakenAt))

	if len(s.EntityCounts) > 0 {
		fmt.Fprintln(w, "  Entities by kind:")
		for _, kind := range models.AllKinds {
			n, ok := s.EntityCounts[kind]
			if !ok {
				continue
			}
			avg := ""
			if h, ok := s.AverageHealth[kind]; ok {
				avg = fmt.Sprintf("  avg health %.1f", h)
			}
			fmt.Fprintf(w, "    %-20s %d%s\n", string(kind)+":", n, avg)
		}
	}
	printCounts(w, "Entities by status:", s.StatusCounts)
	printCounts(w, "Health tiers:", s.TierCounts)

	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %-24s %s\n", "Stale entities:", optionalInt(s.StaleEntities))
	fmt.Fprintf(w, "  %-24s %s\n", "Dependency edges:", optionalInt(s.DependencyEdges))
	fmt.Fprintf(w, "  %-24s %s\n", "Unprocessed events:", optionalInt(s.UnprocessedEvents))
	fmt.Fprintf(w, "  %-24s %s\n", "Active subscriptions:", optionalInt(s.ActiveSubscriptions))
	fmt.Fprintf(w, "  %-24s %s\n", "Dead letters:", optionalInt(s.DeadLetters))

	if p := s.Performance; p != nil && p.Samples > 0 {
		fmt.Fprintf(w, "  %-24s %.0fms avg, %.1f%% load (%d samples)\n",
			"Heartbeats:", p.AvgResponseTimeMS, p.AvgLoadPercent, p.Samples)
	}
	printCounts(w, "Events by type:", s.EventsByType)

	if len(s.Unavailable) > 0 {
		fmt.Fprintf(w, "\n  Unavailable: %s\n", strings.Join(s.Unavailable, ", "))
	}
}

// printCounts prints a map of counters sorted by key.
func printCounts[K ~string](w io.Writer, title string, counts map[K]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]K, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	fmt.Fprintf(w, "\n  %s\n", title)
	for _, k := range keys {
		fmt.Fprintf(w, "    %-20s %d\n", string(k)+":", counts[k])
	}
}

func optionalInt(n *int) string {
	if n == nil {
		return "n/a"
	}
	return strconv.Itoa(*n)
}

// parseSinceDuration parses a human-friendly duration string like "7d", "30d",
// "24h" or "90m" and returns the corresponding time in the past.
func parseSinceDuration(s string) (time.Time, error) {
	now := time.Now().UTC()
	s = strings.TrimSpace(s)
	if s == "" {
		return now.AddDate(0, 0, -7), nil
	}

	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid day duration %q", s)
		}
		return now.AddDate(0, 0, -days), nil
	}

	if strings.HasSuffix(s, "h") {
		hours, err := strconv.Atoi(strings.TrimSuffix(s, "h"))
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid hour duration %q", s)
		}
		return now.Add(-time.Duration(hours) * time.Hour), nil
	}

	if strings.HasSuffix(s, "m") {
		minutes, err := strconv.Atoi(strings.TrimSuffix(s, "m"))
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid minute duration %q", s)
		}
		return now.Add(-time.Duration(minutes) * time.Minute), nil
	}

	return time.Time{}, fmt.Errorf("unsupported duration format %q (use e.g. 7d, 24h, 90m)", s)
}

func init() {
	metricsListCmd.Flags().IntVar(&metricsLimit, "limit", 20, "Maximum snapshots to show")
	metricsCmd.PersistentFlags().BoolVar(&metricsJSON, "json", false, "Output as JSON")
	metricsCmd.AddCommand(metricsSnapshotCmd, metricsListCmd)
	rootCmd.AddCommand(metricsCmd)
}
