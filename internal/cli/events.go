package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/valter-silva-au/agent-registry/pkg/models"
)

var (
	eventsEntity      string
	eventsType        string
	eventsKind        string
	eventsSince       string
	eventsLimit       int
	eventsUnprocessed bool
	eventsJSON        bool
	eventsOlderThan   string
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect, redrive and prune the event log",
}

var eventsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List events, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if EventLog == nil {
			return fmt.Errorf("event log not initialized")
		}

		filter := models.EventFilter{
			EntityID:   eventsEntity,
			Type:       models.EventType(eventsType),
			EntityKind: models.EntityKind(eventsKind),
			Limit:      eventsLimit,
		}
		if eventsSince != "" {
			since, err := parseSinceDuration(eventsSince)
			if err != nil {
				return fmt.Errorf("parsing --since: %w", err)
			}
			filter.Since = &since
		}
		if eventsUnprocessed {
			processed := false
			filter.Processed = &processed
		}

		events, err := EventLog.ListEvents(commandContext(cmd), filter)
		if err != nil {
			return fmt.Errorf("listing events: %w", err)
		}
		if eventsJSON {
			return printJSON(cmd.OutOrStdout(), events)
		}
		if len(events) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No events found.")
			return nil
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "  %-24s %-20s %-10s %-36s %s\n", "TIME", "TYPE", "KIND", "ENTITY", "DONE")
		for _, e := range events {
			done := "no"
			if e.Processed {
				done = "yes"
			}
			fmt.Fprintf(w, "  %-24s %-20s %-10s %-36s %s\n",
				formatTime(&e.Timestamp), e.Type, e.EntityKind, e.EntityID, done)
		}
		return nil
	},
}

var eventsDeadLettersCmd = &cobra.Command{
	Use:   "dead-letters",
	Short: "List deliveries that exhausted their retries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if EventLog == nil {
			return fmt.Errorf("event log not initialized")
		}

		dead, err := EventLog.ListDeadLetters(commandContext(cmd), eventsLimit)
		if err != nil {
			return fmt.Errorf("listing dead letters: %w", err)
		}
		if eventsJSON {
			return printJSON(cmd.OutOrStdout(), dead)
		}
		if len(dead) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No dead letters.")
			return nil
		}

		w := cmd.OutOrStdout()
		for _, d := range dead {
			fmt.Fprintf(w, "  %s  event %s -> subscription %s via %s after %d attempt(s)\n",
				formatTime(&d.CreatedAt), d.EventID, d.SubscriptionID, d.DeliveryMethod, d.Attempts)
			fmt.Fprintf(w, "      %s\n", d.LastError)
		}
		return nil
	},
}

var eventsRedriveCmd = &cobra.Command{
	Use:   "redrive",
	Short: "Ask the running server to redeliver unprocessed events",
	Long: `Ask a running "areg serve" to re-enqueue every unprocessed event.
Delivery always happens in the server, so that poll mailboxes and
websocket clients attached to it receive the events.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Queued int `json:"queued"`
		}
		resp, err := newAPIClient().R().
			SetContext(commandContext(cmd)).
			SetResult(&out).
			Post("/v1/events/redrive")
		if err != nil {
			return fmt.Errorf("contacting server at %s: %w", baseURL(), err)
		}
		if resp.IsError() {
			return apiError(resp)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Queued %d event(s) for delivery\n", out.Queued)
		return nil
	},
}

var eventsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Drop processed events older than a retention window",
	Long: `Drop processed events older than --older-than (e.g. 30d, 72h).
Unprocessed events are always kept so they can still be delivered.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if EventLog == nil {
			return fmt.Errorf("event log not initialized")
		}

		before, err := parseSinceDuration(eventsOlderThan)
		if err != nil {
			return fmt.Errorf("parsing --older-than: %w", err)
		}
		n, err := EventLog.PruneEvents(commandContext(cmd), before)
		if err != nil {
			return fmt.Errorf("pruning events: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d event(s) older than %s\n", n, before.Format(time.RFC3339))
		return nil
	},
}

func init() {
	eventsListCmd.Flags().StringVar(&eventsEntity, "entity", "", "Only events about this entity")
	eventsListCmd.Flags().StringVar(&eventsType, "type", "", "Only events of this type")
	eventsListCmd.Flags().StringVar(&eventsKind, "kind", "", "Only events about entities of this kind")
	eventsListCmd.Flags().StringVar(&eventsSince, "since", "", "Time window (e.g. 24h, 7d)")
	eventsListCmd.Flags().BoolVar(&eventsUnprocessed, "unprocessed", false, "Only events not yet delivered")
	eventsPruneCmd.Flags().StringVar(&eventsOlderThan, "older-than", "30d", "Retention window (e.g. 30d, 72h)")

	eventsCmd.PersistentFlags().IntVar(&eventsLimit, "limit", 50, "Maximum entries to show")
	eventsCmd.PersistentFlags().BoolVar(&eventsJSON, "json", false, "Output as JSON")

	eventsCmd.AddCommand(eventsListCmd, eventsDeadLettersCmd, eventsRedriveCmd, eventsPruneCmd)
	rootCmd.AddCommand(eventsCmd)
}
