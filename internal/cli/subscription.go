package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/valter-silva-au/agent-registry/internal/fanout"
	"github.com/valter-silva-au/agent-registry/pkg/models"
)

var (
	subSubscriber     string
	subSubscriberType string
	subEvents         string
	subKinds          string
	subEntity         string
	subMethod         string
	subEndpoint       string
	subTTL            time.Duration
	subActiveOnly     bool
	subPollMax        int
	subJSON           bool
)

var subscriptionCmd = &cobra.Command{
	Use:     "subscription",
	Aliases: []string{"subscriptions", "sub"},
	Short:   "Manage event subscriptions",
}

var subscriptionAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a subscription",
	Long: `Create a subscription that receives matching events.

Each filter names a single event type, entity kind or entity ID; "*" or an
empty value matches everything.
Delivery methods: webhook, poll, websocket, redis, kafka, file.`,
	Example: `  areg subscription add --subscriber ops --events status_changed --method poll
  areg subscription add --subscriber pager --kinds server --method webhook --endpoint https://hooks.example.com/areg`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if Subscriptions == nil {
			return fmt.Errorf("subscription manager not initialized")
		}

		sub, err := Subscriptions.Subscribe(commandContext(cmd), fanout.SubscribeInput{
			SubscriberID:     subSubscriber,
			SubscriberType:   subSubscriberType,
			EventTypeFilter:  subEvents,
			EntityTypeFilter: subKinds,
			EntityIDFilter:   subEntity,
			DeliveryMethod:   models.DeliveryMethod(subMethod),
			Endpoint:         subEndpoint,
			TTL:              subTTL,
		})
		if err != nil {
			return fmt.Errorf("creating subscription: %w", err)
		}
		if subJSON {
			return printJSON(cmd.OutOrStdout(), sub)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created subscription %s (%s)\n", sub.ID, sub.DeliveryMethod)
		if sub.ExpiresAt != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "  expires %s\n", formatTime(sub.ExpiresAt))
		}
		return nil
	},
}

var subscriptionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List subscriptions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if Subscriptions == nil {
			return fmt.Errorf("subscription manager not initialized")
		}

		subs, err := Subscriptions.List(commandContext(cmd), subActiveOnly)
		if err != nil {
			return fmt.Errorf("listing subscriptions: %w", err)
		}
		if subJSON {
			return printJSON(cmd.OutOrStdout(), subs)
		}
		if len(subs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No subscriptions found.")
			return nil
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "  %-36s %-16s %-10s %-8s %8s %8s  %s\n",
			"ID", "SUBSCRIBER", "METHOD", "ACTIVE", "OK", "FAILED", "FILTERS")
		for _, s := range subs {
			fmt.Fprintf(w, "  %-36s %-16s %-10s %-8t %8d %8d  %s\n",
				s.ID, truncate(s.SubscriberID, 16), s.DeliveryMethod, s.Active,
				s.SuccessfulDeliveries, s.FailedDeliveries, describeFilters(s))
		}
		return nil
	},
}

var subscriptionRemoveCmd = &cobra.Command{
	Use:     "remove <id>",
	Aliases: []string{"rm", "unsubscribe"},
	Short:   "Deactivate a subscription",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if Subscriptions == nil {
			return fmt.Errorf("subscription manager not initialized")
		}
		if err := Subscriptions.Unsubscribe(commandContext(cmd), args[0]); err != nil {
			return fmt.Errorf("removing subscription: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deactivated subscription %s\n", args[0])
		return nil
	},
}

var subscriptionPollCmd = &cobra.Command{
	Use:   "poll <id>",
	Short: "Drain queued events of a poll subscription from the running server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			SubscriptionID string          `json:"subscription_id"`
			Events         []*models.Event `json:"events"`
		}
		resp, err := newAPIClient().R().
			SetContext(commandContext(cmd)).
			SetPathParam("id", args[0]).
			SetQueryParam("max", fmt.Sprint(subPollMax)).
			SetResult(&out).
			Get("/v1/subscriptions/{id}/events")
		if err != nil {
			return fmt.Errorf("contacting server at %s: %w", baseURL(), err)
		}
		if resp.IsError() {
			return apiError(resp)
		}
		if subJSON {
			return printJSON(cmd.OutOrStdout(), out.Events)
		}
		if len(out.Events) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No queued events.")
			return nil
		}
		w := cmd.OutOrStdout()
		for _, e := range out.Events {
			fmt.Fprintf(w, "  %s  %-20s %s/%s\n", formatTime(&e.Timestamp), e.Type, e.EntityKind, e.EntityID)
		}
		return nil
	},
}

func describeFilters(s *models.Subscription) string {
	var parts []string
	if s.EventTypeFilter != "" && s.EventTypeFilter != "*" {
		parts = append(parts, "events="+s.EventTypeFilter)
	}
	if s.EntityTypeFilter != "" && s.EntityTypeFilter != "*" {
		parts = append(parts, "kinds="+s.EntityTypeFilter)
	}
	if s.EntityIDFilter != "" {
		parts = append(parts, "entity="+s.EntityIDFilter)
	}
	if len(parts) == 0 {
		return "*"
	}
	return strings.Join(parts, " ")
}

func init() {
	subscriptionAddCmd.Flags().StringVar(&subSubscriber, "subscriber", "", "Subscriber identifier (required)")
	subscriptionAddCmd.Flags().StringVar(&subSubscriberType, "subscriber-type", "", "Free-form subscriber type")
	subscriptionAddCmd.Flags().StringVar(&subEvents, "events", "", "Event type filter")
	subscriptionAddCmd.Flags().StringVar(&subKinds, "kinds", "", "Entity kind filter")
	subscriptionAddCmd.Flags().StringVar(&subEntity, "entity", "", "Only events about this entity ID")
	subscriptionAddCmd.Flags().StringVar(&subMethod, "method", string(models.DeliveryPoll), "Delivery method")
	subscriptionAddCmd.Flags().StringVar(&subEndpoint, "endpoint", "", "Delivery endpoint (URL for webhook, channel/topic/path suffix otherwise)")
	subscriptionAddCmd.Flags().DurationVar(&subTTL, "ttl", 0, "Expire the subscription after this long (0 = never)")
	_ = subscriptionAddCmd.MarkFlagRequired("subscriber")

	subscriptionListCmd.Flags().BoolVar(&subActiveOnly, "active", false, "Only active, unexpired subscriptions")
	subscriptionPollCmd.Flags().IntVar(&subPollMax, "max", 100, "Maximum events to drain")

	subscriptionCmd.PersistentFlags().BoolVar(&subJSON, "json", false, "Output as JSON")
	subscriptionCmd.AddCommand(subscriptionAddCmd, subscriptionListCmd, subscriptionRemoveCmd, subscriptionPollCmd)
	rootCmd.AddCommand(subscriptionCmd)
}
