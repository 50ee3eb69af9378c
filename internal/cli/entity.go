package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/valter-silva-au/agent-registry/internal/core"
	"github.com/valter-silva-au/agent-registry/pkg/models"
)

var entityCmd = &cobra.Command{
	Use:     "entity",
	Aliases: []string{"entities"},
	Short:   "Register, inspect and retire registry entities",
}

var (
	entityCapabilities []string
	entityTags         []string
	entityMetadata     map[string]string
	entityJSON         bool
)

var entityRegisterCmd = &cobra.Command{
	Use:   "register <kind> <name>",
	Short: "Register a new entity",
	Long: `Register a new entity of the given kind.

Kinds: agent, leader, server, database, department, division.
Names must be unique among non-archived entities of the same kind.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if Registry == nil {
			return fmt.Errorf("registry not initialized")
		}

		e, err := Registry.Register(commandContext(cmd), core.RegisterInput{
			Kind:         models.EntityKind(args[0]),
			Name:         args[1],
			Capabilities: entityCapabilities,
			Tags:         entityTags,
			Metadata:     entityMetadata,
		})
		if err != nil {
			return fmt.Errorf("registering %s %q: %w", args[0], args[1], err)
		}

		if entityJSON {
			return printJSON(cmd.OutOrStdout(), e)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Registered %s %s (%s), status %s\n", e.Kind, e.Name, e.ID, e.Status)
		return nil
	},
}

var (
	entityListKind       string
	entityListStatus     []string
	entityListTag        string
	entityListCapability string
	entityListPrefix     string
	entityListAll        bool
)

var entityListCmd = &cobra.Command{
	Use:   "list",
	Short: "List entities",
	Long: `List entities, optionally filtered by kind, status, tag, capability or
name prefix. Archived entities are hidden unless --all is given.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if Registry == nil {
			return fmt.Errorf("registry not initialized")
		}

		filter := models.EntityFilter{
			Kind:            models.EntityKind(entityListKind),
			Tag:             entityListTag,
			Capability:      entityListCapability,
			NamePrefix:      entityListPrefix,
			IncludeArchived: entityListAll,
		}
		for _, s := range entityListStatus {
			filter.Statuses = append(filter.Statuses, models.EntityStatus(s))
		}

		entities, err := Registry.List(commandContext(cmd), filter)
		if err != nil {
			return fmt.Errorf("listing entities: %w", err)
		}

		if entityJSON {
			return printJSON(cmd.OutOrStdout(), entities)
		}
		if len(entities) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No entities found.")
			return nil
		}
		printEntityTable(cmd.OutOrStdout(), entities)
		return nil
	},
}

// printEntityTable prints entities grouped by kind.
func printEntityTable(w io.Writer, entities []*models.Entity) {
	grouped := make(map[models.EntityKind][]*models.Entity)
	for _, e := range entities {
		grouped[e.Kind] = append(grouped[e.Kind], e)
	}

	for _, kind := range models.AllKinds {
		group := grouped[kind]
		if len(group) == 0 {
			continue
		}
		sort.Slice(group, func(i, j int) bool { return group[i].Name < group[j].Name })

		fmt.Fprintf(w, "== %s (%d) ==\n", strings.ToUpper(string(kind)), len(group))
		fmt.Fprintf(w, "  %-36s %-24s %-12s %7s %7s\n", "ID", "NAME", "STATUS", "HEALTH", "EFFECT")
		for _, e := range group {
			fmt.Fprintf(w, "  %-36s %-24s %-12s %7.1f %7.1f\n",
				e.ID, truncate(e.Name, 24), e.Status, e.HealthScore, e.EffectiveHealth)
		}
		fmt.Fprintln(w)
	}
}

var entityShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if Registry == nil {
			return fmt.Errorf("registry not initialized")
		}

		e, err := Registry.Get(commandContext(cmd), args[0])
		if err != nil {
			return fmt.Errorf("getting entity %s: %w", args[0], err)
		}

		if entityJSON {
			return printJSON(cmd.OutOrStdout(), e)
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%s %s\n\n", e.Kind, e.Name)
		fmt.Fprintf(w, "  %-20s %s\n", "ID:", e.ID)
		fmt.Fprintf(w, "  %-20s %s\n", "Status:", e.Status)
		fmt.Fprintf(w, "  %-20s %.1f (%s)\n", "Health score:", e.HealthScore, models.TierFor(e.HealthScore))
		fmt.Fprintf(w, "  %-20s %.1f\n", "Dependency impact:", e.DependencyImpact)
		fmt.Fprintf(w, "  %-20s %.1f\n", "Effective health:", e.EffectiveHealth)
		fmt.Fprintf(w, "  %-20s %s\n", "Last heartbeat:", formatTime(e.LastHeartbeat))
		if len(e.Capabilities) > 0 {
			fmt.Fprintf(w, "  %-20s %s\n", "Capabilities:", strings.Join(e.Capabilities, ", "))
		}
		if len(e.Tags) > 0 {
			fmt.Fprintf(w, "  %-20s %s\n", "Tags:", strings.Join(e.Tags, ", "))
		}
		if len(e.Metadata) > 0 {
			keys := make([]string, 0, len(e.Metadata))
			for k := range e.Metadata {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			fmt.Fprintf(w, "  %s\n", "Metadata:")
			for _, k := range keys {
				fmt.Fprintf(w, "    %s=%s\n", k, e.Metadata[k])
			}
		}
		fmt.Fprintf(w, "  %-20s %d\n", "Version:", e.Version)
		fmt.Fprintf(w, "  %-20s %s\n", "Created:", formatTime(&e.CreatedAt))
		return nil
	},
}

var entityStatusCmd = &cobra.Command{
	Use:   "status <id> <status>",
	Short: "Change an entity's operational status",
	Long: `Change an entity's operational status. The allowed statuses depend
on the kind:

  agent, leader          online, offline, busy, error, maintenance
  server, database       online, offline, busy, error, maintenance, degraded
  department, division   planning, online, offline, maintenance, degraded`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if Registry == nil {
			return fmt.Errorf("registry not initialized")
		}

		if err := Registry.UpdateStatus(commandContext(cmd), args[0], models.EntityStatus(args[1])); err != nil {
			return fmt.Errorf("updating entity %s status: %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Entity %s status updated to %s\n", args[0], args[1])
		return nil
	},
}

var entityDeregisterCmd = &cobra.Command{
	Use:     "deregister <id>",
	Aliases: []string{"archive"},
	Short:   "Deregister (archive) an entity",
	Long: `Deregister an entity. The entity is archived rather than deleted, its
own dependency edges are removed, and every entity depending on it is
re-scored as if it were down.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if Registry == nil {
			return fmt.Errorf("registry not initialized")
		}

		if err := Registry.Deregister(commandContext(cmd), args[0]); err != nil {
			return fmt.Errorf("deregistering entity %s: %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Entity %s deregistered\n", args[0])
		return nil
	},
}

func init() {
	entityRegisterCmd.Flags().StringSliceVar(&entityCapabilities, "capability", nil, "Capability the entity offers (repeatable)")
	entityRegisterCmd.Flags().StringSliceVar(&entityTags, "tag", nil, "Tag to attach (repeatable)")
	entityRegisterCmd.Flags().StringToStringVar(&entityMetadata, "meta", nil, "Metadata as key=value (repeatable)")

	entityListCmd.Flags().StringVar(&entityListKind, "kind", "", "Filter by kind")
	entityListCmd.Flags().StringSliceVar(&entityListStatus, "status", nil, "Filter by status (repeatable or comma-separated)")
	entityListCmd.Flags().StringVar(&entityListTag, "tag", "", "Filter by tag")
	entityListCmd.Flags().StringVar(&entityListCapability, "capability", "", "Filter by capability")
	entityListCmd.Flags().StringVar(&entityListPrefix, "prefix", "", "Filter by name prefix")
	entityListCmd.Flags().BoolVar(&entityListAll, "all", false, "Include archived entities")

	entityCmd.PersistentFlags().BoolVar(&entityJSON, "json", false, "Output as JSON")

	entityCmd.AddCommand(entityRegisterCmd, entityListCmd, entityShowCmd, entityStatusCmd, entityDeregisterCmd)
	rootCmd.AddCommand(entityCmd)
}
