package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/valter-silva-au/agent-registry/internal/core"
	"github.com/valter-silva-au/agent-registry/pkg/models"
)

var (
	depType      string
	depStrength  int
	depCascading bool
	depFactor    float64
	depsJSON     bool
)

var depsCmd = &cobra.Command{
	Use:     "deps",
	Aliases: []string{"dependency", "dependencies"},
	Short:   "Manage dependencies between entities",
}

var depsAddCmd = &cobra.Command{
	Use:   "add <service-id> <depends-on-id>",
	Short: "Record that one entity depends on another",
	Long: `Record that <service-id> depends on <depends-on-id>. The dependent's
effective health drops when the entity it depends on degrades. Cycles are
allowed; an entity cannot depend on itself.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if Dependencies == nil {
			return fmt.Errorf("dependency graph not initialized")
		}

		in := core.DependencyInput{
			ServiceID:   args[0],
			DependsOnID: args[1],
			Type:        models.DependencyType(depType),
			Strength:    depStrength,
			Cascading:   depCascading,
		}
		if cmd.Flags().Changed("factor") {
			f := depFactor
			in.HealthImpactFactor = &f
		}

		dep, err := Dependencies.AddDependency(commandContext(cmd), in)
		if err != nil {
			return fmt.Errorf("adding dependency %s -> %s: %w", args[0], args[1], err)
		}
		if depsJSON {
			return printJSON(cmd.OutOrStdout(), dep)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Added %s dependency %s -> %s (strength %d, factor %.2f)\n",
			dep.Type, dep.ServiceID, dep.DependsOnID, dep.Strength, dep.HealthImpactFactor)
		return nil
	},
}

var depsRemoveCmd = &cobra.Command{
	Use:   "remove <service-id> <depends-on-id>",
	Short: "Remove a dependency",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if Dependencies == nil {
			return fmt.Errorf("dependency graph not initialized")
		}

		if err := Dependencies.RemoveDependency(commandContext(cmd), args[0], args[1]); err != nil {
			return fmt.Errorf("removing dependency %s -> %s: %w", args[0], args[1], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed dependency %s -> %s\n", args[0], args[1])
		return nil
	},
}

var depsListCmd = &cobra.Command{
	Use:   "list <id>",
	Short: "List what an entity depends on and what depends on it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if Dependencies == nil {
			return fmt.Errorf("dependency graph not initialized")
		}
		ctx := commandContext(cmd)

		deps, err := Dependencies.ListDependencies(ctx, args[0])
		if err != nil {
			return fmt.Errorf("listing dependencies of %s: %w", args[0], err)
		}
		dependents, err := Dependencies.ListDependents(ctx, args[0])
		if err != nil {
			return fmt.Errorf("listing dependents of %s: %w", args[0], err)
		}

		if depsJSON {
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"entity_id":    args[0],
				"dependencies": deps,
				"dependents":   dependents,
			})
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "== DEPENDS ON (%d) ==\n", len(deps))
		printDependencyRows(w, deps, func(d models.Dependency) string { return d.DependsOnID })
		fmt.Fprintf(w, "\n== DEPENDED ON BY (%d) ==\n", len(dependents))
		printDependencyRows(w, dependents, func(d models.Dependency) string { return d.ServiceID })
		return nil
	},
}

func printDependencyRows(w io.Writer, deps []models.Dependency, other func(models.Dependency) string) {
	for _, d := range deps {
		cascade := ""
		if d.Cascading {
			cascade = "cascading"
		}
		fmt.Fprintf(w, "  %-36s %-10s %3d %5.2f %s\n", other(d), d.Type, d.Strength, d.HealthImpactFactor, cascade)
	}
}

var depsImpactCmd = &cobra.Command{
	Use:   "impact <id>",
	Short: "Show the dependency impact on an entity's health",
	Long: `Compute how much an entity's dependencies drag down its health. The
impact is walked through cascading edges; the effective health is the
entity's own score reduced by that impact.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if Dependencies == nil {
			return fmt.Errorf("dependency graph not initialized")
		}

		report, err := Dependencies.EffectiveHealth(commandContext(cmd), args[0])
		if err != nil {
			return fmt.Errorf("computing impact for %s: %w", args[0], err)
		}
		if depsJSON {
			return printJSON(cmd.OutOrStdout(), report)
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Impact on %s\n\n", report.EntityID)
		fmt.Fprintf(w, "  %-20s %.1f\n", "Own health:", report.Score)
		fmt.Fprintf(w, "  %-20s %.1f\n", "Dependency impact:", report.DependencyImpact)
		fmt.Fprintf(w, "  %-20s %.1f (%s)\n", "Effective health:", report.EffectiveHealth, models.TierFor(report.EffectiveHealth))
		return nil
	},
}

func init() {
	depsAddCmd.Flags().StringVar(&depType, "type", "", "Dependency type: required, optional or preferred (default required)")
	depsAddCmd.Flags().IntVar(&depStrength, "strength", 0, "Strength from 1 to 10 (default 5)")
	depsAddCmd.Flags().BoolVar(&depCascading, "cascading", false, "Propagate impact through this edge")
	depsAddCmd.Flags().Float64Var(&depFactor, "factor", 1.0, "Health impact factor between 0 and 1")

	depsCmd.PersistentFlags().BoolVar(&depsJSON, "json", false, "Output as JSON")

	depsCmd.AddCommand(depsAddCmd, depsRemoveCmd, depsListCmd, depsImpactCmd)
	rootCmd.AddCommand(depsCmd)
}
