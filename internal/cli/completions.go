package cli

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/valter-silva-au/agent-registry/pkg/models"
)

// completeEntityIDs completes entity IDs for the first maxArgs positional
// arguments, describing each with its kind and name.
func completeEntityIDs(maxArgs int) func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
	return func(_ *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if Registry == nil || len(args) >= maxArgs {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		entities, err := Registry.List(ctx, models.EntityFilter{})
		if err != nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}

		var ids []string
		for _, e := range entities {
			if toComplete == "" || strings.HasPrefix(e.ID, toComplete) {
				ids = append(ids, e.ID+"\t"+string(e.Kind)+": "+e.Name)
			}
		}
		return ids, cobra.ShellCompDirectiveNoFileComp
	}
}

// completeKinds completes the entity kind as the first argument.
func completeKinds(_ *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	var kinds []string
	for _, k := range models.AllKinds {
		if strings.HasPrefix(string(k), toComplete) {
			kinds = append(kinds, string(k))
		}
	}
	return kinds, cobra.ShellCompDirectiveNoFileComp
}

// completeStatusTransition completes "<id> <status>", offering only the
// statuses allowed for the chosen entity's kind.
func completeStatusTransition(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) == 0 {
		return completeEntityIDs(1)(cmd, args, toComplete)
	}
	if len(args) > 1 || Registry == nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	entity, err := Registry.Get(ctx, args[0])
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	var statuses []string
	for _, s := range models.AllowedStatuses(entity.Kind) {
		if s != entity.Status && strings.HasPrefix(string(s), toComplete) {
			statuses = append(statuses, string(s))
		}
	}
	return statuses, cobra.ShellCompDirectiveNoFileComp
}

func init() {
	entityRegisterCmd.ValidArgsFunction = completeKinds
	entityStatusCmd.ValidArgsFunction = completeStatusTransition

	for _, c := range []*cobra.Command{
		entityShowCmd, entityDeregisterCmd, heartbeatCmd,
		healthShowCmd, healthRecomputeCmd, healthHistoryCmd,
		depsListCmd, depsImpactCmd,
	} {
		c.ValidArgsFunction = completeEntityIDs(1)
	}
	depsAddCmd.ValidArgsFunction = completeEntityIDs(2)
	depsRemoveCmd.ValidArgsFunction = completeEntityIDs(2)
}
