package commands

import (
	"github.com/spf13/cobra"

	"github.com/distforge/distforge/pkg/stage"
)

// resolveStages turns command arguments into canonical stage names in
// pipeline order. No arguments and the literal "all" both mean every
// stage.
func resolveStages(args []string) ([]string, error) {
	if len(args) == 0 {
		return stage.Order, nil
	}
	if len(args) == 1 && args[0] == "all" {
		return stage.Order, nil
	}
	return stage.NormalizeAll(args)
}

func newPackageCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "package [stages...]",
		Short: "Run component build stages",
		Long: `Run the given stages for the selected components and distributions.
Stages may be canonical names or their short aliases; with no stages
(or "all") the whole pipeline runs in order. Components and
distributions default to everything the configuration declares; narrow
them with --component and --distribution.`,
		Example: `  # Fetch and build every component for every distribution
  distforge package fetch build

  # Full pipeline for one component on one distribution
  distforge -C core-vchan -d vm-fc42 package all

  # Aliases work too
  distforge package f b s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			stages, err := resolveStages(args)
			if err != nil {
				return err
			}

			a, ctx, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			components, err := a.cfg.Components(componentFlag)
			if err != nil {
				return err
			}
			dists, err := a.cfg.Distributions(distFlag)
			if err != nil {
				return err
			}

			plan, err := a.planner.PlanComponents(components, dists, stages)
			if err != nil {
				return err
			}
			return a.runPlan(ctx, plan)
		},
	}
}
