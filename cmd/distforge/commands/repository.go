package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/distforge/distforge/pkg/engine"
	"github.com/distforge/distforge/pkg/stage"
	"github.com/distforge/distforge/pkg/state"
)

func newRepositoryCommand() *cobra.Command {
	repoCmd := &cobra.Command{
		Use:   "repository",
		Short: "Manage publish repositories",
		Long: `Manage the publish repositories: current, current-testing,
security-testing and unstable. Publishing to current is gated by the
release policy; packages must sit in a testing repository for the
configured minimum age first.`,
	}

	repoCmd.AddCommand(newRepositoryActionCommand("publish", false,
		"Publish signed packages to a repository"))
	repoCmd.AddCommand(newRepositoryActionCommand("unpublish", true,
		"Remove packages from a repository"))
	repoCmd.AddCommand(newRepositoryCheckCommand())

	return repoCmd
}

func newRepositoryActionCommand(verb string, unpublish bool, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <target>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		Example: fmt.Sprintf(`  # %s one component for one distribution
  distforge -C core-vchan -d vm-fc42 repository %s current-testing

  # Templates use --template
  distforge -t fedora-42-xfce repository %s current-testing`, short, verb, verb),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := args[0]

			a, ctx, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			plan, err := repositoryPlan(a, target, unpublish)
			if err != nil {
				return err
			}
			return a.runPlan(ctx, plan)
		},
	}
}

// repositoryPlan plans publish units for the selected components and,
// when --template narrows the selection, templates. A bare repository
// command without --template covers components only.
func repositoryPlan(a *app, target string, unpublish bool) (*engine.Plan, error) {
	stages := []string{stage.Publish}

	if len(templateFlag) > 0 {
		templates, err := a.cfg.Templates(templateFlag)
		if err != nil {
			return nil, err
		}
		plan, err := a.planner.PlanTemplates(templates, stages)
		if err != nil {
			return nil, err
		}
		plan.Command = "repository"
		plan.Repository = target
		plan.Unpublish = unpublish
		return plan, nil
	}

	components, err := a.cfg.Components(componentFlag)
	if err != nil {
		return nil, err
	}
	dists, err := a.cfg.Distributions(distFlag)
	if err != nil {
		return nil, err
	}
	plan, err := a.planner.PlanComponents(components, dists, stages)
	if err != nil {
		return nil, err
	}
	plan.Command = "repository"
	plan.Repository = target
	plan.Unpublish = unpublish
	return plan, nil
}

func newRepositoryCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check <target>",
		Short: "Check whether publications would pass the release policy",
		Long: `Evaluate the release policy for every selected (component,
distribution) tuple against a target repository without publishing
anything. Prints one line per tuple; exits non-zero when any tuple is
denied.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := args[0]

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

			denied := 0
			for _, c := range components {
				for _, d := range dists {
					marker, err := a.tracker.Read(state.Key{
						Component:    c.Name,
						Distribution: d.Raw,
						PackageSet:   string(d.PackageSet),
						Stage:        stage.Sign,
					})
					if err != nil {
						return err
					}

					req := engine.PublishRequest{
						Component:    c.Name,
						Distribution: d.Raw,
						PackageSet:   string(d.PackageSet),
						Repository:   target,
					}
					if marker != nil {
						req.SignedAt = marker.CompletedAt
						req.HasSignedArtifacts = len(marker.Outputs) > 0
					}

					if err := a.gate.AllowPublish(ctx, req); err != nil {
						denied++
						fmt.Printf("denied  %s %s -> %s: %v\n", c.Name, d.Raw, target, err)
						continue
					}
					fmt.Printf("allowed %s %s -> %s\n", c.Name, d.Raw, target)
				}
			}

			if denied > 0 {
				return fmt.Errorf("%d publication(s) denied for %s", denied, target)
			}
			return nil
		},
	}
}
