package commands

import (
	"github.com/spf13/cobra"
)

func newInstallerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "installer [stages...]",
		Short: "Run installer image stages",
		Long: `Run the given stages of the installer ISO pipeline against the
configured host distribution. The installer pipeline serves prep,
build, sign and upload; other requested stages are skipped.`,
		Example: `  # Build the installer image
  distforge installer prep build

  # Full installer pipeline
  distforge installer all`,
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

			plan, err := a.planner.PlanInstaller(stages)
			if err != nil {
				return err
			}
			return a.runPlan(ctx, plan)
		},
	}
}

func newChrootCommand() *cobra.Command {
	chrootCmd := &cobra.Command{
		Use:   "chroot",
		Short: "Manage build chroot caches",
	}

	chrootCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Prepare chroot caches for the selected distributions",
		Long: `Prepare the cached build chroots (mock root caches, pbuilder base
archives) for the selected distributions. Arch Linux targets bootstrap
their root inside the build cage and are skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			dists, err := a.cfg.Distributions(distFlag)
			if err != nil {
				return err
			}

			plan, err := a.planner.PlanChroot(dists)
			if err != nil {
				return err
			}
			return a.runPlan(ctx, plan)
		},
	})

	return chrootCmd
}
