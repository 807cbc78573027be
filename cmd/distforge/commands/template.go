package commands

import (
	"github.com/spf13/cobra"
)

func newTemplateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "template [stages...]",
		Short: "Run template build stages",
		Long: `Run the given stages of the template pipeline for the selected
templates. Templates default to everything the configuration declares;
narrow them with --template. The template pipeline serves prep, build,
sign, publish and upload; other requested stages are skipped.`,
		Example: `  # Build every configured template
  distforge template all

  # Sign and publish one template
  distforge -t fedora-42-xfce template sign publish`,
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

			templates, err := a.cfg.Templates(templateFlag)
			if err != nil {
				return err
			}

			plan, err := a.planner.PlanTemplates(templates, stages)
			if err != nil {
				return err
			}
			return a.runPlan(ctx, plan)
		},
	}
}
