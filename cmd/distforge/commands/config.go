package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/distforge/distforge/pkg/config"
)

func newConfigCommand() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the resolved builder configuration",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "get-var <key>",
		Short: "Print one resolved configuration value as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}

			value := cfg.Get(args[0], nil)
			if value == nil {
				return fmt.Errorf("configuration key %q is not set", args[0])
			}
			return yaml.NewEncoder(os.Stdout).Encode(value)
		},
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "get-components",
		Short: "List the configured components",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}

			components, err := cfg.Components(componentFlag)
			if err != nil {
				return err
			}
			for _, c := range components {
				fmt.Println(c.Name)
			}
			return nil
		},
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "get-distributions",
		Short: "List the configured distributions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}

			dists, err := cfg.Distributions(distFlag)
			if err != nil {
				return err
			}
			for _, d := range dists {
				fmt.Println(d.Raw)
			}
			return nil
		},
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "get-templates",
		Short: "List the configured templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}

			templates, err := cfg.Templates(templateFlag)
			if err != nil {
				return err
			}
			for _, t := range templates {
				fmt.Println(t.Name)
			}
			return nil
		},
	})

	configCmd.AddCommand(newConfigValidateCommand())

	return configCmd
}

func newConfigValidateCommand() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the builder configuration",
		Long: `Load and validate the builder configuration, including every
included file. With --watch, keep revalidating whenever the
configuration changes, until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !watch {
				cfg, _, err := loadConfig()
				if err != nil {
					return err
				}
				fmt.Printf("%s: configuration valid\n", cfg.Path())
				return nil
			}

			_, log, err := loadConfig()
			if err != nil {
				return err
			}
			err = config.Watch(cmd.Context(), builderConf, log, func(cfg *config.Config) error {
				fmt.Printf("%s: configuration valid\n", cfg.Path())
				return nil
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "revalidate on every change")
	return cmd
}
