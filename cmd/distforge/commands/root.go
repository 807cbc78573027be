package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Persistent flags
	builderConf   string
	componentFlag []string
	distFlag      []string
	templateFlag  []string
	optionFlag    []string
	verbose       bool
	debug         bool
	logFile       string
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "distforge",
		Short: "distforge - OS distribution build pipeline",
		Long: `distforge builds, signs and publishes the packages, templates and
installer images of an OS distribution. Every build stage runs inside a
disposable cage (container, disposable VM or remote host); stage results
are fingerprinted so finished work is never repeated.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&builderConf, "builder-conf", "c", "builder.yml", "builder configuration file")
	flags.StringArrayVarP(&componentFlag, "component", "C", nil, "restrict to component (repeatable)")
	flags.StringArrayVarP(&distFlag, "distribution", "d", nil, "restrict to distribution (repeatable)")
	flags.StringArrayVarP(&templateFlag, "template", "t", nil, "restrict to template (repeatable)")
	flags.StringArrayVarP(&optionFlag, "option", "o", nil, "configuration override key=value (repeatable)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	flags.BoolVarP(&debug, "debug", "D", false, "debug output, including cage command streams")
	flags.StringVar(&logFile, "log-file", "", "write logs to a file instead of stderr")

	rootCmd.AddCommand(newPackageCommand())
	rootCmd.AddCommand(newTemplateCommand())
	rootCmd.AddCommand(newInstallerCommand())
	rootCmd.AddCommand(newChrootCommand())
	rootCmd.AddCommand(newRepositoryCommand())
	rootCmd.AddCommand(newConfigCommand())
	rootCmd.AddCommand(newCleanupCommand())

	return rootCmd
}
