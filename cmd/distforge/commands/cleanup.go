package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/distforge/distforge/pkg/config"
	"github.com/distforge/distforge/pkg/telemetry"
)

func newCleanupCommand() *cobra.Command {
	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove stale build artifacts",
		Long: `Garbage-collect the artifacts tree: distfiles and build artifacts of
components no longer configured, superseded artifact versions, old
logs and run history, temporary cage workdirs and chroot caches.
Cleanup consults the run history and refuses to touch directories a
live run may be using.`,
	}

	cleanupCmd.AddCommand(newCleanupDistfilesCommand())
	cleanupCmd.AddCommand(newCleanupBuildArtifactsCommand())
	cleanupCmd.AddCommand(newCleanupLogsCommand())
	cleanupCmd.AddCommand(newCleanupDirCommand("tmp",
		"Remove temporary cage workdirs", (*config.Config).TmpDir))
	cleanupCmd.AddCommand(newCleanupDirCommand("cache",
		"Remove chroot and download caches", (*config.Config).CacheDir))

	return cleanupCmd
}

// configuredNames collects the component names the configuration still
// declares, ignoring the --component narrowing: cleanup reasons about
// the whole configuration.
func configuredNames(cfg *config.Config) (map[string]bool, error) {
	components, err := cfg.Components(nil)
	if err != nil {
		return nil, err
	}
	names := make(map[string]bool, len(components))
	for _, c := range components {
		names[c.Name] = true
	}
	return names, nil
}

func newCleanupDistfilesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "distfiles",
		Short: "Remove distfiles of components no longer configured",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			names, err := configuredNames(cfg)
			if err != nil {
				return err
			}

			entries, err := os.ReadDir(cfg.DistfilesDir())
			if os.IsNotExist(err) {
				return nil
			}
			if err != nil {
				return err
			}

			for _, entry := range entries {
				if !entry.IsDir() || names[entry.Name()] {
					continue
				}
				dir := filepath.Join(cfg.DistfilesDir(), entry.Name())
				if err := os.RemoveAll(dir); err != nil {
					return err
				}
				fmt.Printf("removed %s\n", dir)
			}
			return nil
		},
	}
}

func newCleanupBuildArtifactsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "build-artifacts",
		Short: "Remove superseded component build artifacts",
		Long: `Remove build artifacts of components no longer configured and
artifact trees of superseded component versions. A component whose
current version cannot be resolved (sources not fetched) keeps all its
versions.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}

			components, err := cfg.Components(nil)
			if err != nil {
				return err
			}
			current := make(map[string]string, len(components))
			for _, c := range components {
				if err := c.Resolve(); err != nil {
					current[c.Name] = ""
					continue
				}
				current[c.Name] = c.VersionRelease()
			}

			entries, err := os.ReadDir(cfg.ComponentsDir())
			if os.IsNotExist(err) {
				return nil
			}
			if err != nil {
				return err
			}

			for _, entry := range entries {
				if !entry.IsDir() {
					continue
				}
				name := entry.Name()
				keep, configured := current[name]
				componentDir := filepath.Join(cfg.ComponentsDir(), name)

				if !configured {
					if err := os.RemoveAll(componentDir); err != nil {
						return err
					}
					fmt.Printf("removed %s\n", componentDir)
					continue
				}
				if keep == "" {
					continue
				}

				versions, err := os.ReadDir(componentDir)
				if err != nil {
					return err
				}
				for _, version := range versions {
					if !version.IsDir() || version.Name() == keep {
						continue
					}
					dir := filepath.Join(componentDir, version.Name())
					if err := os.RemoveAll(dir); err != nil {
						return err
					}
					fmt.Printf("removed %s\n", dir)
				}
			}
			return nil
		},
	}
}

func newCleanupLogsCommand() *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Remove old log files and finished run history",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour)

			entries, err := os.ReadDir(cfg.LogsDir())
			if err != nil && !os.IsNotExist(err) {
				return err
			}
			removed := 0
			for _, entry := range entries {
				info, err := entry.Info()
				if err != nil {
					return err
				}
				if info.ModTime().After(cutoff) {
					continue
				}
				if err := os.RemoveAll(filepath.Join(cfg.LogsDir(), entry.Name())); err != nil {
					return err
				}
				removed++
			}

			pruned, err := pruneRunHistory(cmd.Context(), cfg, log, cutoff)
			if err != nil {
				return err
			}
			fmt.Printf("removed %d log file(s), pruned %d run record(s)\n", removed, pruned)
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 30, "remove logs and run records older than this many days")
	return cmd
}

func pruneRunHistory(ctx context.Context, cfg *config.Config, log *telemetry.Logger, cutoff time.Time) (int64, error) {
	if _, err := os.Stat(filepath.Join(cfg.ArtifactsDir(), "runs.db")); os.IsNotExist(err) {
		return 0, nil
	}
	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return 0, err
	}
	defer store.Close()
	return store.PruneRuns(ctx, cutoff)
}

// newCleanupDirCommand builds the tmp and cache subcommands: both
// empty one artifacts subtree, and both refuse while a run is active.
func newCleanupDirCommand(name, short string, dirOf func(*config.Config) string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}

			if err := refuseWhileRunning(cmd.Context(), cfg, log); err != nil {
				return err
			}

			dir := dirOf(cfg)
			entries, err := os.ReadDir(dir)
			if os.IsNotExist(err) {
				return nil
			}
			if err != nil {
				return err
			}
			for _, entry := range entries {
				if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
					return err
				}
			}
			fmt.Printf("emptied %s\n", dir)
			return nil
		},
	}
}

// refuseWhileRunning errors when the run history records a run still in
// flight; its cage workdirs and caches may be in use.
func refuseWhileRunning(ctx context.Context, cfg *config.Config, log *telemetry.Logger) error {
	if _, err := os.Stat(filepath.Join(cfg.ArtifactsDir(), "runs.db")); os.IsNotExist(err) {
		return nil
	}
	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	active, err := store.ActiveRuns(ctx)
	if err != nil {
		return err
	}
	if len(active) > 0 {
		return fmt.Errorf("%d run(s) still active, not cleaning", len(active))
	}
	return nil
}
