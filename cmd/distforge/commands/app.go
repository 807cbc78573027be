package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/distforge/distforge/pkg/cage"
	"github.com/distforge/distforge/pkg/config"
	"github.com/distforge/distforge/pkg/engine"
	"github.com/distforge/distforge/pkg/plugins"
	"github.com/distforge/distforge/pkg/plugins/wasmhost"
	"github.com/distforge/distforge/pkg/policy"
	"github.com/distforge/distforge/pkg/state"
	"github.com/distforge/distforge/pkg/stores"
	"github.com/distforge/distforge/pkg/telemetry"
)

// app wires the pipeline together for one command invocation: loaded
// configuration, telemetry, the handler registry with any WASM
// handlers, the run-history store, the release policy gate and the
// scheduler.
type app struct {
	cfg       *config.Config
	tel       *telemetry.Telemetry
	log       *telemetry.Logger
	registry  *plugins.Registry
	planner   *engine.Planner
	store     *stores.SQLiteStore
	gate      *policy.Gate
	tracker   *state.Tracker
	scheduler *engine.Scheduler

	wasmHandlers []*wasmhost.Handler
}

// telemetryConfig derives the telemetry setup from the persistent
// flags. Debug output includes cage command streams, so sampling stays
// off unless explicitly re-enabled.
func telemetryConfig(version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if debug {
		cfg.Logging.Level = "trace"
	}
	if logFile != "" {
		cfg.Logging.Output = logFile
		cfg.Logging.Format = "json"
	}
	return cfg
}

// loadConfig loads the builder configuration with flag overrides
// applied, plus a logger. Commands that only inspect configuration use
// this instead of the full app.
func loadConfig() (*config.Config, *telemetry.Logger, error) {
	tel, err := telemetry.NewTelemetry(telemetryConfig("dev"))
	if err != nil {
		return nil, nil, err
	}

	cfg, err := config.Load(builderConf, tel.Logger)
	if err != nil {
		return nil, nil, err
	}
	if err := applyFlagOverrides(cfg); err != nil {
		return nil, nil, err
	}
	return cfg, tel.Logger, nil
}

func applyFlagOverrides(cfg *config.Config) error {
	for _, option := range optionFlag {
		if err := cfg.ApplyOption(option); err != nil {
			return err
		}
	}
	if verbose {
		cfg.Set("verbose", true)
	}
	if debug {
		cfg.Set("debug", true)
	}
	return nil
}

// newApp builds the full pipeline. The returned context carries the
// telemetry instance; the caller closes the app when done.
func newApp(ctx context.Context) (*app, context.Context, error) {
	tel, err := telemetry.NewTelemetry(telemetryConfig("dev"))
	if err != nil {
		return nil, ctx, err
	}
	ctx = tel.WithContext(ctx)
	log := tel.Logger

	cfg, err := config.Load(builderConf, log)
	if err != nil {
		return nil, ctx, err
	}
	if err := applyFlagOverrides(cfg); err != nil {
		return nil, ctx, err
	}

	a := &app{cfg: cfg, tel: tel, log: log}

	a.registry = plugins.NewRegistry(log)
	a.wasmHandlers, err = wasmhost.Load(ctx, a.registry, cfg.PluginsDirs(), nil, log)
	if err != nil {
		a.Close(ctx)
		return nil, ctx, err
	}
	a.planner = engine.NewPlanner(cfg, a.registry, log)

	a.store, err = openStore(ctx, cfg, log)
	if err != nil {
		a.Close(ctx)
		return nil, ctx, err
	}

	a.gate, err = policy.NewGate(cfg.MinAgeDays(), log)
	if err != nil {
		a.Close(ctx)
		return nil, ctx, err
	}
	if err := a.gate.LoadPolicies(ctx, cfg.PolicyDirs()); err != nil {
		a.Close(ctx)
		return nil, ctx, err
	}

	a.tracker, err = state.NewTracker(cfg.MarkersDir(), log)
	if err != nil {
		a.Close(ctx)
		return nil, ctx, err
	}
	cages := cage.NewManager(log, a.store)

	a.scheduler, err = engine.NewScheduler(cfg, a.tracker, cages, log)
	if err != nil {
		a.Close(ctx)
		return nil, ctx, err
	}
	a.scheduler.Metrics = tel.Metrics
	a.scheduler.Recorder = a.store
	a.scheduler.Gate = a.gate

	return a, ctx, nil
}

// openStore opens the run-history database under the artifacts tree.
func openStore(ctx context.Context, cfg *config.Config, log *telemetry.Logger) (*stores.SQLiteStore, error) {
	if err := os.MkdirAll(cfg.ArtifactsDir(), 0o755); err != nil {
		return nil, err
	}
	store, err := stores.NewSQLiteStore(stores.Config{
		Path: filepath.Join(cfg.ArtifactsDir(), "runs.db"),
	}, log)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// runPlan executes a plan and turns a failed summary into a command
// error so the process exits non-zero.
func (a *app) runPlan(ctx context.Context, plan *engine.Plan) error {
	summary, err := a.scheduler.Run(ctx, plan)
	if err != nil {
		return err
	}

	a.log.Infof("run finished: %d total, %d succeeded, %d skipped, %d failed, %d blocked, %d cancelled",
		summary.Total, summary.Succeeded, summary.Skipped, summary.Failed, summary.Blocked, summary.Cancelled)
	if !summary.OK() {
		return fmt.Errorf("%d unit(s) failed, %d blocked, %d cancelled",
			summary.Failed, summary.Blocked, summary.Cancelled)
	}
	return nil
}

// Close releases everything the app holds. Safe on a partially built
// app.
func (a *app) Close(ctx context.Context) {
	for _, h := range a.wasmHandlers {
		h.Close(ctx)
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.WithError(err).Warn("failed to close run-history store")
		}
	}
	if a.tel != nil {
		if err := a.tel.Shutdown(ctx); err != nil {
			a.log.WithError(err).Warn("telemetry shutdown failed")
		}
	}
}
