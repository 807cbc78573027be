package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/distforge/distforge/pkg/component"
	"github.com/distforge/distforge/pkg/config"
	"github.com/distforge/distforge/pkg/dist"
	"github.com/distforge/distforge/pkg/executor"
	"github.com/distforge/distforge/pkg/plugins"
	"github.com/distforge/distforge/pkg/stage"
	"github.com/distforge/distforge/pkg/state"
	"github.com/distforge/distforge/pkg/telemetry"
	"github.com/distforge/distforge/pkg/template"
)

// templateStages and installerStages are the pipeline subsets those
// handlers serve.
var templateStages = map[string]bool{
	stage.Prep: true, stage.Build: true, stage.Sign: true,
	stage.Publish: true, stage.Upload: true,
}

var installerStages = map[string]bool{
	stage.Prep: true, stage.Build: true, stage.Sign: true, stage.Upload: true,
}

// Planner expands selections into validated job units. Everything that
// can be rejected before execution is rejected here: unknown executor
// kinds, invalid executor options, dependency cycles.
type Planner struct {
	cfg      *config.Config
	registry *plugins.Registry
	log      *telemetry.Logger
}

// NewPlanner creates a planner over the loaded configuration and
// handler registry.
func NewPlanner(cfg *config.Config, registry *plugins.Registry, log *telemetry.Logger) *Planner {
	if log == nil {
		log = telemetry.FromContext(context.Background())
	}
	return &Planner{
		cfg:      cfg,
		registry: registry,
		log:      log.NewComponentLogger("planner"),
	}
}

// PlanComponents expands (components x distributions x stages) into job
// units, in stage order with the caller's component order preserved
// within each stage. Stages without a registered handler for a tuple's
// packaging family plan no unit; post and verify are extension points
// served only by out-of-tree handlers.
func (p *Planner) PlanComponents(components []*component.Component, dists []*dist.Distribution, stages []string) (*Plan, error) {
	graph, err := BuildDependencyGraph(p.cfg)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Command: "package", Graph: graph}
	for _, stageName := range stages {
		entry := plugins.EntryPointFor(stageName)
		for _, c := range components {
			for _, d := range dists {
				handler, ok := p.registry.Lookup(entry, d.Family)
				if !ok {
					p.log.Debugf("no %s handler for %s, skipping %s", entry, d.Family, d.Raw)
					continue
				}
				unit, err := p.newUnit(UnitComponent, stageName, c.Name, d, handler)
				if err != nil {
					return nil, err
				}
				unit.Component = c
				unit.Key = state.Key{
					Component:    c.Name,
					Distribution: d.Raw,
					PackageSet:   string(d.PackageSet),
					Stage:        stageName,
				}
				plan.Units = append(plan.Units, unit)
			}
		}
	}
	return plan, nil
}

// PlanTemplates expands (templates x stages) into job units. Templates
// run a reduced pipeline; requested stages outside it plan no unit.
func (p *Planner) PlanTemplates(templates []*template.Template, stages []string) (*Plan, error) {
	handler, ok := p.registry.Lookup(plugins.EntryTemplate, "")
	if !ok {
		return nil, NewConfigurationError("no template handler registered", nil)
	}

	plan := &Plan{Command: "template"}
	for _, stageName := range stages {
		if !templateStages[stageName] {
			continue
		}
		for _, t := range templates {
			unit, err := p.newUnit(UnitTemplate, stageName, t.Name, t.Distribution, handler)
			if err != nil {
				return nil, err
			}
			unit.Template = t
			if t.Timeout > 0 {
				unit.Timeout = t.Timeout
			}
			unit.Key = state.Key{
				Component:    t.Name,
				Distribution: t.Distribution.Raw,
				PackageSet:   string(t.Distribution.PackageSet),
				Stage:        stageName,
			}
			plan.Units = append(plan.Units, unit)
		}
	}
	return plan, nil
}

// PlanInstaller expands the host installer pipeline. Exactly one host
// distribution must be configured.
func (p *Planner) PlanInstaller(stages []string) (*Plan, error) {
	host, err := p.hostDistribution()
	if err != nil {
		return nil, err
	}
	handler, ok := p.registry.Lookup(plugins.EntryInstaller, "")
	if !ok {
		return nil, NewConfigurationError("no installer handler registered", nil)
	}

	plan := &Plan{Command: "installer"}
	for _, stageName := range stages {
		if !installerStages[stageName] {
			continue
		}
		unit, err := p.newUnit(UnitInstaller, stageName, "", host, handler)
		if err != nil {
			return nil, err
		}
		unit.Key = state.Key{
			Component:    "installer",
			Distribution: host.Raw,
			PackageSet:   string(host.PackageSet),
			Stage:        stageName,
		}
		plan.Units = append(plan.Units, unit)
	}
	return plan, nil
}

// PlanChroot expands chroot cache preparation, one unit per
// distribution. Families without a chroot handler need no prepared
// cache and plan no unit.
func (p *Planner) PlanChroot(dists []*dist.Distribution) (*Plan, error) {
	plan := &Plan{Command: "chroot"}
	for _, d := range dists {
		handler, ok := p.registry.Lookup(plugins.EntryChroot, d.Family)
		if !ok {
			p.log.Debugf("no chroot handler for %s, skipping %s", d.Family, d.Raw)
			continue
		}
		unit, err := p.newUnit(UnitChroot, plugins.StageChroot, "", d, handler)
		if err != nil {
			return nil, err
		}
		unit.Key = state.Key{
			Component:    "chroot",
			Distribution: d.Raw,
			PackageSet:   string(d.PackageSet),
			Stage:        plugins.StageChroot,
		}
		plan.Units = append(plan.Units, unit)
	}
	return plan, nil
}

// newUnit builds the parts every unit shares: the resolved executor,
// its canonical configuration, and the stage timeout. subjectName
// selects the component layer of the executor merge; empty skips it.
func (p *Planner) newUnit(kind UnitKind, stageName, subjectName string, d *dist.Distribution, handler plugins.Handler) (*JobUnit, error) {
	unit := &JobUnit{
		ID:           uuid.New().String(),
		Kind:         kind,
		Stage:        stageName,
		Distribution: d,
		Handler:      handler,
		Timeout:      p.cfg.Timeout(),
	}

	exec, execKind, canonical, err := p.resolveExecutor(stageName, subjectName, d)
	if err != nil {
		return nil, err
	}
	unit.Executor = exec
	unit.ExecutorKind = execKind
	unit.ExecutorConfig = canonical
	return unit, nil
}

// resolveExecutor runs the four-layer merge and builds the backend. The
// canonical YAML rendering of the merged configuration feeds the unit
// fingerprint.
func (p *Planner) resolveExecutor(stageName, componentName string, d *dist.Distribution) (executor.Executor, executor.Kind, string, error) {
	kind, options, err := p.cfg.ExecutorConfigFor(stageName, componentName, d)
	if err != nil {
		return nil, "", "", NewConfigurationError("resolving executor configuration", err)
	}
	exec, err := config.NewExecutor(kind, options, p.log)
	if err != nil {
		return nil, "", "", NewConfigurationError(
			fmt.Sprintf("building %s executor for stage %s", kind, stageName), err)
	}
	canonical, err := yaml.Marshal(map[string]any{"type": kind, "options": options})
	if err != nil {
		return nil, "", "", NewConfigurationError("rendering executor configuration", err)
	}
	return exec, exec.Kind(), string(canonical), nil
}

func (p *Planner) hostDistribution() (*dist.Distribution, error) {
	dists, err := p.cfg.Distributions(nil)
	if err != nil {
		return nil, NewConfigurationError("loading distributions", err)
	}
	var host *dist.Distribution
	for _, d := range dists {
		if d.PackageSet != dist.PackageSetHost {
			continue
		}
		if host != nil {
			return nil, NewConfigurationError("multiple host distributions configured", nil)
		}
		host = d
	}
	if host == nil {
		return nil, NewConfigurationError("no host distribution configured", nil)
	}
	return host, nil
}
