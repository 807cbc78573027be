package engine

import (
	"context"
	"time"

	"github.com/distforge/distforge/pkg/component"
	"github.com/distforge/distforge/pkg/dist"
	"github.com/distforge/distforge/pkg/executor"
	"github.com/distforge/distforge/pkg/plugins"
	"github.com/distforge/distforge/pkg/state"
	"github.com/distforge/distforge/pkg/template"
)

// UnitKind names the pipeline a job unit belongs to.
type UnitKind string

const (
	// UnitComponent builds one component for one distribution.
	UnitComponent UnitKind = "component"

	// UnitTemplate builds one guest template.
	UnitTemplate UnitKind = "template"

	// UnitInstaller builds the host installer image.
	UnitInstaller UnitKind = "installer"

	// UnitChroot prepares one distribution's chroot cache.
	UnitChroot UnitKind = "chroot"
)

// JobUnit is one (subject, distribution, stage) invocation the
// scheduler executes. The planner resolves everything that can fail
// before execution: the handler, the executor and its merged
// configuration.
type JobUnit struct {
	// ID identifies the unit within its run.
	ID string

	// Kind selects the pipeline the unit belongs to.
	Kind UnitKind

	// Stage is the canonical stage name, or the chroot pseudo-stage.
	Stage string

	// Component is set for component units.
	Component *component.Component

	// Template is set for template units.
	Template *template.Template

	// Distribution is the build target. For installer units it is the
	// host distribution.
	Distribution *dist.Distribution

	// Key locates the unit's completion marker.
	Key state.Key

	// Handler resolves the unit into a recipe.
	Handler plugins.Handler

	// Executor runs the unit's cage.
	Executor executor.Executor

	// ExecutorKind is the resolved backend kind.
	ExecutorKind executor.Kind

	// ExecutorConfig is the merged executor configuration in canonical
	// form. It feeds the unit fingerprint so a backend change
	// invalidates prior markers.
	ExecutorConfig string

	// Timeout bounds the unit's running phase.
	Timeout time.Duration
}

// Name is the unit's subject: the component or template name, or the
// pipeline name for installer and chroot units.
func (u *JobUnit) Name() string {
	switch {
	case u.Component != nil:
		return u.Component.Name
	case u.Template != nil:
		return u.Template.Name
	default:
		return string(u.Kind)
	}
}

// UnitStatus is the lifecycle state of a job unit within a run.
type UnitStatus string

const (
	StatusPending   UnitStatus = "pending"
	StatusRunning   UnitStatus = "running"
	StatusSucceeded UnitStatus = "succeeded"

	// StatusSkipped marks a unit whose marker already satisfied the
	// fingerprint, or whose recipe had nothing to do.
	StatusSkipped UnitStatus = "skipped"

	StatusFailed UnitStatus = "failed"

	// StatusBlocked marks a unit never attempted because an upstream
	// unit failed.
	StatusBlocked UnitStatus = "blocked"

	// StatusCancelled marks a unit never attempted because the run was
	// aborted.
	StatusCancelled UnitStatus = "cancelled"
)

// IsTerminal reports whether the status is final.
func (s UnitStatus) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusSkipped, StatusFailed, StatusBlocked, StatusCancelled:
		return true
	default:
		return false
	}
}

// UnitResult is the outcome of one job unit.
type UnitResult struct {
	Unit     *JobUnit
	Status   UnitStatus
	Err      error
	Started  time.Time
	Finished time.Time
}

// Duration is the wall-clock time the unit spent executing.
func (r *UnitResult) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// Plan is a validated set of job units plus the run-wide knobs the
// scheduler threads into their requests.
type Plan struct {
	// Command names the CLI pipeline that produced the plan, for run
	// bookkeeping.
	Command string

	// Units in dispatch order. The scheduler groups them by stage;
	// within a stage the plan order is preserved.
	Units []*JobUnit

	// Graph is the component dependency graph the plan was validated
	// against. Nil for plans without component units.
	Graph *DependencyGraph

	// Repository overrides the configured publish repository when set.
	Repository string

	// Unpublish asks publish units to remove instead of add.
	Unpublish bool
}

// RunSummary aggregates unit outcomes for one run.
type RunSummary struct {
	Total     int
	Succeeded int
	Skipped   int
	Failed    int
	Blocked   int
	Cancelled int
}

// OK reports whether the run may exit zero: nothing failed, nothing
// was blocked, nothing was cut short.
func (s RunSummary) OK() bool {
	return s.Failed == 0 && s.Blocked == 0 && s.Cancelled == 0
}

// RunRecorder persists run history. The scheduler reports lifecycle
// points; persistence failures are logged, never fatal.
type RunRecorder interface {
	// RunStarted records a new run and its planned unit count.
	RunStarted(ctx context.Context, runID, command string, total int, at time.Time) error

	// UnitFinished records one unit's terminal result.
	UnitFinished(ctx context.Context, runID string, result *UnitResult) error

	// RunFinished records the run's final summary.
	RunFinished(ctx context.Context, runID string, summary RunSummary, at time.Time) error
}

// PublishRequest is the evidence a publish gate judges.
type PublishRequest struct {
	// Component is the unit subject name.
	Component string

	// Distribution is the raw distribution identifier.
	Distribution string

	// PackageSet is host or vm.
	PackageSet string

	// Repository is the publish target.
	Repository string

	// SignedAt is when the sign stage completed, zero when no sign
	// marker exists.
	SignedAt time.Time

	// HasSignedArtifacts reports whether the sign stage recorded any
	// outputs.
	HasSignedArtifacts bool
}

// PublishGate decides whether a publish unit may run. A nil error
// allows it; any error denies it with the reason, failing the unit
// without executing anything.
type PublishGate interface {
	AllowPublish(ctx context.Context, req PublishRequest) error
}
