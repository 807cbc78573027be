package plugins

import (
	"time"

	"github.com/distforge/distforge/pkg/cage"
	"github.com/distforge/distforge/pkg/executor"
)

// Batch is one command group of a recipe. Batches run in order; a
// failing batch aborts the remainder unless marked best-effort.
type Batch struct {
	Commands   []string
	BestEffort bool
}

// Recipe is the fully resolved execution plan for one stage
// invocation. Handlers return it without running anything; the
// scheduler hands it to a cage. Paths in CopyIn sources are host
// paths; CopyIn destinations, commands and CopyOut sources may carry
// directory placeholders resolved against the cage at run time.
type Recipe struct {
	CopyIn  []executor.TransferSpec
	Batches []Batch
	CopyOut []executor.TransferSpec

	// EnsureDirs are host directories created before staging; copy-in
	// sources and copy-out destinations must exist.
	EnsureDirs []string

	// CleanDirs are host directories this invocation replaces, removed
	// before staging so stale artifacts never leak into listings.
	CleanDirs []string

	// CleanGlobs are host glob patterns removed before staging, for
	// superseded artifacts of earlier versions.
	CleanGlobs []string

	// Env is exported to every batch.
	Env map[string]string

	// PlaceholderFiles are staged files rewritten in place before the
	// first batch runs.
	PlaceholderFiles []string

	// TolerateMissing lists copy-out patterns whose absence is not an
	// error.
	TolerateMissing []string

	// Fingerprint is the ordered field list identifying this
	// invocation for skip-if-exists and marker bookkeeping.
	Fingerprint []string

	// OutputsDir is the host directory Outputs are relative to.
	OutputsDir string

	// Outputs names the artifacts the stage is expected to leave
	// behind, relative to OutputsDir. Entries ending in "/" are
	// directories whose listing is recorded once the stage ran.
	Outputs []string

	// SharedResources are host directories the recipe mutates that
	// other units consume, e.g. the builder-local repository of a
	// distribution. The scheduler serializes on them.
	SharedResources []string

	// LocalOnly restricts execution to the local backend. Publish and
	// upload recipes touch the host repository tree directly.
	LocalOnly bool

	// NothingToDo marks a resolution that needs no execution, e.g. a
	// component with no targets for the distribution. The scheduler
	// records the unit as skipped.
	NothingToDo bool
}

// run appends a regular batch.
func (r *Recipe) run(commands ...string) {
	if len(commands) == 0 {
		return
	}
	r.Batches = append(r.Batches, Batch{Commands: commands})
}

// runBestEffort appends a batch whose failure does not abort the stage.
func (r *Recipe) runBestEffort(commands ...string) {
	if len(commands) == 0 {
		return
	}
	r.Batches = append(r.Batches, Batch{Commands: commands, BestEffort: true})
}

// copyIn appends an input transfer.
func (r *Recipe) copyIn(source, destination string) {
	r.CopyIn = append(r.CopyIn, executor.TransferSpec{Source: source, Destination: destination})
}

// copyOut appends an output transfer.
func (r *Recipe) copyOut(source, destination string) {
	r.CopyOut = append(r.CopyOut, executor.TransferSpec{Source: source, Destination: destination})
}

// setEnv records one environment variable for every batch.
func (r *Recipe) setEnv(key, value string) {
	if r.Env == nil {
		r.Env = make(map[string]string)
	}
	r.Env[key] = value
}

// Empty reports whether the recipe carries no work at all.
func (r *Recipe) Empty() bool {
	return len(r.CopyIn) == 0 && len(r.Batches) == 0 && len(r.CopyOut) == 0
}

// CageRequest converts the recipe into a cage stage request on the
// given executor. The environment and tolerated-missing patterns apply
// to every batch; placeholder files are rewritten once, before the
// first batch.
func (r *Recipe) CageRequest(exec executor.Executor, timeout time.Duration) cage.Request {
	runs := make([]cage.Run, 0, len(r.Batches))
	for i, b := range r.Batches {
		spec := executor.RunSpec{
			Commands:        b.Commands,
			Env:             r.Env,
			TolerateMissing: r.TolerateMissing,
		}
		if i == 0 {
			spec.PlaceholderFiles = r.PlaceholderFiles
		}
		runs = append(runs, cage.Run{RunSpec: spec, BestEffort: b.BestEffort})
	}
	return cage.Request{
		Executor:     exec,
		CopyIn:       r.CopyIn,
		Runs:         runs,
		CopyOut:      r.CopyOut,
		StageTimeout: timeout,
	}
}
