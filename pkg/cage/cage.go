// Package cage drives one build stage invocation through an isolated
// cage: declared inputs staged in, the handler's command batches run
// in order, declared outputs collected, and the cage destroyed on
// every path. Artifact markers are not written here; the scheduler
// owns marker recording.
package cage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/distforge/distforge/pkg/executor"
)

// State names a point in the stage invocation lifecycle.
type State string

const (
	// StateCreated means the cage is allocated but nothing is staged.
	StateCreated State = "created"

	// StateStaging means declared inputs are being copied in.
	StateStaging State = "staging"

	// StateRunning means the command batches are executing.
	StateRunning State = "running"

	// StateCollecting means declared outputs are being copied out.
	StateCollecting State = "collecting"

	// StateDone is the successful terminal state.
	StateDone State = "done"

	// StateError is the failed terminal state, reachable from any
	// non-terminal state.
	StateError State = "error"
)

// Run is one command batch inside the running phase.
type Run struct {
	executor.RunSpec

	// BestEffort lets the stage continue past this batch's non-zero
	// exit instead of aborting the remainder.
	BestEffort bool
}

// Request describes one full stage invocation.
type Request struct {
	// Executor allocates the cage.
	Executor executor.Executor

	// CopyIn stages inputs before the first batch runs.
	CopyIn []executor.TransferSpec

	// Runs execute in order. The first failing batch aborts the
	// remainder unless it is marked best-effort.
	Runs []Run

	// CopyOut collects outputs after the last batch.
	CopyOut []executor.TransferSpec

	// StageTimeout bounds the wall clock of the whole running phase.
	// Zero means no budget.
	StageTimeout time.Duration
}

// Result reports a finished stage invocation.
type Result struct {
	// State is the terminal state, StateDone or StateError.
	State State

	// Failed names the phase a failed invocation died in. Empty on
	// success.
	Failed State

	// Runs holds per-batch exit results in execution order, including
	// the failing batch.
	Runs []*executor.ExitResult

	Started  time.Time
	Finished time.Time
}

// Duration is the wall clock of the whole invocation.
func (r *Result) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// StageTimeout reports a running phase that exhausted its wall-clock
// budget. The scheduler records it as a stage failure, not a crash.
type StageTimeout struct {
	// Budget is the configured running-phase limit.
	Budget time.Duration

	// Err is the executor's own timeout error.
	Err error
}

// Error implements the error interface.
func (e *StageTimeout) Error() string {
	return fmt.Sprintf("stage exceeded its %s budget: %v", e.Budget, e.Err)
}

// Unwrap returns the underlying executor timeout.
func (e *StageTimeout) Unwrap() error {
	return e.Err
}

// IsStageTimeout reports whether err is or wraps a *StageTimeout.
func IsStageTimeout(err error) bool {
	var e *StageTimeout
	return errors.As(err, &e)
}

// Event is one cage lifecycle transition.
type Event struct {
	// Op is "open" or "destroy".
	Op string

	// Kind is the backend that served the cage.
	Kind executor.Kind

	// Root is the cage's builder tree root.
	Root string

	// Failed marks a destroy that follows a failed invocation.
	Failed bool

	// At is when the transition happened.
	At time.Time
}

// Recorder receives cage lifecycle events. A run-history store
// attaches one to keep allocation and teardown auditable; nil means
// no history is kept.
type Recorder interface {
	RecordCage(ctx context.Context, event Event)
}
