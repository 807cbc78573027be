package cage

import (
	"context"
	"fmt"
	"time"

	"github.com/distforge/distforge/pkg/executor"
	"github.com/distforge/distforge/pkg/telemetry"
)

// Manager drives stage invocations through cages.
type Manager struct {
	log      *telemetry.Logger
	recorder Recorder
}

// NewManager creates a manager. A nil logger falls back to the process
// default; a nil recorder disables run-history events.
func NewManager(log *telemetry.Logger, recorder Recorder) *Manager {
	if log == nil {
		log = telemetry.FromContext(context.Background())
	}

	return &Manager{
		log:      log.NewComponentLogger("cage"),
		recorder: recorder,
	}
}

// Execute drives one stage invocation through a fresh cage. The cage
// is destroyed exactly once on every path that allocated one, whether
// the invocation succeeds, fails, or is cancelled.
func (m *Manager) Execute(ctx context.Context, req Request) (*Result, error) {
	if req.Executor == nil {
		return nil, fmt.Errorf("no executor configured for stage")
	}

	result := &Result{State: StateCreated, Started: time.Now()}

	fail := func(phase State, err error) (*Result, error) {
		result.State = StateError
		result.Failed = phase
		result.Finished = time.Now()
		return result, err
	}

	c, err := req.Executor.Open(ctx)
	if err != nil {
		return fail(StateCreated, fmt.Errorf("failed to open cage: %w", err))
	}
	m.record(ctx, Event{
		Op:   "open",
		Kind: req.Executor.Kind(),
		Root: c.RootDir(),
		At:   time.Now(),
	})

	defer func() {
		// Teardown must run even when ctx is already cancelled.
		teardownCtx := context.WithoutCancel(ctx)
		if err := c.Destroy(teardownCtx); err != nil {
			m.log.WithError(err).Warnf("failed to destroy cage %s", c.RootDir())
		}
		m.record(teardownCtx, Event{
			Op:     "destroy",
			Kind:   req.Executor.Kind(),
			Root:   c.RootDir(),
			Failed: result.State == StateError,
			At:     time.Now(),
		})
	}()

	result.State = StateStaging
	m.log.Debugf("staging %d input(s)", len(req.CopyIn))
	if err := c.CopyIn(ctx, executor.RenderTransfers(c, req.CopyIn)); err != nil {
		return fail(StateStaging, err)
	}

	result.State = StateRunning
	runCtx := ctx
	if req.StageTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, req.StageTimeout)
		defer cancel()
	}
	for i, run := range req.Runs {
		m.log.Debugf("running batch %d/%d", i+1, len(req.Runs))
		res, err := c.Run(runCtx, run.RunSpec)
		if res != nil {
			result.Runs = append(result.Runs, res)
		}
		if err == nil {
			continue
		}
		if run.BestEffort && executor.IsExecution(err) && runCtx.Err() == nil {
			m.log.WithError(err).Debugf("continuing past best-effort batch %d", i+1)
			continue
		}
		if req.StageTimeout > 0 && executor.IsTimeout(err) && ctx.Err() == nil {
			err = &StageTimeout{Budget: req.StageTimeout, Err: err}
		}
		return fail(StateRunning, err)
	}

	result.State = StateCollecting
	m.log.Debugf("collecting %d output(s)", len(req.CopyOut))
	if err := c.CopyOut(ctx, executor.RenderTransfers(c, req.CopyOut)); err != nil {
		return fail(StateCollecting, err)
	}

	result.State = StateDone
	result.Finished = time.Now()
	return result, nil
}

func (m *Manager) record(ctx context.Context, event Event) {
	if m.recorder == nil {
		return
	}
	m.recorder.RecordCage(ctx, event)
}
