package cage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/distforge/distforge/pkg/executor"
	"github.com/distforge/distforge/pkg/telemetry"
)

func testLogger(t *testing.T) *telemetry.Logger {
	t.Helper()
	log, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error", Format: "json", Output: "stderr"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

// fakeCage scripts per-phase failures and records every call so tests
// can assert teardown and ordering without a real backend.
type fakeCage struct {
	executor.BuilderTree

	copyInErr  error
	runErrs    map[int]error
	runBlocks  map[int]time.Duration
	copyOutErr error

	mu       sync.Mutex
	copyIns  [][]executor.TransferSpec
	runs     []executor.RunSpec
	copyOuts [][]executor.TransferSpec
	destroys int
}

func (c *fakeCage) CopyIn(_ context.Context, plan []executor.TransferSpec) error {
	c.mu.Lock()
	c.copyIns = append(c.copyIns, plan)
	c.mu.Unlock()
	return c.copyInErr
}

func (c *fakeCage) Run(ctx context.Context, spec executor.RunSpec) (*executor.ExitResult, error) {
	c.mu.Lock()
	i := len(c.runs)
	c.runs = append(c.runs, spec)
	c.mu.Unlock()

	if delay, ok := c.runBlocks[i]; ok {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			err := ctx.Err()
			if errors.Is(err, context.DeadlineExceeded) {
				return &executor.ExitResult{Code: -1}, &executor.ExecutionTimeout{Command: spec.Command(), Elapsed: delay}
			}
			return &executor.ExitResult{Code: -1}, err
		}
	}
	if err := c.runErrs[i]; err != nil {
		return &executor.ExitResult{Code: 1}, err
	}
	return &executor.ExitResult{Code: 0}, nil
}

func (c *fakeCage) CopyOut(_ context.Context, plan []executor.TransferSpec) error {
	c.mu.Lock()
	c.copyOuts = append(c.copyOuts, plan)
	c.mu.Unlock()
	return c.copyOutErr
}

func (c *fakeCage) Destroy(_ context.Context) error {
	c.mu.Lock()
	c.destroys++
	c.mu.Unlock()
	return nil
}

func (c *fakeCage) destroyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroys
}

func (c *fakeCage) runCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.runs)
}

type fakeExecutor struct {
	cage    *fakeCage
	openErr error
}

func (e *fakeExecutor) Open(_ context.Context) (executor.Cage, error) {
	if e.openErr != nil {
		return nil, e.openErr
	}
	return e.cage, nil
}

func (e *fakeExecutor) Kind() executor.Kind {
	return executor.KindLocal
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		cage: &fakeCage{BuilderTree: executor.BuilderTree{Root: "/tmp/cage-test/builder"}},
	}
}

type memoryRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *memoryRecorder) RecordCage(_ context.Context, event Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *memoryRecorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func basicRequest(e *fakeExecutor) Request {
	return Request{
		Executor: e,
		CopyIn:   []executor.TransferSpec{{Source: "/src/pkg", Destination: "@BUILD_DIR@"}},
		Runs: []Run{
			{RunSpec: executor.RunSpec{Commands: []string{"make prep"}}},
			{RunSpec: executor.RunSpec{Commands: []string{"make build"}}},
		},
		CopyOut: []executor.TransferSpec{{Source: "@BUILD_DIR@/out", Destination: "/artifacts"}},
	}
}

func TestExecuteHappyPath(t *testing.T) {
	e := newFakeExecutor()
	m := NewManager(testLogger(t), nil)

	result, err := m.Execute(context.Background(), basicRequest(e))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.State != StateDone {
		t.Errorf("State = %q, want %q", result.State, StateDone)
	}
	if result.Failed != "" {
		t.Errorf("Failed = %q, want empty", result.Failed)
	}
	if len(result.Runs) != 2 {
		t.Errorf("len(Runs) = %d, want 2", len(result.Runs))
	}
	if got := e.cage.destroyCount(); got != 1 {
		t.Errorf("destroy count = %d, want 1", got)
	}
	if len(e.cage.copyIns) != 1 || len(e.cage.copyOuts) != 1 {
		t.Errorf("copy phases = %d in / %d out, want 1 each", len(e.cage.copyIns), len(e.cage.copyOuts))
	}
	if result.Finished.Before(result.Started) {
		t.Errorf("Finished %v before Started %v", result.Finished, result.Started)
	}
}

func TestExecuteDestroysExactlyOnce(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*fakeCage)
		failed State
	}{
		{"success", func(*fakeCage) {}, ""},
		{"copy-in failure", func(c *fakeCage) {
			c.copyInErr = &executor.TransferError{Direction: "copy-in", Path: "/src/pkg", Err: errors.New("no space")}
		}, StateStaging},
		{"run failure", func(c *fakeCage) {
			c.runErrs = map[int]error{0: &executor.ExecutionError{Command: "make prep", Code: 2}}
		}, StateRunning},
		{"copy-out failure", func(c *fakeCage) {
			c.copyOutErr = &executor.TransferError{Direction: "copy-out", Path: "/out", Err: errors.New("gone")}
		}, StateCollecting},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := newFakeExecutor()
			tc.mutate(e.cage)
			m := NewManager(testLogger(t), nil)

			result, err := m.Execute(context.Background(), basicRequest(e))
			if tc.failed == "" {
				if err != nil {
					t.Fatalf("Execute failed: %v", err)
				}
				if result.State != StateDone {
					t.Errorf("State = %q, want %q", result.State, StateDone)
				}
			} else {
				if err == nil {
					t.Fatal("Execute succeeded, want error")
				}
				if result.State != StateError {
					t.Errorf("State = %q, want %q", result.State, StateError)
				}
				if result.Failed != tc.failed {
					t.Errorf("Failed = %q, want %q", result.Failed, tc.failed)
				}
			}
			if got := e.cage.destroyCount(); got != 1 {
				t.Errorf("destroy count = %d, want 1", got)
			}
		})
	}
}

func TestExecuteOpenFailure(t *testing.T) {
	e := newFakeExecutor()
	e.openErr = errors.New("docker daemon unreachable")
	m := NewManager(testLogger(t), nil)

	result, err := m.Execute(context.Background(), basicRequest(e))
	if err == nil {
		t.Fatal("Execute succeeded, want error")
	}
	if !errors.Is(err, e.openErr) {
		t.Errorf("error %v does not wrap the open failure", err)
	}
	if result.Failed != StateCreated {
		t.Errorf("Failed = %q, want %q", result.Failed, StateCreated)
	}
	if got := e.cage.destroyCount(); got != 0 {
		t.Errorf("destroy count = %d, want 0 for a cage that never opened", got)
	}
}

func TestExecuteNoExecutor(t *testing.T) {
	m := NewManager(testLogger(t), nil)
	if _, err := m.Execute(context.Background(), Request{}); err == nil {
		t.Fatal("Execute succeeded without an executor")
	}
}

func TestExecuteAbortsOnFirstFailure(t *testing.T) {
	e := newFakeExecutor()
	e.cage.runErrs = map[int]error{1: &executor.ExecutionError{Command: "make check", Code: 1}}
	m := NewManager(testLogger(t), nil)

	req := basicRequest(e)
	req.Runs = append(req.Runs, Run{RunSpec: executor.RunSpec{Commands: []string{"make install"}}})

	result, err := m.Execute(context.Background(), req)
	if !executor.IsExecution(err) {
		t.Fatalf("error = %v, want execution error", err)
	}
	if got := e.cage.runCount(); got != 2 {
		t.Errorf("run count = %d, want 2 (third batch must not start)", got)
	}
	if len(result.Runs) != 2 {
		t.Errorf("len(Runs) = %d, want 2 including the failing batch", len(result.Runs))
	}
	if len(e.cage.copyOuts) != 0 {
		t.Error("copy-out ran after a failed batch")
	}
}

func TestExecuteBestEffortContinues(t *testing.T) {
	e := newFakeExecutor()
	e.cage.runErrs = map[int]error{1: &executor.ExecutionError{Command: "make check", Code: 1}}
	m := NewManager(testLogger(t), nil)

	req := basicRequest(e)
	req.Runs[1].BestEffort = true
	req.Runs = append(req.Runs, Run{RunSpec: executor.RunSpec{Commands: []string{"make install"}}})

	result, err := m.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.State != StateDone {
		t.Errorf("State = %q, want %q", result.State, StateDone)
	}
	if got := e.cage.runCount(); got != 3 {
		t.Errorf("run count = %d, want 3", got)
	}
}

func TestExecuteStageTimeout(t *testing.T) {
	e := newFakeExecutor()
	e.cage.runBlocks = map[int]time.Duration{0: time.Minute}
	m := NewManager(testLogger(t), nil)

	req := basicRequest(e)
	req.StageTimeout = 50 * time.Millisecond

	result, err := m.Execute(context.Background(), req)
	if !IsStageTimeout(err) {
		t.Fatalf("error = %v, want stage timeout", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error %v does not unwrap to deadline exceeded", err)
	}
	if !executor.IsTimeout(err) {
		t.Errorf("error %v does not wrap the executor timeout", err)
	}
	var timeout *StageTimeout
	if errors.As(err, &timeout) && timeout.Budget != req.StageTimeout {
		t.Errorf("Budget = %v, want %v", timeout.Budget, req.StageTimeout)
	}
	if result.Failed != StateRunning {
		t.Errorf("Failed = %q, want %q", result.Failed, StateRunning)
	}
	if got := e.cage.destroyCount(); got != 1 {
		t.Errorf("destroy count = %d, want 1", got)
	}
}

func TestExecuteBestEffortDoesNotSwallowTimeout(t *testing.T) {
	e := newFakeExecutor()
	e.cage.runBlocks = map[int]time.Duration{1: time.Minute}
	m := NewManager(testLogger(t), nil)

	req := basicRequest(e)
	req.Runs[1].BestEffort = true
	req.Runs = append(req.Runs, Run{RunSpec: executor.RunSpec{Commands: []string{"make install"}}})
	req.StageTimeout = 50 * time.Millisecond

	_, err := m.Execute(context.Background(), req)
	if !IsStageTimeout(err) {
		t.Fatalf("error = %v, want stage timeout", err)
	}
	if got := e.cage.runCount(); got != 2 {
		t.Errorf("run count = %d, want 2 (no batches after the budget expired)", got)
	}
}

func TestExecuteOuterDeadlineNotWrapped(t *testing.T) {
	e := newFakeExecutor()
	e.cage.runBlocks = map[int]time.Duration{0: time.Minute}
	m := NewManager(testLogger(t), nil)

	req := basicRequest(e)
	req.StageTimeout = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := m.Execute(ctx, req)
	if !executor.IsTimeout(err) {
		t.Fatalf("error = %v, want executor timeout", err)
	}
	if IsStageTimeout(err) {
		t.Error("caller deadline was misreported as a stage budget timeout")
	}
	if got := e.cage.destroyCount(); got != 1 {
		t.Errorf("destroy count = %d, want 1", got)
	}
}

func TestExecuteCancellationDestroys(t *testing.T) {
	e := newFakeExecutor()
	e.cage.runBlocks = map[int]time.Duration{0: time.Minute}
	m := NewManager(testLogger(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	result, err := m.Execute(ctx, basicRequest(e))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if result.Failed != StateRunning {
		t.Errorf("Failed = %q, want %q", result.Failed, StateRunning)
	}
	if got := e.cage.destroyCount(); got != 1 {
		t.Errorf("destroy count = %d, want 1", got)
	}
}

func TestExecuteRecordsEvents(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*fakeCage)
		wantFailed bool
	}{
		{"success", func(*fakeCage) {}, false},
		{"failure", func(c *fakeCage) {
			c.runErrs = map[int]error{0: &executor.ExecutionError{Command: "make prep", Code: 1}}
		}, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := newFakeExecutor()
			tc.mutate(e.cage)
			recorder := &memoryRecorder{}
			m := NewManager(testLogger(t), recorder)

			_, _ = m.Execute(context.Background(), basicRequest(e))

			events := recorder.snapshot()
			if len(events) != 2 {
				t.Fatalf("recorded %d events, want 2", len(events))
			}
			open, destroy := events[0], events[1]
			if open.Op != "open" || destroy.Op != "destroy" {
				t.Fatalf("event ops = %q, %q, want open then destroy", open.Op, destroy.Op)
			}
			for _, event := range events {
				if event.Kind != executor.KindLocal {
					t.Errorf("Kind = %q, want %q", event.Kind, executor.KindLocal)
				}
				if event.Root != e.cage.RootDir() {
					t.Errorf("Root = %q, want %q", event.Root, e.cage.RootDir())
				}
				if event.At.IsZero() {
					t.Error("event timestamp is zero")
				}
			}
			if destroy.Failed != tc.wantFailed {
				t.Errorf("destroy Failed = %v, want %v", destroy.Failed, tc.wantFailed)
			}
		})
	}
}

func TestIsStageTimeout(t *testing.T) {
	inner := &StageTimeout{Budget: time.Second, Err: context.DeadlineExceeded}
	if !IsStageTimeout(inner) {
		t.Error("direct stage timeout not detected")
	}
	if !IsStageTimeout(fmt.Errorf("stage failed: %w", inner)) {
		t.Error("wrapped stage timeout not detected")
	}
	if IsStageTimeout(errors.New("boom")) {
		t.Error("unrelated error detected as stage timeout")
	}
}
