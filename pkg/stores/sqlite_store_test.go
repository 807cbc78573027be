package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/distforge/distforge/pkg/cage"
	"github.com/distforge/distforge/pkg/component"
	"github.com/distforge/distforge/pkg/dist"
	"github.com/distforge/distforge/pkg/engine"
	"github.com/distforge/distforge/pkg/executor"
	"github.com/distforge/distforge/pkg/telemetry"
)

var _ Store = (*SQLiteStore)(nil)

func testLogger(t *testing.T) *telemetry.Logger {
	t.Helper()
	log, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error", Format: "json", Output: "stderr"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func newStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "history.db")}, testLogger(t))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func testResult(t *testing.T, runID, stage, status string, err error) *engine.UnitResult {
	t.Helper()
	d, parseErr := dist.Parse("vm-fc42")
	if parseErr != nil {
		t.Fatal(parseErr)
	}
	started := time.Now().Add(-time.Minute)
	return &engine.UnitResult{
		Unit: &engine.JobUnit{
			ID:           runID + "-" + stage,
			Kind:         engine.UnitComponent,
			Stage:        stage,
			Component:    component.New("core-vchan", t.TempDir()),
			Distribution: d,
		},
		Status:   engine.UnitStatus(status),
		Err:      err,
		Started:  started,
		Finished: started.Add(30 * time.Second),
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}, testLogger(t)); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestRunLifecycle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	started := time.Now().UTC().Truncate(time.Second)

	if err := s.RunStarted(ctx, "run-1", "package", 2, started); err != nil {
		t.Fatalf("RunStarted: %v", err)
	}

	run, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.State != RunStateRunning || run.Total != 2 || run.Command != "package" {
		t.Errorf("run = %+v", run)
	}
	if run.FinishedAt != nil {
		t.Error("unfinished run has FinishedAt")
	}

	if err := s.UnitFinished(ctx, "run-1", testResult(t, "run-1", "build", "succeeded", nil)); err != nil {
		t.Fatalf("UnitFinished: %v", err)
	}
	if err := s.UnitFinished(ctx, "run-1", testResult(t, "run-1", "sign", "failed", errors.New("gpg exploded"))); err != nil {
		t.Fatalf("UnitFinished: %v", err)
	}

	summary := engine.RunSummary{Total: 2, Succeeded: 1, Failed: 1}
	if err := s.RunFinished(ctx, "run-1", summary, started.Add(time.Minute)); err != nil {
		t.Fatalf("RunFinished: %v", err)
	}

	run, err = s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.State != RunStateFailed {
		t.Errorf("State = %q", run.State)
	}
	if run.Succeeded != 1 || run.Failed != 1 {
		t.Errorf("counters = %+v", run)
	}
	if run.FinishedAt == nil {
		t.Error("finished run has no FinishedAt")
	}

	units, err := s.ListUnits(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListUnits: %v", err)
	}
	if len(units) != 2 {
		t.Fatalf("got %d units", len(units))
	}
	if units[0].Stage != "build" || units[1].Stage != "sign" {
		t.Errorf("unit order: %s, %s", units[0].Stage, units[1].Stage)
	}
	build := units[0]
	if build.Subject != "core-vchan" || build.Distribution != "vm-fc42" || build.Kind != "component" {
		t.Errorf("unit = %+v", build)
	}
	if build.Error != nil {
		t.Errorf("succeeded unit carries error %q", *build.Error)
	}
	if units[1].Error == nil || *units[1].Error == "" {
		t.Error("failed unit has no error message")
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := newStore(t)
	if _, err := s.GetRun(context.Background(), "ghost"); err == nil {
		t.Fatal("expected error for unknown run")
	}
}

func TestRunFinishedUnknownRun(t *testing.T) {
	s := newStore(t)
	err := s.RunFinished(context.Background(), "ghost", engine.RunSummary{}, time.Now())
	if err == nil {
		t.Fatal("expected error for unknown run")
	}
}

func TestListRuns(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	for i, id := range []string{"run-a", "run-b", "run-c"} {
		if err := s.RunStarted(ctx, id, "package", 1, base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := s.ListRuns(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-c" || runs[1].ID != "run-b" {
		t.Errorf("first page = %v", runIDs(runs))
	}

	runs, err = s.ListRuns(ctx, 2, 2)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "run-a" {
		t.Errorf("second page = %v", runIDs(runs))
	}
}

func TestActiveRuns(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.RunStarted(ctx, "live", "package", 1, now); err != nil {
		t.Fatal(err)
	}
	if err := s.RunStarted(ctx, "done", "template", 1, now.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := s.RunFinished(ctx, "done", engine.RunSummary{Total: 1, Succeeded: 1}, now); err != nil {
		t.Fatal(err)
	}

	active, err := s.ActiveRuns(ctx)
	if err != nil {
		t.Fatalf("ActiveRuns: %v", err)
	}
	if len(active) != 1 || active[0].ID != "live" {
		t.Errorf("active = %v", runIDs(active))
	}
}

func TestRecordCage(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	at := time.Now().UTC()

	s.RecordCage(ctx, cage.Event{Op: "open", Kind: executor.KindDocker, Root: "/builder", At: at})
	s.RecordCage(ctx, cage.Event{Op: "destroy", Kind: executor.KindDocker, Root: "/builder", Failed: true, At: at.Add(time.Minute)})

	records, err := s.ListCageRecords(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListCageRecords: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records", len(records))
	}
	if records[0].Op != "destroy" || !records[0].Failed {
		t.Errorf("newest record = %+v", records[0])
	}
	if records[1].Op != "open" || records[1].Failed {
		t.Errorf("oldest record = %+v", records[1])
	}
	if records[0].Kind != "docker" || records[0].Root != "/builder" {
		t.Errorf("record = %+v", records[0])
	}
}

func TestPruneRuns(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Old finished run with a unit record.
	if err := s.RunStarted(ctx, "old", "package", 1, now.Add(-48*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := s.UnitFinished(ctx, "old", testResult(t, "old", "build", "succeeded", nil)); err != nil {
		t.Fatal(err)
	}
	if err := s.RunFinished(ctx, "old", engine.RunSummary{Total: 1, Succeeded: 1}, now.Add(-47*time.Hour)); err != nil {
		t.Fatal(err)
	}

	// Recent finished run.
	if err := s.RunStarted(ctx, "recent", "package", 1, now.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := s.RunFinished(ctx, "recent", engine.RunSummary{Total: 1, Succeeded: 1}, now.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}

	// Old but still running.
	if err := s.RunStarted(ctx, "stuck", "package", 1, now.Add(-72*time.Hour)); err != nil {
		t.Fatal(err)
	}

	pruned, err := s.PruneRuns(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneRuns: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned %d run(s), want 1", pruned)
	}

	if _, err := s.GetRun(ctx, "old"); err == nil {
		t.Error("pruned run still readable")
	}
	if _, err := s.GetRun(ctx, "recent"); err != nil {
		t.Errorf("recent run lost: %v", err)
	}
	if _, err := s.GetRun(ctx, "stuck"); err != nil {
		t.Errorf("running run lost: %v", err)
	}

	units, err := s.ListUnits(ctx, "old")
	if err != nil {
		t.Fatal(err)
	}
	if len(units) != 0 {
		t.Errorf("unit records survived the cascade: %d", len(units))
	}
}

func TestRunStateDerivation(t *testing.T) {
	tests := []struct {
		name    string
		summary engine.RunSummary
		want    RunState
	}{
		{"all succeeded", engine.RunSummary{Total: 2, Succeeded: 2}, RunStateSucceeded},
		{"skips only", engine.RunSummary{Total: 2, Succeeded: 1, Skipped: 1}, RunStateSucceeded},
		{"failure", engine.RunSummary{Total: 2, Succeeded: 1, Failed: 1}, RunStateFailed},
		{"blocked counts as failed", engine.RunSummary{Total: 2, Blocked: 2}, RunStateFailed},
		{"cancelled", engine.RunSummary{Total: 2, Succeeded: 1, Cancelled: 1}, RunStateCancelled},
		{"failure wins over cancelled", engine.RunSummary{Total: 3, Failed: 1, Cancelled: 2}, RunStateFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := runState(tt.summary); got != tt.want {
				t.Errorf("runState(%+v) = %q, want %q", tt.summary, got, tt.want)
			}
		})
	}
}

func TestHealthCheck(t *testing.T) {
	s := newStore(t)
	if err := s.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}

	uninitialized, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "x.db")}, testLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := uninitialized.HealthCheck(context.Background()); err == nil {
		t.Error("uninitialized store reported healthy")
	}
}

func runIDs(runs []*Run) []string {
	ids := make([]string, 0, len(runs))
	for _, run := range runs {
		ids = append(ids, run.ID)
	}
	return ids
}
