package stores

import (
	"context"
	"time"

	"github.com/distforge/distforge/pkg/cage"
	"github.com/distforge/distforge/pkg/engine"
)

// RunState is the lifecycle state of a recorded run.
type RunState string

const (
	RunStateRunning   RunState = "running"
	RunStateSucceeded RunState = "succeeded"
	RunStateFailed    RunState = "failed"
	RunStateCancelled RunState = "cancelled"
)

// Run is one recorded pipeline run.
type Run struct {
	ID      string   `json:"id"`
	Command string   `json:"command"`
	State   RunState `json:"state"`

	// Total is the planned unit count; the remaining counters are
	// filled when the run finishes.
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Blocked   int `json:"blocked"`
	Cancelled int `json:"cancelled"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// UnitRecord is one job unit's terminal result within a run.
type UnitRecord struct {
	ID           int64   `json:"id"`
	RunID        string  `json:"run_id"`
	UnitID       string  `json:"unit_id"`
	Kind         string  `json:"kind"`
	Subject      string  `json:"subject"`
	Distribution string  `json:"distribution"`
	Stage        string  `json:"stage"`
	Status       string  `json:"status"`
	Error        *string `json:"error,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// CageRecord is one cage lifecycle event: an allocation or a teardown.
type CageRecord struct {
	ID     int64     `json:"id"`
	Op     string    `json:"op"`
	Kind   string    `json:"kind"`
	Root   string    `json:"root"`
	Failed bool      `json:"failed"`
	At     time.Time `json:"at"`
}

// Store is the run-history persistence contract. SQLiteStore is the
// only implementation; the interface keeps the CLI and tests decoupled
// from it.
type Store interface {
	engine.RunRecorder
	cage.Recorder

	// Lifecycle
	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
	HealthCheck(ctx context.Context) error

	// Queries
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	ActiveRuns(ctx context.Context) ([]*Run, error)
	ListUnits(ctx context.Context, runID string) ([]*UnitRecord, error)
	ListCageRecords(ctx context.Context, limit, offset int) ([]*CageRecord, error)

	// PruneRuns deletes finished runs that ended before cutoff, with
	// their unit records. It returns the number of runs removed.
	PruneRuns(ctx context.Context, cutoff time.Time) (int64, error)
}
