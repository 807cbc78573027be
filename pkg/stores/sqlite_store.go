package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/distforge/distforge/pkg/cage"
	"github.com/distforge/distforge/pkg/engine"
	"github.com/distforge/distforge/pkg/telemetry"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
	log  *telemetry.Logger
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance. Init opens the
// database; Migrate brings the schema up to date.
func NewSQLiteStore(cfg Config, log *telemetry.Logger) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if log == nil {
		log = telemetry.FromContext(context.Background())
	}
	return &SQLiteStore{
		path: cfg.Path,
		log:  log.NewComponentLogger("stores"),
	}, nil
}

// Init opens the database and applies the connection pragmas: WAL
// journaling, a busy timeout so concurrent workers queue instead of
// failing, and enforced foreign keys.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// RunStarted records a new run in the running state.
func (s *SQLiteStore) RunStarted(ctx context.Context, runID, command string, total int, at time.Time) error {
	query := `
		INSERT INTO runs (id, command, state, total, started_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query, runID, command, RunStateRunning, total, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to record run start: %w", err)
	}
	return nil
}

// UnitFinished records one job unit's terminal result.
func (s *SQLiteStore) UnitFinished(ctx context.Context, runID string, result *engine.UnitResult) error {
	query := `
		INSERT INTO run_units (run_id, unit_id, kind, subject, distribution, stage, status, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var errMsg *string
	if result.Err != nil {
		msg := result.Err.Error()
		errMsg = &msg
	}
	unit := result.Unit
	_, err := s.db.ExecContext(ctx, query,
		runID,
		unit.ID,
		string(unit.Kind),
		unit.Name(),
		unit.Distribution.Raw,
		unit.Stage,
		string(result.Status),
		errMsg,
		result.Started.UTC(),
		result.Finished.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record unit result: %w", err)
	}
	return nil
}

// RunFinished records a run's terminal state and its summary counters.
func (s *SQLiteStore) RunFinished(ctx context.Context, runID string, summary engine.RunSummary, at time.Time) error {
	query := `
		UPDATE runs
		SET state = ?, total = ?, succeeded = ?, skipped = ?, failed = ?, blocked = ?, cancelled = ?, finished_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		runState(summary),
		summary.Total,
		summary.Succeeded,
		summary.Skipped,
		summary.Failed,
		summary.Blocked,
		summary.Cancelled,
		at.UTC(),
		runID,
	)
	if err != nil {
		return fmt.Errorf("failed to record run end: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run not found: %s", runID)
	}
	return nil
}

// runState derives the terminal run state from the summary.
func runState(summary engine.RunSummary) RunState {
	switch {
	case summary.Failed > 0 || summary.Blocked > 0:
		return RunStateFailed
	case summary.Cancelled > 0:
		return RunStateCancelled
	default:
		return RunStateSucceeded
	}
}

// RecordCage appends one cage lifecycle event. Persistence failures
// are logged, never surfaced: run history must not break builds.
func (s *SQLiteStore) RecordCage(ctx context.Context, event cage.Event) {
	query := `
		INSERT INTO cage_records (op, kind, root, failed, at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query, event.Op, string(event.Kind), event.Root, event.Failed, event.At.UTC())
	if err != nil {
		s.log.WithError(err).Warn("failed to record cage event")
	}
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `
		SELECT id, command, state, total, succeeded, skipped, failed, blocked, cancelled, started_at, finished_at
		FROM runs
		WHERE id = ?
	`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists runs newest first, with pagination.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	query := `
		SELECT id, command, state, total, succeeded, skipped, failed, blocked, cancelled, started_at, finished_at
		FROM runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// ActiveRuns lists runs still in the running state. Cleanup consults
// this so live cage workdirs are never removed.
func (s *SQLiteStore) ActiveRuns(ctx context.Context) ([]*Run, error) {
	query := `
		SELECT id, command, state, total, succeeded, skipped, failed, blocked, cancelled, started_at, finished_at
		FROM runs
		WHERE state = ?
		ORDER BY started_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, RunStateRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to list active runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// ListUnits lists every unit record of a run, in completion order.
func (s *SQLiteStore) ListUnits(ctx context.Context, runID string) ([]*UnitRecord, error) {
	query := `
		SELECT id, run_id, unit_id, kind, subject, distribution, stage, status, error, started_at, finished_at
		FROM run_units
		WHERE run_id = ?
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list units: %w", err)
	}
	defer rows.Close()

	units := []*UnitRecord{}
	for rows.Next() {
		unit := &UnitRecord{}
		err := rows.Scan(
			&unit.ID,
			&unit.RunID,
			&unit.UnitID,
			&unit.Kind,
			&unit.Subject,
			&unit.Distribution,
			&unit.Stage,
			&unit.Status,
			&unit.Error,
			&unit.StartedAt,
			&unit.FinishedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan unit: %w", err)
		}
		units = append(units, unit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating units: %w", err)
	}
	return units, nil
}

// ListCageRecords lists cage events newest first, with pagination.
func (s *SQLiteStore) ListCageRecords(ctx context.Context, limit, offset int) ([]*CageRecord, error) {
	query := `
		SELECT id, op, kind, root, failed, at
		FROM cage_records
		ORDER BY at DESC, id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list cage records: %w", err)
	}
	defer rows.Close()

	records := []*CageRecord{}
	for rows.Next() {
		record := &CageRecord{}
		if err := rows.Scan(&record.ID, &record.Op, &record.Kind, &record.Root, &record.Failed, &record.At); err != nil {
			return nil, fmt.Errorf("failed to scan cage record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cage records: %w", err)
	}
	return records, nil
}

// PruneRuns deletes finished runs that ended before cutoff. Unit
// records follow through the foreign key cascade; running runs are
// never touched.
func (s *SQLiteStore) PruneRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM runs
		WHERE state != ? AND finished_at IS NOT NULL AND finished_at < ?
	`

	result, err := s.db.ExecContext(ctx, query, RunStateRunning, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows for run scanning.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	run := &Run{}
	err := row.Scan(
		&run.ID,
		&run.Command,
		&run.State,
		&run.Total,
		&run.Succeeded,
		&run.Skipped,
		&run.Failed,
		&run.Blocked,
		&run.Cancelled,
		&run.StartedAt,
		&run.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return run, nil
}

func collectRuns(rows *sql.Rows) ([]*Run, error) {
	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}
