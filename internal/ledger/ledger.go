// Package ledger records every pipeline run in a sqlite database: which
// captures were decoded, which failed and why, and how each alignment went.
// The schema is managed by golang-migrate from migrations embedded in the
// binary.
package ledger

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
	_ "modernc.org/sqlite"

	"github.com/banshee-data/csisync/internal/monitoring"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Outcome statuses.
const (
	StatusRunning = "running"
	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusPartial = "partial"
)

// ErrUnknownRun is returned when finishing a run that was never started.
var ErrUnknownRun = errors.New("unknown run")

// Ledger is a handle on the run database. It is safe for concurrent use;
// writes are serialised on a single connection.
type Ledger struct {
	db *sql.DB
}

// Open opens (creating if needed) the ledger at path and migrates it to the
// latest schema.
func Open(path string) (*Ledger, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open ledger %s: %w", path, err)
	}

	l := &Ledger{db: db}
	if err := l.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(l.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	return m, nil
}

// migrateUp runs all pending migrations. The migrate instance is not closed
// because that would close the shared database handle.
func (l *Ledger) migrateUp() error {
	m, err := l.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// Version returns the current schema version and dirty state.
func (l *Ledger) Version() (version uint, dirty bool, err error) {
	m, err := l.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Logf("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool { return false }

// Run is one pipeline invocation.
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time // zero while running
	Status     string
	ConfigJSON string
}

// CaptureOutcome is the result of decoding one capture file.
type CaptureOutcome struct {
	RunID          string
	Group          string
	Device         string
	File           string
	Status         string
	Frames         int
	Bytes          int64
	Bandwidth      int
	BandwidthValid bool
	StopReason     string
	Error          string
	Duration       time.Duration
}

// AlignmentOutcome is the result of aligning one file across a device group.
type AlignmentOutcome struct {
	RunID      string
	Group      string
	File       string
	Kind       string
	Status     string
	Devices    int
	Rows       int
	Shifts     int
	Removed    int
	Trimmed    int
	Degenerate bool
	Error      string
}

// StartRun inserts a run in the running state.
func (l *Ledger) StartRun(ctx context.Context, id string, startedAt time.Time, configJSON string) error {
	if configJSON == "" {
		configJSON = "{}"
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, started_at, status, config_json) VALUES (?, ?, ?, ?)`,
		id, startedAt.UnixNano(), StatusRunning, configJSON)
	if err != nil {
		return fmt.Errorf("failed to start run %s: %w", id, err)
	}
	return nil
}

// FinishRun stamps the end time and final status of a run.
func (l *Ledger) FinishRun(ctx context.Context, id string, finishedAt time.Time, status string) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, status = ? WHERE run_id = ?`,
		finishedAt.UnixNano(), status, id)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownRun, id)
	}
	return nil
}

// Runs lists every run, most recent first.
func (l *Ledger) Runs(ctx context.Context) ([]Run, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT run_id, started_at, finished_at, status, config_json FROM runs ORDER BY started_at DESC, run_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var started int64
		var finished sql.NullInt64
		if err := rows.Scan(&r.ID, &started, &finished, &r.Status, &r.ConfigJSON); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.StartedAt = time.Unix(0, started).UTC()
		if finished.Valid {
			r.FinishedAt = time.Unix(0, finished.Int64).UTC()
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordCapture stores one capture outcome.
func (l *Ledger) RecordCapture(ctx context.Context, c CaptureOutcome) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO captures (
			run_id, device_group, device, file, status, frames, bytes,
			bandwidth, bandwidth_valid, stop_reason, error, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.RunID, c.Group, c.Device, c.File, c.Status, c.Frames, c.Bytes,
		c.Bandwidth, boolToInt(c.BandwidthValid), c.StopReason, c.Error,
		float64(c.Duration)/float64(time.Millisecond))
	if err != nil {
		return fmt.Errorf("failed to record capture %s/%s: %w", c.Device, c.File, err)
	}
	return nil
}

// Captures returns every capture outcome of a run in insertion order.
func (l *Ledger) Captures(ctx context.Context, runID string) ([]CaptureOutcome, error) {
	return l.queryCaptures(ctx, `WHERE run_id = ?`, runID)
}

// Failures returns the failed capture outcomes of a run.
func (l *Ledger) Failures(ctx context.Context, runID string) ([]CaptureOutcome, error) {
	return l.queryCaptures(ctx, `WHERE run_id = ? AND status = ?`, runID, StatusFailed)
}

func (l *Ledger) queryCaptures(ctx context.Context, where string, args ...interface{}) ([]CaptureOutcome, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT run_id, device_group, device, file, status, frames, bytes,
			bandwidth, bandwidth_valid, stop_reason, error, duration_ms
		FROM captures `+where+` ORDER BY capture_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query captures: %w", err)
	}
	defer rows.Close()

	var out []CaptureOutcome
	for rows.Next() {
		var c CaptureOutcome
		var valid int
		var durationMS float64
		if err := rows.Scan(&c.RunID, &c.Group, &c.Device, &c.File, &c.Status, &c.Frames, &c.Bytes,
			&c.Bandwidth, &valid, &c.StopReason, &c.Error, &durationMS); err != nil {
			return nil, fmt.Errorf("failed to scan capture: %w", err)
		}
		c.BandwidthValid = valid != 0
		c.Duration = time.Duration(durationMS * float64(time.Millisecond))
		out = append(out, c)
	}
	return out, rows.Err()
}

// RecordAlignment stores one alignment outcome.
func (l *Ledger) RecordAlignment(ctx context.Context, a AlignmentOutcome) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO alignments (
			run_id, device_group, file, kind, status, devices, row_count,
			shifts, removed, trimmed, degenerate, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.RunID, a.Group, a.File, a.Kind, a.Status, a.Devices, a.Rows,
		a.Shifts, a.Removed, a.Trimmed, boolToInt(a.Degenerate), a.Error)
	if err != nil {
		return fmt.Errorf("failed to record alignment %s/%s: %w", a.Group, a.File, err)
	}
	return nil
}

// Alignments returns every alignment outcome of a run in insertion order.
func (l *Ledger) Alignments(ctx context.Context, runID string) ([]AlignmentOutcome, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT run_id, device_group, file, kind, status, devices, row_count,
			shifts, removed, trimmed, degenerate, error
		FROM alignments WHERE run_id = ? ORDER BY alignment_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query alignments: %w", err)
	}
	defer rows.Close()

	var out []AlignmentOutcome
	for rows.Next() {
		var a AlignmentOutcome
		var degenerate int
		if err := rows.Scan(&a.RunID, &a.Group, &a.File, &a.Kind, &a.Status, &a.Devices, &a.Rows,
			&a.Shifts, &a.Removed, &a.Trimmed, &degenerate, &a.Error); err != nil {
			return nil, fmt.Errorf("failed to scan alignment: %w", err)
		}
		a.Degenerate = degenerate != 0
		out = append(out, a)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
