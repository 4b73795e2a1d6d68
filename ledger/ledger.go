// Package ledger keeps a sqlite record of runs and the outcome of every job
// in them.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"distcoder/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id      TEXT PRIMARY KEY,
	started_at  TIMESTAMP NOT NULL,
	finished_at TIMESTAMP,
	succeeded   INTEGER NOT NULL DEFAULT 0,
	failed      INTEGER NOT NULL DEFAULT 0,
	skipped     INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS jobs (
	run_id      TEXT NOT NULL,
	job_index   INTEGER NOT NULL,
	name        TEXT NOT NULL,
	status      TEXT NOT NULL,
	stage       TEXT,
	error       TEXT,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, job_index)
);`

// Ledger is a sqlite-backed run/job store.
type Ledger struct {
	db *sql.DB
}

// Open opens (creating if needed) the ledger database at path.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening ledger %s: %w", path, err)
	}
	// sqlite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating ledger schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// StartRun records the start of a run.
func (l *Ledger) StartRun(ctx context.Context, runID string, startedAt time.Time) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, started_at) VALUES (?, ?)
		ON CONFLICT(run_id) DO UPDATE SET started_at = excluded.started_at`,
		runID, startedAt.UTC())
	if err != nil {
		return fmt.Errorf("recording run %s: %w", runID, err)
	}
	return nil
}

// RecordJob upserts the outcome of one job.
func (l *Ledger) RecordJob(ctx context.Context, runID string, res models.JobResult) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO jobs (run_id, job_index, name, status, stage, error, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, job_index) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			stage = excluded.stage,
			error = excluded.error,
			duration_ms = excluded.duration_ms`,
		runID, res.Index, res.Name, string(res.Status), res.Stage, res.ErrorString(), res.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("recording job %d of run %s: %w", res.Index, runID, err)
	}
	return nil
}

// FinishRun records the totals of a finished run.
func (l *Ledger) FinishRun(ctx context.Context, report *models.RunReport) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, started_at, finished_at, succeeded, failed, skipped)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			finished_at = excluded.finished_at,
			succeeded = excluded.succeeded,
			failed = excluded.failed,
			skipped = excluded.skipped`,
		report.RunID, report.StartedAt.UTC(), report.FinishedAt.UTC(),
		report.Succeeded(), report.Failed(), report.Skipped())
	if err != nil {
		return fmt.Errorf("finishing run %s: %w", report.RunID, err)
	}
	return nil
}

// JobRecord is one row of the jobs table.
type JobRecord struct {
	Index    int
	Name     string
	Status   models.JobStatus
	Stage    string
	Error    string
	Duration time.Duration
}

// Jobs returns the jobs of runID ordered by index.
func (l *Ledger) Jobs(ctx context.Context, runID string) ([]JobRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT job_index, name, status, COALESCE(stage, ''), COALESCE(error, ''), duration_ms
		FROM jobs WHERE run_id = ? ORDER BY job_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying jobs of run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		var (
			rec    JobRecord
			status string
			ms     int64
		)
		if err := rows.Scan(&rec.Index, &rec.Name, &status, &rec.Stage, &rec.Error, &ms); err != nil {
			return nil, err
		}
		rec.Status = models.JobStatus(status)
		rec.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RunRecord is one row of the runs table.
type RunRecord struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Succeeded  int
	Failed     int
	Skipped    int
}

// Run returns the row of runID, or sql.ErrNoRows.
func (l *Ledger) Run(ctx context.Context, runID string) (RunRecord, error) {
	var (
		rec      RunRecord
		finished sql.NullTime
	)
	err := l.db.QueryRowContext(ctx, `
		SELECT run_id, started_at, finished_at, succeeded, failed, skipped
		FROM runs WHERE run_id = ?`, runID).
		Scan(&rec.RunID, &rec.StartedAt, &finished, &rec.Succeeded, &rec.Failed, &rec.Skipped)
	if err != nil {
		return RunRecord{}, err
	}
	if finished.Valid {
		rec.FinishedAt = finished.Time
	}
	return rec, nil
}
