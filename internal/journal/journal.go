// Package journal keeps a durable record of every merge attempt on local
// disk. Remote merge failures must be reported with enough context for
// manual retry; the journal makes that survive past the terminal scrollback.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	comparator_field TEXT NOT NULL,
	dry_run INTEGER NOT NULL,
	started_at TIMESTAMP NOT NULL,
	finished_at TIMESTAMP,
	leads_visited INTEGER NOT NULL DEFAULT 0,
	groups_found INTEGER NOT NULL DEFAULT 0,
	sources_merged INTEGER NOT NULL DEFAULT 0,
	failures INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS merge_attempts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL REFERENCES runs(id),
	source_id TEXT NOT NULL,
	source_name TEXT NOT NULL DEFAULT '',
	destination_id TEXT NOT NULL,
	destination_name TEXT NOT NULL DEFAULT '',
	dry_run INTEGER NOT NULL,
	ok INTEGER NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_merge_attempts_run ON merge_attempts(run_id);
`

// Run is one invocation of the walk.
type Run struct {
	ID         string
	Field      string
	DryRun     bool
	StartedAt  time.Time
	FinishedAt *time.Time

	LeadsVisited  int
	GroupsFound   int
	SourcesMerged int
	Failures      int
}

// Attempt is one source→destination merge attempt, planned or executed.
type Attempt struct {
	RunID           string
	SourceID        string
	SourceName      string
	DestinationID   string
	DestinationName string
	DryRun          bool
	OK              bool
	Error           string
	CreatedAt       time.Time
}

// Journal is a sqlite-backed merge log.
type Journal struct {
	db *sql.DB
}

// DefaultPath returns the default journal location under the user's home
// directory.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "leadmerge.db"
	}
	return filepath.Join(home, ".leadmerge", "journal.db")
}

// Open opens (creating if necessary) the journal database at path.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("opening journal database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging journal database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// BeginRun records the start of a walk and returns its run ID.
func (j *Journal) BeginRun(ctx context.Context, field string, dryRun bool) (string, error) {
	runID := uuid.New().String()
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO runs (id, comparator_field, dry_run, started_at) VALUES (?, ?, ?, ?)`,
		runID, field, dryRun, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("recording run start: %w", err)
	}
	return runID, nil
}

// RecordMerge appends one merge attempt to the journal.
func (j *Journal) RecordMerge(ctx context.Context, a Attempt) error {
	if a.RunID == "" {
		return fmt.Errorf("attempt is missing a run id")
	}
	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO merge_attempts
			(run_id, source_id, source_name, destination_id, destination_name, dry_run, ok, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.RunID, a.SourceID, a.SourceName, a.DestinationID, a.DestinationName,
		a.DryRun, a.OK, a.Error, created,
	)
	if err != nil {
		return fmt.Errorf("recording merge attempt (source=%s, destination=%s): %w", a.SourceID, a.DestinationID, err)
	}
	return nil
}

// FinishRun stamps the run's end time and final counters.
func (j *Journal) FinishRun(ctx context.Context, runID string, visited, groups, merged, failures int) error {
	_, err := j.db.ExecContext(ctx,
		`UPDATE runs
		SET finished_at = ?, leads_visited = ?, groups_found = ?, sources_merged = ?, failures = ?
		WHERE id = ?`,
		time.Now().UTC(), visited, groups, merged, failures, runID,
	)
	if err != nil {
		return fmt.Errorf("recording run finish: %w", err)
	}
	return nil
}

// Runs returns the most recent runs, newest first.
func (j *Journal) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, comparator_field, dry_run, started_at, finished_at,
		        leads_visited, groups_found, sources_merged, failures
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var finished sql.NullTime
		if err := rows.Scan(&r.ID, &r.Field, &r.DryRun, &r.StartedAt, &finished,
			&r.LeadsVisited, &r.GroupsFound, &r.SourcesMerged, &r.Failures); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Attempts returns a run's merge attempts in insertion order, optionally
// restricted to failures.
func (j *Journal) Attempts(ctx context.Context, runID string, onlyFailed bool) ([]Attempt, error) {
	query := `SELECT run_id, source_id, source_name, destination_id, destination_name,
	                 dry_run, ok, error, created_at
	          FROM merge_attempts WHERE run_id = ?`
	if onlyFailed {
		query += ` AND ok = 0 AND dry_run = 0`
	}
	query += ` ORDER BY id`

	rows, err := j.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("querying merge attempts: %w", err)
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		var a Attempt
		if err := rows.Scan(&a.RunID, &a.SourceID, &a.SourceName, &a.DestinationID, &a.DestinationName,
			&a.DryRun, &a.OK, &a.Error, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning merge attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}
