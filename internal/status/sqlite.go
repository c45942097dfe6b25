package status

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store and RunRecorder on a SQLite database.
// Every Set is committed immediately; Flush checkpoints the WAL.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

var (
	_ Store       = (*SQLiteStore)(nil)
	_ RunRecorder = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens or creates the database at dbPath.
// Creates parent directories if needed. Enables WAL mode and a busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	// modernc.org/sqlite only applies pragmas given as _pragma parameters.
	connStr := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", dbPath)
	return openSQLite(ctx, connStr, dbPath)
}

// NewMemoryStore creates an in-memory SQLite store for testing.
// Each call gets its own database; the shared cache lets the pool's
// connections see the same one.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	return openSQLite(ctx, connStr, "")
}

func openSQLite(ctx context.Context, connStr, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One for the scheduler's writes, one for observers reading concurrently.
	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db, path: path}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS task_status (
		name TEXT PRIMARY KEY,
		finished INTEGER NOT NULL,
		status TEXT NOT NULL,
		last_run DATETIME,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS task_runs (
		run_id TEXT PRIMARY KEY,
		chain_id TEXT NOT NULL,
		task TEXT NOT NULL,
		status TEXT NOT NULL,
		exit_code INTEGER NOT NULL,
		elapsed_ms INTEGER NOT NULL,
		stdout_tail TEXT,
		stderr_tail TEXT,
		finished_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_task_runs_task_finished
		ON task_runs(task, finished_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Path returns the database file, or "" for an in-memory store.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Get returns the record for name.
func (s *SQLiteStore) Get(ctx context.Context, name string) (Record, bool, error) {
	var rec Record
	var finished int
	var lastRun sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT finished, status, last_run
		FROM task_status
		WHERE name = ?
	`, name).Scan(&finished, &rec.Status, &lastRun)

	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to query status of %s: %w", name, err)
	}

	rec.Finished = finished != 0
	if lastRun.Valid {
		rec.LastRun = lastRun.Time
	}
	return rec, true, nil
}

// Set upserts the record for name.
func (s *SQLiteStore) Set(ctx context.Context, name string, rec Record) error {
	finished := 0
	if rec.Finished {
		finished = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_status (name, finished, status, last_run, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET
			finished = excluded.finished,
			status = excluded.status,
			last_run = excluded.last_run,
			updated_at = CURRENT_TIMESTAMP
	`, name, finished, string(rec.Status), rec.LastRun.UTC())
	if err != nil {
		return fmt.Errorf("failed to save status of %s: %w", name, err)
	}
	return nil
}

// Flush checkpoints the write-ahead log into the main database file.
func (s *SQLiteStore) Flush(ctx context.Context) error {
	if s.path == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)"); err != nil {
		return fmt.Errorf("failed to checkpoint status database: %w", err)
	}
	return nil
}

// All returns every stored record keyed by task name.
func (s *SQLiteStore) All(ctx context.Context) (map[string]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, finished, status, last_run
		FROM task_status
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query statuses: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Record)
	for rows.Next() {
		var name string
		var finished int
		var rec Record
		var lastRun sql.NullTime
		if err := rows.Scan(&name, &finished, &rec.Status, &lastRun); err != nil {
			return nil, fmt.Errorf("failed to scan status: %w", err)
		}
		rec.Finished = finished != 0
		if lastRun.Valid {
			rec.LastRun = lastRun.Time
		}
		out[name] = rec
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating statuses: %w", err)
	}
	return out, nil
}

// RecordRun appends one execution to the history table.
func (s *SQLiteStore) RecordRun(ctx context.Context, run Run) error {
	if run.RunID == "" {
		run.RunID = uuid.NewString()
	}
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_runs (run_id, chain_id, task, status, exit_code, elapsed_ms, stdout_tail, stderr_tail, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.RunID, run.ChainID, run.Task, string(run.Status), run.ExitCode,
		run.Elapsed.Milliseconds(), run.StdoutTail, run.StderrTail, run.FinishedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record run of %s: %w", run.Task, err)
	}
	return nil
}

// Runs lists the most recent executions, newest first. An empty task lists
// runs of every task; limit <= 0 means no limit.
func (s *SQLiteStore) Runs(ctx context.Context, task string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, chain_id, task, status, exit_code, elapsed_ms, stdout_tail, stderr_tail, finished_at
		FROM task_runs
		WHERE ? = '' OR task = ?
		ORDER BY finished_at DESC, rowid DESC
		LIMIT ?
	`, task, task, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var elapsedMs int64
		var stdoutTail, stderrTail sql.NullString
		if err := rows.Scan(&run.RunID, &run.ChainID, &run.Task, &run.Status, &run.ExitCode,
			&elapsedMs, &stdoutTail, &stderrTail, &run.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.Elapsed = time.Duration(elapsedMs) * time.Millisecond
		run.StdoutTail = stdoutTail.String
		run.StderrTail = stderrTail.String
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
