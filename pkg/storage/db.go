// Package storage persists test runs, execution results, and artifacts in
// a local sqlite database.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// ErrNotFound means the requested row does not exist.
var ErrNotFound = errors.New("not found")

// DB wraps the database handle.
type DB struct {
	*sql.DB
	path string
}

// Open opens (creating if needed) the database at path and runs migrations.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &DB{DB: db, path: path}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// WithTx runs fn in a transaction, committing on nil and rolling back on
// error.
func (db *DB) WithTx(fn func(*sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func migrate(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS test_runs (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			status        TEXT NOT NULL DEFAULT 'pending',
			passed_count  INTEGER NOT NULL DEFAULT 0,
			failed_count  INTEGER NOT NULL DEFAULT 0,
			skipped_count INTEGER NOT NULL DEFAULT 0,
			started_at    TIMESTAMP,
			completed_at  TIMESTAMP,
			duration_ms   INTEGER NOT NULL DEFAULT 0,
			created_at    TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS test_cases (
			id               TEXT PRIMARY KEY,
			run_id           TEXT NOT NULL REFERENCES test_runs(id) ON DELETE CASCADE,
			seq              INTEGER NOT NULL,
			name             TEXT NOT NULL,
			timeout_ms       INTEGER NOT NULL DEFAULT 0,
			expected_outcome TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_test_cases_run ON test_cases(run_id, seq)`,
		`CREATE TABLE IF NOT EXISTS test_results (
			id            TEXT PRIMARY KEY,
			test_case_id  TEXT NOT NULL,
			run_id        TEXT NOT NULL REFERENCES test_runs(id) ON DELETE CASCADE,
			status        TEXT NOT NULL DEFAULT 'failed',
			attempt       INTEGER NOT NULL DEFAULT 0,
			duration_ms   INTEGER NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			stack_trace   TEXT NOT NULL DEFAULT '',
			metadata      TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_test_results_run ON test_results(run_id)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id         TEXT PRIMARY KEY,
			result_id  TEXT NOT NULL REFERENCES test_results(id) ON DELETE CASCADE,
			type       TEXT NOT NULL,
			path       TEXT NOT NULL,
			size       INTEGER NOT NULL DEFAULT 0,
			mime_type  TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS perf_summaries (
			run_id         TEXT PRIMARY KEY REFERENCES test_runs(id) ON DELETE CASCADE,
			device_id      TEXT NOT NULL,
			started_at     TIMESTAMP NOT NULL,
			stopped_at     TIMESTAMP NOT NULL,
			samples        INTEGER NOT NULL DEFAULT 0,
			peak_active    INTEGER NOT NULL DEFAULT 0,
			avg_active     REAL NOT NULL DEFAULT 0,
			error_sessions INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
