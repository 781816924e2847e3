package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/devicelab-dev/appium-orchestrator/pkg/core"
)

// CreateTestRun inserts a pending run and its ordered test cases.
func (db *DB) CreateTestRun(ctx context.Context, name string, cases []core.TestCase) (*core.TestRun, error) {
	run := &core.TestRun{
		ID:        uuid.New().String(),
		Name:      name,
		Status:    core.RunPending,
		CreatedAt: time.Now(),
	}

	err := db.WithTx(func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO test_runs (id, name, status, created_at) VALUES (?, ?, ?, ?)`,
			run.ID, run.Name, run.Status.String(), run.CreatedAt,
		); err != nil {
			return err
		}
		for i, tc := range cases {
			id := tc.ID
			if id == "" {
				id = uuid.New().String()
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO test_cases (id, run_id, seq, name, timeout_ms, expected_outcome) VALUES (?, ?, ?, ?, ?, ?)`,
				id, run.ID, i, tc.Name, tc.Timeout.Milliseconds(), tc.ExpectedOutcome,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// GetTestRun loads one run by id.
func (db *DB) GetTestRun(ctx context.Context, id string) (*core.TestRun, error) {
	row := db.QueryRowContext(ctx,
		`SELECT id, name, status, passed_count, failed_count, skipped_count,
		        started_at, completed_at, duration_ms, created_at
		 FROM test_runs WHERE id = ?`, id)

	var run core.TestRun
	var status string
	var startedAt, completedAt sql.NullTime
	var durationMs int64
	err := row.Scan(&run.ID, &run.Name, &status, &run.PassedCount, &run.FailedCount,
		&run.SkippedCount, &startedAt, &completedAt, &durationMs, &run.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	run.Status = core.ParseRunStatus(status)
	run.Duration = time.Duration(durationMs) * time.Millisecond
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return &run, nil
}

// UpdateTestRun persists status, counters, and timing of a run.
func (db *DB) UpdateTestRun(ctx context.Context, run *core.TestRun) error {
	res, err := db.ExecContext(ctx,
		`UPDATE test_runs SET status = ?, passed_count = ?, failed_count = ?, skipped_count = ?,
		        started_at = ?, completed_at = ?, duration_ms = ?
		 WHERE id = ?`,
		run.Status.String(), run.PassedCount, run.FailedCount, run.SkippedCount,
		nullTime(run.StartedAt), nullTime(run.CompletedAt), run.Duration.Milliseconds(), run.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

// ListTestRuns returns all runs, newest first.
func (db *DB) ListTestRuns(ctx context.Context) ([]core.TestRun, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, name, status, passed_count, failed_count, skipped_count,
		        started_at, completed_at, duration_ms, created_at
		 FROM test_runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []core.TestRun
	for rows.Next() {
		var run core.TestRun
		var status string
		var startedAt, completedAt sql.NullTime
		var durationMs int64
		if err := rows.Scan(&run.ID, &run.Name, &status, &run.PassedCount, &run.FailedCount,
			&run.SkippedCount, &startedAt, &completedAt, &durationMs, &run.CreatedAt); err != nil {
			return nil, err
		}
		run.Status = core.ParseRunStatus(status)
		run.Duration = time.Duration(durationMs) * time.Millisecond
		if startedAt.Valid {
			run.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			run.CompletedAt = &completedAt.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListTestCases returns a run's cases in their defined order.
func (db *DB) ListTestCases(ctx context.Context, runID string) ([]core.TestCase, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, name, timeout_ms, expected_outcome FROM test_cases WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cases []core.TestCase
	for rows.Next() {
		var tc core.TestCase
		var timeoutMs int64
		if err := rows.Scan(&tc.ID, &tc.Name, &timeoutMs, &tc.ExpectedOutcome); err != nil {
			return nil, err
		}
		tc.Timeout = time.Duration(timeoutMs) * time.Millisecond
		cases = append(cases, tc)
	}
	return cases, rows.Err()
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
