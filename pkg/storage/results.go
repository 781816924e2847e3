package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/devicelab-dev/appium-orchestrator/pkg/core"
)

// CreateResult inserts a result row. The scheduler creates rows
// pessimistically failed before an attempt starts.
func (db *DB) CreateResult(ctx context.Context, r *core.TestExecutionResult) error {
	meta, err := encodeMetadata(r.Metadata)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO test_results (id, test_case_id, run_id, status, attempt, duration_ms, error_message, stack_trace, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TestCaseID, r.TestRunID, r.Status.String(), r.Attempt,
		r.Duration.Milliseconds(), r.ErrorMessage, r.StackTrace, meta, r.CreatedAt)
	return err
}

// UpdateResult finalizes a result row.
func (db *DB) UpdateResult(ctx context.Context, r *core.TestExecutionResult) error {
	meta, err := encodeMetadata(r.Metadata)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx,
		`UPDATE test_results SET status = ?, duration_ms = ?, error_message = ?, stack_trace = ?, metadata = ? WHERE id = ?`,
		r.Status.String(), r.Duration.Milliseconds(), r.ErrorMessage, r.StackTrace, meta, r.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

// ListResults returns every result row of a run in creation order,
// with artifacts attached.
func (db *DB) ListResults(ctx context.Context, runID string) ([]core.TestExecutionResult, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, test_case_id, run_id, status, attempt, duration_ms, error_message, stack_trace, metadata, created_at
		 FROM test_results WHERE run_id = ? ORDER BY created_at`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []core.TestExecutionResult
	for rows.Next() {
		var r core.TestExecutionResult
		var status, meta string
		var durationMs int64
		if err := rows.Scan(&r.ID, &r.TestCaseID, &r.TestRunID, &status, &r.Attempt,
			&durationMs, &r.ErrorMessage, &r.StackTrace, &meta, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Status = core.ParseResultStatus(status)
		r.Duration = time.Duration(durationMs) * time.Millisecond
		if r.Metadata, err = decodeMetadata(meta); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range results {
		arts, err := db.listArtifacts(ctx, results[i].ID)
		if err != nil {
			return nil, err
		}
		results[i].Artifacts = arts
	}
	return results, nil
}

func encodeMetadata(m map[string]interface{}) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode result metadata: %w", err)
	}
	return string(b), nil
}

func decodeMetadata(s string) (map[string]interface{}, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("decode result metadata: %w", err)
	}
	return m, nil
}

// AddArtifact inserts an artifact row tied to a result.
func (db *DB) AddArtifact(ctx context.Context, a *core.Artifact) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO artifacts (id, result_id, type, path, size, mime_type, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ResultID, a.Type.String(), a.Path, a.Size, a.MimeType, a.Timestamp)
	return err
}

func (db *DB) listArtifacts(ctx context.Context, resultID string) ([]core.Artifact, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, result_id, type, path, size, mime_type, created_at FROM artifacts WHERE result_id = ? ORDER BY created_at`, resultID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var arts []core.Artifact
	for rows.Next() {
		var a core.Artifact
		var typ string
		if err := rows.Scan(&a.ID, &a.ResultID, &typ, &a.Path, &a.Size, &a.MimeType, &a.Timestamp); err != nil {
			return nil, err
		}
		a.Type = core.ParseArtifactType(typ)
		arts = append(arts, a)
	}
	return arts, rows.Err()
}

// SavePerfSummary upserts the performance summary of a run.
func (db *DB) SavePerfSummary(ctx context.Context, s *core.PerfSummary) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO perf_summaries (run_id, device_id, started_at, stopped_at, samples, peak_active, avg_active, error_sessions)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
		   device_id = excluded.device_id, started_at = excluded.started_at, stopped_at = excluded.stopped_at,
		   samples = excluded.samples, peak_active = excluded.peak_active, avg_active = excluded.avg_active,
		   error_sessions = excluded.error_sessions`,
		s.TestRunID, s.DeviceID, s.StartedAt, s.StoppedAt, s.Samples, s.PeakActive, s.AvgActive, s.ErrorSessions)
	return err
}

// GetPerfSummary loads the performance summary of a run.
func (db *DB) GetPerfSummary(ctx context.Context, runID string) (*core.PerfSummary, error) {
	row := db.QueryRowContext(ctx,
		`SELECT run_id, device_id, started_at, stopped_at, samples, peak_active, avg_active, error_sessions
		 FROM perf_summaries WHERE run_id = ?`, runID)
	var s core.PerfSummary
	err := row.Scan(&s.TestRunID, &s.DeviceID, &s.StartedAt, &s.StoppedAt, &s.Samples, &s.PeakActive, &s.AvgActive, &s.ErrorSessions)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}
