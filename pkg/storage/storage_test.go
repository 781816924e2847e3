package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicelab-dev/appium-orchestrator/pkg/core"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "orchestrator.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "orchestrator.db")
	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	assert.Equal(t, path, db.Path())
	require.NoError(t, db.Close())
}

func TestCreateAndGetTestRun(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	cases := []core.TestCase{
		{Name: "login", Timeout: 90 * time.Second},
		{Name: "checkout", ExpectedOutcome: "cart is empty"},
		{Name: "logout"},
	}
	run, err := db.CreateTestRun(ctx, "smoke suite", cases)
	require.NoError(t, err)
	require.NotEmpty(t, run.ID)
	assert.Equal(t, core.RunPending, run.Status)

	got, err := db.GetTestRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "smoke suite", got.Name)
	assert.Equal(t, core.RunPending, got.Status)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)

	listed, err := db.ListTestCases(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, listed, 3)
	// Definition order survives the round trip.
	assert.Equal(t, "login", listed[0].Name)
	assert.Equal(t, "checkout", listed[1].Name)
	assert.Equal(t, "logout", listed[2].Name)
	assert.Equal(t, 90*time.Second, listed[0].Timeout)
	assert.Zero(t, listed[2].Timeout)
	assert.Equal(t, "cart is empty", listed[1].ExpectedOutcome)
	for _, tc := range listed {
		assert.NotEmpty(t, tc.ID, "cases without ids get generated ones")
	}
}

func TestGetTestRun_NotFound(t *testing.T) {
	db := openTestDB(t)
	_, err := db.GetTestRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateTestRun(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	run, err := db.CreateTestRun(ctx, "suite", []core.TestCase{{Name: "t1"}})
	require.NoError(t, err)

	started := time.Now().Add(-time.Minute)
	done := time.Now()
	run.Status = core.RunFailed
	run.PassedCount = 2
	run.FailedCount = 1
	run.SkippedCount = 3
	run.StartedAt = &started
	run.CompletedAt = &done
	run.Duration = 42 * time.Second
	require.NoError(t, db.UpdateTestRun(ctx, run))

	got, err := db.GetTestRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunFailed, got.Status)
	assert.Equal(t, 2, got.PassedCount)
	assert.Equal(t, 1, got.FailedCount)
	assert.Equal(t, 3, got.SkippedCount)
	assert.Equal(t, 42*time.Second, got.Duration)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
	assert.WithinDuration(t, started, *got.StartedAt, time.Second)
	assert.WithinDuration(t, done, *got.CompletedAt, time.Second)
}

func TestUpdateTestRun_NotFound(t *testing.T) {
	db := openTestDB(t)
	err := db.UpdateTestRun(context.Background(), &core.TestRun{ID: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListTestRuns_NewestFirst(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.CreateTestRun(ctx, "older", nil)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = db.CreateTestRun(ctx, "newer", nil)
	require.NoError(t, err)

	runs, err := db.ListTestRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "newer", runs[0].Name)
	assert.Equal(t, "older", runs[1].Name)
}

func TestResultLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	run, err := db.CreateTestRun(ctx, "suite", []core.TestCase{{ID: "case-1", Name: "t1"}})
	require.NoError(t, err)

	// Pessimistic creation, then finalization.
	row := &core.TestExecutionResult{
		ID:         uuid.New().String(),
		TestCaseID: "case-1",
		TestRunID:  run.ID,
		Status:     core.ResultFailed,
		Attempt:    0,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, db.CreateResult(ctx, row))

	row.Status = core.ResultPassed
	row.Duration = 1500 * time.Millisecond
	row.Metadata = map[string]interface{}{"steps": float64(12), "screen": "login"}
	require.NoError(t, db.UpdateResult(ctx, row))

	results, err := db.ListResults(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, core.ResultPassed, results[0].Status)
	assert.Equal(t, 1500*time.Millisecond, results[0].Duration)
	assert.Equal(t, row.Metadata, results[0].Metadata)
	assert.Empty(t, results[0].Artifacts)
}

func TestResultMetadataOmittedWhenEmpty(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	run, err := db.CreateTestRun(ctx, "suite", []core.TestCase{{ID: "case-1", Name: "t1"}})
	require.NoError(t, err)

	row := &core.TestExecutionResult{
		ID:         uuid.New().String(),
		TestCaseID: "case-1",
		TestRunID:  run.ID,
		Status:     core.ResultFailed,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, db.CreateResult(ctx, row))

	results, err := db.ListResults(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Nil(t, results[0].Metadata)
}

func TestUpdateResult_NotFound(t *testing.T) {
	db := openTestDB(t)
	err := db.UpdateResult(context.Background(), &core.TestExecutionResult{ID: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResultsWithArtifacts(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	run, err := db.CreateTestRun(ctx, "suite", []core.TestCase{{ID: "case-1", Name: "t1"}})
	require.NoError(t, err)

	row := &core.TestExecutionResult{
		ID:         uuid.New().String(),
		TestCaseID: "case-1",
		TestRunID:  run.ID,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, db.CreateResult(ctx, row))

	art := &core.Artifact{
		ID:        uuid.New().String(),
		ResultID:  row.ID,
		Type:      core.ArtifactScreenshot,
		Path:      "/tmp/artifacts/shot.png",
		Size:      2048,
		MimeType:  "image/png",
		Timestamp: time.Now(),
	}
	require.NoError(t, db.AddArtifact(ctx, art))

	results, err := db.ListResults(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, results[0].Artifacts, 1)
	got := results[0].Artifacts[0]
	assert.Equal(t, core.ArtifactScreenshot, got.Type)
	assert.Equal(t, "/tmp/artifacts/shot.png", got.Path)
	assert.EqualValues(t, 2048, got.Size)
	assert.Equal(t, "image/png", got.MimeType)
}

func TestPerfSummaryUpsert(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	run, err := db.CreateTestRun(ctx, "suite", nil)
	require.NoError(t, err)

	summary := &core.PerfSummary{
		TestRunID:  run.ID,
		DeviceID:   "dev-1",
		StartedAt:  time.Now().Add(-time.Minute),
		StoppedAt:  time.Now(),
		Samples:    12,
		PeakActive: 3,
		AvgActive:  1.5,
	}
	require.NoError(t, db.SavePerfSummary(ctx, summary))

	// Saving again replaces the row instead of failing.
	summary.Samples = 24
	summary.ErrorSessions = 1
	require.NoError(t, db.SavePerfSummary(ctx, summary))

	got, err := db.GetPerfSummary(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "dev-1", got.DeviceID)
	assert.Equal(t, 12*2, got.Samples)
	assert.Equal(t, 3, got.PeakActive)
	assert.InDelta(t, 1.5, got.AvgActive, 0.001)
	assert.Equal(t, 1, got.ErrorSessions)
}

func TestGetPerfSummary_NotFound(t *testing.T) {
	db := openTestDB(t)
	_, err := db.GetPerfSummary(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
