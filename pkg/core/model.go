// Package core provides the execution model types for the orchestrator.
package core

import (
	"time"
)

// TestRun is the persisted record for one ordered collection of test cases
// executed against a single device.
type TestRun struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Status       RunStatus     `json:"status"`
	PassedCount  int           `json:"passedCount"`
	FailedCount  int           `json:"failedCount"`
	SkippedCount int           `json:"skippedCount"`
	StartedAt    *time.Time    `json:"startedAt,omitempty"`
	CompletedAt  *time.Time    `json:"completedAt,omitempty"`
	Duration     time.Duration `json:"duration"`
	CreatedAt    time.Time     `json:"createdAt"`
}

// TestCase is an immutable input to the scheduler.
type TestCase struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Timeout         time.Duration `json:"timeout,omitempty"` // 0 = use the configured default
	ExpectedOutcome string        `json:"expectedOutcome,omitempty"`
}

// TestExecutionResult records one attempt of one test case within a run.
// A row is created pessimistically failed before the attempt starts and
// updated exactly once when the attempt concludes.
type TestExecutionResult struct {
	ID           string                 `json:"id"`
	TestCaseID   string                 `json:"testCaseId"`
	TestRunID    string                 `json:"testRunId"`
	Status       ResultStatus           `json:"status"`
	Attempt      int                    `json:"attempt"`
	Duration     time.Duration          `json:"duration"`
	ErrorMessage string                 `json:"errorMessage,omitempty"`
	StackTrace   string                 `json:"stackTrace,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Artifacts    []Artifact             `json:"artifacts,omitempty"`
	CreatedAt    time.Time              `json:"createdAt"`
}

// Artifact is a captured screenshot, video, or log tied to one result row.
type Artifact struct {
	ID        string       `json:"id"`
	ResultID  string       `json:"resultId"`
	Type      ArtifactType `json:"type"`
	Path      string       `json:"path"`
	Size      int64        `json:"size"`
	MimeType  string       `json:"mimeType"`
	Timestamp time.Time    `json:"timestamp"`
}

// ExecutionContext carries everything a driver needs for one attempt.
// It is built per attempt and never persisted.
type ExecutionContext struct {
	TestRunID       string        `json:"testRunId"`
	TestCase        TestCase      `json:"testCase"`
	DeviceID        string        `json:"deviceId"`
	DeviceName      string        `json:"deviceName,omitempty"`
	Platform        Platform      `json:"platform"`
	SessionID       string        `json:"sessionId"`
	RemoteSessionID string        `json:"remoteSessionId,omitempty"`
	ServerURL       string        `json:"serverUrl"`
	Timeout         time.Duration `json:"timeout"`
	RetryAttempt    int           `json:"retryAttempt"`
	MaxRetries      int           `json:"maxRetries"`
}

// PerfSummary is the output of a performance monitor scoped to one run.
type PerfSummary struct {
	TestRunID     string    `json:"testRunId"`
	DeviceID      string    `json:"deviceId"`
	StartedAt     time.Time `json:"startedAt"`
	StoppedAt     time.Time `json:"stoppedAt"`
	Samples       int       `json:"samples"`
	PeakActive    int       `json:"peakActiveSessions"`
	AvgActive     float64   `json:"avgActiveSessions"`
	ErrorSessions int       `json:"errorSessions"`
}
