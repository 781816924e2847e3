package core

import (
	"context"
	"time"
)

// Driver defines the interface for running test logic against a device
// session. Implementations wrap the actual automation protocol (Appium,
// WebDriverIO backends); the scheduler only sees the outcome.
type Driver interface {
	// Execute runs the test case described by the context and reports the
	// outcome. A returned error means the attempt could not run at all;
	// a failed test returns Passed=false with no error.
	Execute(ctx context.Context, ec *ExecutionContext) (*DriverResult, error)
}

// DriverResult is the outcome of one driver invocation
type DriverResult struct {
	Passed       bool                   `json:"passed"`
	ErrorMessage string                 `json:"errorMessage,omitempty"`
	StackTrace   string                 `json:"stackTrace,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// ArtifactStore captures and stores debug artifacts for an execution context.
type ArtifactStore interface {
	Capture(ctx context.Context, typ ArtifactType, ec *ExecutionContext) (*Artifact, error)
}

// PerformanceMonitor observes resource usage for the duration of one run.
type PerformanceMonitor interface {
	Start()
	Stop() *PerfSummary
}

// RetryDecision is the answer from the failure-analysis collaborator.
type RetryDecision struct {
	ShouldRetry bool       `json:"shouldRetry"`
	Plan        *RetryPlan `json:"retryPlan,omitempty"`
}

// RetryPlan is a multi-step retry strategy produced by the external
// adaptive service, as opposed to the fixed-delay fallback.
type RetryPlan struct {
	Attempts []RetryStep `json:"attempts"`
}

// RetryStep is one attempt within a retry plan.
type RetryStep struct {
	Delay   time.Duration `json:"delay"`
	Timeout time.Duration `json:"timeout,omitempty"` // 0 = keep the effective timeout
}

// AttemptRunner executes one planned retry attempt. It is supplied by the
// scheduler so the retry service never touches sessions directly.
type AttemptRunner func(ctx context.Context, step RetryStep) error

// RetryOutcome reports how a retry plan ended.
type RetryOutcome struct {
	Success      bool `json:"success"`
	FinalAttempt int  `json:"finalAttempt"`
}

// RetryService is the boundary to the external flaky-failure classifier.
type RetryService interface {
	AnalyzeFailure(ctx context.Context, testCaseID string, failure error) (*RetryDecision, error)
	ExecuteRetryPlan(ctx context.Context, testCaseID, testRunID string, plan *RetryPlan, run AttemptRunner) (*RetryOutcome, error)
}

// RunStore is the persistence boundary used by the scheduler.
type RunStore interface {
	GetTestRun(ctx context.Context, id string) (*TestRun, error)
	UpdateTestRun(ctx context.Context, run *TestRun) error
	ListTestCases(ctx context.Context, runID string) ([]TestCase, error)

	CreateResult(ctx context.Context, r *TestExecutionResult) error
	UpdateResult(ctx context.Context, r *TestExecutionResult) error
	AddArtifact(ctx context.Context, a *Artifact) error

	SavePerfSummary(ctx context.Context, s *PerfSummary) error
}
