package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/devicelab-dev/appium-orchestrator/pkg/core"
)

// mockRetryService is a scripted failure classifier.
type mockRetryService struct {
	mu         sync.Mutex
	decision   *core.RetryDecision
	analyzeErr error
	analyzed   []string
}

func (m *mockRetryService) AnalyzeFailure(ctx context.Context, testCaseID string, failure error) (*core.RetryDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.analyzed = append(m.analyzed, testCaseID)
	if m.analyzeErr != nil {
		return nil, m.analyzeErr
	}
	return m.decision, nil
}

func (m *mockRetryService) ExecuteRetryPlan(ctx context.Context, testCaseID, testRunID string, plan *core.RetryPlan, run core.AttemptRunner) (*core.RetryOutcome, error) {
	for i, step := range plan.Attempts {
		if step.Delay > 0 {
			select {
			case <-time.After(step.Delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if err := run(ctx, step); err == nil {
			return &core.RetryOutcome{Success: true, FinalAttempt: i + 1}, nil
		}
	}
	return &core.RetryOutcome{Success: false, FinalAttempt: len(plan.Attempts)}, nil
}

func (m *mockRetryService) analyzedCases() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.analyzed...)
}

func TestSmartRetry_PlanRecovers(t *testing.T) {
	// First call fails, everything after succeeds: the plan attempt
	// recovers and the confirming run passes.
	driver := &mockDriver{fn: func(call int, _ *core.ExecutionContext) (*core.DriverResult, error) {
		if call == 1 {
			return nil, errors.New("ui hierarchy unavailable")
		}
		return &core.DriverResult{Passed: true}, nil
	}}
	svc := &mockRetryService{decision: &core.RetryDecision{
		ShouldRetry: true,
		Plan:        &core.RetryPlan{Attempts: []core.RetryStep{{Delay: time.Millisecond}}},
	}}

	store := newMockStore(testCases(1)...)
	sched := newTestScheduler(t, store, driver, Options{MaxRetries: 2})
	sched.retrySvc = svc

	stats, err := sched.ExecuteTestSuite(context.Background(), testRunID, testDeviceID, nil)
	if err != nil {
		t.Fatalf("ExecuteTestSuite failed: %v", err)
	}

	// failed attempt + plan attempt + confirming run
	if driver.callCount() != 3 {
		t.Errorf("driver calls = %d, want 3", driver.callCount())
	}
	if stats.Passed != 1 {
		t.Errorf("stats = %+v, want 1 passed", stats)
	}
	if stats.Retries != 1 {
		t.Errorf("retries = %d, want 1 plan attempt counted", stats.Retries)
	}
	if got := svc.analyzedCases(); len(got) != 1 || got[0] != "case-1" {
		t.Errorf("analyzed cases = %v, want [case-1]", got)
	}
	if got := store.runStatus(); got != core.RunCompleted {
		t.Errorf("run status = %v, want completed", got)
	}

	// Failing attempt, plan step, and confirming run each get their own
	// attempt number and result row.
	if got := store.resultCount(); got != 3 {
		t.Errorf("result rows = %d, want 3", got)
	}
	for attempt, want := range map[int]core.ResultStatus{
		0: core.ResultFailed,
		1: core.ResultPassed,
		2: core.ResultPassed,
	} {
		r := store.resultFor("case-1", attempt)
		if r == nil {
			t.Fatalf("no result row for attempt %d", attempt)
		}
		if r.Status != want {
			t.Errorf("attempt %d status = %v, want %v", attempt, r.Status, want)
		}
	}
}

func TestSmartRetry_NotRetryableFallsThrough(t *testing.T) {
	driver := &mockDriver{fn: func(int, *core.ExecutionContext) (*core.DriverResult, error) {
		return nil, errors.New("element never existed")
	}}
	svc := &mockRetryService{decision: &core.RetryDecision{ShouldRetry: false}}

	store := newMockStore(testCases(1)...)
	sched := newTestScheduler(t, store, driver, Options{MaxRetries: 1})
	sched.retrySvc = svc

	stats, err := sched.ExecuteTestSuite(context.Background(), testRunID, testDeviceID, nil)
	if err != nil {
		t.Fatalf("ExecuteTestSuite failed: %v", err)
	}

	// The classifier declined, so the fixed-delay path runs instead.
	if driver.callCount() != 2 {
		t.Errorf("driver calls = %d, want 2", driver.callCount())
	}
	if stats.Retries != 1 {
		t.Errorf("retries = %d, want 1", stats.Retries)
	}
	// Every attempt consults the classifier.
	if got := len(svc.analyzedCases()); got != 2 {
		t.Errorf("analyze calls = %d, want 2", got)
	}
}

func TestSmartRetry_ServiceUnavailableFallsThrough(t *testing.T) {
	driver := &mockDriver{fn: func(call int, _ *core.ExecutionContext) (*core.DriverResult, error) {
		if call == 1 {
			return nil, errors.New("transient failure")
		}
		return &core.DriverResult{Passed: true}, nil
	}}
	svc := &mockRetryService{analyzeErr: errors.New("connection refused")}

	store := newMockStore(testCases(1)...)
	sched := newTestScheduler(t, store, driver, Options{MaxRetries: 1})
	sched.retrySvc = svc

	stats, err := sched.ExecuteTestSuite(context.Background(), testRunID, testDeviceID, nil)
	if err != nil {
		t.Fatalf("ExecuteTestSuite failed: %v", err)
	}

	// An unreachable classifier degrades to the fixed-delay path.
	if stats.Passed != 1 || stats.Retries != 1 {
		t.Errorf("stats = %+v, want 1 passed / 1 retry", stats)
	}
}

func TestSmartRetry_TimeoutNeverAnalyzed(t *testing.T) {
	driver := &mockDriver{fn: func(int, *core.ExecutionContext) (*core.DriverResult, error) {
		time.Sleep(200 * time.Millisecond)
		return &core.DriverResult{Passed: true}, nil
	}}
	svc := &mockRetryService{decision: &core.RetryDecision{
		ShouldRetry: true,
		Plan:        &core.RetryPlan{Attempts: []core.RetryStep{{}}},
	}}

	cases := []core.TestCase{{ID: "case-1", Name: "slow", Timeout: 30 * time.Millisecond}}
	store := newMockStore(cases...)
	sched := newTestScheduler(t, store, driver, Options{MaxRetries: 2})
	sched.retrySvc = svc

	stats, err := sched.ExecuteTestSuite(context.Background(), testRunID, testDeviceID, nil)
	if err != nil {
		t.Fatalf("ExecuteTestSuite failed: %v", err)
	}
	if stats.TimedOut != 1 {
		t.Errorf("stats = %+v, want 1 timed out", stats)
	}
	if got := len(svc.analyzedCases()); got != 0 {
		t.Errorf("analyze calls = %d, timeouts are terminal and never classified", got)
	}
	// Let the abandoned attempt drain before the pool shuts down.
	time.Sleep(250 * time.Millisecond)
}
