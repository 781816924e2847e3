package retry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/devicelab-dev/appium-orchestrator/pkg/core"
)

func TestAnalyzeFailure(t *testing.T) {
	var gotReq map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/analyze" {
			t.Errorf("path = %s, want /analyze", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotReq)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"shouldRetry": true,
			"retryPlan": map[string]interface{}{
				"attempts": []map[string]int64{
					{"delayMs": 500, "timeoutMs": 30000},
					{"delayMs": 2000},
				},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zerolog.Nop())
	decision, err := c.AnalyzeFailure(context.Background(), "case-1", errors.New("element not found"))
	if err != nil {
		t.Fatalf("AnalyzeFailure failed: %v", err)
	}

	if gotReq["testCaseId"] != "case-1" || gotReq["errorMessage"] != "element not found" {
		t.Errorf("request payload = %v", gotReq)
	}
	if !decision.ShouldRetry {
		t.Error("shouldRetry should be true")
	}
	if decision.Plan == nil || len(decision.Plan.Attempts) != 2 {
		t.Fatalf("plan = %+v, want 2 attempts", decision.Plan)
	}
	if decision.Plan.Attempts[0].Delay != 500*time.Millisecond {
		t.Errorf("delay = %s, want 500ms", decision.Plan.Attempts[0].Delay)
	}
	if decision.Plan.Attempts[0].Timeout != 30*time.Second {
		t.Errorf("timeout = %s, want 30s", decision.Plan.Attempts[0].Timeout)
	}
	if decision.Plan.Attempts[1].Timeout != 0 {
		t.Errorf("missing timeoutMs should map to zero, got %s", decision.Plan.Attempts[1].Timeout)
	}
}

func TestAnalyzeFailure_NoPlan(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"shouldRetry": false})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zerolog.Nop())
	decision, err := c.AnalyzeFailure(context.Background(), "case-1", errors.New("real bug"))
	if err != nil {
		t.Fatalf("AnalyzeFailure failed: %v", err)
	}
	if decision.ShouldRetry || decision.Plan != nil {
		t.Errorf("decision = %+v, want no retry and no plan", decision)
	}
}

func TestAnalyzeFailure_RetriesTransientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"shouldRetry": true})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zerolog.Nop())
	decision, err := c.AnalyzeFailure(context.Background(), "case-1", errors.New("flake"))
	if err != nil {
		t.Fatalf("AnalyzeFailure failed: %v", err)
	}
	if !decision.ShouldRetry {
		t.Error("shouldRetry should be true after recovery")
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestAnalyzeFailure_Unreachable(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", zerolog.Nop())
	_, err := c.AnalyzeFailure(context.Background(), "case-1", errors.New("flake"))
	if err == nil {
		t.Fatal("expected error for unreachable service")
	}
}

func TestExecuteRetryPlan_StopsAtFirstSuccess(t *testing.T) {
	c := NewClient("http://unused", zerolog.Nop())
	plan := &core.RetryPlan{Attempts: []core.RetryStep{{}, {}, {}}}

	var runs int
	outcome, err := c.ExecuteRetryPlan(context.Background(), "case-1", "run-1", plan, func(ctx context.Context, step core.RetryStep) error {
		runs++
		if runs == 2 {
			return nil
		}
		return errors.New("still failing")
	})
	if err != nil {
		t.Fatalf("ExecuteRetryPlan failed: %v", err)
	}
	if !outcome.Success || outcome.FinalAttempt != 2 {
		t.Errorf("outcome = %+v, want success at attempt 2", outcome)
	}
	if runs != 2 {
		t.Errorf("runs = %d, want 2", runs)
	}
}

func TestExecuteRetryPlan_AllFail(t *testing.T) {
	c := NewClient("http://unused", zerolog.Nop())
	plan := &core.RetryPlan{Attempts: []core.RetryStep{{}, {}}}

	outcome, err := c.ExecuteRetryPlan(context.Background(), "case-1", "run-1", plan, func(ctx context.Context, step core.RetryStep) error {
		return errors.New("still failing")
	})
	if err != nil {
		t.Fatalf("ExecuteRetryPlan failed: %v", err)
	}
	if outcome.Success || outcome.FinalAttempt != 2 {
		t.Errorf("outcome = %+v, want failure after 2 attempts", outcome)
	}
}

func TestExecuteRetryPlan_TimeoutAbortsPlan(t *testing.T) {
	c := NewClient("http://unused", zerolog.Nop())
	plan := &core.RetryPlan{Attempts: []core.RetryStep{{}, {}, {}}}

	var runs int
	outcome, err := c.ExecuteRetryPlan(context.Background(), "case-1", "run-1", plan, func(ctx context.Context, step core.RetryStep) error {
		runs++
		return &core.TimeoutError{TestCaseID: "case-1", Timeout: time.Second}
	})
	if err != nil {
		t.Fatalf("ExecuteRetryPlan failed: %v", err)
	}
	if outcome.Success {
		t.Error("timed-out plan must not report success")
	}
	if runs != 1 {
		t.Errorf("runs = %d, a timeout aborts the remaining attempts", runs)
	}
}

func TestExecuteRetryPlan_EmptyPlan(t *testing.T) {
	c := NewClient("http://unused", zerolog.Nop())
	outcome, err := c.ExecuteRetryPlan(context.Background(), "case-1", "run-1", nil, func(ctx context.Context, step core.RetryStep) error {
		t.Fatal("runner must not be called for an empty plan")
		return nil
	})
	if err != nil {
		t.Fatalf("ExecuteRetryPlan failed: %v", err)
	}
	if outcome.Success {
		t.Error("empty plan is not a success")
	}
}

func TestExecuteRetryPlan_ContextCancelledDuringDelay(t *testing.T) {
	c := NewClient("http://unused", zerolog.Nop())
	plan := &core.RetryPlan{Attempts: []core.RetryStep{{Delay: time.Minute}}}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.ExecuteRetryPlan(ctx, "case-1", "run-1", plan, func(ctx context.Context, step core.RetryStep) error {
		t.Fatal("runner must not be called after cancellation")
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}
