// Package scheduler drives test runs: it batches test cases into
// concurrency-limited waves, wraps each attempt in a timeout race, applies
// retry policy, and finalizes persisted results.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/devicelab-dev/appium-orchestrator/pkg/core"
	"github.com/devicelab-dev/appium-orchestrator/pkg/pool"
)

// Options configures one run. Precedence: call-time options > configured
// defaults, resolved once before the run starts.
type Options struct {
	MaxParallel    int           // Wave size; default 2
	DefaultTimeout time.Duration // Per-test timeout when the case sets none; default 5m
	MaxRetries     int           // Fixed-delay retry budget per test case
	RetryDelay     time.Duration // Fixed delay between retries; default 2s

	// Timeout is a call-time override. Setting it forces one-shot mode:
	// the retry budget becomes zero.
	Timeout time.Duration

	FullIsolation       bool // Run one test at a time regardless of MaxParallel
	CaptureLogs         bool // Capture a LOG artifact before each attempt
	ScreenshotOnFailure bool // Capture a SCREENSHOT artifact on failure
}

func (o Options) withDefaults() Options {
	if o.MaxParallel <= 0 {
		o.MaxParallel = 2
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 5 * time.Minute
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 2 * time.Second
	}
	return o
}

// merge applies non-zero call-time fields over the configured defaults.
// A negative MaxRetries explicitly overrides the budget down to zero;
// zero means "not set".
func (o Options) merge(override *Options) Options {
	if override == nil {
		return o
	}
	if override.MaxParallel > 0 {
		o.MaxParallel = override.MaxParallel
	}
	if override.DefaultTimeout > 0 {
		o.DefaultTimeout = override.DefaultTimeout
	}
	if override.MaxRetries != 0 {
		o.MaxRetries = override.MaxRetries
		if o.MaxRetries < 0 {
			o.MaxRetries = 0
		}
	}
	if override.RetryDelay > 0 {
		o.RetryDelay = override.RetryDelay
	}
	if override.Timeout > 0 {
		o.Timeout = override.Timeout
	}
	if override.FullIsolation {
		o.FullIsolation = true
	}
	if override.CaptureLogs {
		o.CaptureLogs = true
	}
	if override.ScreenshotOnFailure {
		o.ScreenshotOnFailure = true
	}
	return o
}

// RunStats is the roll-up returned by ExecuteTestSuite.
type RunStats struct {
	TestRunID       string        `json:"testRunId"`
	Total           int           `json:"total"`
	Passed          int           `json:"passed"`
	Failed          int           `json:"failed"`
	Skipped         int           `json:"skipped"`
	TimedOut        int           `json:"timedOut"`
	Retries         int           `json:"retries"`
	Duration        time.Duration `json:"duration"`
	AvgTestDuration time.Duration `json:"avgTestDuration"`
}

// PerfMonitorFactory builds a monitor scoped to one run and device.
type PerfMonitorFactory func(testRunID, deviceID string) core.PerformanceMonitor

// Config wires the scheduler's collaborators. Pool, Store, and Driver are
// required; the rest are optional.
type Config struct {
	Pool         *pool.Manager
	Store        core.RunStore
	Driver       core.Driver
	Artifacts    core.ArtifactStore
	RetryService core.RetryService
	PerfMonitor  PerfMonitorFactory
	Options      Options
	Logger       zerolog.Logger
}

// Scheduler executes test runs against pooled device sessions.
type Scheduler struct {
	pool      *pool.Manager
	store     core.RunStore
	driver    core.Driver
	artifacts core.ArtifactStore
	retrySvc  core.RetryService
	perfmon   PerfMonitorFactory
	opts      Options
	log       zerolog.Logger

	mu          sync.Mutex
	runs        map[string]*runState
	handlers    map[int]Handler
	nextHandler int
}

// New creates a Scheduler. Callers own the instance; there is no
// package-level default.
func New(cfg Config) *Scheduler {
	return &Scheduler{
		pool:      cfg.Pool,
		store:     cfg.Store,
		driver:    cfg.Driver,
		artifacts: cfg.Artifacts,
		retrySvc:  cfg.RetryService,
		perfmon:   cfg.PerfMonitor,
		opts:      cfg.Options.withDefaults(),
		log:       cfg.Logger.With().Str("component", "scheduler").Logger(),
		runs:      make(map[string]*runState),
		handlers:  make(map[int]Handler),
	}
}

// runState is the per-run bookkeeping, dropped when the run settles.
type runState struct {
	runID     string
	deviceID  string
	opts      Options
	cancelled atomic.Bool

	mu            sync.Mutex
	active        map[string]struct{}
	passed        int
	failed        int
	skipped       int
	timedOut      int
	retries       int
	totalDuration time.Duration
	completed     int
}

func (rs *runState) track(testCaseID string) {
	rs.mu.Lock()
	rs.active[testCaseID] = struct{}{}
	rs.mu.Unlock()
}

func (rs *runState) untrack(testCaseID string) {
	rs.mu.Lock()
	delete(rs.active, testCaseID)
	rs.mu.Unlock()
}

func (rs *runState) addPassed(d time.Duration) {
	rs.mu.Lock()
	rs.passed++
	rs.completed++
	rs.totalDuration += d
	rs.mu.Unlock()
}

func (rs *runState) addFailed(d time.Duration) {
	rs.mu.Lock()
	rs.failed++
	rs.completed++
	rs.totalDuration += d
	rs.mu.Unlock()
}

func (rs *runState) addSkipped() {
	rs.mu.Lock()
	rs.skipped++
	rs.mu.Unlock()
}

func (rs *runState) addTimedOut() {
	rs.mu.Lock()
	rs.timedOut++
	rs.mu.Unlock()
}

func (rs *runState) addRetry() {
	rs.mu.Lock()
	rs.retries++
	rs.mu.Unlock()
}

// ExecuteTestSuite runs every test case of the run against the device,
// in strictly ordered waves, and finalizes the persisted run.
func (s *Scheduler) ExecuteTestSuite(ctx context.Context, testRunID, deviceID string, override *Options) (*RunStats, error) {
	run, err := s.store.GetTestRun(ctx, testRunID)
	if err != nil {
		return nil, fmt.Errorf("load test run %s: %w", testRunID, err)
	}
	cases, err := s.store.ListTestCases(ctx, testRunID)
	if err != nil {
		s.markRunFailed(run)
		return nil, fmt.Errorf("load test cases for run %s: %w", testRunID, err)
	}

	opts := s.opts.merge(override)
	rs := &runState{
		runID:    testRunID,
		deviceID: deviceID,
		opts:     opts,
		active:   make(map[string]struct{}),
	}
	s.mu.Lock()
	s.runs[testRunID] = rs
	s.mu.Unlock()

	var mon core.PerformanceMonitor
	monStopped := false
	started := time.Now()

	defer func() {
		// Cleanup is independent of how the run ended: stop monitoring if
		// still running, drop run-level tracking, release the device slot.
		if mon != nil && !monStopped {
			mon.Stop()
		}
		s.mu.Lock()
		delete(s.runs, testRunID)
		s.mu.Unlock()
		s.pool.Release(deviceID, nil)
	}()

	now := started
	run.Status = core.RunRunning
	run.StartedAt = &now
	if err := s.store.UpdateTestRun(ctx, run); err != nil {
		s.markRunFailed(run)
		return nil, fmt.Errorf("mark run %s running: %w", testRunID, err)
	}

	if s.perfmon != nil {
		mon = s.perfmon(testRunID, deviceID)
		mon.Start()
	}

	concurrency := opts.MaxParallel
	if opts.FullIsolation {
		concurrency = 1
	}

	s.log.Info().
		Str("run", testRunID).
		Str("device", deviceID).
		Int("cases", len(cases)).
		Int("concurrency", concurrency).
		Msg("executing test suite")

	// Waves execute strictly in order; every test case in a wave settles
	// (success or failure, never short-circuiting) before the next starts.
	for start := 0; start < len(cases); start += concurrency {
		end := start + concurrency
		if end > len(cases) {
			end = len(cases)
		}
		var wg sync.WaitGroup
		for _, tc := range cases[start:end] {
			if ctx.Err() != nil {
				rs.addSkipped()
				continue
			}
			wg.Add(1)
			go func(tc core.TestCase) {
				defer wg.Done()
				s.settleCase(ctx, rs, tc)
			}(tc)
		}
		wg.Wait()
	}

	if mon != nil {
		summary := mon.Stop()
		monStopped = true
		if summary != nil {
			if err := s.store.SavePerfSummary(ctx, summary); err != nil {
				s.log.Warn().Err(err).Msg("persist perf summary failed")
			}
		}
	}

	rs.mu.Lock()
	stats := &RunStats{
		TestRunID: testRunID,
		Total:     len(cases),
		Passed:    rs.passed,
		Failed:    rs.failed,
		Skipped:   rs.skipped,
		TimedOut:  rs.timedOut,
		Retries:   rs.retries,
		Duration:  time.Since(started),
	}
	if rs.completed > 0 {
		stats.AvgTestDuration = rs.totalDuration / time.Duration(rs.completed)
	}
	rs.mu.Unlock()

	// A cancelled run is terminal: never mutate it again.
	if !rs.cancelled.Load() {
		done := time.Now()
		run.Status = core.RunCompleted
		if stats.Failed > 0 {
			run.Status = core.RunFailed
		}
		run.PassedCount = stats.Passed
		run.FailedCount = stats.Failed
		run.SkippedCount = stats.Skipped
		run.CompletedAt = &done
		run.Duration = stats.Duration
		if err := s.store.UpdateTestRun(ctx, run); err != nil {
			return stats, fmt.Errorf("finalize run %s: %w", testRunID, err)
		}
	}

	s.log.Info().
		Str("run", testRunID).
		Int("passed", stats.Passed).
		Int("failed", stats.Failed).
		Int("timedOut", stats.TimedOut).
		Msg("test suite finished")
	return stats, nil
}

// settleCase drives one test case to its final outcome and books it into
// the run counters exactly once. Intermediate attempts that get retried
// never count; only the resolution does.
func (s *Scheduler) settleCase(ctx context.Context, rs *runState, tc core.TestCase) {
	res, err := s.executeWithRetry(ctx, rs, tc, 0)
	switch {
	case err == nil && res != nil && res.Status == core.ResultPassed:
		rs.addPassed(res.Duration)
	case err == nil && res != nil:
		rs.addFailed(res.Duration)
	case core.IsTimeout(err):
		var te *core.TimeoutError
		errors.As(err, &te)
		rs.addFailed(te.Timeout)
		rs.addTimedOut()
	default:
		rs.addFailed(0)
		s.log.Debug().Err(err).Str("case", tc.ID).Msg("test case settled with error")
	}
}

// CancelRun drops run tracking and marks the run cancelled in storage.
// Cancellation is bookkeeping only: in-flight attempts are not interrupted
// and run to their own completion or timeout. This mirrors the documented
// limitation rather than promising stronger semantics.
func (s *Scheduler) CancelRun(ctx context.Context, testRunID string) error {
	s.mu.Lock()
	rs, ok := s.runs[testRunID]
	if ok {
		delete(s.runs, testRunID)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("test run %s is not active", testRunID)
	}
	rs.cancelled.Store(true)

	run, err := s.store.GetTestRun(ctx, testRunID)
	if err != nil {
		return err
	}
	now := time.Now()
	run.Status = core.RunCancelled
	run.CompletedAt = &now
	return s.store.UpdateTestRun(ctx, run)
}

// ActiveTestCases returns the ids of test cases currently in flight for a
// run, or nil if the run is not tracked.
func (s *Scheduler) ActiveTestCases(testRunID string) []string {
	s.mu.Lock()
	rs, ok := s.runs[testRunID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	ids := make([]string, 0, len(rs.active))
	for id := range rs.active {
		ids = append(ids, id)
	}
	return ids
}

func (s *Scheduler) markRunFailed(run *core.TestRun) {
	if run == nil || run.Status.IsTerminal() {
		return
	}
	now := time.Now()
	run.Status = core.RunFailed
	run.CompletedAt = &now
	if err := s.store.UpdateTestRun(context.Background(), run); err != nil {
		s.log.Warn().Err(err).Str("run", run.ID).Msg("best-effort run failure mark did not persist")
	}
}
