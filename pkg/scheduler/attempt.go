package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/devicelab-dev/appium-orchestrator/pkg/core"
	"github.com/devicelab-dev/appium-orchestrator/pkg/session"
)

// attemptToken guarantees exactly-once finalization of a result row. The
// timeout race and the (possibly abandoned) attempt body both try to
// settle; whoever wins owns the row update, counters, and terminal event.
type attemptToken struct {
	done atomic.Bool
}

func (t *attemptToken) settle() bool {
	return t.done.CompareAndSwap(false, true)
}

// executeWithRetry drives one test case through attempts until it settles.
// Timeouts are terminal on first occurrence: neither the smart plan nor
// the fixed-delay path retries them.
func (s *Scheduler) executeWithRetry(ctx context.Context, rs *runState, tc core.TestCase, attempt int) (*core.TestExecutionResult, error) {
	// Effective timeout: call-time override > test case > configured
	// default. An override also forces one-shot mode.
	timeout := rs.opts.Timeout
	maxRetries := 0
	if timeout <= 0 {
		maxRetries = rs.opts.MaxRetries
		timeout = tc.Timeout
		if timeout <= 0 {
			timeout = rs.opts.DefaultTimeout
		}
	}

	res, err := s.runTimedAttempt(ctx, rs, tc, attempt, timeout, maxRetries)
	if err == nil {
		return res, nil
	}
	if core.IsTimeout(err) {
		return nil, err
	}

	if s.retrySvc != nil {
		if res, ok := s.trySmartRetry(ctx, rs, tc, attempt, timeout, maxRetries, err); ok {
			return res, nil
		}
	}

	if attempt < maxRetries {
		s.emit(Event{
			Type:       EventTestRetry,
			TestRunID:  rs.runID,
			TestCaseID: tc.ID,
			DeviceID:   rs.deviceID,
			Timestamp:  time.Now(),
			Data:       map[string]interface{}{"attempt": attempt + 1, "error": err.Error()},
		})
		rs.addRetry()
		select {
		case <-time.After(rs.opts.RetryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return s.executeWithRetry(ctx, rs, tc, attempt+1)
	}
	return nil, err
}

// trySmartRetry consults the external failure classifier. When it returns
// a multi-step plan and the plan eventually succeeds, the test case is run
// one more time to confirm the recovery. Plan steps and the confirming run
// get successive attempt numbers so every result row keeps a unique
// (run, case, attempt) triple. Returns ok=false to fall through to the
// fixed-delay path.
func (s *Scheduler) trySmartRetry(ctx context.Context, rs *runState, tc core.TestCase, attempt int, timeout time.Duration, maxRetries int, failure error) (*core.TestExecutionResult, bool) {
	decision, err := s.retrySvc.AnalyzeFailure(ctx, tc.ID, failure)
	if err != nil {
		s.log.Warn().Err(err).Str("case", tc.ID).Msg("failure analysis unavailable")
		return nil, false
	}
	if decision == nil || !decision.ShouldRetry || decision.Plan == nil || len(decision.Plan.Attempts) == 0 {
		return nil, false
	}

	next := attempt
	outcome, err := s.retrySvc.ExecuteRetryPlan(ctx, tc.ID, rs.runID, decision.Plan, func(ctx context.Context, step core.RetryStep) error {
		stepTimeout := timeout
		if step.Timeout > 0 {
			stepTimeout = step.Timeout
		}
		rs.addRetry()
		next++
		_, err := s.runTimedAttempt(ctx, rs, tc, next, stepTimeout, maxRetries)
		return err
	})
	if err != nil {
		s.log.Warn().Err(err).Str("case", tc.ID).Msg("retry plan aborted")
		return nil, false
	}
	if outcome == nil || !outcome.Success {
		return nil, false
	}

	s.log.Info().Str("case", tc.ID).Int("finalAttempt", outcome.FinalAttempt).Msg("retry plan recovered, confirming")
	next++
	res, err := s.runTimedAttempt(ctx, rs, tc, next, timeout, maxRetries)
	if err != nil {
		return nil, false
	}
	return res, true
}

// runTimedAttempt registers the attempt, creates the pessimistic result
// row, then races the attempt body against the timeout. Losing the race
// does not cancel the loser: the remote action may still be executing with
// no further observation, and the token keeps it from double-finalizing.
func (s *Scheduler) runTimedAttempt(ctx context.Context, rs *runState, tc core.TestCase, attempt int, timeout time.Duration, maxRetries int) (*core.TestExecutionResult, error) {
	rs.track(tc.ID)
	s.emit(Event{
		Type:       EventTestStarted,
		TestRunID:  rs.runID,
		TestCaseID: tc.ID,
		DeviceID:   rs.deviceID,
		Timestamp:  time.Now(),
		Data:       map[string]interface{}{"attempt": attempt},
	})

	// The row exists, pessimistically failed, before any work starts.
	row := &core.TestExecutionResult{
		ID:         uuid.New().String(),
		TestCaseID: tc.ID,
		TestRunID:  rs.runID,
		Status:     core.ResultFailed,
		Attempt:    attempt,
		CreatedAt:  time.Now(),
	}
	if err := s.store.CreateResult(ctx, row); err != nil {
		rs.untrack(tc.ID)
		return nil, fmt.Errorf("create result row for %s: %w", tc.ID, err)
	}

	tok := &attemptToken{}
	type outcome struct {
		res *core.TestExecutionResult
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := s.executeBody(ctx, rs, tc, attempt, timeout, maxRetries, row, tok)
		ch <- outcome{res: res, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-ch:
		return o.res, o.err
	case <-timer.C:
		terr := &core.TimeoutError{TestCaseID: tc.ID, Timeout: timeout}
		if tok.settle() {
			row.Duration = timeout
			row.ErrorMessage = terr.Error()
			if err := s.store.UpdateResult(context.Background(), row); err != nil {
				s.log.Warn().Err(err).Str("result", row.ID).Msg("timeout result update failed")
			}
			rs.untrack(tc.ID)
			s.emitTerminal(rs, tc.ID, false, map[string]interface{}{"timeout": timeout.String()})
		}
		return nil, terr
	case <-ctx.Done():
		cerr := ctx.Err()
		if tok.settle() {
			row.ErrorMessage = cerr.Error()
			if err := s.store.UpdateResult(context.Background(), row); err != nil {
				s.log.Warn().Err(err).Str("result", row.ID).Msg("cancellation result update failed")
			}
			rs.untrack(tc.ID)
			s.emitTerminal(rs, tc.ID, false, nil)
		}
		return nil, cerr
	}
}

// executeBody is one attempt: acquire a session, run the driver, finalize
// the row. Any error after acquisition releases the session with the error
// so the pool can note session-level failure.
func (s *Scheduler) executeBody(ctx context.Context, rs *runState, tc core.TestCase, attempt int, timeout time.Duration, maxRetries int, row *core.TestExecutionResult, tok *attemptToken) (*core.TestExecutionResult, error) {
	defer rs.untrack(tc.ID)
	start := time.Now()

	sess, err := s.pool.Acquire(ctx, rs.deviceID)
	if err != nil {
		return nil, s.failBody(ctx, rs, tc, row, tok, start, nil, nil, fmt.Errorf("acquire session for device %s: %w", rs.deviceID, err))
	}

	// The health loop can reconnect a session underneath us; check the
	// handle is still active immediately before use.
	if sess.Status() != session.StatusActive {
		return nil, s.failBody(ctx, rs, tc, row, tok, start, sess, nil,
			&session.StateError{SessionID: sess.ID(), Op: "execute on", Status: sess.Status()})
	}

	cfg := sess.Config()
	ec := &core.ExecutionContext{
		TestRunID:       rs.runID,
		TestCase:        tc,
		DeviceID:        rs.deviceID,
		DeviceName:      cfg.DeviceName,
		Platform:        cfg.Platform,
		SessionID:       sess.ID(),
		RemoteSessionID: sess.RemoteSessionID(),
		ServerURL:       cfg.ServerURL,
		Timeout:         timeout,
		RetryAttempt:    attempt,
		MaxRetries:      maxRetries,
	}

	var artifacts []core.Artifact
	if rs.opts.CaptureLogs && s.artifacts != nil {
		if a, err := s.artifacts.Capture(ctx, core.ArtifactLog, ec); err != nil {
			s.log.Warn().Err(err).Str("case", tc.ID).Msg("log capture failed")
		} else if a != nil {
			a.ResultID = row.ID
			artifacts = append(artifacts, *a)
		}
	}

	dres, err := s.driver.Execute(ctx, ec)
	if err != nil {
		return nil, s.failBody(ctx, rs, tc, row, tok, start, sess, ec, err)
	}

	duration := time.Since(start)
	if !tok.settle() {
		// The timeout already finalized this attempt; release quietly.
		s.pool.Release(rs.deviceID, nil)
		return nil, &core.TimeoutError{TestCaseID: tc.ID, Timeout: timeout}
	}

	row.Duration = duration
	row.Metadata = dres.Metadata
	if dres.Passed {
		row.Status = core.ResultPassed
	} else {
		row.Status = core.ResultFailed
		row.ErrorMessage = dres.ErrorMessage
		row.StackTrace = dres.StackTrace
	}

	if !dres.Passed && rs.opts.ScreenshotOnFailure && s.artifacts != nil {
		if a, err := s.artifacts.Capture(ctx, core.ArtifactScreenshot, ec); err != nil {
			s.log.Warn().Err(err).Str("case", tc.ID).Msg("failure screenshot failed")
		} else if a != nil {
			a.ResultID = row.ID
			artifacts = append(artifacts, *a)
		}
	}

	s.persistArtifacts(ctx, row, artifacts)
	if err := s.store.UpdateResult(ctx, row); err != nil {
		s.log.Warn().Err(err).Str("result", row.ID).Msg("result update failed")
	}

	s.pool.Release(rs.deviceID, nil)
	s.emitTerminal(rs, tc.ID, dres.Passed, map[string]interface{}{"duration": duration.String()})

	// A driver-reported failure is a final result, not a retryable error.
	return row, nil
}

// failBody finalizes an attempt that errored out of the acquire/execute
// path: row update, best-effort failure screenshot with whatever session
// handle is still resolvable, release with the error, event.
func (s *Scheduler) failBody(ctx context.Context, rs *runState, tc core.TestCase, row *core.TestExecutionResult, tok *attemptToken, start time.Time, sess *session.Session, ec *core.ExecutionContext, cause error) error {
	acquired := sess != nil
	if !tok.settle() {
		if acquired {
			s.pool.Release(rs.deviceID, cause)
		}
		return cause
	}

	row.Duration = time.Since(start)
	row.ErrorMessage = cause.Error()

	var artifacts []core.Artifact
	if ec != nil && rs.opts.ScreenshotOnFailure && s.artifacts != nil {
		if a, err := s.artifacts.Capture(ctx, core.ArtifactScreenshot, ec); err == nil && a != nil {
			a.ResultID = row.ID
			artifacts = append(artifacts, *a)
		}
	}
	s.persistArtifacts(ctx, row, artifacts)

	if err := s.store.UpdateResult(ctx, row); err != nil {
		s.log.Warn().Err(err).Str("result", row.ID).Msg("failure result update failed")
	}
	if acquired {
		s.pool.Release(rs.deviceID, cause)
	}
	s.emitTerminal(rs, tc.ID, false, map[string]interface{}{"error": cause.Error()})
	return cause
}

func (s *Scheduler) persistArtifacts(ctx context.Context, row *core.TestExecutionResult, artifacts []core.Artifact) {
	for i := range artifacts {
		if err := s.store.AddArtifact(ctx, &artifacts[i]); err != nil {
			s.log.Warn().Err(err).Str("path", artifacts[i].Path).Msg("artifact persist failed")
			continue
		}
		row.Artifacts = append(row.Artifacts, artifacts[i])
	}
}

func (s *Scheduler) emitTerminal(rs *runState, testCaseID string, passed bool, data map[string]interface{}) {
	typ := EventTestFailed
	if passed {
		typ = EventTestCompleted
	}
	s.emit(Event{
		Type:       typ,
		TestRunID:  rs.runID,
		TestCaseID: testCaseID,
		DeviceID:   rs.deviceID,
		Timestamp:  time.Now(),
		Data:       data,
	})
}
