// Package retry talks to the external failure-analysis service that
// produces adaptive retry plans, and executes those plans on the
// scheduler's behalf.
package retry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"

	"github.com/devicelab-dev/appium-orchestrator/pkg/core"
)

// Client implements core.RetryService against an HTTP analysis service.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

// NewClient creates a client for the analysis service.
func NewClient(baseURL string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		log:     log.With().Str("component", "retry").Logger(),
	}
}

type analyzeRequest struct {
	TestCaseID   string `json:"testCaseId"`
	ErrorMessage string `json:"errorMessage"`
}

type analyzeResponse struct {
	ShouldRetry bool `json:"shouldRetry"`
	RetryPlan   *struct {
		Attempts []struct {
			DelayMs   int64 `json:"delayMs"`
			TimeoutMs int64 `json:"timeoutMs"`
		} `json:"attempts"`
	} `json:"retryPlan"`
}

// AnalyzeFailure asks the service whether the failure is worth retrying.
// The request itself is retried with exponential backoff; an unreachable
// service surfaces as an error so the scheduler can fall back to its
// fixed-delay policy.
func (c *Client) AnalyzeFailure(ctx context.Context, testCaseID string, failure error) (*core.RetryDecision, error) {
	payload, err := json.Marshal(analyzeRequest{TestCaseID: testCaseID, ErrorMessage: failure.Error()})
	if err != nil {
		return nil, err
	}

	var body []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze", bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("analyze failed: status %d", resp.StatusCode)
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}

	var parsed analyzeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("invalid analyze response: %w", err)
	}

	decision := &core.RetryDecision{ShouldRetry: parsed.ShouldRetry}
	if parsed.RetryPlan != nil && len(parsed.RetryPlan.Attempts) > 0 {
		plan := &core.RetryPlan{}
		for _, a := range parsed.RetryPlan.Attempts {
			plan.Attempts = append(plan.Attempts, core.RetryStep{
				Delay:   time.Duration(a.DelayMs) * time.Millisecond,
				Timeout: time.Duration(a.TimeoutMs) * time.Millisecond,
			})
		}
		decision.Plan = plan
	}
	return decision, nil
}

// ExecuteRetryPlan runs the plan's attempts in order, stopping at the
// first success. A timed-out attempt aborts the plan: timeouts are
// terminal everywhere in the retry design.
func (c *Client) ExecuteRetryPlan(ctx context.Context, testCaseID, testRunID string, plan *core.RetryPlan, run core.AttemptRunner) (*core.RetryOutcome, error) {
	if plan == nil || len(plan.Attempts) == 0 {
		return &core.RetryOutcome{}, nil
	}

	for i, step := range plan.Attempts {
		if step.Delay > 0 {
			select {
			case <-time.After(step.Delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		err := run(ctx, step)
		if err == nil {
			c.log.Info().
				Str("case", testCaseID).
				Str("run", testRunID).
				Int("attempt", i+1).
				Msg("retry plan attempt succeeded")
			return &core.RetryOutcome{Success: true, FinalAttempt: i + 1}, nil
		}
		if core.IsTimeout(err) {
			c.log.Warn().Str("case", testCaseID).Int("attempt", i+1).Msg("retry plan attempt timed out, aborting plan")
			return &core.RetryOutcome{Success: false, FinalAttempt: i + 1}, nil
		}
		c.log.Debug().Err(err).Str("case", testCaseID).Int("attempt", i+1).Msg("retry plan attempt failed")
	}
	return &core.RetryOutcome{Success: false, FinalAttempt: len(plan.Attempts)}, nil
}
