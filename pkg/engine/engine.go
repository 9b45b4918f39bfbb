// Package engine implements the durable execution engine: given a claimed
// workflow run and the user function it selects by (workflowName,
// version), it loads step history, advances due sleeps, builds the step
// cache, invokes the function, and persists exactly one terminal outcome.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openworkflowdev/openworkflow-go/pkg/backend"
	"github.com/openworkflowdev/openworkflow-go/pkg/retrypolicy"
	"github.com/openworkflowdev/openworkflow-go/pkg/step"
)

// listPageSize is the page size used while paging through a run's step
// history (spec §4.3 point 1: "limit 1000 per page").
const listPageSize = 1000

// Input is what a registered workflow function receives on every
// invocation: the run's raw input, a version selector, and the Step API
// scoped to this execution pass.
type Input struct {
	Input   json.RawMessage
	Version string
	Step    *step.API
}

// Func is a registered workflow function. Returning (output, nil)
// completes the run; returning (nil, err) fails it; calling step.Run or
// step.Sleep may unwind the function early via an internal panic that the
// engine recovers — Func never observes that unwind directly.
type Func func(ctx context.Context, in Input) (any, error)

// Engine executes claimed workflow runs against a backend.
type Engine struct {
	be backend.Backend
}

// New constructs an Engine bound to be.
func New(be backend.Backend) *Engine {
	return &Engine{be: be}
}

// Execute runs one pass of fn over run, which must already be claimed by
// workerID (status=running). It persists exactly one terminal
// transition: CompleteWorkflowRun, SleepWorkflowRun,
// RescheduleWorkflowRunAfterFailedStepAttempt, or FailWorkflowRun — unless
// the pass aborts because the lease was lost underneath it (ErrGuardMismatch
// from the backend), in which case it returns that error having written
// nothing.
func (e *Engine) Execute(ctx context.Context, namespace string, run *backend.WorkflowRun, workerID string, fn Func) error {
	attempts, err := e.loadStepHistory(ctx, namespace, run.ID)
	if err != nil {
		return fmt.Errorf("engine: load step history: %w", err)
	}

	attempts, sleeping, err := e.advanceSleeps(ctx, namespace, run.ID, workerID, attempts)
	if err != nil {
		return err
	}
	if sleeping != nil {
		_, err := e.be.SleepWorkflowRun(ctx, namespace, run.ID, workerID, sleeping.ResumeAt)
		return err
	}

	cache, failedByName := buildCache(attempts)
	stepAPI := step.New(ctx, e.be, namespace, run.ID, workerID, cache, failedByName)

	output, outcome := e.invoke(ctx, fn, Input{Input: run.Input, Version: run.Version, Step: stepAPI})

	switch o := outcome.(type) {
	case nil:
		outputJSON, err := json.Marshal(output)
		if err != nil {
			_, ferr := e.be.FailWorkflowRun(ctx, namespace, run.ID, workerID, backend.Serialize(err))
			return ferr
		}
		_, err = e.be.CompleteWorkflowRun(ctx, namespace, run.ID, workerID, outputJSON)
		return err

	case *step.SleepSignal:
		_, err := e.be.SleepWorkflowRun(ctx, namespace, run.ID, workerID, o.ResumeAt)
		return err

	case *step.Error:
		return e.resolveStepFailure(ctx, namespace, run, workerID, o)

	case fatalError:
		_, err := e.be.FailWorkflowRun(ctx, namespace, run.ID, workerID, backend.Serialize(o.value))
		return err

	default:
		return fmt.Errorf("engine: unrecognized outcome %T", outcome)
	}
}

// fatalError wraps an uncaught panic value or returned error from a
// workflow function (outside step.Run) for the engine's outcome switch.
type fatalError struct{ value any }

// invoke calls fn and classifies how it returned: normally (outcome=nil),
// via a sleep/step-error sentinel panic, or via any other panic/error,
// normalized into a fatalError.
func (e *Engine) invoke(ctx context.Context, fn Func, in Input) (output any, outcome any) {
	defer func() {
		if r := recover(); r != nil {
			switch v := r.(type) {
			case *step.SleepSignal, *step.Error:
				outcome = v
			case error:
				outcome = fatalError{value: v}
			default:
				outcome = fatalError{value: v}
			}
		}
	}()

	out, err := fn(ctx, in)
	if err != nil {
		return nil, fatalError{value: err}
	}
	return out, nil
}

// resolveStepFailure applies retrypolicy to decide between terminal
// failure and a backoff-delayed reschedule, converting to terminal
// failure when the run's deadline would be exceeded by the next attempt
// (spec §4.3 point 5).
func (e *Engine) resolveStepFailure(ctx context.Context, namespace string, run *backend.WorkflowRun, workerID string, stepErr *step.Error) error {
	policy := stepErr.RetryPolicy
	if policy == (retrypolicy.Policy{}) {
		policy = retrypolicy.Default()
	}

	if !policy.IsRetryable(stepErr.FailedAttempts) {
		_, err := e.be.FailWorkflowRun(ctx, namespace, run.ID, workerID, stepErr.Original)
		return err
	}

	delay := policy.Delay(stepErr.FailedAttempts)
	nextAvailableAt := time.Now().Add(delay)

	if run.DeadlineAt != nil && !nextAvailableAt.Before(*run.DeadlineAt) {
		_, err := e.be.FailWorkflowRun(ctx, namespace, run.ID, workerID, stepErr.Original)
		return err
	}

	_, err := e.be.RescheduleWorkflowRunAfterFailedStepAttempt(ctx, namespace, run.ID, workerID, nextAvailableAt, stepErr.Original)
	return err
}

// loadStepHistory pages through ListStepAttempts until exhausted,
// returning all attempts oldest-first.
func (e *Engine) loadStepHistory(ctx context.Context, namespace, runID string) ([]*backend.StepAttempt, error) {
	var all []*backend.StepAttempt
	cursor := ""
	for {
		page, err := e.be.ListStepAttempts(ctx, namespace, runID, backend.Pagination{After: cursor, Limit: listPageSize})
		if err != nil {
			return nil, err
		}
		all = append(all, page.Items...)
		if !page.HasNext {
			break
		}
		cursor = page.NextCursor
	}
	return all, nil
}

// dueSleep is returned by advanceSleeps when a running sleep attempt's
// resumeAt has not yet elapsed.
type dueSleep struct{ ResumeAt time.Time }

// advanceSleeps completes every running sleep attempt whose resumeAt has
// already passed, replacing it in the returned slice with the completed
// row. If a running sleep attempt's resumeAt is still in the future, it
// returns immediately with that resumeAt and no further mutation (spec
// §4.3 point 2).
func (e *Engine) advanceSleeps(ctx context.Context, namespace, runID, workerID string, attempts []*backend.StepAttempt) ([]*backend.StepAttempt, *dueSleep, error) {
	out := make([]*backend.StepAttempt, len(attempts))
	copy(out, attempts)

	for i, a := range out {
		if a.Kind != backend.StepSleep || a.Status != backend.StepRunning {
			continue
		}
		var sctx backend.SleepContext
		if err := json.Unmarshal(a.Context, &sctx); err != nil {
			return nil, nil, fmt.Errorf("engine: decode sleep context for step %q: %w", a.StepName, err)
		}
		if time.Now().Before(sctx.ResumeAt) {
			return nil, &dueSleep{ResumeAt: sctx.ResumeAt}, nil
		}
		completed, err := e.be.CompleteStepAttempt(ctx, namespace, runID, a.ID, workerID, nil)
		if err != nil {
			return nil, nil, err
		}
		out[i] = completed
	}
	return out, nil, nil
}

// buildCache splits attempts into a stepName->attempt map of only
// completed/succeeded attempts, and a tally of failed attempts per step
// name (spec §4.3 point 3).
func buildCache(attempts []*backend.StepAttempt) (map[string]*backend.StepAttempt, map[string]int) {
	cache := make(map[string]*backend.StepAttempt, len(attempts))
	failedByName := make(map[string]int, len(attempts))
	for _, a := range attempts {
		switch a.Status {
		case backend.StepCompleted, backend.StepSucceeded:
			cache[a.StepName] = a
		case backend.StepFailed:
			failedByName[a.StepName]++
		}
	}
	return cache, failedByName
}
