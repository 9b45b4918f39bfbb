// Package step implements the object handed to user workflow functions:
// step.Run memoizes completed attempts and creates new ones for cache
// misses; step.Sleep suspends the run until a computed wake time. Both
// operations unwind the rest of the user function when the run must
// suspend — via an internal sentinel panic recovered by the execution
// engine, never surfaced to caller code as a normal error.
package step

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openworkflowdev/openworkflow-go/pkg/backend"
	"github.com/openworkflowdev/openworkflow-go/pkg/durationstr"
	"github.com/openworkflowdev/openworkflow-go/pkg/retrypolicy"
)

// Config carries the per-step name and optional retry policy override
// passed to Run.
type Config struct {
	Name  string
	Retry retrypolicy.Policy
}

// SleepSignal is the internal sentinel panicked by Sleep to unwind the
// current execution pass. The engine recovers it and calls
// backend.SleepWorkflowRun(ResumeAt).
type SleepSignal struct {
	ResumeAt time.Time
}

// Error is the internal sentinel panicked by Run when the step body
// fails. The engine recovers it and applies retrypolicy to decide between
// a terminal failure and a rescheduled retry.
type Error struct {
	StepName       string
	FailedAttempts int
	RetryPolicy    retrypolicy.Policy
	Original       backend.SerializedError
}

func (e *Error) Error() string {
	return fmt.Sprintf("step %q failed (attempt %d): %s", e.StepName, e.FailedAttempts, e.Original.Message)
}

// creator/completer are the subset of backend.Backend the API needs,
// scoped to one run so call sites never pass a namespace/runID/workerID
// quadruple to every method.
type creator interface {
	CreateStepAttempt(ctx context.Context, namespace, runID, workerID string, in backend.CreateStepAttemptInput) (*backend.StepAttempt, error)
	CompleteStepAttempt(ctx context.Context, namespace, runID, stepAttemptID, workerID string, output []byte) (*backend.StepAttempt, error)
	FailStepAttempt(ctx context.Context, namespace, runID, stepAttemptID, workerID string, failErr backend.SerializedError) (*backend.StepAttempt, error)
}

// API is the object offered to user workflow functions as `step`. It is
// scoped to a single execution pass of a single run: cache and
// failedByName are rebuilt fresh on every pass from the persisted step
// history (§4.3 point 3).
type API struct {
	ctx context.Context

	be        creator
	namespace string
	runID     string
	workerID  string

	cache        map[string]*backend.StepAttempt
	failedByName map[string]int
}

// New constructs a step API bound to one execution pass. cache must
// contain only completed/succeeded attempts, keyed by step name;
// failedByName tallies prior failed attempts per step name.
func New(ctx context.Context, be creator, namespace, runID, workerID string, cache map[string]*backend.StepAttempt, failedByName map[string]int) *API {
	return &API{
		ctx:          ctx,
		be:           be,
		namespace:    namespace,
		runID:        runID,
		workerID:     workerID,
		cache:        cache,
		failedByName: failedByName,
	}
}

// Run executes fn under the memoization discipline: a cached completed
// attempt for cfg.Name short-circuits without invoking fn at all.
// Otherwise a new running attempt is created, fn is invoked, and the
// outcome is persisted before Run returns. A panicking or error-returning
// fn never returns normally from Run — it unwinds via a panicked *Error
// caught by the engine.
func (a *API) Run(cfg Config, fn func(ctx context.Context) (any, error)) any {
	if cached, ok := a.cache[cfg.Name]; ok {
		var out any
		if len(cached.Output) > 0 {
			if err := json.Unmarshal(cached.Output, &out); err != nil {
				panic(&Error{StepName: cfg.Name, Original: backend.Serialize(err)})
			}
		}
		return out
	}

	attempt, err := a.be.CreateStepAttempt(a.ctx, a.namespace, a.runID, a.workerID, backend.CreateStepAttemptInput{
		StepName: cfg.Name,
		Kind:     backend.StepFunction,
	})
	if err != nil {
		panic(err)
	}

	out, ferr := a.invoke(fn)
	if ferr != nil {
		serialized := backend.Serialize(ferr)
		if _, failErr := a.be.FailStepAttempt(a.ctx, a.namespace, a.runID, attempt.ID, a.workerID, serialized); failErr != nil {
			panic(failErr)
		}
		a.failedByName[cfg.Name]++
		panic(&Error{
			StepName:       cfg.Name,
			FailedAttempts: a.failedByName[cfg.Name],
			RetryPolicy:    cfg.Retry,
			Original:       serialized,
		})
	}

	outputJSON, err := json.Marshal(out)
	if err != nil {
		serialized := backend.Serialize(err)
		if _, failErr := a.be.FailStepAttempt(a.ctx, a.namespace, a.runID, attempt.ID, a.workerID, serialized); failErr != nil {
			panic(failErr)
		}
		a.failedByName[cfg.Name]++
		panic(&Error{
			StepName:       cfg.Name,
			FailedAttempts: a.failedByName[cfg.Name],
			RetryPolicy:    cfg.Retry,
			Original:       serialized,
		})
	}

	completed, err := a.be.CompleteStepAttempt(a.ctx, a.namespace, a.runID, attempt.ID, a.workerID, outputJSON)
	if err != nil {
		panic(err)
	}
	a.cache[cfg.Name] = completed
	return out
}

// invoke calls fn, converting a recovered panic that is not itself a step
// sentinel into a regular error so it follows the same fail/retry path as
// a returned error.
func (a *API) invoke(fn func(ctx context.Context) (any, error)) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			switch v := r.(type) {
			case *SleepSignal, *Error:
				panic(v) // not ours to handle; let it keep unwinding
			case error:
				err = v
			default:
				err = fmt.Errorf("%v", v)
			}
		}
	}()
	return fn(a.ctx)
}

// Sleep suspends the run for duration (parsed by pkg/durationstr), keyed
// by name within the run like any other step. A cached (completed) sleep
// returns immediately; otherwise it creates a running sleep attempt and
// unwinds via a panicked *SleepSignal.
func (a *API) Sleep(name, duration string) {
	if _, ok := a.cache[name]; ok {
		return
	}

	parsed := durationstr.Parse(duration)
	ms, ok := parsed.Value()
	if !ok {
		err, _ := parsed.Error()
		panic(fmt.Errorf("step: sleep %q: %w", name, err))
	}
	resumeAt := time.Now().Add(time.Duration(ms) * time.Millisecond)

	ctxJSON, err := json.Marshal(backend.SleepContext{Kind: "sleep", ResumeAt: resumeAt})
	if err != nil {
		panic(err)
	}

	if _, err := a.be.CreateStepAttempt(a.ctx, a.namespace, a.runID, a.workerID, backend.CreateStepAttemptInput{
		StepName: name,
		Kind:     backend.StepSleep,
		Context:  ctxJSON,
	}); err != nil {
		panic(err)
	}

	panic(&SleepSignal{ResumeAt: resumeAt})
}
