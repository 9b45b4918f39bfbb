package step_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openworkflowdev/openworkflow-go/internal/backendtest"
	"github.com/openworkflowdev/openworkflow-go/pkg/backend"
	"github.com/openworkflowdev/openworkflow-go/pkg/step"
)

func claimedRun(t *testing.T, be *backendtest.Backend) *backend.WorkflowRun {
	t.Helper()
	ctx := context.Background()
	_, err := be.CreateWorkflowRun(ctx, "ns", backend.CreateWorkflowRunInput{WorkflowName: "wf"})
	require.NoError(t, err)
	run, err := be.ClaimWorkflowRun(ctx, "ns", "w1", 30_000_000_000)
	require.NoError(t, err)
	require.NotNil(t, run)
	return run
}

func TestRunExecutesOnceAndMemoizesOnSecondPass(t *testing.T) {
	ctx := context.Background()
	be := backendtest.New()
	run := claimedRun(t, be)

	calls := 0
	runFn := func(cache map[string]*backend.StepAttempt, failed map[string]int) any {
		api := step.New(ctx, be, "ns", run.ID, "w1", cache, failed)
		return api.Run(step.Config{Name: "step-a"}, func(ctx context.Context) (any, error) {
			calls++
			return "result", nil
		})
	}

	out := runFn(map[string]*backend.StepAttempt{}, map[string]int{})
	assert.Equal(t, "result", out)
	assert.Equal(t, 1, calls)

	page, err := be.ListStepAttempts(ctx, "ns", run.ID, backend.Pagination{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	cache := map[string]*backend.StepAttempt{"step-a": page.Items[0]}

	out2 := runFn(cache, map[string]int{})
	assert.Equal(t, "result", out2)
	assert.Equal(t, 1, calls, "cached step must not re-invoke fn")
}

func TestRunPropagatesStepErrorOnFailure(t *testing.T) {
	ctx := context.Background()
	be := backendtest.New()
	run := claimedRun(t, be)

	api := step.New(ctx, be, "ns", run.ID, "w1", map[string]*backend.StepAttempt{}, map[string]int{})

	var stepErr *step.Error
	func() {
		defer func() {
			r := recover()
			require.NotNil(t, r)
			var ok bool
			stepErr, ok = r.(*step.Error)
			require.True(t, ok, "expected *step.Error panic, got %T", r)
		}()
		api.Run(step.Config{Name: "boom"}, func(ctx context.Context) (any, error) {
			return nil, errors.New("kaboom")
		})
	}()

	require.NotNil(t, stepErr)
	assert.Equal(t, "boom", stepErr.StepName)
	assert.Equal(t, 1, stepErr.FailedAttempts)
	assert.Equal(t, "kaboom", stepErr.Original.Message)

	page, err := be.ListStepAttempts(ctx, "ns", run.ID, backend.Pagination{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, backend.StepFailed, page.Items[0].Status)
}

func TestSleepCreatesRunningAttemptAndPanicsSignal(t *testing.T) {
	ctx := context.Background()
	be := backendtest.New()
	run := claimedRun(t, be)

	api := step.New(ctx, be, "ns", run.ID, "w1", map[string]*backend.StepAttempt{}, map[string]int{})

	var signal *step.SleepSignal
	before := time.Now()
	func() {
		defer func() {
			r := recover()
			require.NotNil(t, r)
			var ok bool
			signal, ok = r.(*step.SleepSignal)
			require.True(t, ok, "expected *step.SleepSignal panic, got %T", r)
		}()
		api.Sleep("wait", "500ms")
	}()

	require.NotNil(t, signal)
	assert.WithinDuration(t, before.Add(500*time.Millisecond), signal.ResumeAt, 200*time.Millisecond)

	page, err := be.ListStepAttempts(ctx, "ns", run.ID, backend.Pagination{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, backend.StepSleep, page.Items[0].Kind)
	assert.Equal(t, backend.StepRunning, page.Items[0].Status)
}

func TestSleepCachedReturnsImmediately(t *testing.T) {
	ctx := context.Background()
	be := backendtest.New()
	run := claimedRun(t, be)

	cached := &backend.StepAttempt{StepName: "wait", Status: backend.StepCompleted}
	api := step.New(ctx, be, "ns", run.ID, "w1", map[string]*backend.StepAttempt{"wait": cached}, map[string]int{})

	assert.NotPanics(t, func() {
		api.Sleep("wait", "1h")
	})
}
