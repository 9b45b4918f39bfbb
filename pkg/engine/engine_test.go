package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openworkflowdev/openworkflow-go/internal/backendtest"
	"github.com/openworkflowdev/openworkflow-go/pkg/backend"
	"github.com/openworkflowdev/openworkflow-go/pkg/engine"
	"github.com/openworkflowdev/openworkflow-go/pkg/retrypolicy"
	"github.com/openworkflowdev/openworkflow-go/pkg/step"
)

func claim(t *testing.T, be *backendtest.Backend, in backend.CreateWorkflowRunInput) *backend.WorkflowRun {
	t.Helper()
	ctx := context.Background()
	_, err := be.CreateWorkflowRun(ctx, "ns", in)
	require.NoError(t, err)
	run, err := be.ClaimWorkflowRun(ctx, "ns", "w1", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, run)
	return run
}

func TestExecuteHappyPathCompletesRun(t *testing.T) {
	ctx := context.Background()
	be := backendtest.New()
	run := claim(t, be, backend.CreateWorkflowRunInput{WorkflowName: "greeting", Input: []byte(`{"name":"Alice"}`)})

	fn := func(ctx context.Context, in engine.Input) (any, error) {
		var input struct{ Name string }
		require.NoError(t, json.Unmarshal(in.Input, &input))
		out := in.Step.Run(step.Config{Name: "generate-greeting"}, func(ctx context.Context) (any, error) {
			return map[string]any{"message": "Hello, " + input.Name + "!"}, nil
		})
		return out, nil
	}

	e := engine.New(be)
	require.NoError(t, e.Execute(ctx, "ns", run, "w1", fn))

	got, err := be.GetWorkflowRun(ctx, "ns", run.ID)
	require.NoError(t, err)
	assert.Equal(t, backend.RunCompleted, got.Status)

	var output struct {
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(got.Output, &output))
	assert.Equal(t, "Hello, Alice!", output.Message)

	page, err := be.ListStepAttempts(ctx, "ns", run.ID, backend.Pagination{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, backend.StepCompleted, page.Items[0].Status)
}

func TestExecuteReplaysCompletedStepOnlyOnce(t *testing.T) {
	ctx := context.Background()
	be := backendtest.New()

	_, err := be.CreateWorkflowRun(ctx, "ns", backend.CreateWorkflowRunInput{WorkflowName: "two-step"})
	require.NoError(t, err)

	// worker1 claims with an already-expired lease, simulating a process
	// that crashes right after completing step "a" but before it can
	// finish step "b" or release the run.
	run1, err := be.ClaimWorkflowRun(ctx, "ns", "worker1", -time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, run1)

	attemptA, err := be.CreateStepAttempt(ctx, "ns", run1.ID, "worker1", backend.CreateStepAttemptInput{StepName: "a", Kind: backend.StepFunction})
	require.NoError(t, err)
	_, err = be.CompleteStepAttempt(ctx, "ns", run1.ID, attemptA.ID, "worker1", []byte(`"a-done"`))
	require.NoError(t, err)

	// worker2 reclaims the run (its lease already expired) and replays it.
	run2, err := be.ClaimWorkflowRun(ctx, "ns", "worker2", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, run2)
	assert.Equal(t, run1.ID, run2.ID)

	calls := map[string]int{}
	fn := func(ctx context.Context, in engine.Input) (any, error) {
		in.Step.Run(step.Config{Name: "a"}, func(ctx context.Context) (any, error) {
			calls["a"]++
			return "a-done", nil
		})
		in.Step.Run(step.Config{Name: "b"}, func(ctx context.Context) (any, error) {
			calls["b"]++
			return "b-done", nil
		})
		return "done", nil
	}

	e := engine.New(be)
	require.NoError(t, e.Execute(ctx, "ns", run2, "worker2", fn))

	assert.Equal(t, 0, calls["a"], "completed step must not re-invoke fn on replay")
	assert.Equal(t, 1, calls["b"])

	got, err := be.GetWorkflowRun(ctx, "ns", run2.ID)
	require.NoError(t, err)
	assert.Equal(t, backend.RunCompleted, got.Status)

	page, err := be.ListStepAttempts(ctx, "ns", run2.ID, backend.Pagination{})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	completedA := 0
	for _, a := range page.Items {
		if a.StepName == "a" && a.Status == backend.StepCompleted {
			completedA++
		}
	}
	assert.Equal(t, 1, completedA, "exactly one completed attempt for step a")
}

func TestExecuteSleepSuspendsRun(t *testing.T) {
	ctx := context.Background()
	be := backendtest.New()
	run := claim(t, be, backend.CreateWorkflowRunInput{WorkflowName: "waiter"})

	fn := func(ctx context.Context, in engine.Input) (any, error) {
		in.Step.Sleep("wait", "500ms")
		return "unreachable", nil
	}

	e := engine.New(be)
	require.NoError(t, e.Execute(ctx, "ns", run, "w1", fn))

	got, err := be.GetWorkflowRun(ctx, "ns", run.ID)
	require.NoError(t, err)
	assert.Equal(t, backend.RunSleeping, got.Status)
	assert.Nil(t, got.WorkerID)

	page, err := be.ListStepAttempts(ctx, "ns", run.ID, backend.Pagination{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, backend.StepRunning, page.Items[0].Status)
	assert.Equal(t, backend.StepSleep, page.Items[0].Kind)
}

func TestExecuteStepFailureReschedulesWithBackoff(t *testing.T) {
	ctx := context.Background()
	be := backendtest.New()
	run := claim(t, be, backend.CreateWorkflowRunInput{WorkflowName: "flaky"})

	fn := func(ctx context.Context, in engine.Input) (any, error) {
		in.Step.Run(step.Config{Name: "flaky-step"}, func(ctx context.Context) (any, error) {
			return nil, errors.New("transient")
		})
		return "unreachable", nil
	}

	e := engine.New(be)
	before := time.Now()
	require.NoError(t, e.Execute(ctx, "ns", run, "w1", fn))

	got, err := be.GetWorkflowRun(ctx, "ns", run.ID)
	require.NoError(t, err)
	assert.Equal(t, backend.RunPending, got.Status)
	assert.Nil(t, got.WorkerID)
	assert.Nil(t, got.StartedAt)
	assert.WithinDuration(t, before.Add(retrypolicy.DefaultInitialInterval), got.AvailableAt, 2*time.Second)
	require.NotNil(t, got.Error)
	assert.Equal(t, "transient", got.Error.Message)
}

func TestExecuteStepFailureTerminalWhenMaxAttemptsExceeded(t *testing.T) {
	ctx := context.Background()
	be := backendtest.New()
	run := claim(t, be, backend.CreateWorkflowRunInput{WorkflowName: "flaky"})

	fn := func(ctx context.Context, in engine.Input) (any, error) {
		in.Step.Run(step.Config{Name: "flaky-step", Retry: retrypolicy.Policy{MaxAttempts: 1}}, func(ctx context.Context) (any, error) {
			return nil, errors.New("permanent")
		})
		return "unreachable", nil
	}

	e := engine.New(be)
	require.NoError(t, e.Execute(ctx, "ns", run, "w1", fn))

	got, err := be.GetWorkflowRun(ctx, "ns", run.ID)
	require.NoError(t, err)
	assert.Equal(t, backend.RunFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "permanent", got.Error.Message)
}

func TestExecuteStepFailureConvertsToTerminalWhenDeadlineWouldBeExceeded(t *testing.T) {
	ctx := context.Background()
	be := backendtest.New()
	deadline := time.Now().Add(100 * time.Millisecond)
	run := claim(t, be, backend.CreateWorkflowRunInput{WorkflowName: "flaky", DeadlineAt: &deadline})

	fn := func(ctx context.Context, in engine.Input) (any, error) {
		in.Step.Run(step.Config{Name: "flaky-step"}, func(ctx context.Context) (any, error) {
			return nil, errors.New("too slow")
		})
		return "unreachable", nil
	}

	e := engine.New(be)
	require.NoError(t, e.Execute(ctx, "ns", run, "w1", fn))

	got, err := be.GetWorkflowRun(ctx, "ns", run.ID)
	require.NoError(t, err)
	assert.Equal(t, backend.RunFailed, got.Status)
}

func TestExecuteFatalErrorOutsideStepFailsRun(t *testing.T) {
	ctx := context.Background()
	be := backendtest.New()
	run := claim(t, be, backend.CreateWorkflowRunInput{WorkflowName: "broken"})

	fn := func(ctx context.Context, in engine.Input) (any, error) {
		return nil, errors.New("boom")
	}

	e := engine.New(be)
	require.NoError(t, e.Execute(ctx, "ns", run, "w1", fn))

	got, err := be.GetWorkflowRun(ctx, "ns", run.ID)
	require.NoError(t, err)
	assert.Equal(t, backend.RunFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "boom", got.Error.Message)
}

func TestExecuteAbortsWithoutWritingWhenLeaseLost(t *testing.T) {
	ctx := context.Background()
	be := backendtest.New()
	run := claim(t, be, backend.CreateWorkflowRunInput{WorkflowName: "lost-lease"})

	// A client cancels the run mid-flight, simulating cancellation racing
	// the worker's execution pass.
	_, err := be.CancelWorkflowRun(ctx, "ns", run.ID)
	require.NoError(t, err)

	fn := func(ctx context.Context, in engine.Input) (any, error) {
		return "done", nil
	}

	e := engine.New(be)
	err = e.Execute(ctx, "ns", run, "w1", fn)
	assert.ErrorIs(t, err, backend.ErrGuardMismatch)

	got, err := be.GetWorkflowRun(ctx, "ns", run.ID)
	require.NoError(t, err)
	assert.Equal(t, backend.RunCanceled, got.Status, "terminal state must not be overwritten")
}
