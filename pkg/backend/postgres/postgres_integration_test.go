//go:build integration

package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openworkflowdev/openworkflow-go/internal/testutil"
	"github.com/openworkflowdev/openworkflow-go/pkg/backend"
)

func TestClaimCompleteLifecycle(t *testing.T) {
	ctx := context.Background()
	b, cleanup := testutil.SetupPostgresBackend(ctx, t)
	defer cleanup()

	run, err := b.CreateWorkflowRun(ctx, "ns1", backend.CreateWorkflowRunInput{
		WorkflowName: "greet",
		Input:        []byte(`{"name":"ada"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, backend.RunPending, run.Status)
	assert.Equal(t, 0, run.Attempts)

	claimed, err := b.ClaimWorkflowRun(ctx, "ns1", "worker-1", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, run.ID, claimed.ID)
	assert.Equal(t, backend.RunRunning, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)
	require.NotNil(t, claimed.WorkerID)
	assert.Equal(t, "worker-1", *claimed.WorkerID)

	// A second claim attempt must see nothing eligible.
	none, err := b.ClaimWorkflowRun(ctx, "ns1", "worker-2", 30*time.Second)
	require.NoError(t, err)
	assert.Nil(t, none)

	extended, err := b.ExtendWorkflowRunLease(ctx, "ns1", run.ID, "worker-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, extended.AvailableAt.After(claimed.AvailableAt))

	_, err = b.ExtendWorkflowRunLease(ctx, "ns1", run.ID, "worker-2", time.Minute)
	assert.ErrorIs(t, err, backend.ErrGuardMismatch)

	completed, err := b.CompleteWorkflowRun(ctx, "ns1", run.ID, "worker-1", []byte(`{"greeting":"hi ada"}`))
	require.NoError(t, err)
	assert.Equal(t, backend.RunCompleted, completed.Status)
	assert.Nil(t, completed.WorkerID)
	require.NotNil(t, completed.FinishedAt)
}

func TestSleepAndResumeByAvailability(t *testing.T) {
	ctx := context.Background()
	b, cleanup := testutil.SetupPostgresBackend(ctx, t)
	defer cleanup()

	run, err := b.CreateWorkflowRun(ctx, "ns1", backend.CreateWorkflowRunInput{WorkflowName: "waiter"})
	require.NoError(t, err)

	claimed, err := b.ClaimWorkflowRun(ctx, "ns1", "worker-1", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	resumeAt := time.Now().Add(50 * time.Millisecond)
	sleeping, err := b.SleepWorkflowRun(ctx, "ns1", run.ID, "worker-1", resumeAt)
	require.NoError(t, err)
	assert.Equal(t, backend.RunSleeping, sleeping.Status)
	assert.Nil(t, sleeping.WorkerID)

	none, err := b.ClaimWorkflowRun(ctx, "ns1", "worker-2", 30*time.Second)
	require.NoError(t, err)
	assert.Nil(t, none)

	time.Sleep(100 * time.Millisecond)

	resumed, err := b.ClaimWorkflowRun(ctx, "ns1", "worker-2", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, resumed)
	assert.Equal(t, run.ID, resumed.ID)
	assert.Equal(t, 2, resumed.Attempts)
}

func TestCancelWorkflowRun(t *testing.T) {
	ctx := context.Background()
	b, cleanup := testutil.SetupPostgresBackend(ctx, t)
	defer cleanup()

	run, err := b.CreateWorkflowRun(ctx, "ns1", backend.CreateWorkflowRunInput{WorkflowName: "cancelme"})
	require.NoError(t, err)

	canceled, err := b.CancelWorkflowRun(ctx, "ns1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, backend.RunCanceled, canceled.Status)

	// Idempotent re-cancel.
	again, err := b.CancelWorkflowRun(ctx, "ns1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, backend.RunCanceled, again.Status)

	claimed, err := b.ClaimWorkflowRun(ctx, "ns1", "worker-1", 30*time.Second)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestStepAttemptLifecycleGuardedByRunOwnership(t *testing.T) {
	ctx := context.Background()
	b, cleanup := testutil.SetupPostgresBackend(ctx, t)
	defer cleanup()

	run, err := b.CreateWorkflowRun(ctx, "ns1", backend.CreateWorkflowRunInput{WorkflowName: "steps"})
	require.NoError(t, err)
	claimed, err := b.ClaimWorkflowRun(ctx, "ns1", "worker-1", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	attempt, err := b.CreateStepAttempt(ctx, "ns1", run.ID, "worker-1", backend.CreateStepAttemptInput{
		StepName: "fetch", Kind: backend.StepFunction,
	})
	require.NoError(t, err)
	assert.Equal(t, backend.StepRunning, attempt.Status)

	_, err = b.CreateStepAttempt(ctx, "ns1", run.ID, "worker-2", backend.CreateStepAttemptInput{
		StepName: "other", Kind: backend.StepFunction,
	})
	assert.ErrorIs(t, err, backend.ErrGuardMismatch)

	done, err := b.CompleteStepAttempt(ctx, "ns1", run.ID, attempt.ID, "worker-1", []byte(`"ok"`))
	require.NoError(t, err)
	assert.Equal(t, backend.StepCompleted, done.Status)

	page, err := b.ListStepAttempts(ctx, "ns1", run.ID, backend.Pagination{})
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
}

func TestListWorkflowRunsPagination(t *testing.T) {
	ctx := context.Background()
	b, cleanup := testutil.SetupPostgresBackend(ctx, t)
	defer cleanup()

	for i := 0; i < 5; i++ {
		_, err := b.CreateWorkflowRun(ctx, "ns1", backend.CreateWorkflowRunInput{WorkflowName: "paged"})
		require.NoError(t, err)
	}

	page, err := b.ListWorkflowRuns(ctx, "ns1", backend.Pagination{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	assert.True(t, page.HasNext)

	next, err := b.ListWorkflowRuns(ctx, "ns1", backend.Pagination{Limit: 2, After: page.NextCursor})
	require.NoError(t, err)
	assert.Len(t, next.Items, 2)
	assert.NotEqual(t, page.Items[0].ID, next.Items[0].ID)
}

func TestListWorkflowRunsPaginationBefore(t *testing.T) {
	ctx := context.Background()
	b, cleanup := testutil.SetupPostgresBackend(ctx, t)
	defer cleanup()

	for i := 0; i < 5; i++ {
		_, err := b.CreateWorkflowRun(ctx, "ns1", backend.CreateWorkflowRunInput{WorkflowName: "paged"})
		require.NoError(t, err)
	}

	all, err := b.ListWorkflowRuns(ctx, "ns1", backend.Pagination{Limit: 5})
	require.NoError(t, err)
	require.Len(t, all.Items, 5)

	// Anchor on the 3rd run (index 2) and page backward from it.
	anchor := backend.Cursor{CreatedAt: all.Items[2].CreatedAt, ID: all.Items[2].ID}.Encode()

	page, err := b.ListWorkflowRuns(ctx, "ns1", backend.Pagination{Limit: 2, Before: anchor})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, all.Items[0].ID, page.Items[0].ID)
	assert.Equal(t, all.Items[1].ID, page.Items[1].ID)
	assert.True(t, page.HasNext)
	assert.False(t, page.HasPrev)

	onePage, err := b.ListWorkflowRuns(ctx, "ns1", backend.Pagination{Limit: 1, Before: anchor})
	require.NoError(t, err)
	require.Len(t, onePage.Items, 1)
	assert.Equal(t, all.Items[1].ID, onePage.Items[0].ID)
	assert.True(t, onePage.HasNext)
	assert.True(t, onePage.HasPrev)
}
