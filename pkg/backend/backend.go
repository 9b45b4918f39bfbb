package backend

import (
	"context"
	"time"
)

// Backend is the abstract contract over a transactional relational store
// that every execution engine and worker talks to. All rows, queries, and
// leases are scoped by namespace — an opaque string partitioning unrelated
// workloads on the same store.
//
// Every guarded write (extend lease, sleep, complete, fail, reschedule,
// complete/fail step attempt) either returns the updated row or
// ErrGuardMismatch: the caller's WHERE-clause precondition (status,
// worker id) no longer held. Connection-level errors are returned
// unwrapped-of-sentinel and should cause the caller to back off and retry
// later; they are never treated as a guard mismatch.
type Backend interface {
	CreateWorkflowRun(ctx context.Context, namespace string, in CreateWorkflowRunInput) (*WorkflowRun, error)
	GetWorkflowRun(ctx context.Context, namespace, id string) (*WorkflowRun, error)
	ListWorkflowRuns(ctx context.Context, namespace string, p Pagination) (*Page[*WorkflowRun], error)

	// ClaimWorkflowRun atomically expires deadline-passed runs, then
	// selects and claims at most one eligible run for workerID. It
	// returns (nil, nil) when no run was eligible.
	ClaimWorkflowRun(ctx context.Context, namespace, workerID string, leaseDuration time.Duration) (*WorkflowRun, error)

	ExtendWorkflowRunLease(ctx context.Context, namespace, runID, workerID string, leaseDuration time.Duration) (*WorkflowRun, error)
	SleepWorkflowRun(ctx context.Context, namespace, runID, workerID string, availableAt time.Time) (*WorkflowRun, error)
	CompleteWorkflowRun(ctx context.Context, namespace, runID, workerID string, output []byte) (*WorkflowRun, error)
	FailWorkflowRun(ctx context.Context, namespace, runID, workerID string, failErr SerializedError) (*WorkflowRun, error)
	RescheduleWorkflowRunAfterFailedStepAttempt(ctx context.Context, namespace, runID, workerID string, availableAt time.Time, failErr SerializedError) (*WorkflowRun, error)
	CancelWorkflowRun(ctx context.Context, namespace, runID string) (*WorkflowRun, error)

	CreateStepAttempt(ctx context.Context, namespace, runID, workerID string, in CreateStepAttemptInput) (*StepAttempt, error)
	GetStepAttempt(ctx context.Context, namespace, id string) (*StepAttempt, error)
	ListStepAttempts(ctx context.Context, namespace, runID string, p Pagination) (*Page[*StepAttempt], error)
	CompleteStepAttempt(ctx context.Context, namespace, runID, stepAttemptID, workerID string, output []byte) (*StepAttempt, error)
	FailStepAttempt(ctx context.Context, namespace, runID, stepAttemptID, workerID string, failErr SerializedError) (*StepAttempt, error)

	// Migrate applies any not-yet-applied schema migrations.
	Migrate(ctx context.Context) error

	// Close releases the underlying connection pool.
	Close() error
}

// CreateWorkflowRunInput carries the fields a caller supplies when
// enqueuing a new run; AvailableAt defaults to now() when the zero value.
type CreateWorkflowRunInput struct {
	WorkflowName   string
	Version        string
	IdempotencyKey string
	Config         []byte
	Context        []byte
	Input          []byte
	AvailableAt    time.Time
	DeadlineAt     *time.Time
}

// CreateStepAttemptInput carries the fields needed to start a new step
// attempt. The engine guarantees no live attempt exists for (runID,
// StepName) before calling CreateStepAttempt.
type CreateStepAttemptInput struct {
	StepName string
	Kind     StepKind
	Config   []byte
	Context  []byte
}
