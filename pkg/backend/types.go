// Package backend defines the storage contract for the durable execution
// engine: workflow runs, step attempts, and the atomic state transitions
// between them. Concrete implementations (pkg/backend/postgres,
// pkg/backend/sqlite) own the schema and the SQL that enforces every
// invariant; this package only describes the shape of that contract.
package backend

import (
	"fmt"
	"time"
)

// RunStatus is the lifecycle state of a WorkflowRun.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSleeping  RunStatus = "sleeping"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"

	// RunSucceeded is accepted as an input alias for RunCompleted for
	// compatibility with callers that use the older name; backends never
	// write this value.
	RunSucceeded RunStatus = "succeeded"
)

// Terminal reports whether s is one from which a run never transitions out.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCanceled:
		return true
	default:
		return false
	}
}

// StepKind distinguishes user-function steps from sleep steps.
type StepKind string

const (
	StepFunction StepKind = "function"
	StepSleep    StepKind = "sleep"
)

// StepStatus is the lifecycle state of a StepAttempt.
type StepStatus string

const (
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"

	// StepSucceeded is accepted as an input alias for StepCompleted.
	StepSucceeded StepStatus = "succeeded"
)

// SerializedError is the structured error envelope persisted on a failed
// run or step attempt.
type SerializedError struct {
	Name    string `json:"name,omitempty"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Serialize converts an arbitrary recovered value into a SerializedError.
// A real error's Message is its Error() text; any other value's Message is
// its fmt.Sprint representation ("42", "undefined" for a nil value, etc).
func Serialize(v any) SerializedError {
	if v == nil {
		return SerializedError{Message: "undefined"}
	}
	if err, ok := v.(error); ok {
		return SerializedError{Name: errorName(err), Message: err.Error()}
	}
	return SerializedError{Message: fmt.Sprint(v)}
}

// WorkflowRun is a single execution instance of a registered workflow.
type WorkflowRun struct {
	NamespaceID string
	ID          string

	WorkflowName string
	Version      string // empty means "no version"

	Status RunStatus

	IdempotencyKey string

	Config  []byte // opaque JSON
	Context []byte // opaque JSON
	Input   []byte // opaque JSON
	Output  []byte // opaque JSON

	Error *SerializedError

	Attempts int

	ParentStepAttemptNamespaceID string
	ParentStepAttemptID          string

	WorkerID *string

	AvailableAt time.Time
	DeadlineAt  *time.Time

	StartedAt  *time.Time
	FinishedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// StepAttempt is a single attempt to execute a named step within a run.
type StepAttempt struct {
	NamespaceID string
	ID          string

	WorkflowRunID string
	StepName      string
	Kind          StepKind
	Status        StepStatus

	Config  []byte // opaque JSON
	Context []byte // opaque JSON; for kind=sleep: {"kind":"sleep","resumeAt":"..."}

	Output []byte // opaque JSON
	Error  *SerializedError

	ChildWorkflowRunNamespaceID string
	ChildWorkflowRunID          string

	StartedAt  *time.Time
	FinishedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SleepContext is the JSON shape stored in a sleep step attempt's Context.
type SleepContext struct {
	Kind     string    `json:"kind"`
	ResumeAt time.Time `json:"resumeAt"`
}

func errorName(err error) string {
	type named interface{ Name() string }
	if n, ok := err.(named); ok {
		return n.Name()
	}
	return ""
}
