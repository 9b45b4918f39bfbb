package backend

import "errors"

// Sentinel errors returned by Backend implementations. Callers should use
// errors.Is; implementations return these values directly rather than
// unrelated error values, so the engine and worker can classify failures
// without a type switch per backend.
var (
	// ErrNotFound is returned when a run or step attempt id has no
	// matching row in the namespace.
	ErrNotFound = errors.New("backend: not found")

	// ErrGuardMismatch is returned when a guarded write's WHERE clause
	// matched no row: the caller no longer holds the lease, or the row is
	// no longer in the expected status. The engine treats this as
	// lease-lost and aborts the current execution pass without writing a
	// terminal state.
	ErrGuardMismatch = errors.New("backend: guard mismatch (lease lost or invalid state)")

	// ErrCannotCancelTerminal is returned by CancelWorkflowRun when the run
	// has already reached completed or failed.
	ErrCannotCancelTerminal = errors.New("backend: cannot cancel a run in a terminal state")
)
