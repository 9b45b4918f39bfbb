package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openworkflowdev/openworkflow-go/pkg/backend"
)

func (b *Backend) CreateWorkflowRun(ctx context.Context, namespace string, in backend.CreateWorkflowRunInput) (*backend.WorkflowRun, error) {
	availableAt := in.AvailableAt
	if availableAt.IsZero() {
		availableAt = time.Now()
	}

	id := uuid.NewString()
	query := fmt.Sprintf(`
		INSERT INTO %s (
			namespace_id, id, workflow_name, version, status, idempotency_key,
			config, context, input, attempts, available_at, deadline_at
		) VALUES ($1, $2, $3, $4, 'pending', $5, $6, $7, $8, 0, $9, $10)
		RETURNING %s`, b.table("workflow_runs"), runColumns)

	var version, idempotencyKey any
	if in.Version != "" {
		version = in.Version
	}
	if in.IdempotencyKey != "" {
		idempotencyKey = in.IdempotencyKey
	}

	row := b.db.QueryRowContext(ctx, query,
		namespace, id, in.WorkflowName, version, idempotencyKey,
		in.Config, in.Context, in.Input, availableAt, in.DeadlineAt,
	)
	return scanWorkflowRun(row)
}

func (b *Backend) GetWorkflowRun(ctx context.Context, namespace, id string) (*backend.WorkflowRun, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE namespace_id = $1 AND id = $2`, runColumns, b.table("workflow_runs"))
	row := b.db.QueryRowContext(ctx, query, namespace, id)
	run, err := scanWorkflowRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, backend.ErrNotFound
	}
	return run, err
}

func (b *Backend) ListWorkflowRuns(ctx context.Context, namespace string, p backend.Pagination) (*backend.Page[*backend.WorkflowRun], error) {
	return paginate(ctx, b.db, runColumns, b.table("workflow_runs"), "namespace_id = $1", []any{namespace}, p,
		scanWorkflowRun,
		func(r *backend.WorkflowRun) backend.Cursor { return backend.Cursor{CreatedAt: r.CreatedAt, ID: r.ID} },
	)
}

// ClaimWorkflowRun composes three CTEs in one statement: expire deadline-
// passed rows, pick one eligible candidate with FOR UPDATE SKIP LOCKED, then
// update-join it to running.
func (b *Backend) ClaimWorkflowRun(ctx context.Context, namespace, workerID string, leaseDuration time.Duration) (*backend.WorkflowRun, error) {
	runs := b.table("workflow_runs")
	query := fmt.Sprintf(`
		WITH expired AS (
			UPDATE %[1]s
			SET status = 'failed', worker_id = NULL, error = '{"message":"Workflow run deadline exceeded"}'::jsonb, updated_at = now()
			WHERE namespace_id = $1
			  AND status IN ('pending', 'running', 'sleeping')
			  AND deadline_at IS NOT NULL AND deadline_at <= now()
		),
		candidate AS (
			SELECT id FROM %[1]s
			WHERE namespace_id = $1
			  AND status IN ('pending', 'running', 'sleeping')
			  AND available_at <= now()
			  AND (deadline_at IS NULL OR deadline_at > now())
			ORDER BY (status <> 'pending'), available_at ASC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE %[1]s r
		SET status = 'running', worker_id = $2, available_at = now() + ($3 * interval '1 millisecond'),
		    started_at = COALESCE(r.started_at, now()), attempts = r.attempts + 1, updated_at = now()
		FROM candidate
		WHERE r.namespace_id = $1 AND r.id = candidate.id
		RETURNING %[2]s`, runs, prefixedRunColumns("r"))

	row := b.db.QueryRowContext(ctx, query, namespace, workerID, leaseDuration.Milliseconds())
	run, err := scanWorkflowRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

func (b *Backend) ExtendWorkflowRunLease(ctx context.Context, namespace, runID, workerID string, leaseDuration time.Duration) (*backend.WorkflowRun, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET available_at = now() + ($4 * interval '1 millisecond'), updated_at = now()
		WHERE namespace_id = $1 AND id = $2 AND status = 'running' AND worker_id = $3
		RETURNING %s`, b.table("workflow_runs"), runColumns)

	row := b.db.QueryRowContext(ctx, query, namespace, runID, workerID, leaseDuration.Milliseconds())
	return guardedScanRun(row)
}

func (b *Backend) SleepWorkflowRun(ctx context.Context, namespace, runID, workerID string, availableAt time.Time) (*backend.WorkflowRun, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET status = 'sleeping', available_at = $4, worker_id = NULL, updated_at = now()
		WHERE namespace_id = $1 AND id = $2 AND status NOT IN ('completed', 'failed', 'canceled') AND worker_id = $3
		RETURNING %s`, b.table("workflow_runs"), runColumns)

	row := b.db.QueryRowContext(ctx, query, namespace, runID, workerID, availableAt)
	return guardedScanRun(row)
}

func (b *Backend) CompleteWorkflowRun(ctx context.Context, namespace, runID, workerID string, output []byte) (*backend.WorkflowRun, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET status = 'completed', output = $4, finished_at = now(), worker_id = NULL, updated_at = now()
		WHERE namespace_id = $1 AND id = $2 AND status = 'running' AND worker_id = $3
		RETURNING %s`, b.table("workflow_runs"), runColumns)

	row := b.db.QueryRowContext(ctx, query, namespace, runID, workerID, output)
	return guardedScanRun(row)
}

func (b *Backend) FailWorkflowRun(ctx context.Context, namespace, runID, workerID string, failErr backend.SerializedError) (*backend.WorkflowRun, error) {
	errBlob, err := marshalError(&failErr)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		UPDATE %s SET status = 'failed', error = $4, finished_at = now(), worker_id = NULL, updated_at = now()
		WHERE namespace_id = $1 AND id = $2 AND status = 'running' AND worker_id = $3
		RETURNING %s`, b.table("workflow_runs"), runColumns)

	row := b.db.QueryRowContext(ctx, query, namespace, runID, workerID, errBlob)
	return guardedScanRun(row)
}

func (b *Backend) RescheduleWorkflowRunAfterFailedStepAttempt(ctx context.Context, namespace, runID, workerID string, availableAt time.Time, failErr backend.SerializedError) (*backend.WorkflowRun, error) {
	errBlob, err := marshalError(&failErr)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		UPDATE %s SET status = 'pending', available_at = $4, worker_id = NULL, started_at = NULL, error = $5, updated_at = now()
		WHERE namespace_id = $1 AND id = $2 AND status = 'running' AND worker_id = $3
		RETURNING %s`, b.table("workflow_runs"), runColumns)

	row := b.db.QueryRowContext(ctx, query, namespace, runID, workerID, availableAt, errBlob)
	return guardedScanRun(row)
}

// CancelWorkflowRun tries the guarded transition first; only on a miss does
// it read the current row to distinguish an idempotent re-cancel from an
// attempt to cancel an already-terminal run.
func (b *Backend) CancelWorkflowRun(ctx context.Context, namespace, runID string) (*backend.WorkflowRun, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET status = 'canceled', finished_at = now(), worker_id = NULL, updated_at = now()
		WHERE namespace_id = $1 AND id = $2 AND status IN ('pending', 'running', 'sleeping')
		RETURNING %s`, b.table("workflow_runs"), runColumns)

	row := b.db.QueryRowContext(ctx, query, namespace, runID)
	run, err := scanWorkflowRun(row)
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	current, err := b.GetWorkflowRun(ctx, namespace, runID)
	if err != nil {
		return nil, err
	}
	if current.Status == backend.RunCanceled {
		return current, nil
	}
	return nil, backend.ErrCannotCancelTerminal
}

func guardedScanRun(row *sql.Row) (*backend.WorkflowRun, error) {
	run, err := scanWorkflowRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, backend.ErrGuardMismatch
	}
	return run, err
}

// prefixedRunColumns renders runColumns with a table alias, required when
// selecting from a join/UPDATE...FROM where the column list would otherwise
// be ambiguous against the CTE.
func prefixedRunColumns(alias string) string {
	cols := []string{
		"namespace_id", "id", "workflow_name", "version", "status", "idempotency_key",
		"config", "context", "input", "output", "error", "attempts",
		"parent_step_attempt_namespace_id", "parent_step_attempt_id", "worker_id",
		"available_at", "deadline_at", "started_at", "finished_at", "created_at", "updated_at",
	}
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += alias + "." + c
	}
	return out
}
