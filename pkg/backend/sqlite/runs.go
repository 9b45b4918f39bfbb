package sqlite

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
	now := nowString()
	id := uuid.NewString()

	var version, idempotencyKey sql.NullString
	if in.Version != "" {
		version = sql.NullString{String: in.Version, Valid: true}
	}
	if in.IdempotencyKey != "" {
		idempotencyKey = sql.NullString{String: in.IdempotencyKey, Valid: true}
	}

	_, err := b.db.ExecContext(ctx, `
		INSERT INTO workflow_runs (
			namespace_id, id, workflow_name, version, status, idempotency_key,
			config, context, input, attempts, available_at, deadline_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, 'pending', ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		namespace, id, in.WorkflowName, version, idempotencyKey,
		nullableBytes(in.Config), nullableBytes(in.Context), nullableBytes(in.Input),
		formatTime(availableAt), nullableTimeString(in.DeadlineAt), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: create workflow run: %w", err)
	}
	return b.GetWorkflowRun(ctx, namespace, id)
}

func (b *Backend) GetWorkflowRun(ctx context.Context, namespace, id string) (*backend.WorkflowRun, error) {
	query := fmt.Sprintf(`SELECT %s FROM workflow_runs WHERE namespace_id = ? AND id = ?`, runColumns)
	row := b.db.QueryRowContext(ctx, query, namespace, id)
	run, err := scanWorkflowRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, backend.ErrNotFound
	}
	return run, err
}

func (b *Backend) ListWorkflowRuns(ctx context.Context, namespace string, p backend.Pagination) (*backend.Page[*backend.WorkflowRun], error) {
	return paginate(ctx, b.db, runColumns, "workflow_runs", "namespace_id = ?", []any{namespace}, p,
		scanWorkflowRun,
		func(r *backend.WorkflowRun) backend.Cursor { return backend.Cursor{CreatedAt: r.CreatedAt, ID: r.ID} },
	)
}

// ClaimWorkflowRun runs the expire/select/update sequence inside one
// transaction. SQLite has no row-level locking to skip; the single-writer
// connection pool is the serialization point instead of FOR UPDATE SKIP
// LOCKED.
func (b *Backend) ClaimWorkflowRun(ctx context.Context, namespace, workerID string, leaseDuration time.Duration) (*backend.WorkflowRun, error) {
	now := time.Now()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin claim: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE workflow_runs
		SET status = 'failed', worker_id = NULL, error = '{"message":"Workflow run deadline exceeded"}', updated_at = ?
		WHERE namespace_id = ? AND status IN ('pending', 'running', 'sleeping')
		  AND deadline_at IS NOT NULL AND deadline_at <= ?`,
		formatTime(now), namespace, formatTime(now)); err != nil {
		return nil, fmt.Errorf("sqlite: expire deadlines: %w", err)
	}

	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM workflow_runs
		WHERE namespace_id = ? AND status IN ('pending', 'running', 'sleeping')
		  AND available_at <= ?
		  AND (deadline_at IS NULL OR deadline_at > ?)
		ORDER BY (status <> 'pending'), available_at ASC, created_at ASC
		LIMIT 1`,
		namespace, formatTime(now), formatTime(now)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: select candidate: %w", err)
	}

	newAvailableAt := now.Add(leaseDuration)
	if _, err := tx.ExecContext(ctx, `
		UPDATE workflow_runs
		SET status = 'running', worker_id = ?, available_at = ?,
		    started_at = COALESCE(started_at, ?), attempts = attempts + 1, updated_at = ?
		WHERE namespace_id = ? AND id = ?`,
		workerID, formatTime(newAvailableAt), formatTime(now), formatTime(now), namespace, id); err != nil {
		return nil, fmt.Errorf("sqlite: claim candidate: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM workflow_runs WHERE namespace_id = ? AND id = ?`, runColumns)
	run, err := scanWorkflowRun(tx.QueryRowContext(ctx, query, namespace, id))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit claim: %w", err)
	}
	return run, nil
}

func (b *Backend) ExtendWorkflowRunLease(ctx context.Context, namespace, runID, workerID string, leaseDuration time.Duration) (*backend.WorkflowRun, error) {
	newAvailableAt := time.Now().Add(leaseDuration)
	res, err := b.db.ExecContext(ctx, `
		UPDATE workflow_runs SET available_at = ?, updated_at = ?
		WHERE namespace_id = ? AND id = ? AND status = 'running' AND worker_id = ?`,
		formatTime(newAvailableAt), nowString(), namespace, runID, workerID)
	if err != nil {
		return nil, err
	}
	return b.guardedResult(ctx, res, namespace, runID)
}

func (b *Backend) SleepWorkflowRun(ctx context.Context, namespace, runID, workerID string, availableAt time.Time) (*backend.WorkflowRun, error) {
	res, err := b.db.ExecContext(ctx, `
		UPDATE workflow_runs SET status = 'sleeping', available_at = ?, worker_id = NULL, updated_at = ?
		WHERE namespace_id = ? AND id = ? AND status NOT IN ('completed', 'failed', 'canceled') AND worker_id = ?`,
		formatTime(availableAt), nowString(), namespace, runID, workerID)
	if err != nil {
		return nil, err
	}
	return b.guardedResult(ctx, res, namespace, runID)
}

func (b *Backend) CompleteWorkflowRun(ctx context.Context, namespace, runID, workerID string, output []byte) (*backend.WorkflowRun, error) {
	now := nowString()
	res, err := b.db.ExecContext(ctx, `
		UPDATE workflow_runs SET status = 'completed', output = ?, finished_at = ?, worker_id = NULL, updated_at = ?
		WHERE namespace_id = ? AND id = ? AND status = 'running' AND worker_id = ?`,
		nullableBytes(output), now, now, namespace, runID, workerID)
	if err != nil {
		return nil, err
	}
	return b.guardedResult(ctx, res, namespace, runID)
}

func (b *Backend) FailWorkflowRun(ctx context.Context, namespace, runID, workerID string, failErr backend.SerializedError) (*backend.WorkflowRun, error) {
	errBlob, err := marshalError(&failErr)
	if err != nil {
		return nil, err
	}
	now := nowString()
	res, err := b.db.ExecContext(ctx, `
		UPDATE workflow_runs SET status = 'failed', error = ?, finished_at = ?, worker_id = NULL, updated_at = ?
		WHERE namespace_id = ? AND id = ? AND status = 'running' AND worker_id = ?`,
		errBlob, now, now, namespace, runID, workerID)
	if err != nil {
		return nil, err
	}
	return b.guardedResult(ctx, res, namespace, runID)
}

func (b *Backend) RescheduleWorkflowRunAfterFailedStepAttempt(ctx context.Context, namespace, runID, workerID string, availableAt time.Time, failErr backend.SerializedError) (*backend.WorkflowRun, error) {
	errBlob, err := marshalError(&failErr)
	if err != nil {
		return nil, err
	}
	res, err := b.db.ExecContext(ctx, `
		UPDATE workflow_runs SET status = 'pending', available_at = ?, worker_id = NULL, started_at = NULL, error = ?, updated_at = ?
		WHERE namespace_id = ? AND id = ? AND status = 'running' AND worker_id = ?`,
		formatTime(availableAt), errBlob, nowString(), namespace, runID, workerID)
	if err != nil {
		return nil, err
	}
	return b.guardedResult(ctx, res, namespace, runID)
}

// CancelWorkflowRun tries the guarded transition first; only on a miss does
// it read the current row to distinguish an idempotent re-cancel from an
// attempt to cancel an already-terminal run.
func (b *Backend) CancelWorkflowRun(ctx context.Context, namespace, runID string) (*backend.WorkflowRun, error) {
	res, err := b.db.ExecContext(ctx, `
		UPDATE workflow_runs SET status = 'canceled', finished_at = ?, worker_id = NULL, updated_at = ?
		WHERE namespace_id = ? AND id = ? AND status IN ('pending', 'running', 'sleeping')`,
		nowString(), nowString(), namespace, runID)
	if err != nil {
		return nil, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return b.GetWorkflowRun(ctx, namespace, runID)
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

func (b *Backend) guardedResult(ctx context.Context, res sql.Result, namespace, runID string) (*backend.WorkflowRun, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, backend.ErrGuardMismatch
	}
	return b.GetWorkflowRun(ctx, namespace, runID)
}
