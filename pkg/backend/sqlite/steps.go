package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/openworkflowdev/openworkflow-go/pkg/backend"
)

func (b *Backend) CreateStepAttempt(ctx context.Context, namespace, runID, workerID string, in backend.CreateStepAttemptInput) (*backend.StepAttempt, error) {
	id := uuid.NewString()
	now := nowString()

	res, err := b.db.ExecContext(ctx, `
		INSERT INTO step_attempts (namespace_id, id, workflow_run_id, step_name, kind, status, config, context, started_at, created_at, updated_at)
		SELECT ?, ?, ?, ?, ?, 'running', ?, ?, ?, ?, ?
		WHERE EXISTS (
			SELECT 1 FROM workflow_runs
			WHERE namespace_id = ? AND id = ? AND status = 'running' AND worker_id = ?
		)`,
		namespace, id, runID, in.StepName, in.Kind, nullableBytes(in.Config), nullableBytes(in.Context), now, now, now,
		namespace, runID, workerID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: create step attempt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, backend.ErrGuardMismatch
	}
	return b.GetStepAttempt(ctx, namespace, id)
}

func (b *Backend) GetStepAttempt(ctx context.Context, namespace, id string) (*backend.StepAttempt, error) {
	query := fmt.Sprintf(`SELECT %s FROM step_attempts WHERE namespace_id = ? AND id = ?`, stepColumns)
	row := b.db.QueryRowContext(ctx, query, namespace, id)
	attempt, err := scanStepAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, backend.ErrNotFound
	}
	return attempt, err
}

func (b *Backend) ListStepAttempts(ctx context.Context, namespace, runID string, p backend.Pagination) (*backend.Page[*backend.StepAttempt], error) {
	return paginate(ctx, b.db, stepColumns, "step_attempts", "namespace_id = ? AND workflow_run_id = ?", []any{namespace, runID}, p,
		scanStepAttempt,
		func(s *backend.StepAttempt) backend.Cursor { return backend.Cursor{CreatedAt: s.CreatedAt, ID: s.ID} },
	)
}

func (b *Backend) CompleteStepAttempt(ctx context.Context, namespace, runID, stepAttemptID, workerID string, output []byte) (*backend.StepAttempt, error) {
	now := nowString()
	res, err := b.db.ExecContext(ctx, `
		UPDATE step_attempts SET status = 'completed', output = ?, finished_at = ?, updated_at = ?
		WHERE namespace_id = ? AND id = ? AND workflow_run_id = ?
		  AND EXISTS (
		      SELECT 1 FROM workflow_runs
		      WHERE namespace_id = step_attempts.namespace_id AND id = step_attempts.workflow_run_id
		        AND status = 'running' AND worker_id = ?
		  )`,
		nullableBytes(output), now, now, namespace, stepAttemptID, runID, workerID)
	if err != nil {
		return nil, err
	}
	return b.guardedStepResult(ctx, res, namespace, stepAttemptID)
}

func (b *Backend) FailStepAttempt(ctx context.Context, namespace, runID, stepAttemptID, workerID string, failErr backend.SerializedError) (*backend.StepAttempt, error) {
	errBlob, err := marshalError(&failErr)
	if err != nil {
		return nil, err
	}
	now := nowString()
	res, err := b.db.ExecContext(ctx, `
		UPDATE step_attempts SET status = 'failed', error = ?, finished_at = ?, updated_at = ?
		WHERE namespace_id = ? AND id = ? AND workflow_run_id = ?
		  AND EXISTS (
		      SELECT 1 FROM workflow_runs
		      WHERE namespace_id = step_attempts.namespace_id AND id = step_attempts.workflow_run_id
		        AND status = 'running' AND worker_id = ?
		  )`,
		errBlob, now, now, namespace, stepAttemptID, runID, workerID)
	if err != nil {
		return nil, err
	}
	return b.guardedStepResult(ctx, res, namespace, stepAttemptID)
}

func (b *Backend) guardedStepResult(ctx context.Context, res sql.Result, namespace, stepAttemptID string) (*backend.StepAttempt, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, backend.ErrGuardMismatch
	}
	return b.GetStepAttempt(ctx, namespace, stepAttemptID)
}
