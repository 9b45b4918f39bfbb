package postgres

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
	query := fmt.Sprintf(`
		INSERT INTO %s (namespace_id, id, workflow_run_id, step_name, kind, status, config, context, started_at)
		SELECT $1, $2, $3, $4, $5, 'running', $6, $7, now()
		FROM %s
		WHERE namespace_id = $1 AND id = $3 AND status = 'running' AND worker_id = $8
		RETURNING %s`, b.table("step_attempts"), b.table("workflow_runs"), stepColumns)

	row := b.db.QueryRowContext(ctx, query, namespace, id, runID, in.StepName, in.Kind, in.Config, in.Context, workerID)
	attempt, err := scanStepAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, backend.ErrGuardMismatch
	}
	return attempt, err
}

func (b *Backend) GetStepAttempt(ctx context.Context, namespace, id string) (*backend.StepAttempt, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE namespace_id = $1 AND id = $2`, stepColumns, b.table("step_attempts"))
	row := b.db.QueryRowContext(ctx, query, namespace, id)
	attempt, err := scanStepAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, backend.ErrNotFound
	}
	return attempt, err
}

func (b *Backend) ListStepAttempts(ctx context.Context, namespace, runID string, p backend.Pagination) (*backend.Page[*backend.StepAttempt], error) {
	return paginate(ctx, b.db, stepColumns, b.table("step_attempts"), "namespace_id = $1 AND workflow_run_id = $2", []any{namespace, runID}, p,
		scanStepAttempt,
		func(s *backend.StepAttempt) backend.Cursor { return backend.Cursor{CreatedAt: s.CreatedAt, ID: s.ID} },
	)
}

// CompleteStepAttempt and FailStepAttempt are guarded by a join against
// workflow_runs: the run must still be running and owned by workerID.
func (b *Backend) CompleteStepAttempt(ctx context.Context, namespace, runID, stepAttemptID, workerID string, output []byte) (*backend.StepAttempt, error) {
	query := fmt.Sprintf(`
		UPDATE %s s SET status = 'completed', output = $5, finished_at = now(), updated_at = now()
		FROM %s r
		WHERE s.namespace_id = $1 AND s.id = $2 AND s.workflow_run_id = $3
		  AND r.namespace_id = s.namespace_id AND r.id = s.workflow_run_id
		  AND r.status = 'running' AND r.worker_id = $4
		RETURNING %s`, b.table("step_attempts"), b.table("workflow_runs"), prefixedStepColumns("s"))

	row := b.db.QueryRowContext(ctx, query, namespace, stepAttemptID, runID, workerID, output)
	attempt, err := scanStepAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, backend.ErrGuardMismatch
	}
	return attempt, err
}

func (b *Backend) FailStepAttempt(ctx context.Context, namespace, runID, stepAttemptID, workerID string, failErr backend.SerializedError) (*backend.StepAttempt, error) {
	errBlob, err := marshalError(&failErr)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		UPDATE %s s SET status = 'failed', error = $5, finished_at = now(), updated_at = now()
		FROM %s r
		WHERE s.namespace_id = $1 AND s.id = $2 AND s.workflow_run_id = $3
		  AND r.namespace_id = s.namespace_id AND r.id = s.workflow_run_id
		  AND r.status = 'running' AND r.worker_id = $4
		RETURNING %s`, b.table("step_attempts"), b.table("workflow_runs"), prefixedStepColumns("s"))

	row := b.db.QueryRowContext(ctx, query, namespace, stepAttemptID, runID, workerID, errBlob)
	attempt, err := scanStepAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, backend.ErrGuardMismatch
	}
	return attempt, err
}

func prefixedStepColumns(alias string) string {
	cols := []string{
		"namespace_id", "id", "workflow_run_id", "step_name", "kind", "status",
		"config", "context", "output", "error",
		"child_workflow_run_namespace_id", "child_workflow_run_id",
		"started_at", "finished_at", "created_at", "updated_at",
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
