package postgres

import (
	"database/sql"
	"encoding/json"

	"github.com/openworkflowdev/openworkflow-go/pkg/backend"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const runColumns = `
	namespace_id, id, workflow_name, version, status, idempotency_key,
	config, context, input, output, error, attempts,
	parent_step_attempt_namespace_id, parent_step_attempt_id, worker_id,
	available_at, deadline_at, started_at, finished_at, created_at, updated_at`

func scanWorkflowRun(row rowScanner) (*backend.WorkflowRun, error) {
	var r backend.WorkflowRun
	var version, idempotencyKey, parentNS, parentID, workerID sql.NullString
	var config, ctxBlob, input, output, errBlob []byte
	var deadlineAt, startedAt, finishedAt sql.NullTime

	err := row.Scan(
		&r.NamespaceID, &r.ID, &r.WorkflowName, &version, &r.Status, &idempotencyKey,
		&config, &ctxBlob, &input, &output, &errBlob, &r.Attempts,
		&parentNS, &parentID, &workerID,
		&r.AvailableAt, &deadlineAt, &startedAt, &finishedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Version = version.String
	r.IdempotencyKey = idempotencyKey.String
	r.ParentStepAttemptNamespaceID = parentNS.String
	r.ParentStepAttemptID = parentID.String
	r.Config = config
	r.Context = ctxBlob
	r.Input = input
	r.Output = output
	if workerID.Valid {
		w := workerID.String
		r.WorkerID = &w
	}
	if deadlineAt.Valid {
		r.DeadlineAt = &deadlineAt.Time
	}
	if startedAt.Valid {
		r.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		r.FinishedAt = &finishedAt.Time
	}
	if serr, err := unmarshalError(errBlob); err != nil {
		return nil, err
	} else {
		r.Error = serr
	}
	return &r, nil
}

const stepColumns = `
	namespace_id, id, workflow_run_id, step_name, kind, status,
	config, context, output, error,
	child_workflow_run_namespace_id, child_workflow_run_id,
	started_at, finished_at, created_at, updated_at`

func scanStepAttempt(row rowScanner) (*backend.StepAttempt, error) {
	var s backend.StepAttempt
	var childNS, childID sql.NullString
	var config, ctxBlob, output, errBlob []byte
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(
		&s.NamespaceID, &s.ID, &s.WorkflowRunID, &s.StepName, &s.Kind, &s.Status,
		&config, &ctxBlob, &output, &errBlob,
		&childNS, &childID,
		&startedAt, &finishedAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.ChildWorkflowRunNamespaceID = childNS.String
	s.ChildWorkflowRunID = childID.String
	s.Config = config
	s.Context = ctxBlob
	s.Output = output
	if startedAt.Valid {
		s.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		s.FinishedAt = &finishedAt.Time
	}
	if serr, err := unmarshalError(errBlob); err != nil {
		return nil, err
	} else {
		s.Error = serr
	}
	return &s, nil
}

func marshalError(e *backend.SerializedError) ([]byte, error) {
	if e == nil {
		return nil, nil
	}
	return json.Marshal(e)
}

func unmarshalError(b []byte) (*backend.SerializedError, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var e backend.SerializedError
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
