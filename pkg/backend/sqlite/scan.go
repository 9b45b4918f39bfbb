package sqlite

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/openworkflowdev/openworkflow-go/pkg/backend"
)

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
	var config, ctxBlob, input, output, errBlob sql.NullString
	var availableAt, createdAt, updatedAt string
	var deadlineAt, startedAt, finishedAt sql.NullString

	err := row.Scan(
		&r.NamespaceID, &r.ID, &r.WorkflowName, &version, &r.Status, &idempotencyKey,
		&config, &ctxBlob, &input, &output, &errBlob, &r.Attempts,
		&parentNS, &parentID, &workerID,
		&availableAt, &deadlineAt, &startedAt, &finishedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Version = version.String
	r.IdempotencyKey = idempotencyKey.String
	r.ParentStepAttemptNamespaceID = parentNS.String
	r.ParentStepAttemptID = parentID.String
	r.Config = []byte(config.String)
	r.Context = []byte(ctxBlob.String)
	r.Input = []byte(input.String)
	r.Output = []byte(output.String)
	if workerID.Valid {
		w := workerID.String
		r.WorkerID = &w
	}

	if r.AvailableAt, err = parseTime(availableAt); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if r.DeadlineAt, err = nullTime(deadlineAt); err != nil {
		return nil, err
	}
	if r.StartedAt, err = nullTime(startedAt); err != nil {
		return nil, err
	}
	if r.FinishedAt, err = nullTime(finishedAt); err != nil {
		return nil, err
	}

	if serr, err := unmarshalError(errBlob.String); err != nil {
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
	var config, ctxBlob, output, errBlob sql.NullString
	var createdAt, updatedAt string
	var startedAt, finishedAt sql.NullString

	err := row.Scan(
		&s.NamespaceID, &s.ID, &s.WorkflowRunID, &s.StepName, &s.Kind, &s.Status,
		&config, &ctxBlob, &output, &errBlob,
		&childNS, &childID,
		&startedAt, &finishedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.ChildWorkflowRunNamespaceID = childNS.String
	s.ChildWorkflowRunID = childID.String
	s.Config = []byte(config.String)
	s.Context = []byte(ctxBlob.String)
	s.Output = []byte(output.String)

	if s.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if s.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if s.StartedAt, err = nullTime(startedAt); err != nil {
		return nil, err
	}
	if s.FinishedAt, err = nullTime(finishedAt); err != nil {
		return nil, err
	}

	if serr, err := unmarshalError(errBlob.String); err != nil {
		return nil, err
	} else {
		s.Error = serr
	}
	return &s, nil
}

func nullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullableTimeString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullableBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func marshalError(e *backend.SerializedError) (sql.NullString, error) {
	if e == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalError(s string) (*backend.SerializedError, error) {
	if s == "" {
		return nil, nil
	}
	var e backend.SerializedError
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return nil, err
	}
	return &e, nil
}
