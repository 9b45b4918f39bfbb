// Package backendtest provides an in-memory backend.Backend used by unit
// tests for the step API, execution engine, and worker pool that would
// otherwise require a real SQL backend.
package backendtest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openworkflowdev/openworkflow-go/pkg/backend"
)

// Backend is an in-memory backend.Backend implementation. Safe for
// concurrent use.
type Backend struct {
	mu    sync.Mutex
	runs  map[string]*backend.WorkflowRun    // namespace+id -> run
	steps map[string]*backend.StepAttempt    // namespace+id -> step
	order []string                           // creation order of run keys, for stable listing
	sOrder map[string][]string               // runID -> step id creation order
}

// New returns an empty fake Backend.
func New() *Backend {
	return &Backend{
		runs:   map[string]*backend.WorkflowRun{},
		steps:  map[string]*backend.StepAttempt{},
		sOrder: map[string][]string{},
	}
}

func key(namespace, id string) string { return namespace + "/" + id }

func (b *Backend) CreateWorkflowRun(ctx context.Context, namespace string, in backend.CreateWorkflowRunInput) (*backend.WorkflowRun, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	availableAt := in.AvailableAt
	if availableAt.IsZero() {
		availableAt = time.Now()
	}
	now := time.Now()
	run := &backend.WorkflowRun{
		NamespaceID:    namespace,
		ID:             uuid.NewString(),
		WorkflowName:   in.WorkflowName,
		Version:        in.Version,
		Status:         backend.RunPending,
		IdempotencyKey: in.IdempotencyKey,
		Config:         in.Config,
		Context:        in.Context,
		Input:          in.Input,
		AvailableAt:    availableAt,
		DeadlineAt:     in.DeadlineAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	b.runs[key(namespace, run.ID)] = run
	b.order = append(b.order, key(namespace, run.ID))
	cp := *run
	return &cp, nil
}

func (b *Backend) GetWorkflowRun(ctx context.Context, namespace, id string) (*backend.WorkflowRun, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	run, ok := b.runs[key(namespace, id)]
	if !ok {
		return nil, backend.ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (b *Backend) ListWorkflowRuns(ctx context.Context, namespace string, p backend.Pagination) (*backend.Page[*backend.WorkflowRun], error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var all []*backend.WorkflowRun
	for _, k := range b.order {
		if r, ok := b.runs[k]; ok && r.NamespaceID == namespace {
			cp := *r
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})

	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}

	start := 0
	if p.After != "" {
		cur, err := backend.DecodeCursor(p.After)
		if err != nil {
			return nil, err
		}
		for i, r := range all {
			if r.CreatedAt.After(cur.CreatedAt) || (r.CreatedAt.Equal(cur.CreatedAt) && r.ID > cur.ID) {
				start = i
				break
			}
			start = i + 1
		}
	}

	end := start + limit
	hasNext := end < len(all)
	if end > len(all) {
		end = len(all)
	}
	page := all[start:end]

	out := &backend.Page[*backend.WorkflowRun]{Items: page, HasNext: hasNext, HasPrev: start > 0}
	if len(page) > 0 {
		out.NextCursor = backend.Cursor{CreatedAt: page[len(page)-1].CreatedAt, ID: page[len(page)-1].ID}.Encode()
		out.PrevCursor = backend.Cursor{CreatedAt: page[0].CreatedAt, ID: page[0].ID}.Encode()
	}
	return out, nil
}

func (b *Backend) ClaimWorkflowRun(ctx context.Context, namespace, workerID string, leaseDuration time.Duration) (*backend.WorkflowRun, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	for _, k := range b.order {
		r, ok := b.runs[k]
		if !ok || r.NamespaceID != namespace {
			continue
		}
		if (r.Status == backend.RunPending || r.Status == backend.RunRunning || r.Status == backend.RunSleeping) &&
			r.DeadlineAt != nil && !r.DeadlineAt.After(now) {
			r.Status = backend.RunFailed
			r.WorkerID = nil
			r.Error = &backend.SerializedError{Message: "Workflow run deadline exceeded"}
			r.UpdatedAt = now
		}
	}

	var candidates []*backend.WorkflowRun
	for _, k := range b.order {
		r := b.runs[k]
		if r.NamespaceID != namespace {
			continue
		}
		if r.Status != backend.RunPending && r.Status != backend.RunRunning && r.Status != backend.RunSleeping {
			continue
		}
		if r.AvailableAt.After(now) {
			continue
		}
		if r.DeadlineAt != nil && !r.DeadlineAt.After(now) {
			continue
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		pi, pj := candidates[i].Status == backend.RunPending, candidates[j].Status == backend.RunPending
		if pi != pj {
			return pi
		}
		if !candidates[i].AvailableAt.Equal(candidates[j].AvailableAt) {
			return candidates[i].AvailableAt.Before(candidates[j].AvailableAt)
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	r := candidates[0]
	r.Status = backend.RunRunning
	r.WorkerID = &workerID
	r.AvailableAt = now.Add(leaseDuration)
	if r.StartedAt == nil {
		r.StartedAt = &now
	}
	r.Attempts++
	r.UpdatedAt = now

	cp := *r
	return &cp, nil
}

func (b *Backend) ExtendWorkflowRunLease(ctx context.Context, namespace, runID, workerID string, leaseDuration time.Duration) (*backend.WorkflowRun, error) {
	return b.guardedUpdate(namespace, runID, func(r *backend.WorkflowRun) error {
		if r.Status != backend.RunRunning || r.WorkerID == nil || *r.WorkerID != workerID {
			return backend.ErrGuardMismatch
		}
		r.AvailableAt = time.Now().Add(leaseDuration)
		return nil
	})
}

func (b *Backend) SleepWorkflowRun(ctx context.Context, namespace, runID, workerID string, availableAt time.Time) (*backend.WorkflowRun, error) {
	return b.guardedUpdate(namespace, runID, func(r *backend.WorkflowRun) error {
		if r.Status.Terminal() || r.WorkerID == nil || *r.WorkerID != workerID {
			return backend.ErrGuardMismatch
		}
		r.Status = backend.RunSleeping
		r.AvailableAt = availableAt
		r.WorkerID = nil
		return nil
	})
}

func (b *Backend) CompleteWorkflowRun(ctx context.Context, namespace, runID, workerID string, output []byte) (*backend.WorkflowRun, error) {
	return b.guardedUpdate(namespace, runID, func(r *backend.WorkflowRun) error {
		if r.Status != backend.RunRunning || r.WorkerID == nil || *r.WorkerID != workerID {
			return backend.ErrGuardMismatch
		}
		r.Status = backend.RunCompleted
		r.Output = output
		now := time.Now()
		r.FinishedAt = &now
		r.WorkerID = nil
		return nil
	})
}

func (b *Backend) FailWorkflowRun(ctx context.Context, namespace, runID, workerID string, failErr backend.SerializedError) (*backend.WorkflowRun, error) {
	return b.guardedUpdate(namespace, runID, func(r *backend.WorkflowRun) error {
		if r.Status != backend.RunRunning || r.WorkerID == nil || *r.WorkerID != workerID {
			return backend.ErrGuardMismatch
		}
		r.Status = backend.RunFailed
		r.Error = &failErr
		now := time.Now()
		r.FinishedAt = &now
		r.WorkerID = nil
		return nil
	})
}

func (b *Backend) RescheduleWorkflowRunAfterFailedStepAttempt(ctx context.Context, namespace, runID, workerID string, availableAt time.Time, failErr backend.SerializedError) (*backend.WorkflowRun, error) {
	return b.guardedUpdate(namespace, runID, func(r *backend.WorkflowRun) error {
		if r.Status != backend.RunRunning || r.WorkerID == nil || *r.WorkerID != workerID {
			return backend.ErrGuardMismatch
		}
		r.Status = backend.RunPending
		r.AvailableAt = availableAt
		r.WorkerID = nil
		r.StartedAt = nil
		r.Error = &failErr
		return nil
	})
}

func (b *Backend) CancelWorkflowRun(ctx context.Context, namespace, runID string) (*backend.WorkflowRun, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.runs[key(namespace, runID)]
	if !ok {
		return nil, backend.ErrNotFound
	}
	if r.Status == backend.RunCanceled {
		cp := *r
		return &cp, nil
	}
	if r.Status.Terminal() {
		return nil, backend.ErrCannotCancelTerminal
	}
	r.Status = backend.RunCanceled
	now := time.Now()
	r.FinishedAt = &now
	r.WorkerID = nil
	cp := *r
	return &cp, nil
}

func (b *Backend) guardedUpdate(namespace, runID string, mutate func(*backend.WorkflowRun) error) (*backend.WorkflowRun, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.runs[key(namespace, runID)]
	if !ok {
		return nil, backend.ErrNotFound
	}
	if err := mutate(r); err != nil {
		return nil, err
	}
	r.UpdatedAt = time.Now()
	cp := *r
	return &cp, nil
}

func (b *Backend) CreateStepAttempt(ctx context.Context, namespace, runID, workerID string, in backend.CreateStepAttemptInput) (*backend.StepAttempt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.runs[key(namespace, runID)]
	if !ok || r.Status != backend.RunRunning || r.WorkerID == nil || *r.WorkerID != workerID {
		return nil, backend.ErrGuardMismatch
	}

	now := time.Now()
	s := &backend.StepAttempt{
		NamespaceID:   namespace,
		ID:            uuid.NewString(),
		WorkflowRunID: runID,
		StepName:      in.StepName,
		Kind:          in.Kind,
		Status:        backend.StepRunning,
		Config:        in.Config,
		Context:       in.Context,
		StartedAt:     &now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	b.steps[key(namespace, s.ID)] = s
	b.sOrder[runID] = append(b.sOrder[runID], key(namespace, s.ID))
	cp := *s
	return &cp, nil
}

func (b *Backend) GetStepAttempt(ctx context.Context, namespace, id string) (*backend.StepAttempt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.steps[key(namespace, id)]
	if !ok {
		return nil, backend.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (b *Backend) ListStepAttempts(ctx context.Context, namespace, runID string, p backend.Pagination) (*backend.Page[*backend.StepAttempt], error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var all []*backend.StepAttempt
	for _, k := range b.sOrder[runID] {
		if s, ok := b.steps[k]; ok && s.NamespaceID == namespace {
			cp := *s
			all = append(all, &cp)
		}
	}

	limit := p.Limit
	if limit <= 0 {
		limit = 1000
	}
	start := 0
	if p.After != "" {
		cur, err := backend.DecodeCursor(p.After)
		if err != nil {
			return nil, err
		}
		for i, s := range all {
			if s.CreatedAt.After(cur.CreatedAt) || (s.CreatedAt.Equal(cur.CreatedAt) && s.ID > cur.ID) {
				start = i
				break
			}
			start = i + 1
		}
	}
	end := start + limit
	hasNext := end < len(all)
	if end > len(all) {
		end = len(all)
	}
	page := all[start:end]

	out := &backend.Page[*backend.StepAttempt]{Items: page, HasNext: hasNext, HasPrev: start > 0}
	if len(page) > 0 {
		out.NextCursor = backend.Cursor{CreatedAt: page[len(page)-1].CreatedAt, ID: page[len(page)-1].ID}.Encode()
		out.PrevCursor = backend.Cursor{CreatedAt: page[0].CreatedAt, ID: page[0].ID}.Encode()
	}
	return out, nil
}

func (b *Backend) CompleteStepAttempt(ctx context.Context, namespace, runID, stepAttemptID, workerID string, output []byte) (*backend.StepAttempt, error) {
	return b.guardedStepUpdate(namespace, runID, stepAttemptID, workerID, func(s *backend.StepAttempt) {
		s.Status = backend.StepCompleted
		s.Output = output
		now := time.Now()
		s.FinishedAt = &now
	})
}

func (b *Backend) FailStepAttempt(ctx context.Context, namespace, runID, stepAttemptID, workerID string, failErr backend.SerializedError) (*backend.StepAttempt, error) {
	return b.guardedStepUpdate(namespace, runID, stepAttemptID, workerID, func(s *backend.StepAttempt) {
		s.Status = backend.StepFailed
		s.Error = &failErr
		now := time.Now()
		s.FinishedAt = &now
	})
}

func (b *Backend) guardedStepUpdate(namespace, runID, stepAttemptID, workerID string, mutate func(*backend.StepAttempt)) (*backend.StepAttempt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.runs[key(namespace, runID)]
	if !ok || r.Status != backend.RunRunning || r.WorkerID == nil || *r.WorkerID != workerID {
		return nil, backend.ErrGuardMismatch
	}
	s, ok := b.steps[key(namespace, stepAttemptID)]
	if !ok || s.WorkflowRunID != runID {
		return nil, backend.ErrGuardMismatch
	}
	mutate(s)
	s.UpdatedAt = time.Now()
	cp := *s
	return &cp, nil
}

func (b *Backend) Migrate(ctx context.Context) error { return nil }

func (b *Backend) Close() error { return nil }
