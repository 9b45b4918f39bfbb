// Package client is the facade through which application code declares,
// implements, and runs workflows: declareWorkflow/implementWorkflow build
// a process-owned registry (never global state, spec §9), runWorkflow
// enqueues a run and returns a WorkflowRunHandle for polling the result or
// canceling it.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/openworkflowdev/openworkflow-go/pkg/backend"
	"github.com/openworkflowdev/openworkflow-go/pkg/engine"
	"github.com/openworkflowdev/openworkflow-go/pkg/worker"
)

// Issue is one validation failure reported by a Schema's validator.
type Issue struct {
	Message string
}

// Schema is the "Standard Schema" interop contract (spec §6): a validator
// that accepts an unknown value and returns either a parsed value or a
// non-empty set of issues.
type Schema interface {
	Validate(ctx context.Context, input any) (value any, issues []Issue, err error)
}

// Spec is the plain value returned by DeclareWorkflow: a name/version
// selector plus an optional input schema. Declaring a Spec has no side
// effects; registration happens in ImplementWorkflow.
type Spec struct {
	Name    string
	Version string
	Schema  Schema
}

func (s Spec) registryKey() string { return registryKey(s.Name, s.Version) }

func registryKey(name, version string) string {
	if version == "" {
		return name
	}
	return name + "@" + version
}

// DeclareConfig is the input to DeclareWorkflow.
type DeclareConfig struct {
	Name    string
	Version string
	Schema  Schema
}

// RunOptions configures a single RunWorkflow call.
type RunOptions struct {
	DeadlineAt *time.Time
}

type registryEntry struct {
	spec Spec
	fn   engine.Func
}

// Client is the process-owned registry plus backend handle. Create one
// per process with New; never share a *Client's registry through package
// globals (spec §9).
type Client struct {
	be        backend.Backend
	namespace string

	mu       sync.Mutex
	registry map[string]registryEntry
}

// New constructs a Client bound to be, scoping every operation to
// namespace (an opaque partition string; spec §3).
func New(be backend.Backend, namespace string) *Client {
	return &Client{
		be:        be,
		namespace: namespace,
		registry:  make(map[string]registryEntry),
	}
}

// DeclareWorkflow returns a Spec describing a workflow's name, optional
// version, and optional input schema. It has no side effects.
func (c *Client) DeclareWorkflow(cfg DeclareConfig) Spec {
	return Spec{Name: cfg.Name, Version: cfg.Version, Schema: cfg.Schema}
}

// ImplementWorkflow registers fn under spec's (name, version) key.
// Registering the same key twice fails.
func (c *Client) ImplementWorkflow(spec Spec, fn engine.Func) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := spec.registryKey()
	if _, exists := c.registry[key]; exists {
		return fmt.Errorf("client: workflow %q is already registered", key)
	}
	c.registry[key] = registryEntry{spec: spec, fn: fn}
	return nil
}

// WorkflowDefinition is the declare+implement convenience returned by
// DefineWorkflow; Run delegates to RunWorkflow.
type WorkflowDefinition struct {
	client *Client
	spec   Spec
}

// Spec returns the definition's underlying Spec.
func (d *WorkflowDefinition) Spec() Spec { return d.spec }

// Run enqueues a new run of this definition.
func (d *WorkflowDefinition) Run(ctx context.Context, input any, opts RunOptions) (*Handle, error) {
	return d.client.RunWorkflow(ctx, d.spec, input, opts)
}

// DefineWorkflow declares and implements a workflow in one call.
func (c *Client) DefineWorkflow(cfg DeclareConfig, fn engine.Func) (*WorkflowDefinition, error) {
	spec := c.DeclareWorkflow(cfg)
	if err := c.ImplementWorkflow(spec, fn); err != nil {
		return nil, err
	}
	return &WorkflowDefinition{client: c, spec: spec}, nil
}

// Lookup implements worker.Registry: exact-match lookup by (name,
// version); version=="" matches a workflow declared without one.
func (c *Client) Lookup(name, version string) (engine.Func, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.registry[registryKey(name, version)]
	if !ok {
		return nil, false
	}
	return e.fn, true
}

// RunWorkflow validates input through spec's optional schema, then
// creates a new workflow run and returns a Handle to it.
func (c *Client) RunWorkflow(ctx context.Context, spec Spec, input any, opts RunOptions) (*Handle, error) {
	value := input
	if spec.Schema != nil {
		parsed, issues, err := spec.Schema.Validate(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("client: schema validation error: %w", err)
		}
		if len(issues) > 0 {
			msgs := make([]string, len(issues))
			for i, iss := range issues {
				msgs[i] = iss.Message
			}
			return nil, fmt.Errorf("client: input validation failed: %s", strings.Join(msgs, "; "))
		}
		value = parsed
	}

	inputJSON, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("client: marshal input: %w", err)
	}

	run, err := c.be.CreateWorkflowRun(ctx, c.namespace, backend.CreateWorkflowRunInput{
		WorkflowName: spec.Name,
		Version:      spec.Version,
		Input:        inputJSON,
		DeadlineAt:   opts.DeadlineAt,
	})
	if err != nil {
		return nil, err
	}

	return &Handle{be: c.be, namespace: c.namespace, workflowName: spec.Name, runID: run.ID}, nil
}

// NewWorkerOptions configures a worker pool built by NewWorker.
type NewWorkerOptions struct {
	Concurrency   int
	LeaseDuration time.Duration
	PollInterval  time.Duration
}

// NewWorker builds a worker.Pool bound to this client's backend,
// namespace, and registry.
func (c *Client) NewWorker(opts NewWorkerOptions) *worker.Pool {
	return worker.New(worker.Config{
		Backend:       c.be,
		Namespace:     c.namespace,
		Registry:      c,
		Concurrency:   opts.Concurrency,
		LeaseDuration: opts.LeaseDuration,
		PollInterval:  opts.PollInterval,
	})
}

// defaultPollInterval and defaultResultTimeout govern Handle.Result (spec
// §4.6: "polls ... every 1s (default) ... throws a timeout error after 5
// minutes").
const (
	defaultPollInterval  = time.Second
	defaultResultTimeout = 5 * time.Minute
)

// Handle is returned by RunWorkflow: a thin pointer to a single workflow
// run that can be polled for its result or canceled.
type Handle struct {
	be           backend.Backend
	namespace    string
	workflowName string
	runID        string
}

// RunID returns the opaque id of the underlying workflow run.
func (h *Handle) RunID() string { return h.runID }

// Result polls GetWorkflowRun every defaultPollInterval until the run
// reaches completed (or the legacy "succeeded" alias), returning its
// output; it returns an error if the run failed, was canceled, or the
// poll exceeds defaultResultTimeout.
func (h *Handle) Result(ctx context.Context) (json.RawMessage, error) {
	deadline := time.Now().Add(defaultResultTimeout)
	ticker := time.NewTicker(defaultPollInterval)
	defer ticker.Stop()

	for {
		run, err := h.be.GetWorkflowRun(ctx, h.namespace, h.runID)
		if err != nil {
			return nil, err
		}

		switch run.Status {
		case backend.RunCompleted, backend.RunSucceeded:
			return run.Output, nil
		case backend.RunFailed:
			errJSON, _ := json.Marshal(run.Error)
			return nil, fmt.Errorf("workflow %s run %s failed: %s", h.workflowName, h.runID, string(errJSON))
		case backend.RunCanceled:
			return nil, fmt.Errorf("workflow %s run %s was canceled", h.workflowName, h.runID)
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("workflow %s run %s: timed out waiting for result after %s", h.workflowName, h.runID, defaultResultTimeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cancel requests cancellation of the underlying run.
func (h *Handle) Cancel(ctx context.Context) error {
	_, err := h.be.CancelWorkflowRun(ctx, h.namespace, h.runID)
	return err
}
