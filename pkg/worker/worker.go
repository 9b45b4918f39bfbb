// Package worker implements the long-running poller: a fixed pool of
// concurrency slots, each with a stable worker id, that claims runs,
// spawns execution, heartbeats leases, and shuts down gracefully.
package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/openworkflowdev/openworkflow-go/pkg/backend"
	"github.com/openworkflowdev/openworkflow-go/pkg/engine"
)

const (
	// DefaultLeaseDuration is the lease window granted on claim and
	// refreshed by the heartbeat at half this interval (spec §4.5 point 2).
	DefaultLeaseDuration = 30 * time.Second

	// DefaultPollInterval is how long an idle poll loop waits before
	// trying again when no slot claimed work (spec §4.5).
	DefaultPollInterval = 100 * time.Millisecond
)

// Registry resolves a (workflowName, version) selector to a registered
// function. version is "" when the run has no version. Implemented by
// pkg/client's process-owned registry.
type Registry interface {
	Lookup(name, version string) (engine.Func, bool)
}

// Config configures a Pool.
type Config struct {
	Backend     backend.Backend
	Namespace   string
	Registry    Registry
	Concurrency int

	LeaseDuration time.Duration
	PollInterval  time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.Concurrency <= 0 {
		out.Concurrency = 1
	}
	if out.LeaseDuration <= 0 {
		out.LeaseDuration = DefaultLeaseDuration
	}
	if out.PollInterval <= 0 {
		out.PollInterval = DefaultPollInterval
	}
	return out
}

type poolState int32

const (
	stateStopped poolState = iota
	stateStarting
	stateRunning
	stateStopping
)

// Pool is a long-running poller holding a fixed-length array of worker
// ids (one per concurrency slot) and the set of in-flight executions.
// Only one Start and one Stop may be active at a time (spec §4.5).
type Pool struct {
	cfg Config
	eng *engine.Engine

	slotIDs []string

	mu      sync.Mutex
	st      poolState
	busy    map[string]bool
	stopCh  chan struct{}
	execCtx context.Context

	wg sync.WaitGroup // poll loop goroutine + every in-flight execution
}

// New constructs a Pool. It does not start polling until Start is called.
func New(cfg Config) *Pool {
	cfg = cfg.withDefaults()
	slotIDs := make([]string, cfg.Concurrency)
	for i := range slotIDs {
		slotIDs[i] = uuid.NewString()
	}
	return &Pool{
		cfg:     cfg,
		eng:     engine.New(cfg.Backend),
		slotIDs: slotIDs,
		busy:    make(map[string]bool, cfg.Concurrency),
		st:      stateStopped,
	}
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Concurrency int
	InFlight    int
	SlotIDs     []string
}

// Stats returns a snapshot of current pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	inFlight := 0
	for _, b := range p.busy {
		if b {
			inFlight++
		}
	}
	slots := make([]string, len(p.slotIDs))
	copy(slots, p.slotIDs)
	return Stats{Concurrency: len(p.slotIDs), InFlight: inFlight, SlotIDs: slots}
}

// Start begins the poll loop in the background and returns immediately.
// ctx governs in-flight executions (a canceled ctx aborts running user
// code); use Stop for a graceful drain instead of canceling ctx.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.st != stateStopped {
		p.mu.Unlock()
		return fmt.Errorf("worker: pool is not stopped (state=%d)", p.st)
	}
	p.st = stateStarting
	p.execCtx = ctx
	p.stopCh = make(chan struct{})
	p.st = stateRunning
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.pollLoop()
	}()
	return nil
}

// Stop flips the running flag false, waits for the poll loop to exit
// (issuing no further claims), then waits for every in-flight execution
// to drain before returning.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if p.st != stateRunning {
		p.mu.Unlock()
		return fmt.Errorf("worker: pool is not running (state=%d)", p.st)
	}
	p.st = stateStopping
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	p.st = stateStopped
	p.mu.Unlock()
	return nil
}

func (p *Pool) isRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.st == stateRunning
}

func (p *Pool) pollLoop() {
	for p.isRunning() {
		slots := p.freeSlots()
		if len(slots) == 0 {
			p.waitOrStop()
			continue
		}

		var claimed int32
		var wg sync.WaitGroup
		for _, slotID := range slots {
			wg.Add(1)
			go func(slotID string) {
				defer wg.Done()
				if p.claimAndRun(slotID) {
					atomic.AddInt32(&claimed, 1)
				}
			}(slotID)
		}
		wg.Wait()

		if claimed == 0 {
			p.waitOrStop()
		}
	}
}

// waitOrStop sleeps PollInterval, waking early if Stop is called.
func (p *Pool) waitOrStop() {
	select {
	case <-time.After(p.cfg.PollInterval):
	case <-p.stopCh:
	}
}

// claimAndRun attempts one claim for slotID and, on success, spawns the
// execution in the background (tracked by p.wg so Stop drains it). It
// reports whether a run was claimed.
func (p *Pool) claimAndRun(slotID string) bool {
	run, err := p.cfg.Backend.ClaimWorkflowRun(p.execCtx, p.cfg.Namespace, slotID, p.cfg.LeaseDuration)
	if err != nil {
		log.Printf("worker: claim error on slot %s: %v", slotID, err)
		return false
	}
	if run == nil {
		return false
	}

	p.setBusy(slotID, true)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.setBusy(slotID, false)
		p.runOne(slotID, run)
	}()
	return true
}

func (p *Pool) setBusy(slotID string, busy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.busy[slotID] = busy
}

func (p *Pool) freeSlots() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, id := range p.slotIDs {
		if !p.busy[id] {
			out = append(out, id)
		}
	}
	return out
}

// runOne is the per-execution lifecycle: registry lookup, heartbeat
// goroutine, engine invocation (spec §4.5).
func (p *Pool) runOne(slotID string, run *backend.WorkflowRun) {
	fn, ok := p.cfg.Registry.Lookup(run.WorkflowName, run.Version)
	if !ok {
		msg := fmt.Sprintf("Workflow %s(version:%s) is not registered", run.WorkflowName, run.Version)
		if _, err := p.cfg.Backend.FailWorkflowRun(p.execCtx, p.cfg.Namespace, run.ID, slotID, backend.SerializedError{Message: msg}); err != nil {
			log.Printf("worker: failed to mark unregistered run %s as failed: %v", run.ID, err)
		}
		return
	}

	stopHeartbeat := p.startHeartbeat(slotID, run.ID)
	defer stopHeartbeat()

	if err := p.eng.Execute(p.execCtx, p.cfg.Namespace, run, slotID, fn); err != nil {
		log.Printf("worker: execution pass for run %s ended with error: %v", run.ID, err)
	}
}

// startHeartbeat extends the run's lease every LeaseDuration/2 until the
// returned function is called. Heartbeat errors log but never abort
// execution — a lost lease surfaces as a guard mismatch at the engine's
// next guarded write (spec §4.5 point 2).
func (p *Pool) startHeartbeat(slotID, runID string) (stop func()) {
	done := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(p.cfg.LeaseDuration / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if _, err := p.cfg.Backend.ExtendWorkflowRunLease(p.execCtx, p.cfg.Namespace, runID, slotID, p.cfg.LeaseDuration); err != nil {
					log.Printf("worker: heartbeat failed for run %s: %v", runID, err)
				}
			}
		}
	}()

	return func() { once.Do(func() { close(done) }) }
}
