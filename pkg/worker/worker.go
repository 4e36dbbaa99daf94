// Package worker implements the language-worker process side of spec.md
// §4.3/§4.6: registration with the local WorkerPool, a heartbeat loop, and
// the task execution loop that accepts a DispatchTaskMsg, runs the named
// function, and reports the outcome back to TaskManager.
//
// Grounded on the teacher's pkg/worker/worker.go: the same
// register-then-heartbeat-loop-then-executor-loop shape (ticker plus a
// stopCh, one goroutine per loop), repurposed from polling for assigned
// containers and running them under containerd to accepting dispatched
// tasks and running them through a FunctionRegistry. Actual multi-language
// user-code execution is out of scope (spec.md §1); FunctionRegistry is the
// narrow seam a real language runtime would plug into.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/warren/pkg/coreerr"
	"github.com/cuemby/warren/pkg/coreids"
	"github.com/cuemby/warren/pkg/corelog"
	"github.com/cuemby/warren/pkg/corerpc"
	"github.com/cuemby/warren/pkg/depresolve"
	"github.com/cuemby/warren/pkg/submitter"
	"github.com/cuemby/warren/pkg/taskmanager"
	"github.com/cuemby/warren/pkg/workerpool"
	"github.com/rs/zerolog"
)

// Func is one registered function body: it receives a task's resolved
// arguments and produces its return values, or an error if it failed.
type Func func(args []depresolve.ResolvedArg) ([]taskmanager.ReturnValue, error)

// FunctionRegistry is this process's table of runnable functions, keyed by
// the name a TaskSpec.FunctionName names.
type FunctionRegistry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewFunctionRegistry creates an empty registry.
func NewFunctionRegistry() *FunctionRegistry {
	return &FunctionRegistry{funcs: make(map[string]Func)}
}

// Register installs fn under name, overwriting any previous registration.
func (r *FunctionRegistry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

func (r *FunctionRegistry) lookup(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Process is one worker process: it registers itself with a local
// pkg/workerpool.Pool, accepts dispatched tasks, and reports completions
// directly to the co-located pkg/taskmanager.Manager. A deployment where the
// worker and its task's owner run in different processes instead serves
// DispatchTask through pkg/corerpc.Server.Dispatch and reports completions
// over a corerpc.Client's ReportTaskReply; Process implements the same
// corerpc.DispatchHandler interface either way.
type Process struct {
	addr    string
	jobID   coreids.JobID
	funcs   *FunctionRegistry
	manager *taskmanager.Manager
	pool    *workerpool.Pool

	stopCh chan struct{}
	logger zerolog.Logger
}

// NewProcess builds a worker process bound to addr, willing to run functions
// in funcs for jobID, reporting completions to manager.
func NewProcess(addr string, jobID coreids.JobID, funcs *FunctionRegistry, manager *taskmanager.Manager, pool *workerpool.Pool) *Process {
	return &Process{
		addr:    addr,
		jobID:   jobID,
		funcs:   funcs,
		manager: manager,
		pool:    pool,
		stopCh:  make(chan struct{}),
		logger:  corelog.WithNodeID(addr),
	}
}

// Functions returns the registry callers use to install the functions this
// process can run.
func (p *Process) Functions() *FunctionRegistry {
	return p.funcs
}

// Start files this process into the pool as idle and begins its heartbeat
// loop. A launched process that later wants to signal dedicated-actor
// affinity registers directly against pool with workerpool.RegisterWorker
// instead of calling Start.
func (p *Process) Start() {
	p.pool.RegisterWorker(workerpool.WorkerInfo{Address: p.addr, JobID: p.jobID})
	go p.heartbeatLoop()
}

// Stop ends the heartbeat loop and removes this process from the pool.
func (p *Process) Stop() {
	close(p.stopCh)
	p.pool.Remove(p.addr)
}

func (p *Process) heartbeatLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.logger.Debug().Msg("heartbeat")
		case <-p.stopCh:
			return
		}
	}
}

// DispatchTask implements corerpc.DispatchHandler: it accepts req if a
// function is registered under its name, then runs it on its own goroutine
// so the caller is unblocked as soon as the task is accepted, matching
// spec.md §4.6's "Submit returns once accepted, not once finished."
func (p *Process) DispatchTask(ctx context.Context, req corerpc.DispatchTaskMsg) (corerpc.DispatchAckMsg, error) {
	fn, ok := p.funcs.lookup(req.FunctionName)
	if !ok {
		return corerpc.DispatchAckMsg{Accepted: false, Reason: fmt.Sprintf("no function registered: %s", req.FunctionName)}, nil
	}
	go p.execute(req, fn)
	return corerpc.DispatchAckMsg{Accepted: true}, nil
}

func (p *Process) execute(req corerpc.DispatchTaskMsg, fn Func) {
	returns, err := fn(req.ResolvedArgs)
	// The task no longer needs this worker: file it back into the pool as
	// idle before the reply is processed, so a retry can lease it again.
	p.pool.Checkin(workerpool.WorkerInfo{Address: p.addr, JobID: p.jobID})
	reply := taskmanager.Reply{TaskID: req.TaskID}
	if err != nil {
		reply.Success = false
		reply.FailureKind = coreerr.Transient
		reply.FailureErr = err
	} else {
		reply.Success = true
		reply.Returns = returns
	}
	if err := p.manager.HandleReply(context.Background(), reply); err != nil {
		p.logger.Error().Err(err).Str("task_id", req.TaskID.String()).Msg("failed to process task reply")
	}
}

// LocalDispatcher adapts a set of co-located Process workers to
// submitter.Dispatcher, routing each DispatchTask call by WorkerInfo.Address
// instead of over a corerpc.Client, for single-process wiring where the
// worker and the task's owner share one process and no network hop is
// needed between dispatch and reply.
type LocalDispatcher struct {
	mu      sync.RWMutex
	workers map[string]*Process
}

// NewLocalDispatcher creates an empty registry of addressable local workers.
func NewLocalDispatcher() *LocalDispatcher {
	return &LocalDispatcher{workers: make(map[string]*Process)}
}

// Add makes proc reachable at its own address.
func (d *LocalDispatcher) Add(proc *Process) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.workers[proc.addr] = proc
}

// Remove makes addr unreachable.
func (d *LocalDispatcher) Remove(addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.workers, addr)
}

// DispatchTask implements submitter.Dispatcher.
func (d *LocalDispatcher) DispatchTask(ctx context.Context, workerAddr string, spec submitter.TaskSpec, args []depresolve.ResolvedArg, sequence uint64) error {
	d.mu.RLock()
	proc, ok := d.workers[workerAddr]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("worker: no local worker registered at %s", workerAddr)
	}

	ack, err := proc.DispatchTask(ctx, corerpc.DispatchTaskMsg{
		TaskID:          spec.TaskID,
		JobID:           spec.JobID,
		ActorID:         spec.ActorID,
		IsActorCreation: spec.IsActorCreation,
		FunctionName:    spec.FunctionName,
		ResolvedArgs:    args,
		NumReturns:      spec.NumReturns,
		Sequence:        sequence,
	})
	if err != nil {
		return err
	}
	if !ack.Accepted {
		return fmt.Errorf("worker: %s rejected task %s: %s", workerAddr, spec.TaskID, ack.Reason)
	}
	return nil
}

var _ submitter.Dispatcher = (*LocalDispatcher)(nil)
