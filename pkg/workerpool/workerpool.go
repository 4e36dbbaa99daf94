// Package workerpool implements the WorkerPool half of spec.md §4.5: a warm
// pool of worker processes indexed by job/actor/dynamic-options affinity,
// grown on demand up to a startup concurrency cap, and checked out to leases
// granted by pkg/localscheduler.
//
// Grounded on the teacher's pkg/worker/worker.go (a worker process's
// register/heartbeat lifecycle) and pkg/scheduler/scheduler.go (the
// manager-side bookkeeping of which workers are available), adapted from
// "one warm container per service replica" to "one warm worker process per
// affinity bucket, checked out per task lease."
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/warren/pkg/coreconfig"
	"github.com/cuemby/warren/pkg/coreerr"
	"github.com/cuemby/warren/pkg/coreids"
	"github.com/cuemby/warren/pkg/corelog"
	"github.com/rs/zerolog"
)

// WorkerInfo identifies a live worker process.
type WorkerInfo struct {
	Address           string
	JobID             coreids.JobID
	DedicatedActorID  coreids.ActorID // NilActorID unless this worker is pinned to one actor
	DynamicOptionsKey string          // non-empty for actor-creation tasks with per-instance startup options
}

// affinityKey groups workers that can serve the same class of task without
// a fresh process start: dedicated actor workers are never shared, and a
// non-dedicated worker is reusable across tasks in the same job that share
// no dynamic startup options (spec.md §4.5, grounded on
// original_source/src/ray/raylet/worker_pool.cc's dynamic_option_index
// matching).
type affinityKey struct {
	JobID             coreids.JobID
	DedicatedActorID  coreids.ActorID
	DynamicOptionsKey string
}

func keyFor(spec StartSpec) affinityKey {
	return affinityKey{JobID: spec.JobID, DedicatedActorID: spec.DedicatedActorID, DynamicOptionsKey: spec.DynamicOptionsKey}
}

// StartSpec describes the worker a Checkout call needs: either a fresh
// general-purpose worker for spec.JobID, or (if DedicatedActorID is set) a
// worker permanently pinned to that actor.
type StartSpec struct {
	JobID             coreids.JobID
	DedicatedActorID  coreids.ActorID
	DynamicOptionsKey string
}

// Launcher starts a new worker process. The real implementation execs (or
// requests a peer orchestrator to exec) the language runtime; tests and
// single-node wiring can supply a fake that completes RegisterWorker
// immediately.
type Launcher interface {
	StartWorker(ctx context.Context, spec StartSpec) error
}

type pendingStart struct {
	spec   StartSpec
	ready  chan WorkerInfo
	failed chan error
}

// Pool is the warm worker pool.
type Pool struct {
	mu      sync.Mutex
	idle    map[affinityKey][]WorkerInfo
	pending map[affinityKey][]*pendingStart

	launcher       Launcher
	startupTokens  chan struct{}
	registerWait   time.Duration
	logger         zerolog.Logger
}

// New creates a Pool that never launches more than maxStartupConcurrency
// worker processes at once, and waits up to registerWait for a launched
// worker to call back in via RegisterWorker.
func New(launcher Launcher, cfg coreconfig.Config) *Pool {
	return &Pool{
		idle:          make(map[affinityKey][]WorkerInfo),
		pending:       make(map[affinityKey][]*pendingStart),
		launcher:      launcher,
		startupTokens: make(chan struct{}, cfg.MaxStartupConcurrency),
		registerWait:  cfg.WorkerRegisterTimeout,
		logger:        corelog.WithComponent("workerpool"),
	}
}

// Checkout returns a worker matching spec, reusing an idle one if available
// and otherwise launching a fresh process and waiting for it to register.
func (p *Pool) Checkout(ctx context.Context, spec StartSpec) (WorkerInfo, error) {
	key := keyFor(spec)

	p.mu.Lock()
	if idle := p.idle[key]; len(idle) > 0 {
		w := idle[len(idle)-1]
		p.idle[key] = idle[:len(idle)-1]
		p.mu.Unlock()
		return w, nil
	}
	ps := &pendingStart{spec: spec, ready: make(chan WorkerInfo, 1), failed: make(chan error, 1)}
	p.pending[key] = append(p.pending[key], ps)
	p.mu.Unlock()

	select {
	case p.startupTokens <- struct{}{}:
	case <-ctx.Done():
		return WorkerInfo{}, ctx.Err()
	}
	go func() {
		defer func() { <-p.startupTokens }()
		if err := p.launcher.StartWorker(ctx, spec); err != nil {
			p.failPendingLocked(key, ps, fmt.Errorf("workerpool: start worker: %w", err))
		}
	}()

	timer := time.NewTimer(p.registerWait)
	defer timer.Stop()
	select {
	case w := <-ps.ready:
		return w, nil
	case err := <-ps.failed:
		return WorkerInfo{}, err
	case <-timer.C:
		p.dropPending(key, ps)
		return WorkerInfo{}, coreerr.New(coreerr.WorkerDied, spec.JobID.String(), fmt.Errorf("worker did not register within %s", p.registerWait))
	case <-ctx.Done():
		p.dropPending(key, ps)
		return WorkerInfo{}, ctx.Err()
	}
}

func (p *Pool) failPendingLocked(key affinityKey, ps *pendingStart, err error) {
	p.mu.Lock()
	p.removePendingLocked(key, ps)
	p.mu.Unlock()
	select {
	case ps.failed <- err:
	default:
	}
}

func (p *Pool) dropPending(key affinityKey, ps *pendingStart) {
	p.mu.Lock()
	p.removePendingLocked(key, ps)
	p.mu.Unlock()
}

func (p *Pool) removePendingLocked(key affinityKey, target *pendingStart) {
	list := p.pending[key]
	for i, ps := range list {
		if ps == target {
			p.pending[key] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// RegisterWorker is called when a launched worker process calls back in
// (the equivalent of the teacher's worker RegisterNode RPC). It completes
// the oldest outstanding pendingStart whose affinity matches, if any,
// otherwise the worker is filed directly into the idle pool.
func (p *Pool) RegisterWorker(info WorkerInfo) {
	key := affinityKey{JobID: info.JobID, DedicatedActorID: info.DedicatedActorID, DynamicOptionsKey: info.DynamicOptionsKey}

	p.mu.Lock()
	list := p.pending[key]
	if len(list) > 0 {
		ps := list[0]
		p.pending[key] = list[1:]
		p.mu.Unlock()
		ps.ready <- info
		return
	}
	p.idle[key] = append(p.idle[key], info)
	p.mu.Unlock()
	p.logger.Debug().Str("address", info.Address).Msg("worker registered with no pending checkout, filed as idle")
}

// Checkin returns a worker to the idle pool once its lease ends. A
// dedicated-actor worker can only ever be reused for that same actor.
func (p *Pool) Checkin(info WorkerInfo) {
	key := affinityKey{JobID: info.JobID, DedicatedActorID: info.DedicatedActorID, DynamicOptionsKey: info.DynamicOptionsKey}
	p.mu.Lock()
	p.idle[key] = append(p.idle[key], info)
	p.mu.Unlock()
}

// Remove evicts addr from the idle pool (e.g. on worker death), so it is
// never handed out again.
func (p *Pool) Remove(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, workers := range p.idle {
		out := workers[:0]
		for _, w := range workers {
			if w.Address != addr {
				out = append(out, w)
			}
		}
		p.idle[key] = out
	}
}

// SetLauncher replaces the Launcher used for future Checkout calls that need
// to start a fresh worker. Exposed for tests that construct a Pool before
// their launcher (which may itself reference the Pool) is ready.
func (p *Pool) SetLauncher(launcher Launcher) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.launcher = launcher
}

// IdleCount reports how many idle workers are filed for spec's affinity bucket.
func (p *Pool) IdleCount(spec StartSpec) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle[keyFor(spec)])
}

// IdleTotal reports how many idle workers are filed across every affinity
// bucket, used by pkg/localscheduler to answer a peer's spare-capacity
// check without needing to know the requesting job in advance.
func (p *Pool) IdleTotal() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, list := range p.idle {
		total += len(list)
	}
	return total
}
