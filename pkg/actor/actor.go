// Package actor implements ActorRegistry and ActorManager: actor creation,
// per-actor method-call ordering, and restart-on-failure bookkeeping. An
// actor is a dedicated worker process plus a monotonic method sequence
// (ordered by pkg/actorqueue) rather than a pool-checked-out-per-call
// worker, so every method call for a given actor must land on the same
// process for the lifetime of that actor (or its current incarnation, after
// a restart).
package actor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cuemby/warren/pkg/actorqueue"
	"github.com/cuemby/warren/pkg/coreerr"
	"github.com/cuemby/warren/pkg/coreids"
	"github.com/cuemby/warren/pkg/corelog"
	"github.com/cuemby/warren/pkg/depresolve"
	"github.com/cuemby/warren/pkg/submitter"
	"github.com/rs/zerolog"
)

// State is an actor's lifecycle state.
type State int

const (
	StateCreating State = iota
	StateAlive
	StateRestarting
	StateDead
)

// Handle is the registry's record of one actor.
type Handle struct {
	ActorID      coreids.ActorID
	JobID        coreids.JobID
	State        State
	WorkerAddr   string
	MaxRestarts  int
	NumRestarts  int
	CreationSpec submitter.TaskSpec
}

// Registry tracks every actor this process owns or has submitted method
// calls to.
type Registry struct {
	mu     sync.RWMutex
	actors map[coreids.ActorID]*Handle
}

// NewRegistry creates an empty actor registry.
func NewRegistry() *Registry {
	return &Registry{actors: make(map[coreids.ActorID]*Handle)}
}

func (r *Registry) get(actorID coreids.ActorID) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.actors[actorID]
	return h, ok
}

func (r *Registry) put(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actors[h.ActorID] = h
}

// Manager is ActorManager: it creates actors, dispatches method calls in
// order, and handles restarts.
type Manager struct {
	registry *Registry
	queues   *actorqueue.Manager
	sub      *submitter.Submitter
	logger   zerolog.Logger

	seqMu     sync.Mutex
	submitSeq map[coreids.ActorID]*uint64
}

// New builds an ActorManager.
func New(registry *Registry, queues *actorqueue.Manager, sub *submitter.Submitter) *Manager {
	return &Manager{
		registry:  registry,
		queues:    queues,
		sub:       sub,
		logger:    corelog.WithComponent("actor"),
		submitSeq: make(map[coreids.ActorID]*uint64),
	}
}

// nextSubmitSeq assigns each CallMethod invocation for actorID a strictly
// increasing local sequence number, independent of submitter's own
// wire-level sequence. This is the key actorqueue.Queue orders calls by: it
// guarantees CallMethod calls issued in a given order reach Submit in that
// same order, even if their network round trips complete out of order.
func (m *Manager) nextSubmitSeq(actorID coreids.ActorID) uint64 {
	m.seqMu.Lock()
	counter, ok := m.submitSeq[actorID]
	if !ok {
		var zero uint64
		counter = &zero
		m.submitSeq[actorID] = counter
	}
	m.seqMu.Unlock()
	return atomic.AddUint64(counter, 1) - 1
}

// CreateActor submits the actor's creation task, using a worker permanently
// dedicated to this actor id. The creation task's return id is the
// canonical actor-creation object id, derivable from the actor id alone
// (pkg/coreids.ActorCreationTaskID), so callers never need the dispatch
// reply to start referencing it.
func (m *Manager) CreateActor(ctx context.Context, jobID coreids.JobID, args []depresolve.Arg, maxRestarts int) (coreids.ActorID, coreids.ObjectID, error) {
	actorID := coreids.NewActorID(jobID)
	creationTaskID := coreids.ActorCreationTaskID(actorID)

	spec := submitter.TaskSpec{
		TaskID:          creationTaskID,
		JobID:           jobID,
		ActorID:         actorID,
		IsActorCreation: true,
		FunctionName:    "__init__",
		Args:            args,
		NumReturns:      1,
		ReturnTransport: coreids.TransportDirect,
	}

	m.registry.put(&Handle{ActorID: actorID, JobID: jobID, State: StateCreating, MaxRestarts: maxRestarts, CreationSpec: spec})

	d, err := m.sub.Submit(ctx, spec)
	if err != nil {
		m.registry.put(&Handle{ActorID: actorID, JobID: jobID, State: StateDead, MaxRestarts: maxRestarts, CreationSpec: spec})
		return actorID, coreids.NilObjectID, fmt.Errorf("actor: create %s: %w", actorID, err)
	}

	h, _ := m.registry.get(actorID)
	h.State = StateAlive
	h.WorkerAddr = d.Worker
	m.registry.put(h)

	return actorID, d.ReturnIDs[0], nil
}

// CallMethod enqueues a method call for in-order dispatch: the actor's
// SchedulingQueue runs each call's submission in strict sequence order, even
// though Submit calls (and their network round trips) may themselves
// overlap.
func (m *Manager) CallMethod(ctx context.Context, actorID coreids.ActorID, functionName string, args []depresolve.Arg, numReturns int) ([]coreids.ObjectID, error) {
	h, ok := m.registry.get(actorID)
	if !ok {
		return nil, coreerr.New(coreerr.ActorDied, actorID.String(), fmt.Errorf("unknown actor"))
	}
	if h.State == StateDead {
		return nil, coreerr.New(coreerr.ActorDied, actorID.String(), fmt.Errorf("actor is dead"))
	}

	taskID := coreids.NewTaskID(actorID)
	spec := submitter.TaskSpec{
		TaskID:          taskID,
		JobID:           h.JobID,
		ActorID:         actorID,
		FunctionName:    functionName,
		Args:            args,
		NumReturns:      numReturns,
		ReturnTransport: coreids.TransportPlasma,
	}
	returnIDs := submitter.ReturnObjectIDs(spec)

	q := m.queues.QueueFor(actorID)
	submitErrCh := make(chan error, 1)

	q.Enqueue(actorqueue.Task{
		// This sequence only orders *when Submit is called*, so a caller
		// invoking CallMethod three times in a row is guaranteed those three
		// Submit calls happen in that order even if earlier ones are slow;
		// it is distinct from submitter's own wire-level sequence number,
		// which is what the executing worker ultimately reorders against.
		Sequence: m.nextSubmitSeq(actorID),
		Run: func() {
			_, err := m.sub.Submit(ctx, spec)
			submitErrCh <- err
		},
	})

	// Actor method submission order matters, but callers must not block the
	// queue itself on the network round trip, so Run only triggers dispatch
	// while this call separately waits for its own outcome.
	if err := <-submitErrCh; err != nil {
		return nil, fmt.Errorf("actor: call %s on %s: %w", functionName, actorID, err)
	}
	return returnIDs, nil
}

// HandleWorkerFailure reacts to actorID's dedicated worker dying: restart it
// (resubmitting the creation task) if under MaxRestarts, otherwise mark the
// actor permanently dead.
func (m *Manager) HandleWorkerFailure(ctx context.Context, actorID coreids.ActorID) error {
	h, ok := m.registry.get(actorID)
	if !ok {
		return nil
	}
	if h.NumRestarts >= h.MaxRestarts {
		h.State = StateDead
		m.registry.put(h)
		m.logger.Warn().Str("actor_id", actorID.String()).Msg("actor exhausted restarts, marking dead")
		return coreerr.New(coreerr.ActorDied, actorID.String(), fmt.Errorf("exhausted %d restarts", h.MaxRestarts))
	}

	h.State = StateRestarting
	h.NumRestarts++
	m.registry.put(h)

	d, err := m.sub.Submit(ctx, h.CreationSpec)
	if err != nil {
		h.State = StateDead
		m.registry.put(h)
		return fmt.Errorf("actor: restart %s: %w", actorID, err)
	}
	h.State = StateAlive
	h.WorkerAddr = d.Worker
	m.registry.put(h)
	return nil
}

// Lookup returns the current Handle for actorID.
func (m *Manager) Lookup(actorID coreids.ActorID) (Handle, bool) {
	h, ok := m.registry.get(actorID)
	if !ok {
		return Handle{}, false
	}
	return *h, true
}
