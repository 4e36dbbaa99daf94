// Package submitter implements TaskSubmitter (spec.md §4.3 second half):
// once DependencyResolver has made a task's arguments available, Submitter
// assigns actor-method sequence numbers, requests a worker lease from
// pkg/localscheduler, piggybacks submitted-task reference bookkeeping on the
// request, and dispatches the task to whichever worker the lease names.
package submitter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cuemby/warren/pkg/coreids"
	"github.com/cuemby/warren/pkg/corelog"
	"github.com/cuemby/warren/pkg/depresolve"
	"github.com/cuemby/warren/pkg/localscheduler"
	"github.com/cuemby/warren/pkg/refcount"
	"github.com/rs/zerolog"
)

// TaskSpec describes one task to submit. ReturnTransport selects the
// transport class for every return value the task produces.
type TaskSpec struct {
	TaskID            coreids.TaskID
	JobID             coreids.JobID
	ActorID           coreids.ActorID // NilActorID for a non-actor task
	IsActorCreation   bool
	DynamicOptionsKey string
	FunctionName      string
	Args              []depresolve.Arg
	NumReturns        int
	ReturnTransport    coreids.TransportClass
}

// Dispatched is what Submit hands back once the task has been accepted by a
// worker: the deterministic ids the caller can already start waiting on via
// pkg/memorystore, before the task finishes running.
type Dispatched struct {
	ReturnIDs []coreids.ObjectID
	Sequence  uint64 // assigned actor-method sequence number, 0 for non-actor tasks
	Worker    string
}

// Dispatcher sends a resolved task to a worker process. pkg/corerpc supplies
// the real implementation over gRPC; Submitter only depends on this narrow
// interface.
type Dispatcher interface {
	DispatchTask(ctx context.Context, workerAddr string, spec TaskSpec, args []depresolve.ResolvedArg, sequence uint64) error
}

// Submitter is the per-process TaskSubmitter.
type Submitter struct {
	resolver  *depresolve.Resolver
	scheduler *localscheduler.Scheduler
	refcount  *refcount.Counter
	dispatch  Dispatcher
	logger    zerolog.Logger

	mu        sync.Mutex
	actorSeq  map[coreids.ActorID]*uint64
}

// New builds a Submitter wired to the given collaborators.
func New(resolver *depresolve.Resolver, scheduler *localscheduler.Scheduler, rc *refcount.Counter, dispatch Dispatcher) *Submitter {
	return &Submitter{
		resolver:  resolver,
		scheduler: scheduler,
		refcount:  rc,
		dispatch:  dispatch,
		logger:    corelog.WithComponent("submitter"),
		actorSeq:  make(map[coreids.ActorID]*uint64),
	}
}

// ReturnObjectIDs computes the deterministic return object ids for spec,
// before the task has even been dispatched: a return id depends only on its
// creating TaskID and its position, never on where or when the task runs.
func ReturnObjectIDs(spec TaskSpec) []coreids.ObjectID {
	ids := make([]coreids.ObjectID, spec.NumReturns)
	for i := range ids {
		ids[i] = coreids.NewObjectID(spec.TaskID, coreids.ObjectTypeReturn, spec.ReturnTransport, uint32(i))
	}
	return ids
}

func (s *Submitter) nextSequence(actorID coreids.ActorID) uint64 {
	s.mu.Lock()
	counter, ok := s.actorSeq[actorID]
	if !ok {
		var zero uint64
		counter = &zero
		s.actorSeq[actorID] = counter
	}
	s.mu.Unlock()
	return atomic.AddUint64(counter, 1) - 1
}

// Submit resolves spec's arguments, acquires a worker lease from the local
// scheduler, registers submitted-task references for every by-reference
// argument, and dispatches the task. It returns once the worker has accepted
// the task, not once it has finished running; completion arrives later via
// pkg/taskmanager. A lease that the local scheduler spills back to a peer is
// returned as an error; the peer is not asked for a lease.
func (s *Submitter) Submit(ctx context.Context, spec TaskSpec) (Dispatched, error) {
	resolved, err := s.resolver.Resolve(ctx, spec.Args)
	if err != nil {
		return Dispatched{}, fmt.Errorf("submitter: resolve args for %s: %w", spec.TaskID, err)
	}

	var sequence uint64
	if !spec.ActorID.IsNil() && !spec.IsActorCreation {
		sequence = s.nextSequence(spec.ActorID)
	}

	req := localscheduler.LeaseRequest{
		JobID:             spec.JobID,
		DedicatedActorID:  spec.ActorID,
		DynamicOptionsKey: spec.DynamicOptionsKey,
	}
	outcome, err := s.scheduler.RequestLease(ctx, req)
	if err != nil {
		return Dispatched{}, fmt.Errorf("submitter: request lease for %s: %w", spec.TaskID, err)
	}
	if !outcome.Granted {
		return Dispatched{}, fmt.Errorf("submitter: %s spilled back to %s, cross-node forwarding not handled by this Submitter", spec.TaskID, outcome.SpillbackAddr)
	}

	referenced := referencedArgIDs(spec.Args)
	if len(referenced) > 0 {
		s.refcount.AddSubmittedTaskReferences(referenced)
	}

	if err := s.dispatch.DispatchTask(ctx, outcome.Worker.Address, spec, resolved, sequence); err != nil {
		if len(referenced) > 0 {
			// The task never ran: undo the submitted-task bookkeeping rather
			// than leaking the reference.
			s.refcount.RemoveSubmittedTaskReferences(referenced, "", nil)
		}
		s.scheduler.ReleaseLease(outcome.Worker)
		return Dispatched{}, fmt.Errorf("submitter: dispatch %s to %s: %w", spec.TaskID, outcome.Worker.Address, err)
	}

	return Dispatched{ReturnIDs: ReturnObjectIDs(spec), Sequence: sequence, Worker: outcome.Worker.Address}, nil
}

func referencedArgIDs(args []depresolve.Arg) []coreids.ObjectID {
	var ids []coreids.ObjectID
	for _, a := range args {
		if !a.ObjectID.IsNil() {
			ids = append(ids, a.ObjectID)
		}
	}
	return ids
}
