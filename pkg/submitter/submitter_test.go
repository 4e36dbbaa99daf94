package submitter

import (
	"context"
	"sync"
	"testing"

	"github.com/cuemby/warren/pkg/coreconfig"
	"github.com/cuemby/warren/pkg/coreids"
	"github.com/cuemby/warren/pkg/depresolve"
	"github.com/cuemby/warren/pkg/gcsclient"
	"github.com/cuemby/warren/pkg/localscheduler"
	"github.com/cuemby/warren/pkg/memorystore"
	"github.com/cuemby/warren/pkg/objecttransport"
	"github.com/cuemby/warren/pkg/plasmaclient"
	"github.com/cuemby/warren/pkg/refcount"
	"github.com/cuemby/warren/pkg/workerpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type registeringLauncher struct{ pool *workerpool.Pool }

func (r *registeringLauncher) StartWorker(ctx context.Context, spec workerpool.StartSpec) error {
	go r.pool.RegisterWorker(workerpool.WorkerInfo{Address: "worker-1", JobID: spec.JobID, DedicatedActorID: spec.DedicatedActorID})
	return nil
}

type noopFetcher struct{}

func (noopFetcher) FetchChunk(ctx context.Context, nodeAddr string, id coreids.ObjectID, chunkIndex, numChunks int) ([]byte, error) {
	return nil, nil
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []TaskSpec
	seqs  []uint64
	fail  bool
}

func (f *fakeDispatcher) DispatchTask(ctx context.Context, workerAddr string, spec TaskSpec, args []depresolve.ResolvedArg, sequence uint64) error {
	if f.fail {
		return assertErr("dispatch failed")
	}
	f.mu.Lock()
	f.calls = append(f.calls, spec)
	f.seqs = append(f.seqs, sequence)
	f.mu.Unlock()
	return nil
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func setup(t *testing.T) (*Submitter, *fakeDispatcher, *refcount.Counter, *memorystore.Store) {
	t.Helper()
	cfg := coreconfig.Default()
	mem := memorystore.New()
	plasma := plasmaclient.NewInMemory()
	gcs := gcsclient.NewInMemory()
	puller := objecttransport.NewPuller(gcs, plasma, noopFetcher{}, cfg)
	resolver := depresolve.New(mem, plasma, puller, cfg)

	pool := workerpool.New(nil, cfg)
	pool.SetLauncher(&registeringLauncher{pool: pool})

	sched := localscheduler.New("self", pool, fakePeerCap{}, cfg)
	rc := refcount.New()
	dispatcher := &fakeDispatcher{}
	return New(resolver, sched, rc, dispatcher), dispatcher, rc, mem
}

type fakePeerCap struct{}

func (fakePeerCap) HasSpareCapacity(ctx context.Context, peerAddr string) bool { return false }

func jobTaskID() (coreids.JobID, coreids.TaskID) {
	job := coreids.JobIDFromInt(1)
	task := coreids.NewTaskID(coreids.NilActorID)
	return job, task
}

func TestSubmitDispatchesAndComputesReturnIDs(t *testing.T) {
	sub, dispatcher, _, _ := setup(t)
	job, task := jobTaskID()

	spec := TaskSpec{TaskID: task, JobID: job, ActorID: coreids.NilActorID, FunctionName: "f", NumReturns: 2, ReturnTransport: coreids.TransportPlasma}
	d, err := sub.Submit(context.Background(), spec)
	require.NoError(t, err)
	assert.Len(t, d.ReturnIDs, 2)
	assert.Equal(t, "worker-1", d.Worker)
	assert.Len(t, dispatcher.calls, 1)
}

func TestActorMethodSequenceNumbersAreMonotonic(t *testing.T) {
	sub, dispatcher, _, _ := setup(t)
	job := coreids.JobIDFromInt(1)
	actor := coreids.NewActorID(job)

	for i := 0; i < 3; i++ {
		task := coreids.NewChildTaskID(coreids.NewTaskID(actor), actor, uint64(i))
		spec := TaskSpec{TaskID: task, JobID: job, ActorID: actor, FunctionName: "m", NumReturns: 1, ReturnTransport: coreids.TransportPlasma}
		_, err := sub.Submit(context.Background(), spec)
		require.NoError(t, err)
	}

	require.Len(t, dispatcher.seqs, 3)
	assert.Equal(t, []uint64{0, 1, 2}, dispatcher.seqs)
}

func TestSubmitAddsSubmittedTaskReferenceForByRefArgs(t *testing.T) {
	sub, _, rc, mem := setup(t)
	job, task := jobTaskID()

	argID := coreids.NewObjectID(coreids.NewTaskID(coreids.NilActorID), coreids.ObjectTypeReturn, coreids.TransportDirect, 0)
	mem.Put(argID, &memorystore.Object{Data: []byte("arg")})
	spec := TaskSpec{TaskID: task, JobID: job, ActorID: coreids.NilActorID, NumReturns: 1, ReturnTransport: coreids.TransportPlasma,
		Args: []depresolve.Arg{{ObjectID: argID}}}

	_, err := sub.Submit(context.Background(), spec)
	require.NoError(t, err)
	assert.True(t, rc.InScope(argID), "by-reference arg must gain a submitted-task reference")
}
