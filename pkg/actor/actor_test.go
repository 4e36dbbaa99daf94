package actor

import (
	"context"
	"testing"

	"github.com/cuemby/warren/pkg/actorqueue"
	"github.com/cuemby/warren/pkg/coreconfig"
	"github.com/cuemby/warren/pkg/coreids"
	"github.com/cuemby/warren/pkg/depresolve"
	"github.com/cuemby/warren/pkg/gcsclient"
	"github.com/cuemby/warren/pkg/localscheduler"
	"github.com/cuemby/warren/pkg/memorystore"
	"github.com/cuemby/warren/pkg/objecttransport"
	"github.com/cuemby/warren/pkg/plasmaclient"
	"github.com/cuemby/warren/pkg/refcount"
	"github.com/cuemby/warren/pkg/submitter"
	"github.com/cuemby/warren/pkg/workerpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type registeringLauncher struct{ pool *workerpool.Pool }

func (r *registeringLauncher) StartWorker(ctx context.Context, spec workerpool.StartSpec) error {
	go r.pool.RegisterWorker(workerpool.WorkerInfo{Address: "actor-worker", JobID: spec.JobID, DedicatedActorID: spec.DedicatedActorID})
	return nil
}

type noopFetcher struct{}

func (noopFetcher) FetchChunk(ctx context.Context, nodeAddr string, id coreids.ObjectID, chunkIndex, numChunks int) ([]byte, error) {
	return nil, nil
}

type noopDispatcher struct{}

func (noopDispatcher) DispatchTask(ctx context.Context, workerAddr string, spec submitter.TaskSpec, args []depresolve.ResolvedArg, sequence uint64) error {
	return nil
}

type noPeerCap struct{}

func (noPeerCap) HasSpareCapacity(ctx context.Context, peerAddr string) bool { return false }

func setup(t *testing.T) *Manager {
	t.Helper()
	cfg := coreconfig.Default()
	mem := memorystore.New()
	plasma := plasmaclient.NewInMemory()
	gcs := gcsclient.NewInMemory()
	puller := objecttransport.NewPuller(gcs, plasma, noopFetcher{}, cfg)
	resolver := depresolve.New(mem, plasma, puller, cfg)
	pool := workerpool.New(nil, cfg)
	pool.SetLauncher(&registeringLauncher{pool: pool})
	sched := localscheduler.New("self", pool, noPeerCap{}, cfg)
	rc := refcount.New()
	sub := submitter.New(resolver, sched, rc, noopDispatcher{})
	queues := actorqueue.NewManager(cfg.MaxReorderWait)
	return New(NewRegistry(), queues, sub)
}

func TestCreateActorRegistersAliveHandle(t *testing.T) {
	mgr := setup(t)
	job := coreids.JobIDFromInt(1)

	actorID, creationObj, err := mgr.CreateActor(context.Background(), job, nil, 2)
	require.NoError(t, err)
	assert.False(t, creationObj.IsNil())

	h, ok := mgr.Lookup(actorID)
	require.True(t, ok)
	assert.Equal(t, StateAlive, h.State)
	assert.Equal(t, "actor-worker", h.WorkerAddr)
}

func TestCallMethodOnUnknownActorFails(t *testing.T) {
	mgr := setup(t)
	_, err := mgr.CallMethod(context.Background(), coreids.NewActorID(coreids.JobIDFromInt(1)), "m", nil, 1)
	require.Error(t, err)
}

func TestCallMethodOnAliveActorSucceeds(t *testing.T) {
	mgr := setup(t)
	job := coreids.JobIDFromInt(1)
	actorID, _, err := mgr.CreateActor(context.Background(), job, nil, 2)
	require.NoError(t, err)

	ids, err := mgr.CallMethod(context.Background(), actorID, "increment", nil, 1)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestHandleWorkerFailureRestartsUntilExhausted(t *testing.T) {
	mgr := setup(t)
	job := coreids.JobIDFromInt(1)
	actorID, _, err := mgr.CreateActor(context.Background(), job, nil, 1)
	require.NoError(t, err)

	require.NoError(t, mgr.HandleWorkerFailure(context.Background(), actorID))
	h, _ := mgr.Lookup(actorID)
	assert.Equal(t, StateAlive, h.State)

	err = mgr.HandleWorkerFailure(context.Background(), actorID)
	require.Error(t, err)
	h, _ = mgr.Lookup(actorID)
	assert.Equal(t, StateDead, h.State)
}
