package localscheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cuemby/warren/pkg/coreconfig"
	"github.com/cuemby/warren/pkg/coreids"
	"github.com/cuemby/warren/pkg/workerpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLauncher struct{ n int }

func (f *fakeLauncher) StartWorker(ctx context.Context, spec workerpool.StartSpec) error {
	return nil
}

type registeringLauncher struct{ pool *workerpool.Pool }

func (r *registeringLauncher) StartWorker(ctx context.Context, spec workerpool.StartSpec) error {
	go r.pool.RegisterWorker(workerpool.WorkerInfo{Address: "local-worker", JobID: spec.JobID})
	return nil
}

type fakePeerCapacity struct{ spare map[string]bool }

func (f fakePeerCapacity) HasSpareCapacity(ctx context.Context, peerAddr string) bool {
	return f.spare[peerAddr]
}

func cfgForTest() coreconfig.Config {
	cfg := coreconfig.Default()
	cfg.WorkerRegisterTimeout = time.Second
	cfg.MaxStartupConcurrency = 2
	return cfg
}

func TestRequestLeaseGrantsWhenIdleWorkerExists(t *testing.T) {
	cfg := cfgForTest()
	pool := workerpool.New(nil, cfg)
	pool.SetLauncher(&registeringLauncher{pool: pool})
	job := coreids.JobIDFromInt(1)

	w, err := pool.Checkout(context.Background(), workerpool.StartSpec{JobID: job})
	require.NoError(t, err)
	pool.Checkin(w)

	sched := New("self", pool, fakePeerCapacity{}, cfg)
	outcome, err := sched.RequestLease(context.Background(), LeaseRequest{JobID: job})
	require.NoError(t, err)
	assert.True(t, outcome.Granted)
	assert.Equal(t, w.Address, outcome.Worker.Address)
}

func TestRequestLeaseSpillsBackWhenPeerHasCapacity(t *testing.T) {
	cfg := cfgForTest()
	pool := workerpool.New(&fakeLauncher{}, cfg)
	job := coreids.JobIDFromInt(2)

	sched := New("self", pool, fakePeerCapacity{spare: map[string]bool{"peer-b": true}}, cfg)
	sched.SetPeers([]string{"peer-a", "peer-b"})

	outcome, err := sched.RequestLease(context.Background(), LeaseRequest{JobID: job})
	require.NoError(t, err)
	assert.False(t, outcome.Granted)
	assert.Equal(t, "peer-b", outcome.SpillbackAddr)
}

func TestRequestLeaseGrantsLocallyWhenNoPeerHasCapacity(t *testing.T) {
	cfg := cfgForTest()
	pool := workerpool.New(nil, cfg)
	pool.SetLauncher(&registeringLauncher{pool: pool})
	job := coreids.JobIDFromInt(3)

	sched := New("self", pool, fakePeerCapacity{spare: map[string]bool{}}, cfg)
	sched.SetPeers([]string{"peer-a"})

	outcome, err := sched.RequestLease(context.Background(), LeaseRequest{JobID: job})
	require.NoError(t, err)
	assert.True(t, outcome.Granted)
}

func TestHasSpareCapacityReflectsIdleWorkers(t *testing.T) {
	cfg := cfgForTest()
	pool := workerpool.New(nil, cfg)
	pool.SetLauncher(&registeringLauncher{pool: pool})
	job := coreids.JobIDFromInt(5)
	sched := New("self", pool, fakePeerCapacity{}, cfg)

	assert.False(t, sched.HasSpareCapacity())

	w, err := pool.Checkout(context.Background(), workerpool.StartSpec{JobID: job})
	require.NoError(t, err)
	pool.Checkin(w)

	assert.True(t, sched.HasSpareCapacity())
}

func TestDedicatedActorLeaseAlwaysGrantsLocally(t *testing.T) {
	cfg := cfgForTest()
	pool := workerpool.New(nil, cfg)
	pool.SetLauncher(&registeringLauncher{pool: pool})
	job := coreids.JobIDFromInt(4)
	actor := coreids.NewActorID(job)

	sched := New("self", pool, fakePeerCapacity{spare: map[string]bool{"peer-a": true}}, cfg)
	sched.SetPeers([]string{"peer-a"})

	outcome, err := sched.RequestLease(context.Background(), LeaseRequest{JobID: job, DedicatedActorID: actor})
	require.NoError(t, err)
	assert.True(t, outcome.Granted, fmt.Sprintf("dedicated actor leases must always grant locally, got spillback to %s", outcome.SpillbackAddr))
}
