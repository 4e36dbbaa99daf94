package workerpool

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/warren/pkg/coreconfig"
	"github.com/cuemby/warren/pkg/coreids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLauncher struct {
	pool    *Pool
	counter int32
	fail    bool
}

func (f *fakeLauncher) StartWorker(ctx context.Context, spec StartSpec) error {
	if f.fail {
		return fmt.Errorf("launch failed")
	}
	n := atomic.AddInt32(&f.counter, 1)
	go f.pool.RegisterWorker(WorkerInfo{
		Address:           fmt.Sprintf("worker-%d", n),
		JobID:             spec.JobID,
		DedicatedActorID:  spec.DedicatedActorID,
		DynamicOptionsKey: spec.DynamicOptionsKey,
	})
	return nil
}

func testCfg() coreconfig.Config {
	cfg := coreconfig.Default()
	cfg.MaxStartupConcurrency = 2
	cfg.WorkerRegisterTimeout = time.Second
	return cfg
}

func TestCheckoutLaunchesAndReusesWorker(t *testing.T) {
	cfg := testCfg()
	pool := New(nil, cfg)
	launcher := &fakeLauncher{pool: pool}
	pool.launcher = launcher

	spec := StartSpec{JobID: coreids.JobIDFromInt(1)}
	w1, err := pool.Checkout(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, "worker-1", w1.Address)

	pool.Checkin(w1)
	w2, err := pool.Checkout(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, w1.Address, w2.Address, "idle worker must be reused instead of relaunching")
	assert.Equal(t, int32(1), atomic.LoadInt32(&launcher.counter))
}

func TestCheckoutTimesOutWhenWorkerNeverRegisters(t *testing.T) {
	cfg := testCfg()
	cfg.WorkerRegisterTimeout = 20 * time.Millisecond
	pool := New(&blockingLauncher{}, cfg)

	_, err := pool.Checkout(context.Background(), StartSpec{JobID: coreids.JobIDFromInt(1)})
	require.Error(t, err)
}

type blockingLauncher struct{}

func (blockingLauncher) StartWorker(ctx context.Context, spec StartSpec) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestIdleTotalCountsAcrossAffinityBuckets(t *testing.T) {
	cfg := testCfg()
	pool := New(nil, cfg)
	launcher := &fakeLauncher{pool: pool}
	pool.launcher = launcher

	assert.Equal(t, 0, pool.IdleTotal())

	w1, err := pool.Checkout(context.Background(), StartSpec{JobID: coreids.JobIDFromInt(1)})
	require.NoError(t, err)
	pool.Checkin(w1)

	w2, err := pool.Checkout(context.Background(), StartSpec{JobID: coreids.JobIDFromInt(2)})
	require.NoError(t, err)
	pool.Checkin(w2)

	assert.Equal(t, 2, pool.IdleTotal())
}

func TestDedicatedActorWorkersAreNotShared(t *testing.T) {
	cfg := testCfg()
	pool := New(nil, cfg)
	launcher := &fakeLauncher{pool: pool}
	pool.launcher = launcher

	actorA := coreids.NewActorID(coreids.JobIDFromInt(1))
	actorB := coreids.NewActorID(coreids.JobIDFromInt(1))

	wa, err := pool.Checkout(context.Background(), StartSpec{JobID: coreids.JobIDFromInt(1), DedicatedActorID: actorA})
	require.NoError(t, err)
	pool.Checkin(wa)

	wb, err := pool.Checkout(context.Background(), StartSpec{JobID: coreids.JobIDFromInt(1), DedicatedActorID: actorB})
	require.NoError(t, err)
	assert.NotEqual(t, wa.Address, wb.Address)
}
