package objecttransport

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/warren/pkg/coreids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testObjectID(seed uint32) coreids.ObjectID {
	job := coreids.JobIDFromInt(1)
	actor := coreids.NewActorID(job)
	task := coreids.NewTaskID(actor)
	return coreids.NewObjectID(task, coreids.ObjectTypePut, coreids.TransportPlasma, seed)
}

func TestPushManagerDeliversAllChunks(t *testing.T) {
	pm := NewPushManager(2, 0)
	id := testObjectID(1)

	var mu sync.Mutex
	var delivered []int
	done := make(chan struct{})

	pm.StartPush("node-a", id, 5, func(dest string, gotID coreids.ObjectID, chunk int) error {
		mu.Lock()
		delivered = append(delivered, chunk)
		n := len(delivered)
		mu.Unlock()
		if n == 5 {
			close(done)
		}
		return nil
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for all chunks to be delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, delivered, 5)
	assert.Equal(t, 0, pm.NumPushesInFlight())
}

func TestPushManagerRespectsMaxInFlight(t *testing.T) {
	pm := NewPushManager(1, 0)
	id := testObjectID(2)

	var concurrent int32
	var maxSeen int32
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(3)

	pm.StartPush("node-b", id, 3, func(dest string, gotID coreids.ObjectID, chunk int) error {
		defer wg.Done()
		n := atomic.AddInt32(&concurrent, 1)
		for {
			old := atomic.LoadInt32(&maxSeen)
			if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&concurrent, -1)
		return nil
	})

	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, pm.NumChunksInFlight(), int64(1))
	close(release)
	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(&maxSeen), int32(1))
}

func TestPushManagerDuplicateStartIsNoOp(t *testing.T) {
	pm := NewPushManager(4, time.Minute)
	id := testObjectID(3)

	var calls int32
	block := make(chan struct{})
	pm.StartPush("node-c", id, 1, func(dest string, gotID coreids.ObjectID, chunk int) error {
		atomic.AddInt32(&calls, 1)
		<-block
		return nil
	})
	pm.StartPush("node-c", id, 1, func(dest string, gotID coreids.ObjectID, chunk int) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	close(block)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestPushManagerSuppressesRepeatWithinInterval(t *testing.T) {
	pm := NewPushManager(4, time.Hour)
	id := testObjectID(4)

	done := make(chan struct{})
	pm.StartPush("node-d", id, 1, func(dest string, gotID coreids.ObjectID, chunk int) error {
		close(done)
		return nil
	})
	<-done
	require.Eventually(t, func() bool { return pm.NumPushesInFlight() == 0 }, time.Second, 5*time.Millisecond)

	var secondCalled int32
	pm.StartPush("node-d", id, 1, func(dest string, gotID coreids.ObjectID, chunk int) error {
		atomic.AddInt32(&secondCalled, 1)
		return nil
	})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&secondCalled), "repeat push within suppression interval must not run")
}
