package actorqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/cuemby/warren/pkg/coreids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testActorID() coreids.ActorID {
	return coreids.NewActorID(coreids.JobIDFromInt(1))
}

func TestQueueRunsInOrderDespiteArrivalOrder(t *testing.T) {
	q := NewQueue(testActorID(), time.Second)
	var mu sync.Mutex
	var order []uint64
	run := func(seq uint64) func() {
		return func() {
			mu.Lock()
			order = append(order, seq)
			mu.Unlock()
		}
	}

	q.Enqueue(Task{Sequence: 2, Run: run(2)})
	q.Enqueue(Task{Sequence: 1, Run: run(1)})
	q.Enqueue(Task{Sequence: 0, Run: run(0)})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uint64{0, 1, 2}, order)
	assert.Equal(t, 0, q.Pending())
}

func TestQueueDropsStaleDuplicate(t *testing.T) {
	q := NewQueue(testActorID(), time.Second)
	var calls int
	q.Enqueue(Task{Sequence: 0, Run: func() { calls++ }})
	q.Enqueue(Task{Sequence: 0, Run: func() { calls++ }})
	assert.Equal(t, 1, calls)
}

func TestQueueBuffersOutOfOrderUntilGapCloses(t *testing.T) {
	q := NewQueue(testActorID(), time.Second)
	var ran []uint64
	q.Enqueue(Task{Sequence: 1, Run: func() { ran = append(ran, 1) }})
	assert.Equal(t, 1, q.Pending())
	assert.Empty(t, ran)

	q.Enqueue(Task{Sequence: 0, Run: func() { ran = append(ran, 0) }})
	assert.Equal(t, []uint64{0, 1}, ran)
	assert.Equal(t, 0, q.Pending())
}

func TestQueueReorderTimeoutAdvancesPastGap(t *testing.T) {
	q := NewQueue(testActorID(), 30*time.Millisecond)
	done := make(chan struct{})
	q.Enqueue(Task{Sequence: 1, Run: func() { close(done) }})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reorder timer did not fire")
	}
	require.Equal(t, uint64(2), q.NextExpected())
}
