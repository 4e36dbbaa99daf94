// Package actorqueue implements the local SchedulingQueue (spec.md §4.4):
// actor method calls carry a monotonic per-actor sequence number assigned at
// submission, and the executing worker must run them in that order even
// though the underlying RPC transport gives no ordering guarantee. A
// reorder timer bounds how long a gap is tolerated before the queue gives up
// waiting for it and advances anyway.
package actorqueue

import (
	"sync"
	"time"

	"github.com/cuemby/warren/pkg/coreids"
	"github.com/cuemby/warren/pkg/corelog"
	"github.com/cuemby/warren/pkg/coremetrics"
	"github.com/rs/zerolog"
)

// Task is one pending actor method invocation.
type Task struct {
	Sequence uint64
	Run      func()
}

// Queue orders Task invocations for a single actor by Sequence, running
// each contiguously and holding out-of-order arrivals until the gap closes
// or the reorder timer expires.
type Queue struct {
	mu           sync.Mutex
	nextExpected uint64
	pending      map[uint64]Task
	maxWait      time.Duration
	timer        *time.Timer
	logger       zerolog.Logger
}

// NewQueue creates a Queue starting at sequence 0, tolerating a gap for up
// to maxWait before advancing past it.
func NewQueue(actorID coreids.ActorID, maxWait time.Duration) *Queue {
	return &Queue{
		pending: make(map[uint64]Task),
		maxWait: maxWait,
		logger:  corelog.WithActorID(actorID.String()),
	}
}

// Enqueue admits a task at the given sequence number. If it is the next
// expected sequence, it (and any now-contiguous successors already
// buffered) runs synchronously on the caller's goroutine before Enqueue
// returns. A sequence already passed is a stale duplicate and is dropped.
func (q *Queue) Enqueue(task Task) {
	q.mu.Lock()
	if task.Sequence < q.nextExpected {
		q.mu.Unlock()
		q.logger.Debug().Uint64("sequence", task.Sequence).Msg("dropping stale duplicate actor task")
		return
	}
	if task.Sequence > q.nextExpected {
		q.pending[task.Sequence] = task
		q.armTimerLocked()
		q.mu.Unlock()
		return
	}

	ready := q.drainLocked(task)
	q.mu.Unlock()
	for _, t := range ready {
		t.Run()
	}
}

// drainLocked must be called with the lock held and task.Sequence ==
// q.nextExpected. It returns task plus every now-contiguous buffered
// successor, in order, advancing nextExpected past all of them.
func (q *Queue) drainLocked(task Task) []Task {
	ready := []Task{task}
	q.nextExpected = task.Sequence + 1
	for {
		next, ok := q.pending[q.nextExpected]
		if !ok {
			break
		}
		delete(q.pending, q.nextExpected)
		ready = append(ready, next)
		q.nextExpected++
	}
	if len(q.pending) == 0 && q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	} else if len(q.pending) > 0 {
		q.armTimerLocked()
	}
	return ready
}

// armTimerLocked (re)starts the reorder timer if a gap is outstanding and no
// timer is already running.
func (q *Queue) armTimerLocked() {
	if q.timer != nil {
		return
	}
	q.timer = time.AfterFunc(q.maxWait, q.onReorderTimeout)
}

// onReorderTimeout fires when a gap has outlasted maxWait: the queue gives
// up waiting for the missing sequence(s) and advances to the lowest
// buffered one instead, per spec.md §8 property 6 ("a permanently missing
// message must not stall an actor forever").
func (q *Queue) onReorderTimeout() {
	q.mu.Lock()
	q.timer = nil
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	lowest := q.lowestPendingSeqLocked()
	skipped := lowest - q.nextExpected
	task := q.pending[lowest]
	delete(q.pending, lowest)
	ready := q.drainLocked(task)
	q.mu.Unlock()

	coremetrics.ActorReorderGapsTotal.Inc()
	q.logger.Warn().Uint64("skipped", skipped).Uint64("resumed_at", lowest).Msg("actor reorder timer expired, advancing past gap")
	for _, t := range ready {
		t.Run()
	}
}

func (q *Queue) lowestPendingSeqLocked() uint64 {
	var lowest uint64
	first := true
	for seq := range q.pending {
		if first || seq < lowest {
			lowest = seq
			first = false
		}
	}
	return lowest
}

// NextExpected reports the next sequence number this queue is waiting to run.
func (q *Queue) NextExpected() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nextExpected
}

// Pending reports how many out-of-order tasks are currently buffered.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Manager owns one Queue per actor, created lazily on first use.
type Manager struct {
	mu      sync.Mutex
	queues  map[coreids.ActorID]*Queue
	maxWait time.Duration
}

// NewManager creates an empty per-actor queue manager.
func NewManager(maxWait time.Duration) *Manager {
	return &Manager{queues: make(map[coreids.ActorID]*Queue), maxWait: maxWait}
}

// QueueFor returns (creating if necessary) the Queue for actorID.
func (m *Manager) QueueFor(actorID coreids.ActorID) *Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[actorID]
	if !ok {
		q = NewQueue(actorID, m.maxWait)
		m.queues[actorID] = q
	}
	return q
}
