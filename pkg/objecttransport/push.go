// Package objecttransport implements chunked object movement between nodes
// (spec.md §4.2): Pull (retry-with-node-rotation against the GCS location
// pub/sub) and PushManager (rate-limited, deduplicated, round-robin chunk
// scheduling capped by MaxChunksInFlight).
//
// Grounded on original_source/src/ray/object_manager/push_manager.h, adapted
// from three parallel maps keyed by (NodeID, ObjectID) — push_info_,
// next_chunk_id_, chunks_remaining_ — into a single pushState struct per
// push key, which is the more idiomatic Go shape for the same bookkeeping.
package objecttransport

import (
	"sync"
	"time"

	"github.com/cuemby/warren/pkg/coreids"
	"github.com/cuemby/warren/pkg/corelog"
	"github.com/cuemby/warren/pkg/coremetrics"
	"github.com/rs/zerolog"
)

// SendChunkFunc transmits chunk chunkIndex of id to destAddr. PushManager
// calls it on its own goroutine per dispatched chunk. A returned error is
// logged and the chunk still counts as complete: PushManager calls
// OnChunkComplete either way and does not resend the chunk.
type SendChunkFunc func(destAddr string, id coreids.ObjectID, chunkIndex int) error

type pushKey struct {
	Dest string
	ID   coreids.ObjectID
}

type pushState struct {
	numChunksTotal int
	nextChunk      int
	remaining      int
	sendFn         SendChunkFunc
}

// PushManager schedules outbound chunk transfers across any number of
// concurrent pushes, round-robin, capped globally by maxChunksInFlight.
type PushManager struct {
	mu                sync.Mutex
	maxChunksInFlight int64
	chunksInFlight    int64

	pushes []pushKey // insertion order, doubles as the round-robin ring
	states map[pushKey]*pushState
	cursor int

	suppressUntil     map[pushKey]time.Time
	suppressInterval  time.Duration

	logger zerolog.Logger
}

// NewPushManager creates a PushManager capped at maxChunksInFlight concurrent
// chunk sends, suppressing an identical repeat push within suppressInterval
// of its prior completion.
func NewPushManager(maxChunksInFlight int64, suppressInterval time.Duration) *PushManager {
	return &PushManager{
		maxChunksInFlight: maxChunksInFlight,
		states:            make(map[pushKey]*pushState),
		suppressUntil:     make(map[pushKey]time.Time),
		suppressInterval:  suppressInterval,
		logger:            corelog.WithComponent("objecttransport.push"),
	}
}

// StartPush registers a push of numChunks chunks of id to destAddr, using
// sendFn to transmit each chunk. A push already in flight for the same
// (destAddr, id), or completed within the suppression interval, is a no-op
// (spec.md §4.2 "deduplicated").
func (p *PushManager) StartPush(destAddr string, id coreids.ObjectID, numChunks int, sendFn SendChunkFunc) {
	key := pushKey{Dest: destAddr, ID: id}

	p.mu.Lock()
	if _, inFlight := p.states[key]; inFlight {
		p.mu.Unlock()
		return
	}
	if until, suppressed := p.suppressUntil[key]; suppressed && time.Now().Before(until) {
		p.mu.Unlock()
		p.logger.Debug().Str("dest", destAddr).Str("object_id", id.String()).Msg("push suppressed, recently completed")
		return
	}
	if numChunks <= 0 {
		p.mu.Unlock()
		return
	}
	p.states[key] = &pushState{numChunksTotal: numChunks, remaining: numChunks, sendFn: sendFn}
	p.pushes = append(p.pushes, key)
	p.mu.Unlock()

	p.dispatch()
}

// OnChunkComplete marks one chunk of (destAddr, id) as delivered. Once every
// chunk has completed, the push is removed and a repeat within
// suppressInterval is suppressed.
func (p *PushManager) OnChunkComplete(destAddr string, id coreids.ObjectID) {
	key := pushKey{Dest: destAddr, ID: id}

	p.mu.Lock()
	st, ok := p.states[key]
	if !ok {
		p.mu.Unlock()
		return
	}
	st.remaining--
	p.chunksInFlight--
	coremetrics.ChunksInFlight.Set(float64(p.chunksInFlight))
	coremetrics.ChunksPushedTotal.Inc()
	done := st.remaining <= 0
	if done {
		delete(p.states, key)
		p.removePushLocked(key)
		if p.suppressInterval > 0 {
			p.suppressUntil[key] = time.Now().Add(p.suppressInterval)
		}
	}
	p.mu.Unlock()

	p.dispatch()
}

func (p *PushManager) removePushLocked(key pushKey) {
	for i, k := range p.pushes {
		if k == key {
			p.pushes = append(p.pushes[:i], p.pushes[i+1:]...)
			if p.cursor > i {
				p.cursor--
			}
			return
		}
	}
}

// dispatch sends as many chunks as the global in-flight budget allows,
// rotating round-robin across all registered pushes (the Go-idiomatic
// equivalent of next_chunk_id_'s per-push round-robin cursor in the source).
func (p *PushManager) dispatch() {
	for {
		p.mu.Lock()
		if len(p.pushes) == 0 || p.chunksInFlight >= p.maxChunksInFlight {
			p.mu.Unlock()
			return
		}

		var (
			key    pushKey
			st     *pushState
			chunk  int
			found  bool
		)
		n := len(p.pushes)
		for i := 0; i < n; i++ {
			idx := (p.cursor + i) % n
			candidate := p.pushes[idx]
			cst := p.states[candidate]
			if cst != nil && cst.nextChunk < cst.numChunksTotal {
				key, st, chunk = candidate, cst, cst.nextChunk
				st.nextChunk++
				p.cursor = (idx + 1) % n
				found = true
				break
			}
		}
		if !found {
			p.mu.Unlock()
			return
		}
		p.chunksInFlight++
		coremetrics.ChunksInFlight.Set(float64(p.chunksInFlight))
		sendFn := st.sendFn
		p.mu.Unlock()

		go func(key pushKey, chunk int) {
			if err := sendFn(key.Dest, key.ID, chunk); err != nil {
				p.logger.Warn().Err(err).Str("dest", key.Dest).Str("object_id", key.ID.String()).Int("chunk", chunk).Msg("chunk send failed")
			}
			p.OnChunkComplete(key.Dest, key.ID)
		}(key, chunk)
	}
}

// NumChunksInFlight reports the current global in-flight chunk count.
func (p *PushManager) NumChunksInFlight() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chunksInFlight
}

// NumChunksRemaining reports the total undelivered chunk count across every
// registered push.
func (p *PushManager) NumChunksRemaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, st := range p.states {
		total += st.remaining
	}
	return total
}

// NumPushesInFlight reports how many distinct (dest, id) pushes are active.
func (p *PushManager) NumPushesInFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.states)
}
