// Package localscheduler implements the LocalScheduler half of spec.md
// §4.5: it answers RequestWorkerLease calls from pkg/submitter by either
// granting a worker from the local pkg/workerpool or spilling the request
// back to a peer node with spare capacity.
//
// Grounded on the teacher's pkg/scheduler/scheduler.go: a ticking
// round-robin node selector (selectNode/filterSchedulableNodes) is adapted
// here from "pick a node to run a service replica on" to "pick a node to
// grant or spill a worker lease to," and the worker-affinity matching it
// delegates to pkg/workerpool mirrors the teacher's volume-affinity check in
// selectNodeForService.
package localscheduler

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/warren/pkg/coreconfig"
	"github.com/cuemby/warren/pkg/coreids"
	"github.com/cuemby/warren/pkg/corelog"
	"github.com/cuemby/warren/pkg/coremetrics"
	"github.com/cuemby/warren/pkg/corerpc"
	"github.com/cuemby/warren/pkg/workerpool"
	"github.com/rs/zerolog"
)

// LeaseRequest asks for a worker able to run a task belonging to jobID,
// optionally pinned to dedicatedActorID (for actor method calls, which must
// always land on the same worker once the actor is created).
type LeaseRequest struct {
	JobID             coreids.JobID
	DedicatedActorID  coreids.ActorID
	DynamicOptionsKey string
}

// LeaseOutcome is Granted or Spillback, never both.
type LeaseOutcome struct {
	Granted       bool
	Worker        workerpool.WorkerInfo
	SpillbackAddr string
}

// PeerCapacity is how a peer node reports its own spare capacity when asked,
// used to decide spillback targets. A real deployment backs this with a
// pkg/corerpc call to the peer's own LocalScheduler; tests can supply a
// static map.
type PeerCapacity interface {
	HasSpareCapacity(ctx context.Context, peerAddr string) bool
}

// Scheduler is this node's LocalScheduler.
type Scheduler struct {
	mu       sync.Mutex
	pool     *workerpool.Pool
	peers    []string
	cursor   int
	peerCap  PeerCapacity
	selfAddr string
	cfg      coreconfig.Config
	logger   zerolog.Logger
}

// New builds a Scheduler for selfAddr, granting from pool or spilling back
// round-robin across peers.
func New(selfAddr string, pool *workerpool.Pool, peerCap PeerCapacity, cfg coreconfig.Config) *Scheduler {
	return &Scheduler{
		pool:     pool,
		peerCap:  peerCap,
		selfAddr: selfAddr,
		cfg:      cfg,
		logger:   corelog.WithNodeID(selfAddr),
	}
}

// SetPeers replaces the known peer node addresses considered for spillback.
func (s *Scheduler) SetPeers(peers []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers = append([]string(nil), peers...)
}

// RequestLease answers a worker lease request. It grants locally when the
// request names a dedicated actor, when the pool has an idle worker for the
// request, or when no peers are configured; otherwise it spills back to the
// next peer in round-robin order that reports spare capacity, and grants
// locally (launching a worker if needed) only when no peer does. A request
// with no idle local worker is spilled back even when the pool could still
// launch one.
func (s *Scheduler) RequestLease(ctx context.Context, req LeaseRequest) (LeaseOutcome, error) {
	timer := coremetrics.NewTimer()
	defer timer.ObserveDuration(coremetrics.LeaseLatency)

	spec := workerpool.StartSpec{JobID: req.JobID, DedicatedActorID: req.DedicatedActorID, DynamicOptionsKey: req.DynamicOptionsKey}

	if !req.DedicatedActorID.IsNil() || s.pool.IdleCount(spec) > 0 || s.noPeersAvailable() {
		worker, err := s.pool.Checkout(ctx, spec)
		if err != nil {
			return LeaseOutcome{}, err
		}
		coremetrics.LeasesGrantedTotal.Inc()
		return LeaseOutcome{Granted: true, Worker: worker}, nil
	}

	if peer, ok := s.selectSpillbackPeer(ctx); ok {
		coremetrics.LeasesSpilledTotal.Inc()
		s.logger.Debug().Str("peer", peer).Msg("spilling worker lease request back to peer")
		return LeaseOutcome{SpillbackAddr: peer}, nil
	}

	worker, err := s.pool.Checkout(ctx, spec)
	if err != nil {
		return LeaseOutcome{}, err
	}
	coremetrics.LeasesGrantedTotal.Inc()
	return LeaseOutcome{Granted: true, Worker: worker}, nil
}

// HasSpareCapacity reports whether this node currently has at least one idle
// worker in any affinity bucket (dedicated-actor buckets included), the
// question a peer's spillback search
// asks of this node over pkg/corerpc's CapacityRequestMsg.
func (s *Scheduler) HasSpareCapacity() bool {
	return s.pool.IdleTotal() > 0
}

func (s *Scheduler) noPeersAvailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers) == 0
}

// selectSpillbackPeer walks the peer list round-robin starting after the
// last selected index, picking the first one reporting spare capacity
// (mirrors the teacher's selectNode round-robin-by-container-count).
func (s *Scheduler) selectSpillbackPeer(ctx context.Context) (string, bool) {
	s.mu.Lock()
	peers := append([]string(nil), s.peers...)
	start := s.cursor
	s.mu.Unlock()

	if len(peers) == 0 {
		return "", false
	}
	for i := 0; i < len(peers); i++ {
		idx := (start + i) % len(peers)
		peer := peers[idx]
		if s.peerCap.HasSpareCapacity(ctx, peer) {
			s.mu.Lock()
			s.cursor = (idx + 1) % len(peers)
			s.mu.Unlock()
			return peer, true
		}
	}
	return "", false
}

// ReleaseLease returns worker to the pool once the task using it completes.
func (s *Scheduler) ReleaseLease(worker workerpool.WorkerInfo) {
	s.pool.Checkin(worker)
}

// LeaseRequestBackoff returns a bounded exponential backoff duration for the
// attempt'th retry of a lease request that found no capacity anywhere
// (spec.md §4.3 "the spec does not mandate a specific bound").
func (s *Scheduler) LeaseRequestBackoff(attempt int) time.Duration {
	d := s.cfg.LeaseRequestBackoffMin
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= s.cfg.LeaseRequestBackoffMax {
			return s.cfg.LeaseRequestBackoffMax
		}
	}
	return d
}

// RPCHandler exposes a Scheduler as corerpc.LeaseHandler and
// corerpc.CapacityHandler, so a peer node can request a lease or ask about
// spare capacity over the wire without localscheduler itself depending on
// corerpc's own request/reply naming for its in-process RequestLease.
type RPCHandler struct {
	sched *Scheduler
}

// NewRPCHandler wraps sched for serving over pkg/corerpc.
func NewRPCHandler(sched *Scheduler) *RPCHandler {
	return &RPCHandler{sched: sched}
}

// RequestLease implements corerpc.LeaseHandler.
func (h *RPCHandler) RequestLease(ctx context.Context, req corerpc.LeaseRequestMsg) (corerpc.LeaseReplyMsg, error) {
	outcome, err := h.sched.RequestLease(ctx, LeaseRequest{
		JobID:             req.JobID,
		DedicatedActorID:  req.DedicatedActorID,
		DynamicOptionsKey: req.DynamicOptionsKey,
	})
	if err != nil {
		return corerpc.LeaseReplyMsg{}, err
	}
	return corerpc.LeaseReplyMsg{
		Granted:       outcome.Granted,
		WorkerAddr:    outcome.Worker.Address,
		SpillbackAddr: outcome.SpillbackAddr,
	}, nil
}

// HasSpareCapacity implements corerpc.CapacityHandler.
func (h *RPCHandler) HasSpareCapacity() bool {
	return h.sched.HasSpareCapacity()
}

var _ corerpc.LeaseHandler = (*RPCHandler)(nil)
var _ corerpc.CapacityHandler = (*RPCHandler)(nil)
