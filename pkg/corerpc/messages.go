package corerpc

import (
	"github.com/cuemby/warren/pkg/coreids"
	"github.com/cuemby/warren/pkg/depresolve"
	"github.com/cuemby/warren/pkg/refcount"
)

// LeaseRequestMsg asks the peer's LocalScheduler for a worker lease.
type LeaseRequestMsg struct {
	JobID             coreids.JobID
	DedicatedActorID  coreids.ActorID
	DynamicOptionsKey string
}

// LeaseReplyMsg answers a LeaseRequestMsg: either Granted with a worker
// address, or a SpillbackAddr naming a further peer to try.
type LeaseReplyMsg struct {
	Granted       bool
	WorkerAddr    string
	SpillbackAddr string
}

// DispatchTaskMsg carries a fully resolved task to the worker that will run
// it.
type DispatchTaskMsg struct {
	TaskID            coreids.TaskID
	JobID             coreids.JobID
	ActorID           coreids.ActorID
	IsActorCreation   bool
	FunctionName      string
	ResolvedArgs      []depresolve.ResolvedArg
	NumReturns        int
	Sequence          uint64
}

// DispatchAckMsg is the worker's immediate acceptance of a DispatchTaskMsg;
// the task's actual completion arrives later via ReportTaskReplyMsg sent
// back to the owner.
type DispatchAckMsg struct {
	Accepted bool
	Reason   string
}

// ReportTaskReplyMsg is what a worker sends back to the task's owner once
// the task finishes.
type ReportTaskReplyMsg struct {
	TaskID       coreids.TaskID
	Success      bool
	ReturnData   [][]byte
	ReturnMeta   [][]byte
	FailureKind  string
	FailureMsg   string
	BorrowerAddr string
	BorrowerRefs refcount.ReferenceTable
}

// ReportTaskReplyAckMsg acknowledges receipt of ReportTaskReplyMsg.
type ReportTaskReplyAckMsg struct{}

// FetchChunkRequestMsg asks a peer for one chunk of an object it holds.
type FetchChunkRequestMsg struct {
	ObjectID   coreids.ObjectID
	ChunkIndex int
	NumChunks  int
}

// FetchChunkReplyMsg carries the requested chunk's bytes.
type FetchChunkReplyMsg struct {
	Data  []byte
	Found bool
}

// WaitForRefRemovedRequestMsg is the owner-to-borrower long-poll: block
// until ObjectID is no longer referenced by the borrower (and its own
// transitive sub-borrowers), then reply.
type WaitForRefRemovedRequestMsg struct {
	ObjectID coreids.ObjectID
}

// WaitForRefRemovedReplyMsg confirms the wait completed.
type WaitForRefRemovedReplyMsg struct{}

// CapacityRequestMsg asks a peer's LocalScheduler whether it has an idle
// worker (in any affinity bucket) available right now, backing
// pkg/localscheduler's spillback decision.
type CapacityRequestMsg struct{}

// CapacityReplyMsg answers a CapacityRequestMsg.
type CapacityReplyMsg struct {
	HasSpare bool
}
