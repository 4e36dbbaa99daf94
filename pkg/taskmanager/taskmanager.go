// Package taskmanager implements TaskManager (spec.md §4.6): it owns the
// lifecycle of every task this process has submitted, from dispatch through
// reply processing — writing return values into MemoryStore, merging
// borrower reference tables back into ReferenceCounter, retrying on
// recoverable failure, and recording lineage so a lost return value can be
// reconstructed by resubmitting the task that created it.
package taskmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cuemby/warren/pkg/coreerr"
	"github.com/cuemby/warren/pkg/coreids"
	"github.com/cuemby/warren/pkg/corelog"
	"github.com/cuemby/warren/pkg/coremetrics"
	"github.com/cuemby/warren/pkg/corerpc"
	"github.com/cuemby/warren/pkg/depresolve"
	"github.com/cuemby/warren/pkg/lineage"
	"github.com/cuemby/warren/pkg/memorystore"
	"github.com/cuemby/warren/pkg/refcount"
	"github.com/cuemby/warren/pkg/submitter"
	"github.com/rs/zerolog"
)

// ReturnValue is one value a task produced.
type ReturnValue struct {
	Data     []byte
	Metadata []byte
}

// Reply is what the executing worker reports back, through pkg/corerpc,
// once a task finishes (successfully or not).
type Reply struct {
	TaskID       coreids.TaskID
	Success      bool
	Returns      []ReturnValue
	FailureKind  coreerr.Kind
	FailureErr   error
	BorrowerAddr string
	BorrowerRefs refcount.ReferenceTable
}

type pendingTask struct {
	spec    submitter.TaskSpec
	retIDs  []coreids.ObjectID
	attempt int
}

// Manager is the per-process TaskManager.
type Manager struct {
	mu      sync.Mutex
	pending map[coreids.TaskID]*pendingTask

	submitter    *submitter.Submitter
	memStore     *memorystore.Store
	refcount     *refcount.Counter
	lineageStore lineage.Store
	maxRetries   int
	logger       zerolog.Logger
}

// New builds a Manager wired to the given collaborators. It installs itself
// as rc's lineage-release callback, so an owned object's lineage entry is
// evicted once nothing references it anymore.
func New(sub *submitter.Submitter, memStore *memorystore.Store, rc *refcount.Counter, lineageStore lineage.Store, maxRetries int) *Manager {
	m := &Manager{
		pending:      make(map[coreids.TaskID]*pendingTask),
		submitter:    sub,
		memStore:     memStore,
		refcount:     rc,
		lineageStore: lineageStore,
		maxRetries:   maxRetries,
		logger:       corelog.WithComponent("taskmanager"),
	}
	rc.SetReleaseLineageCallback(func(id coreids.ObjectID) {
		if err := lineageStore.Evict(id.TaskID()); err != nil {
			m.logger.Warn().Err(err).Str("task_id", id.TaskID().String()).Msg("failed to evict lineage entry")
		}
	})
	return m
}

// SubmitTask dispatches spec for the first time, recording it as pending so
// a later Reply (or a timeout-driven retry) can be processed.
func (m *Manager) SubmitTask(ctx context.Context, spec submitter.TaskSpec) ([]coreids.ObjectID, error) {
	retIDs := submitter.ReturnObjectIDs(spec)
	m.mu.Lock()
	m.pending[spec.TaskID] = &pendingTask{spec: spec, retIDs: retIDs}
	m.mu.Unlock()

	if _, err := m.submitter.Submit(ctx, spec); err != nil {
		m.mu.Lock()
		delete(m.pending, spec.TaskID)
		m.mu.Unlock()
		return nil, err
	}
	return retIDs, nil
}

// HandleReply processes a completion report for a previously submitted
// task. A reply for a task TaskManager has no record of (already handled, or
// never submitted by this process) is ignored, since replies can arrive more
// than once under at-least-once delivery.
func (m *Manager) HandleReply(ctx context.Context, reply Reply) error {
	m.mu.Lock()
	pt, ok := m.pending[reply.TaskID]
	if ok {
		delete(m.pending, reply.TaskID)
	}
	m.mu.Unlock()
	if !ok {
		m.logger.Debug().Str("task_id", reply.TaskID.String()).Msg("ignoring reply for unknown or already-handled task")
		return nil
	}

	referenced := referencedArgIDs(pt.spec.Args)

	if reply.Success {
		return m.handleSuccess(pt, reply, referenced)
	}
	return m.handleFailure(ctx, pt, reply, referenced)
}

// ReportTaskReply implements corerpc.ReplyHandler, translating the wire
// message a remote worker sends back into a Reply for HandleReply. This is
// the entrypoint pkg/corerpc.Server.Reply is wired to.
func (m *Manager) ReportTaskReply(ctx context.Context, req corerpc.ReportTaskReplyMsg) error {
	reply := Reply{
		TaskID:       req.TaskID,
		Success:      req.Success,
		BorrowerAddr: req.BorrowerAddr,
		BorrowerRefs: req.BorrowerRefs,
	}
	if req.Success {
		reply.Returns = make([]ReturnValue, len(req.ReturnData))
		for i := range req.ReturnData {
			reply.Returns[i] = ReturnValue{Data: req.ReturnData[i], Metadata: req.ReturnMeta[i]}
		}
	} else {
		reply.FailureKind = coreerr.Kind(req.FailureKind)
		reply.FailureErr = fmt.Errorf("%s", req.FailureMsg)
	}
	return m.HandleReply(ctx, reply)
}

var _ corerpc.ReplyHandler = (*Manager)(nil)

func (m *Manager) handleSuccess(pt *pendingTask, reply Reply, referenced []coreids.ObjectID) error {
	if len(reply.Returns) != len(pt.retIDs) {
		return fmt.Errorf("taskmanager: reply for %s has %d returns, expected %d", pt.spec.TaskID, len(reply.Returns), len(pt.retIDs))
	}
	for i, rv := range reply.Returns {
		m.memStore.Put(pt.retIDs[i], &memorystore.Object{Data: rv.Data, Metadata: rv.Metadata})
		m.refcount.AddOwnedObject(pt.retIDs[i], pt.spec.TaskID, "")
	}

	if len(referenced) > 0 {
		if _, err := m.refcount.RemoveSubmittedTaskReferences(referenced, reply.BorrowerAddr, reply.BorrowerRefs); err != nil {
			return fmt.Errorf("taskmanager: merge borrower refs for %s: %w", pt.spec.TaskID, err)
		}
	}

	argsJSON, _ := json.Marshal(pt.spec.Args)
	if err := m.lineageStore.Put(lineage.Entry{
		TaskID:       pt.spec.TaskID,
		FunctionName: pt.spec.FunctionName,
		ArgsJSON:     argsJSON,
		NumReturns:   pt.spec.NumReturns,
	}); err != nil {
		m.logger.Warn().Err(err).Str("task_id", pt.spec.TaskID.String()).Msg("failed to record lineage entry")
	}
	return nil
}

func (m *Manager) handleFailure(ctx context.Context, pt *pendingTask, reply Reply, referenced []coreids.ObjectID) error {
	coremetrics.TasksFailedTotal.WithLabelValues(string(reply.FailureKind)).Inc()

	if pt.attempt < m.maxRetries && reply.FailureKind != coreerr.TaskCancelled {
		pt.attempt++
		m.logger.Warn().Str("task_id", pt.spec.TaskID.String()).Int("attempt", pt.attempt).Str("kind", string(reply.FailureKind)).Msg("retrying failed task")
		m.mu.Lock()
		m.pending[pt.spec.TaskID] = pt
		m.mu.Unlock()
		if _, err := m.submitter.Submit(ctx, pt.spec); err != nil {
			return fmt.Errorf("taskmanager: retry %s: %w", pt.spec.TaskID, err)
		}
		return nil
	}

	failErr := coreerr.New(reply.FailureKind, pt.spec.TaskID.String(), reply.FailureErr)
	for _, id := range pt.retIDs {
		m.memStore.PutFailure(id, reply.FailureKind, reply.FailureErr)
		m.refcount.AddOwnedObject(id, pt.spec.TaskID, "")
	}
	if len(referenced) > 0 {
		if _, err := m.refcount.RemoveSubmittedTaskReferences(referenced, reply.BorrowerAddr, reply.BorrowerRefs); err != nil {
			return fmt.Errorf("taskmanager: merge borrower refs after failure of %s: %w", pt.spec.TaskID, err)
		}
	}
	return failErr
}

// Reconstruct resubmits the task that created id, using its cached lineage
// entry, to recover a return value lost to node failure (spec.md §9
// "Lineage caching"). Returns an ObjectUnreconstructable error if no
// lineage entry survives (e.g. it was already evicted, or this object was
// never owned locally).
func (m *Manager) Reconstruct(ctx context.Context, id coreids.ObjectID) error {
	taskID := id.TaskID()
	entry, ok, err := m.lineageStore.Get(taskID)
	if err != nil {
		return fmt.Errorf("taskmanager: read lineage for %s: %w", taskID, err)
	}
	if !ok {
		return coreerr.New(coreerr.ObjectUnreconstructable, id.String(), fmt.Errorf("no lineage entry for creating task %s", taskID))
	}

	var args []depresolve.Arg
	if err := json.Unmarshal(entry.ArgsJSON, &args); err != nil {
		return fmt.Errorf("taskmanager: decode lineage args for %s: %w", taskID, err)
	}

	spec := submitter.TaskSpec{
		TaskID:         taskID,
		FunctionName:   entry.FunctionName,
		Args:           args,
		NumReturns:     entry.NumReturns,
		ReturnTransport: id.TransportClass(),
	}
	_, err = m.SubmitTask(ctx, spec)
	return err
}

func referencedArgIDs(args []depresolve.Arg) []coreids.ObjectID {
	var ids []coreids.ObjectID
	for _, a := range args {
		if !a.ObjectID.IsNil() {
			ids = append(ids, a.ObjectID)
		}
	}
	return ids
}
