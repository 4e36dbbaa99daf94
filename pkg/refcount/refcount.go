// Package refcount implements the distributed reference counter described in
// spec.md §4.1: per-process bookkeeping over ObjectIds that lets an owner
// learn precisely when no process in the cluster still references an object,
// without a central coordinator. Information propagates only by piggybacking
// on task submission and completion (AddSubmittedTaskReferences /
// RemoveSubmittedTaskReferences) plus the borrower reference tables shipped
// in task replies (PopBorrowerRefs).
package refcount

import (
	"fmt"
	"sync"

	"github.com/cuemby/warren/pkg/coreerr"
	"github.com/cuemby/warren/pkg/coreids"
	"github.com/cuemby/warren/pkg/corelog"
	"github.com/cuemby/warren/pkg/coremetrics"
	"github.com/rs/zerolog"
)

// OwnerInfo identifies the process responsible for an ObjectId's lifecycle.
type OwnerInfo struct {
	TaskID  coreids.TaskID
	Address string
}

// BorrowerState is one entry of a ReferenceTable: what a process still holds
// for a given id, and (if the id isn't locally owned) who the real owner is,
// so the recipient of the table knows who to eventually long-poll.
type BorrowerState struct {
	HasReference bool
	Owner        *OwnerInfo
}

// ReferenceTable is the subtree of borrower bookkeeping a process reports
// about an id (and everything that id transitively wraps) when replying to
// its caller. It is shipped in task replies (PopBorrowerRefs) and consumed by
// RemoveSubmittedTaskReferences on the receiving side.
type ReferenceTable map[coreids.ObjectID]BorrowerState

type entry struct {
	id coreids.ObjectID

	localRefCount         int
	submittedTaskRefCount int

	owner *OwnerInfo // nil unless we own this id

	dependencies map[coreids.ObjectID]struct{} // ids this object's value wraps (kept alive transitively while this entry is retained)
	borrowers    map[string]struct{}           // owner-side: addresses currently borrowing this id from us
	pendingSub   map[string]struct{}           // borrower-side: addresses we know are further borrowing this id through our own submissions, not yet reported released

	nestedOwner *OwnerInfo // borrower-side: who owns this id, if it isn't us (learned via AddBorrowedObject)

	onDelete []func()
	waiters  []func() // installed via HandleWaitForRefRemoved; fired once when this (borrower-side) entry fully drains
}

func newEntry(id coreids.ObjectID) *entry {
	return &entry{id: id}
}

// total is the count that determines retention for a non-owned entry, or the
// local/submitted contribution for an owned entry (owner retention also
// depends on the borrowers set, checked separately).
func (e *entry) total() int {
	return e.localRefCount + e.submittedTaskRefCount
}

// drained reports whether a borrower-side entry has nothing left locally and
// none of its own discovered sub-borrowers are still outstanding.
func (e *entry) drained() bool {
	return e.total() == 0 && len(e.pendingSub) == 0
}

// retained reports whether an owner-side entry must still be kept per
// spec.md §8 property 1: local>0 ∨ submitted>0 ∨ ∃ borrower.
func (e *entry) retained() bool {
	return e.total() > 0 || len(e.borrowers) > 0
}

// Counter is the per-process distributed reference counter.
type Counter struct {
	mu      sync.Mutex
	entries map[coreids.ObjectID]*entry
	logger  zerolog.Logger

	// onNewBorrower is invoked (outside the lock) whenever the owner side
	// learns of a new borrower address for an id it owns. The RPC layer
	// wires this to issue the actual WaitForRefRemoved long-poll; refcount
	// itself never touches the network (spec.md §9).
	onNewBorrower func(id coreids.ObjectID, addr string)

	// onReleaseLineage is installed by TaskManager (SetReleaseLineageCallback)
	// and invoked when an owned id's count reaches zero, so lineage entries
	// can be evicted once their last return object is no longer referenced.
	onReleaseLineage func(id coreids.ObjectID)
}

// New creates an empty Counter.
func New() *Counter {
	return &Counter{
		entries: make(map[coreids.ObjectID]*entry),
		logger:  corelog.WithComponent("refcount"),
	}
}

// SetOnNewBorrower installs the callback fired when this process (as owner)
// learns of a new remote borrower for one of its ids.
func (c *Counter) SetOnNewBorrower(cb func(id coreids.ObjectID, addr string)) {
	c.mu.Lock()
	c.onNewBorrower = cb
	c.mu.Unlock()
}

// SetReleaseLineageCallback installs the callback TaskManager uses to learn
// that an owned id's lineage may now be evicted.
func (c *Counter) SetReleaseLineageCallback(cb func(id coreids.ObjectID)) {
	c.mu.Lock()
	c.onReleaseLineage = cb
	c.mu.Unlock()
}

func (c *Counter) entryLocked(id coreids.ObjectID) *entry {
	e, ok := c.entries[id]
	if !ok {
		e = newEntry(id)
		c.entries[id] = e
	}
	return e
}

// AddLocalReference increments id's in-process live-handle count.
func (c *Counter) AddLocalReference(id coreids.ObjectID) {
	c.mu.Lock()
	e := c.entryLocked(id)
	e.localRefCount++
	c.mu.Unlock()
}

// RemoveLocalReference decrements id's in-process live-handle count. If the
// total reaches zero, released lists id and every dependency transitively
// released as a result (spec.md §4.1 bullet 1, §8 property 1/2).
func (c *Counter) RemoveLocalReference(id coreids.ObjectID) (released []coreids.ObjectID, err error) {
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok {
		c.mu.Unlock()
		return nil, nil
	}
	if e.localRefCount == 0 {
		c.mu.Unlock()
		return nil, coreerr.Fatal("negative refcount", fmt.Errorf("RemoveLocalReference(%s): local ref count already zero", id))
	}
	e.localRefCount--
	var toInvoke []func()
	var lineageCallbacks []coreids.ObjectID
	released = c.releaseIfDoneLocked(id, &toInvoke, &lineageCallbacks)
	c.mu.Unlock()

	c.fireCallbacks(toInvoke, lineageCallbacks)
	return released, nil
}

// releaseIfDoneLocked checks whether id's entry should be removed, and if so
// recursively decrements the dependency contribution on every id it wraps
// (spec.md §4.1 "Nested wraps"). It must be called with c.mu held, and
// accumulates callbacks to fire (onDelete, lineage) rather than invoking them
// directly, so the lock can be released first (spec.md §5: "reference-count
// release callbacks are invoked after releasing the ReferenceCounter lock,
// because they may reenter the counter").
func (c *Counter) releaseIfDoneLocked(id coreids.ObjectID, toInvoke *[]func(), lineage *[]coreids.ObjectID) []coreids.ObjectID {
	e, ok := c.entries[id]
	if !ok {
		return nil
	}

	owned := e.owner != nil
	var stillRetained bool
	if owned {
		stillRetained = e.retained()
	} else {
		stillRetained = e.total() > 0
	}
	if stillRetained {
		// Still held by a local or submitted-task reference (or, for an
		// owned id, by a borrower): nothing fires yet.
		return nil
	}
	if !owned && !e.drained() {
		return nil
	}

	released := []coreids.ObjectID{id}
	deps := e.dependencies
	*toInvoke = append(*toInvoke, e.onDelete...)
	if owned {
		*lineage = append(*lineage, id)
	}
	if !owned {
		*toInvoke = append(*toInvoke, e.waiters...)
	}
	delete(c.entries, id)
	coremetrics.ReferencesReleasedTotal.Inc()

	for inner := range deps {
		if ie, ok := c.entries[inner]; ok {
			ie.localRefCount-- // dependency contribution removed
			if ie.localRefCount < 0 {
				ie.localRefCount = 0
			}
			released = append(released, c.releaseIfDoneLocked(inner, toInvoke, lineage)...)
		}
	}
	return released
}

func (c *Counter) fireCallbacks(toInvoke []func(), lineage []coreids.ObjectID) {
	for _, cb := range toInvoke {
		cb()
	}
	if len(lineage) > 0 {
		c.mu.Lock()
		cb := c.onReleaseLineage
		c.mu.Unlock()
		if cb != nil {
			for _, id := range lineage {
				cb(id)
			}
		}
	}
}

// AddOwnedObject declares that this process is the owner of id, created by
// taskID, reachable at ownerAddr. Idempotent; must precede any borrower
// bookkeeping for id.
func (c *Counter) AddOwnedObject(id coreids.ObjectID, taskID coreids.TaskID, ownerAddr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entryLocked(id)
	if e.owner == nil {
		e.owner = &OwnerInfo{TaskID: taskID, Address: ownerAddr}
	}
	coremetrics.OwnedObjects.Inc()
}

// AddBorrowedObject records that we received innerID because we were given
// outerID, and innerID's owner is elsewhere. Establishes innerID's
// nestedOwner so that a later PopBorrowerRefs can tell the caller who to
// eventually contact.
func (c *Counter) AddBorrowedObject(outerID, innerID coreids.ObjectID, owner OwnerInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	inner := c.entryLocked(innerID)
	if inner.owner == nil && inner.nestedOwner == nil {
		o := owner
		inner.nestedOwner = &o
	}
	outer := c.entryLocked(outerID)
	if outer.dependencies == nil {
		outer.dependencies = make(map[coreids.ObjectID]struct{})
	}
	outer.dependencies[innerID] = struct{}{}
}

// WrapObjectId declares that outerID's value contains innerIDs: while
// outerID is in scope, every id in innerIDs must remain in scope too. If
// storedInOwner is set, outerID was returned to (or placed at) a different
// process than us, and a borrow relation is recorded against that address
// for each inner id we own.
func (c *Counter) WrapObjectId(outerID coreids.ObjectID, innerIDs []coreids.ObjectID, storedInOwner string) {
	c.mu.Lock()
	outer := c.entryLocked(outerID)
	if outer.dependencies == nil {
		outer.dependencies = make(map[coreids.ObjectID]struct{})
	}
	var newBorrowers []coreids.ObjectID
	for _, inner := range innerIDs {
		if _, already := outer.dependencies[inner]; !already {
			outer.dependencies[inner] = struct{}{}
			ie := c.entryLocked(inner)
			ie.localRefCount++ // outer keeps inner alive
		}
		if storedInOwner != "" {
			ie := c.entryLocked(inner)
			if ie.owner != nil {
				if ie.borrowers == nil {
					ie.borrowers = make(map[string]struct{})
				}
				if _, seen := ie.borrowers[storedInOwner]; !seen {
					ie.borrowers[storedInOwner] = struct{}{}
					newBorrowers = append(newBorrowers, inner)
					coremetrics.BorrowersTotal.Inc()
				}
			}
		}
	}
	cb := c.onNewBorrower
	c.mu.Unlock()

	if cb != nil {
		for _, inner := range newBorrowers {
			cb(inner, storedInOwner)
		}
	}
}

// AddSubmittedTaskReferences bumps the submitted-task ref for every id in
// ids: these are by-reference args of a task this process just dispatched.
func (c *Counter) AddSubmittedTaskReferences(ids []coreids.ObjectID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		c.entryLocked(id).submittedTaskRefCount++
	}
}

// RemoveSubmittedTaskReferences drops the submitted-task ref for every id in
// ids (the dispatched task has completed or failed) and merges borrowerRefs
// — the ReferenceTable the executing worker reported via PopBorrowerRefs —
// into this process's bookkeeping, per spec.md §4.1 protocol step 4.
func (c *Counter) RemoveSubmittedTaskReferences(ids []coreids.ObjectID, borrowerAddr string, borrowerRefs ReferenceTable) (released []coreids.ObjectID, err error) {
	c.mu.Lock()
	var toInvoke []func()
	var lineage []coreids.ObjectID
	var newBorrowers []coreids.ObjectID
	var drainedBorrows []coreids.ObjectID

	for _, id := range ids {
		e, ok := c.entries[id]
		if !ok {
			continue
		}
		if e.submittedTaskRefCount == 0 {
			c.mu.Unlock()
			return nil, coreerr.Fatal("negative refcount", fmt.Errorf("RemoveSubmittedTaskReferences(%s): submitted ref count already zero", id))
		}
		e.submittedTaskRefCount--
	}

	for id, state := range borrowerRefs {
		e := c.entryLocked(id)
		if e.owner != nil {
			// We own id: the table tells us whether borrowerAddr (and any
			// further-discovered nested borrower encoded as a distinct
			// table key) still holds a reference.
			if state.HasReference {
				if e.borrowers == nil {
					e.borrowers = make(map[string]struct{})
				}
				if _, seen := e.borrowers[borrowerAddr]; !seen {
					e.borrowers[borrowerAddr] = struct{}{}
					newBorrowers = append(newBorrowers, id)
					coremetrics.BorrowersTotal.Inc()
				}
			} else if e.borrowers != nil {
				delete(e.borrowers, borrowerAddr)
				drainedBorrows = append(drainedBorrows, id)
			}
		} else if !state.HasReference && e.pendingSub != nil {
			// Third-party owned id we're relaying: borrowerAddr reported
			// draining: it is no longer one of our outstanding sub-borrowers.
			delete(e.pendingSub, borrowerAddr)
		} else if state.HasReference {
			if e.pendingSub == nil {
				e.pendingSub = make(map[string]struct{})
			}
			e.pendingSub[borrowerAddr] = struct{}{}
		}
	}

	for _, id := range ids {
		released = append(released, c.releaseIfDoneLocked(id, &toInvoke, &lineage)...)
	}
	for _, id := range drainedBorrows {
		released = append(released, c.releaseIfDoneLocked(id, &toInvoke, &lineage)...)
	}
	cb := c.onNewBorrower
	c.mu.Unlock()

	c.fireCallbacks(toInvoke, lineage)
	if cb != nil {
		for _, id := range newBorrowers {
			cb(id, borrowerAddr)
		}
	}
	return released, nil
}

// PopBorrowerRefs returns the subtree of the local table rooted at argID,
// describing what this process is still borrowing (directly, or via a
// further nested wrap) so the caller can merge it. Called by the executing
// side when replying to its caller (spec.md §4.1 protocol step 3).
func (c *Counter) PopBorrowerRefs(argID coreids.ObjectID) ReferenceTable {
	c.mu.Lock()
	defer c.mu.Unlock()

	table := make(ReferenceTable)
	visited := make(map[coreids.ObjectID]bool)
	c.collectLocked(argID, table, visited)
	return table
}

func (c *Counter) collectLocked(id coreids.ObjectID, table ReferenceTable, visited map[coreids.ObjectID]bool) {
	if visited[id] {
		return
	}
	visited[id] = true

	e, ok := c.entries[id]
	if !ok {
		table[id] = BorrowerState{HasReference: false}
		return
	}
	hasRef := e.total() > 0 || len(e.pendingSub) > 0
	var owner *OwnerInfo
	if e.owner != nil {
		owner = e.owner
	} else if e.nestedOwner != nil {
		owner = e.nestedOwner
	}
	table[id] = BorrowerState{HasReference: hasRef, Owner: owner}

	for inner := range e.dependencies {
		c.collectLocked(inner, table, visited)
	}
}

// HandleWaitForRefRemoved installs reply (the owner-to-borrower long-poll
// completion token) to be invoked once id is no longer held locally by this
// process, with all of its own discovered sub-borrowers having also
// released. If the entry has already drained, reply fires immediately.
func (c *Counter) HandleWaitForRefRemoved(id coreids.ObjectID, reply func()) {
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok || e.drained() {
		c.mu.Unlock()
		reply()
		return
	}
	e.waiters = append(e.waiters, reply)
	c.mu.Unlock()
}

// NotifyWorkerFailed removes addr from every borrower set and from pending
// waiters it may be blocking — the owner-side reaction to a pub/sub
// worker-failure notification (spec.md §4.1 "Failure semantics: Borrower
// failure"). Any id whose count consequently reaches zero is released.
func (c *Counter) NotifyWorkerFailed(addr string) (released []coreids.ObjectID) {
	c.mu.Lock()
	var toInvoke []func()
	var lineage []coreids.ObjectID
	for id, e := range c.entries {
		if e.borrowers != nil {
			if _, ok := e.borrowers[addr]; ok {
				delete(e.borrowers, addr)
				released = append(released, c.releaseIfDoneLocked(id, &toInvoke, &lineage)...)
			}
		}
		if e.pendingSub != nil {
			if _, ok := e.pendingSub[addr]; ok {
				delete(e.pendingSub, addr)
				released = append(released, c.releaseIfDoneLocked(id, &toInvoke, &lineage)...)
			}
		}
	}
	c.mu.Unlock()
	c.fireCallbacks(toInvoke, lineage)
	return released
}

// RegisterOnDelete arranges for cb to be invoked exactly once when id's
// count reaches zero. If id is not currently tracked, cb fires immediately
// (there is nothing to wait for).
func (c *Counter) RegisterOnDelete(id coreids.ObjectID, cb func()) {
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok {
		c.mu.Unlock()
		cb()
		return
	}
	e.onDelete = append(e.onDelete, cb)
	c.mu.Unlock()
}

// InScope reports whether id currently has a retained entry (local ref,
// submitted-task ref, or a known borrower). Used by tests and by callers
// that want to check before wrapping.
func (c *Counter) InScope(id coreids.ObjectID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	return ok && (e.total() > 0 || len(e.borrowers) > 0)
}

// Stats is a point-in-time snapshot used by tests and metrics scraping.
type Stats struct {
	TrackedEntries int
	OwnedEntries   int
	BorrowerEdges  int
}

// Snapshot returns aggregate counters over the live table.
func (c *Counter) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	var s Stats
	s.TrackedEntries = len(c.entries)
	for _, e := range c.entries {
		if e.owner != nil {
			s.OwnedEntries++
		}
		s.BorrowerEdges += len(e.borrowers)
	}
	return s
}
