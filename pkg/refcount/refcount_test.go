package refcount

import (
	"testing"

	"github.com/cuemby/warren/pkg/coreerr"
	"github.com/cuemby/warren/pkg/coreids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newObjectID(t *testing.T, seed byte) coreids.ObjectID {
	t.Helper()
	job := coreids.JobIDFromInt(1)
	actor := coreids.NewActorID(job)
	task := coreids.NewTaskID(actor)
	return coreids.NewObjectID(task, coreids.ObjectTypeReturn, coreids.TransportPlasma, uint32(seed))
}

// Scenario A (spec.md §8): a single local handle is acquired and released;
// the entry is retained while held and fully gone afterward.
func TestLocalReferenceLifecycle(t *testing.T) {
	c := New()
	id := newObjectID(t, 1)

	c.AddLocalReference(id)
	assert.True(t, c.InScope(id))

	released, err := c.RemoveLocalReference(id)
	require.NoError(t, err)
	assert.Equal(t, []coreids.ObjectID{id}, released)
	assert.False(t, c.InScope(id))
}

// WrapObjectId must keep an inner id alive for as long as the outer wrapper
// is in scope, and release it once the wrapper goes away (§4.1 "nested wraps").
func TestWrapObjectIdKeepsInnerAlive(t *testing.T) {
	c := New()
	outer := newObjectID(t, 1)
	inner := newObjectID(t, 2)

	c.AddLocalReference(outer)
	c.WrapObjectId(outer, []coreids.ObjectID{inner}, "")
	assert.True(t, c.InScope(inner), "inner id must be retained once wrapped by a live outer id")

	released, err := c.RemoveLocalReference(outer)
	require.NoError(t, err)
	assert.ElementsMatch(t, []coreids.ObjectID{outer, inner}, released)
	assert.False(t, c.InScope(inner))
}

// Scenario B (spec.md §8): the owner hands an id to a single borrower via a
// submitted task; the owner's entry must survive until both the submitted
// task ref and the borrower's own reported borrow have drained.
func TestOwnerBorrowerSingleHop(t *testing.T) {
	c := New()
	owner := New()
	id := newObjectID(t, 5)

	ownerTask := coreids.NewTaskID(coreids.NilActorID)
	owner.AddOwnedObject(id, ownerTask, "owner-addr")
	owner.AddLocalReference(id)
	owner.AddSubmittedTaskReferences([]coreids.ObjectID{id})

	var newBorrowerAddr string
	owner.SetOnNewBorrower(func(gotID coreids.ObjectID, addr string) {
		newBorrowerAddr = addr
	})

	// Borrower (a different process, modeled by its own Counter) receives id
	// as an argument and keeps a local handle on it while it runs.
	c.AddBorrowedObject(id, id, OwnerInfo{TaskID: ownerTask, Address: "owner-addr"})
	c.AddLocalReference(id)

	// Borrower still holds id when it replies, so the reported table says so.
	table := c.PopBorrowerRefs(id)
	require.Contains(t, table, id)
	assert.True(t, table[id].HasReference)

	released, err := owner.RemoveSubmittedTaskReferences([]coreids.ObjectID{id}, "borrower-addr", table)
	require.NoError(t, err)
	assert.Empty(t, released, "owner still has its own local ref plus a live borrower")
	assert.Equal(t, "borrower-addr", newBorrowerAddr)

	// Owner's own handle goes away, but the object is still borrowed.
	released, err = owner.RemoveLocalReference(id)
	require.NoError(t, err)
	assert.Empty(t, released)

	// Borrower finishes and releases its handle; it reports an empty table.
	released, err = c.RemoveLocalReference(id)
	require.NoError(t, err)
	assert.Equal(t, []coreids.ObjectID{id}, released)

	emptyTable := c.PopBorrowerRefs(id)
	assert.False(t, emptyTable[id].HasReference)

	released, err = owner.RemoveSubmittedTaskReferences(nil, "borrower-addr", emptyTable)
	require.NoError(t, err)
	assert.Equal(t, []coreids.ObjectID{id}, released, "owner entry must release once its last borrower drains")
}

// Scenario C (spec.md §8): the owner transitively learns of a second-hop
// borrower (W1 forwards id to W2) via the reference table merged at
// RemoveSubmittedTaskReferences, without talking to W2 directly.
func TestTransitiveBorrowerDiscovery(t *testing.T) {
	owner := New()
	id := newObjectID(t, 9)
	ownerTask := coreids.NewTaskID(coreids.NilActorID)
	owner.AddOwnedObject(id, ownerTask, "owner-addr")
	owner.AddSubmittedTaskReferences([]coreids.ObjectID{id})

	var discovered []string
	owner.SetOnNewBorrower(func(_ coreids.ObjectID, addr string) {
		discovered = append(discovered, addr)
	})

	// W1's reply table reports it still has a reference (because it forwarded
	// id to W2 via a submitted task it has not yet waited on).
	w1Table := ReferenceTable{id: {HasReference: true}}
	_, err := owner.RemoveSubmittedTaskReferences([]coreids.ObjectID{id}, "w1-addr", w1Table)
	require.NoError(t, err)
	assert.Contains(t, discovered, "w1-addr")

	// Owner later (transitively, via W1's own merge surfacing in a later
	// reply it relays) learns W2 also holds a reference.
	w1Table2 := ReferenceTable{id: {HasReference: true}}
	_, err = owner.RemoveSubmittedTaskReferences(nil, "w2-addr", w1Table2)
	require.NoError(t, err)
	assert.Contains(t, discovered, "w2-addr")

	snap := owner.Snapshot()
	assert.Equal(t, 2, snap.BorrowerEdges, "owner must track both w1 and w2 as direct borrowers")

	// Only once both release does the owner's entry disappear.
	released, err := owner.RemoveSubmittedTaskReferences(nil, "w1-addr", ReferenceTable{id: {HasReference: false}})
	require.NoError(t, err)
	assert.Empty(t, released)

	released, err = owner.RemoveSubmittedTaskReferences(nil, "w2-addr", ReferenceTable{id: {HasReference: false}})
	require.NoError(t, err)
	assert.Equal(t, []coreids.ObjectID{id}, released)
}

// HandleWaitForRefRemoved must fire immediately for an id that already has no
// local footprint, and otherwise wait for local drain (spec.md §4.1).
func TestHandleWaitForRefRemoved(t *testing.T) {
	c := New()
	id := newObjectID(t, 3)

	fired := false
	c.HandleWaitForRefRemoved(id, func() { fired = true })
	assert.True(t, fired, "unknown id has nothing to wait for")

	fired = false
	c.AddLocalReference(id)
	c.HandleWaitForRefRemoved(id, func() { fired = true })
	assert.False(t, fired)

	_, err := c.RemoveLocalReference(id)
	require.NoError(t, err)
	assert.True(t, fired, "waiter must fire once the entry drains")
}

// A borrower process failing (detected via pub/sub) must release any ids it
// was the last known borrower of (spec.md §4.1 "Failure semantics").
func TestNotifyWorkerFailedReleasesBorrowedIds(t *testing.T) {
	owner := New()
	id := newObjectID(t, 7)
	ownerTask := coreids.NewTaskID(coreids.NilActorID)
	owner.AddOwnedObject(id, ownerTask, "owner-addr")
	owner.WrapObjectId(newObjectID(t, 8), nil, "") // no-op sanity call

	owner.AddSubmittedTaskReferences([]coreids.ObjectID{id})
	_, err := owner.RemoveSubmittedTaskReferences([]coreids.ObjectID{id}, "flaky-addr", ReferenceTable{id: {HasReference: true}})
	require.NoError(t, err)
	assert.True(t, owner.InScope(id))

	released := owner.NotifyWorkerFailed("flaky-addr")
	assert.Equal(t, []coreids.ObjectID{id}, released)
	assert.False(t, owner.InScope(id))
}

// RemoveLocalReference on an id whose count is already zero is an invariant
// violation and must surface as a fatal coreerr (spec.md §7).
func TestRemoveLocalReferenceUnderflowIsFatal(t *testing.T) {
	c := New()
	id := newObjectID(t, 4)
	c.AddLocalReference(id)
	_, err := c.RemoveLocalReference(id)
	require.NoError(t, err)

	_, err = c.RemoveLocalReference(id)
	require.NoError(t, err, "entry was already deleted, nothing to underflow")

	c.AddLocalReference(id)
	_, err = c.RemoveLocalReference(id)
	require.NoError(t, err)

	// Force an artificial underflow: a submitted-task reference keeps the
	// entry alive, but it holds no local reference to remove.
	c.AddSubmittedTaskReferences([]coreids.ObjectID{id})
	_, err = c.RemoveLocalReference(id)
	require.Error(t, err)
	assert.True(t, coreerr.IsFatal(err))
}
