// Package coreids implements the structured identifier scheme shared by every
// subsystem in the core worker runtime: JobId, ActorId, TaskId and ObjectId.
//
// Every id is a fixed-width, opaque byte string with internal structure: an
// ObjectId discloses the TaskId that created it, a TaskId discloses its
// ActorId (Nil for non-actor tasks), and an ActorId discloses its JobId. No
// id is registered anywhere; ids are generated locally by their creator and
// carry all the structure a remote process needs to interpret them.
package coreids

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/cuemby/warren/pkg/coreerr"
	"github.com/google/uuid"
)

const (
	// JobIDSize is the width of a JobId in bytes.
	JobIDSize = 4
	// ActorIDSize is the width of an ActorId in bytes (JobId || 4 random bytes).
	ActorIDSize = JobIDSize + 4
	// TaskIDSize is the width of a TaskId in bytes (ActorId || 6 bytes).
	TaskIDSize = ActorIDSize + 6
	// ObjectIDSize is the width of an ObjectId in bytes (TaskId || 2 flag bytes || 4 index bytes).
	ObjectIDSize = TaskIDSize + 2 + 4
)

// JobID is a dense integer identifying a job (driver submission).
type JobID [JobIDSize]byte

// NilJobID is the zero value, used for ids that have no owning job (there is none today).
var NilJobID = JobID{}

// JobIDFromInt builds a JobID from a dense integer, as assigned by the GCS job counter.
func JobIDFromInt(n uint32) JobID {
	var id JobID
	binary.BigEndian.PutUint32(id[:], n)
	return id
}

// Int returns the dense integer encoded by the JobID.
func (j JobID) Int() uint32 {
	return binary.BigEndian.Uint32(j[:])
}

// Bytes returns the raw bytes of the id.
func (j JobID) Bytes() []byte { return j[:] }

func (j JobID) String() string { return fmt.Sprintf("job:%08x", j.Int()) }

// JobIDFromBinary parses a JobID from its wire bytes. Length mismatches are a
// fatal condition per spec.md §7 ("id-byte-length mismatch during FromBinary").
func JobIDFromBinary(b []byte) (JobID, error) {
	var id JobID
	if len(b) != JobIDSize {
		return id, coreerr.Fatal("id length mismatch", fmt.Errorf("coreids: JobID must be %d bytes, got %d", JobIDSize, len(b)))
	}
	copy(id[:], b)
	return id, nil
}

// ActorID is JobID || 4 random bytes, unique per actor within a job.
type ActorID [ActorIDSize]byte

// NilActorID marks a TaskID as not belonging to any actor.
var NilActorID = ActorID{}

// NewActorID generates a fresh, random ActorID scoped to job.
func NewActorID(job JobID) ActorID {
	var id ActorID
	copy(id[:JobIDSize], job.Bytes())
	randomBytes(id[JobIDSize:])
	return id
}

// ActorIDFromBinary parses an ActorID from its wire bytes.
func ActorIDFromBinary(b []byte) (ActorID, error) {
	var id ActorID
	if len(b) != ActorIDSize {
		return id, fmt.Errorf("coreids: ActorID must be %d bytes, got %d", ActorIDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Bytes returns the raw bytes of the id.
func (a ActorID) Bytes() []byte { return a[:] }

// JobID extracts the sub-field disclosing the owning job.
func (a ActorID) JobID() JobID {
	var job JobID
	copy(job[:], a[:JobIDSize])
	return job
}

// IsNil reports whether this is the nil actor id (non-actor task).
func (a ActorID) IsNil() bool { return a == NilActorID }

func (a ActorID) String() string { return fmt.Sprintf("actor:%x", a[:]) }

// TaskID is ActorID || 6 bytes: random for the first task submitted by a
// caller, or derived from (parent task id, per-parent counter) for children.
type TaskID [TaskIDSize]byte

var NilTaskID = TaskID{}

// NewTaskID generates a random TaskID for the first task on behalf of actor
// (or the nil actor, for a plain driver/task submission).
func NewTaskID(actor ActorID) TaskID {
	var id TaskID
	copy(id[:ActorIDSize], actor.Bytes())
	randomBytes(id[ActorIDSize:])
	return id
}

// NewChildTaskID derives a child task id deterministically from its parent
// task and a per-parent monotonic counter, so that re-submission after a
// failure reproduces the same id (required for lineage re-execution to
// target the same ObjectIds).
func NewChildTaskID(parent TaskID, actor ActorID, childNum uint64) TaskID {
	var id TaskID
	copy(id[:ActorIDSize], actor.Bytes())
	var tail [6]byte
	// Derive deterministically from parent bytes + counter, truncated to the
	// 6-byte tail. This is a stable hash, not a random draw: same parent and
	// counter always reproduce the same bytes.
	h := fnv1a(append(append([]byte{}, parent[:]...), counterBytes(childNum)...))
	copy(tail[:], h[:6])
	copy(id[ActorIDSize:], tail[:])
	return id
}

// ActorCreationTaskID returns the canonical task id for the task that creates
// actor. Canonical means: derivable from the ActorID alone, so any process
// that knows the ActorID can compute the id of the object returned by its
// creation task without an RPC round trip.
func ActorCreationTaskID(actor ActorID) TaskID {
	var id TaskID
	copy(id[:ActorIDSize], actor.Bytes())
	h := fnv1a(append([]byte("actor-creation-task"), actor.Bytes()...))
	copy(id[ActorIDSize:], h[:6])
	return id
}

// TaskIDFromBinary parses a TaskID from its wire bytes.
func TaskIDFromBinary(b []byte) (TaskID, error) {
	var id TaskID
	if len(b) != TaskIDSize {
		return id, fmt.Errorf("coreids: TaskID must be %d bytes, got %d", TaskIDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Bytes returns the raw bytes of the id.
func (t TaskID) Bytes() []byte { return t[:] }

// ActorID extracts the sub-field disclosing the owning actor (nil for
// non-actor tasks).
func (t TaskID) ActorID() ActorID {
	var a ActorID
	copy(a[:], t[:ActorIDSize])
	return a
}

// JobID extracts the sub-field disclosing the owning job, through ActorID.
func (t TaskID) JobID() JobID { return t.ActorID().JobID() }

func (t TaskID) String() string { return fmt.Sprintf("task:%x", t[:]) }

// ObjectType distinguishes whether an ObjectId names a task return value
// (position in the task's return list) or a value explicitly Put by the
// task (position in the task's put list).
type ObjectType uint8

const (
	ObjectTypePut ObjectType = iota
	ObjectTypeReturn
)

// TransportClass distinguishes how bytes for this object move between
// processes: through the shared-memory object store, or directly inlined
// over RPC between the two processes that need it.
type TransportClass uint8

const (
	TransportPlasma TransportClass = iota
	TransportDirect
)

const (
	flagObjectTypeBit  = 0 // bit 0: ObjectType
	flagTransportShift = 1 // bits 1-3: TransportClass
	flagTransportMask  = 0x7
)

// ObjectID is TaskID || 2-byte flags || 4-byte index. The flags field is a
// little-endian uint16 with bit 0 holding the ObjectType and bits 1-3 holding
// the TransportClass, matching the fixed-offset bitfield layout described in
// spec.md §6 (adapted from the upstream id.h bit assignment, renumbered to
// fit this reduced two-field flag set).
type ObjectID [ObjectIDSize]byte

var NilObjectID = ObjectID{}

func encodeFlags(ot ObjectType, tc TransportClass) uint16 {
	var flags uint16
	if ot == ObjectTypeReturn {
		flags |= 1 << flagObjectTypeBit
	}
	flags |= (uint16(tc) & flagTransportMask) << flagTransportShift
	return flags
}

// DecodeFlags splits a raw flags field back into its ObjectType and TransportClass.
func DecodeFlags(flags uint16) (ObjectType, TransportClass) {
	ot := ObjectType(flags & 0x1)
	tc := TransportClass((flags >> flagTransportShift) & flagTransportMask)
	return ot, tc
}

// NewObjectID builds the ObjectID at position index within the returns (or
// puts) of the task that creates it.
func NewObjectID(creator TaskID, ot ObjectType, tc TransportClass, index uint32) ObjectID {
	var id ObjectID
	copy(id[:TaskIDSize], creator.Bytes())
	binary.LittleEndian.PutUint16(id[TaskIDSize:TaskIDSize+2], encodeFlags(ot, tc))
	binary.BigEndian.PutUint32(id[TaskIDSize+2:], index)
	return id
}

// ObjectIDFromBinary parses an ObjectID from its wire bytes.
func ObjectIDFromBinary(b []byte) (ObjectID, error) {
	var id ObjectID
	if len(b) != ObjectIDSize {
		return id, fmt.Errorf("coreids: ObjectID must be %d bytes, got %d", ObjectIDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Bytes returns the raw bytes of the id.
func (o ObjectID) Bytes() []byte { return o[:] }

// TaskID extracts the sub-field disclosing the creating task.
func (o ObjectID) TaskID() TaskID {
	var t TaskID
	copy(t[:], o[:TaskIDSize])
	return t
}

// ActorID extracts the sub-field disclosing the owning actor, through TaskID.
func (o ObjectID) ActorID() ActorID { return o.TaskID().ActorID() }

// JobID extracts the sub-field disclosing the owning job, through TaskID.
func (o ObjectID) JobID() JobID { return o.TaskID().JobID() }

// Flags returns the raw little-endian flags field.
func (o ObjectID) Flags() uint16 {
	return binary.LittleEndian.Uint16(o[TaskIDSize : TaskIDSize+2])
}

// ObjectType reports whether this id names a put object or a task return value.
func (o ObjectID) ObjectType() ObjectType {
	ot, _ := DecodeFlags(o.Flags())
	return ot
}

// TransportClass reports how this object's bytes move between processes.
func (o ObjectID) TransportClass() TransportClass {
	_, tc := DecodeFlags(o.Flags())
	return tc
}

// Index returns the object's position within its creating task's returns or puts.
func (o ObjectID) Index() uint32 {
	return binary.BigEndian.Uint32(o[TaskIDSize+2:])
}

func (o ObjectID) IsNil() bool { return o == NilObjectID }

func (o ObjectID) String() string {
	ot, tc := DecodeFlags(o.Flags())
	kind := "put"
	if ot == ObjectTypeReturn {
		kind = "return"
	}
	transport := "plasma"
	if tc == TransportDirect {
		transport = "direct"
	}
	return fmt.Sprintf("object:%x/%s/%s/%d", o.TaskID().Bytes(), kind, transport, o.Index())
}

func randomBytes(dst []byte) {
	if _, err := rand.Read(dst); err != nil {
		// crypto/rand failing is a fatal condition: every id downstream of
		// this call would otherwise silently collide.
		panic(fmt.Sprintf("coreids: failed to read random bytes: %v", err))
	}
}

func counterBytes(n uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	return b[:]
}

// fnv1a is a tiny deterministic hash used only to derive stable, non-random
// id tails (child task ids, the canonical actor-creation task id). It is not
// used anywhere bytes must be unpredictable.
func fnv1a(data []byte) [8]byte {
	var h uint64 = 14695981039346656037
	for _, b := range data {
		h ^= uint64(b)
		h *= 1099511628211
	}
	var out [8]byte
	binary.BigEndian.PutUint64(out[:], h)
	return out
}

// NewNodeID returns a random identifier for a cluster node/process address
// registration, used as the "address" half of owner/borrower bookkeeping
// keys. Plain UUIDs are adequate here: node identity has no nested structure
// to disclose, unlike Job/Actor/Task/Object ids.
func NewNodeID() string {
	return uuid.New().String()
}
