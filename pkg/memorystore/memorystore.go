// Package memorystore implements the in-process cache of small, inlined
// objects keyed by ObjectId (spec.md §2 MemoryStore). It is consulted first
// on every Get before falling back to pkg/objecttransport, and it is where
// DependencyResolver inlines direct-transport arguments and where
// TaskManager stores return values and failure sentinels.
package memorystore

import (
	"context"
	"sync"

	"github.com/cuemby/warren/pkg/coreerr"
	"github.com/cuemby/warren/pkg/coreids"
)

// Object is an opaque payload: data bytes plus a metadata blob, exactly as
// spec.md §3 defines it. Core never interprets either field.
type Object struct {
	Data     []byte
	Metadata []byte

	// Err is set instead of Data/Metadata when the creating task failed; Get
	// callers observe it and surface the Kind to the application (spec.md §7).
	Err error
}

// IsFailure reports whether this Object is a failure sentinel.
func (o *Object) IsFailure() bool { return o.Err != nil }

type entry struct {
	obj   *Object // nil until sealed
	ready chan struct{}
}

// Store is the in-process object cache. Zero value is not usable; use New.
type Store struct {
	mu      sync.Mutex
	entries map[coreids.ObjectID]*entry
}

// New creates an empty Store.
func New() *Store {
	return &Store{entries: make(map[coreids.ObjectID]*entry)}
}

func (s *Store) entryLocked(id coreids.ObjectID) *entry {
	e, ok := s.entries[id]
	if !ok {
		e = &entry{ready: make(chan struct{})}
		s.entries[id] = e
	}
	return e
}

// Put seals obj under id, waking any blocked Get callers. Put is idempotent
// on an id that has not yet been sealed; calling it twice on an already
// sealed id is a caller bug (objects are immutable once sealed) and is a
// no-op rather than a panic, since a duplicate reply for the same task is
// possible under at-least-once retry.
func (s *Store) Put(id coreids.ObjectID, obj *Object) {
	s.mu.Lock()
	e := s.entryLocked(id)
	alreadySealed := e.obj != nil
	if !alreadySealed {
		e.obj = obj
	}
	s.mu.Unlock()
	if !alreadySealed {
		close(e.ready)
	}
}

// PutFailure seals a failure sentinel under id: the observable form of a
// task-local failure (spec.md §7 "Local failures inside a task are turned
// into sentinel objects stored in MemoryStore under the task's return ids").
func (s *Store) PutFailure(id coreids.ObjectID, kind coreerr.Kind, err error) {
	s.Put(id, &Object{Err: coreerr.New(kind, id.String(), err)})
}

// Contains reports whether id is sealed in the store (does not block).
func (s *Store) Contains(id coreids.ObjectID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return ok && e.obj != nil
}

// Delete evicts id from the store, e.g. after a failure sentinel has been
// observed and released, or after lineage eviction frees a return value.
func (s *Store) Delete(ids ...coreids.ObjectID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.entries, id)
	}
}

// Get blocks until every id in ids is sealed, ctx is done, or (if non-zero
// deadline) the context deadline elapses — callers pass a context with
// timeout rather than a bare duration, but ctx.Done() plays the role of the
// "per-id condition variable" described in spec.md §5.
func (s *Store) Get(ctx context.Context, ids []coreids.ObjectID) ([]*Object, error) {
	readyChans := make([]chan struct{}, len(ids))
	s.mu.Lock()
	for i, id := range ids {
		readyChans[i] = s.entryLocked(id).ready
	}
	s.mu.Unlock()

	for _, ready := range readyChans {
		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	out := make([]*Object, len(ids))
	s.mu.Lock()
	for i, id := range ids {
		out[i] = s.entries[id].obj
	}
	s.mu.Unlock()
	return out, nil
}

// GetAsync invokes cb with the sealed Object once id becomes available,
// without blocking the caller. Each call starts a goroutine that waits for
// id.
func (s *Store) GetAsync(id coreids.ObjectID, cb func(*Object)) {
	s.mu.Lock()
	e := s.entryLocked(id)
	s.mu.Unlock()

	go func() {
		<-e.ready
		s.mu.Lock()
		obj := e.obj
		s.mu.Unlock()
		cb(obj)
	}()
}
