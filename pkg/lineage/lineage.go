// Package lineage caches enough of a completed task's spec to resubmit it if
// one of its return objects is later lost and must be reconstructed (spec.md
// §9 "Lineage caching"). Grounded on the teacher's pkg/storage/boltdb.go:
// one bucket, JSON-marshaled values, db.Update/db.View — adapted from
// persisting cluster entities to persisting per-task re-execution records,
// and made optional (an in-memory Store satisfies the same interface) since
// spec.md does not require durability across owner restarts, only
// re-execution within a live owner's lifetime.
package lineage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/cuemby/warren/pkg/coreids"
	bolt "go.etcd.io/bbolt"
)

var bucketTasks = []byte("task_lineage")

// Entry is the re-execution record for one completed task: enough to call
// Submitter.Submit again and reproduce the same return ids.
type Entry struct {
	TaskID       coreids.TaskID
	FunctionName string
	ArgsJSON     json.RawMessage // opaque, submitter-defined argument encoding
	NumReturns   int
	Pinned       bool // true while any of its return ids is still referenced
}

// Store is the lineage cache's capability surface; both the in-memory and
// bbolt-backed implementations satisfy it.
type Store interface {
	Put(entry Entry) error
	Get(taskID coreids.TaskID) (Entry, bool, error)
	// Evict removes taskID's lineage entry once nothing references its
	// return values anymore. Wired as refcount.Counter's
	// SetReleaseLineageCallback target, keyed by the owned object's creating
	// task id.
	Evict(taskID coreids.TaskID) error
}

// InMemory is a lineage cache with no persistence, adequate for a
// single-process run or tests.
type InMemory struct {
	mu      sync.Mutex
	entries map[coreids.TaskID]Entry
}

// NewInMemory creates an empty in-memory lineage cache.
func NewInMemory() *InMemory {
	return &InMemory{entries: make(map[coreids.TaskID]Entry)}
}

func (m *InMemory) Put(entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.TaskID] = entry
	return nil
}

func (m *InMemory) Get(taskID coreids.TaskID) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[taskID]
	return e, ok, nil
}

func (m *InMemory) Evict(taskID coreids.TaskID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, taskID)
	return nil
}

var _ Store = (*InMemory)(nil)

// BoltStore is a bbolt-backed lineage cache, surviving an owner process
// restart (useful when the owner runs as a long-lived supervised process
// rather than being recreated per job).
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) a bbolt database under dataDir
// for lineage records.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "lineage.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("lineage: open %s: %w", dbPath, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTasks)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("lineage: create bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) Put(entry Entry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("lineage: marshal entry: %w", err)
		}
		return b.Put(entry.TaskID.Bytes(), data)
	})
}

func (s *BoltStore) Get(taskID coreids.TaskID) (Entry, bool, error) {
	var entry Entry
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get(taskID.Bytes())
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &entry)
	})
	return entry, found, err
}

func (s *BoltStore) Evict(taskID coreids.TaskID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).Delete(taskID.Bytes())
	})
}

var _ Store = (*BoltStore)(nil)
