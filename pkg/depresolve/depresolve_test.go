package depresolve

import (
	"context"
	"testing"

	"github.com/cuemby/warren/pkg/coreconfig"
	"github.com/cuemby/warren/pkg/coreerr"
	"github.com/cuemby/warren/pkg/coreids"
	"github.com/cuemby/warren/pkg/gcsclient"
	"github.com/cuemby/warren/pkg/memorystore"
	"github.com/cuemby/warren/pkg/objecttransport"
	"github.com/cuemby/warren/pkg/plasmaclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopFetcher struct{}

func (noopFetcher) FetchChunk(ctx context.Context, nodeAddr string, id coreids.ObjectID, chunkIndex, numChunks int) ([]byte, error) {
	return []byte{byte(chunkIndex)}, nil
}

func newResolver(t *testing.T) (*Resolver, *memorystore.Store, plasmaclient.Store) {
	t.Helper()
	mem := memorystore.New()
	plasma := plasmaclient.NewInMemory()
	gcs := gcsclient.NewInMemory()
	cfg := coreconfig.Default()
	puller := objecttransport.NewPuller(gcs, plasma, noopFetcher{}, cfg)
	return New(mem, plasma, puller, cfg), mem, plasma
}

func directID() coreids.ObjectID {
	job := coreids.JobIDFromInt(1)
	actor := coreids.NewActorID(job)
	task := coreids.NewTaskID(actor)
	return coreids.NewObjectID(task, coreids.ObjectTypeReturn, coreids.TransportDirect, 0)
}

func plasmaID() coreids.ObjectID {
	job := coreids.JobIDFromInt(1)
	actor := coreids.NewActorID(job)
	task := coreids.NewTaskID(actor)
	return coreids.NewObjectID(task, coreids.ObjectTypeReturn, coreids.TransportPlasma, 1)
}

func TestResolveLiteralPassesThrough(t *testing.T) {
	r, _, _ := newResolver(t)
	resolved, err := r.Resolve(context.Background(), []Arg{{Literal: []byte("hello")}})
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), resolved[0].Data)
	assert.True(t, resolved[0].ObjectID.IsNil())
}

func TestResolveDirectArgWaitsForMemoryStore(t *testing.T) {
	r, mem, _ := newResolver(t)
	id := directID()
	mem.Put(id, &memorystore.Object{Data: []byte("payload")})

	resolved, err := r.Resolve(context.Background(), []Arg{{ObjectID: id}})
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), resolved[0].Data)
}

func TestResolveDirectArgPropagatesFailure(t *testing.T) {
	r, mem, _ := newResolver(t)
	id := directID()
	mem.PutFailure(id, coreerr.WorkerDied, assertError("boom"))

	_, err := r.Resolve(context.Background(), []Arg{{ObjectID: id}})
	require.Error(t, err)
	assert.True(t, coreerr.Is(err, coreerr.WorkerDied))
}

func TestResolvePlasmaArgPullsWhenMissing(t *testing.T) {
	plasma := plasmaclient.NewInMemory()
	gcs := gcsclient.NewInMemory()
	cfg := coreconfig.Default()
	r := New(memorystore.New(), plasma, objecttransport.NewPuller(gcs, plasma, noopFetcher{}, cfg), cfg)
	id := plasmaID()
	// Pull fetches only from a node GCS reports as holding the object.
	gcs.PublishLocation(id, "node-a")

	resolved, err := r.Resolve(context.Background(), []Arg{{ObjectID: id, NumChunks: 2}})
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1}, resolved[0].Data)
	assert.True(t, plasma.Contains(id))
}

func TestShouldInline(t *testing.T) {
	r, _, _ := newResolver(t)
	assert.True(t, r.ShouldInline(10))
	assert.False(t, r.ShouldInline(r.cfg.InlineObjectMaxBytes+1))
}

type assertError string

func (e assertError) Error() string { return string(e) }
