package objecttransport

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/warren/pkg/coreconfig"
	"github.com/cuemby/warren/pkg/coreids"
	"github.com/cuemby/warren/pkg/gcsclient"
	"github.com/cuemby/warren/pkg/plasmaclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	failFromNode string
	calls        int32
}

func (f *fakeFetcher) FetchChunk(ctx context.Context, nodeAddr string, id coreids.ObjectID, chunkIndex, numChunks int) ([]byte, error) {
	atomic.AddInt32(&f.calls, 1)
	if nodeAddr == f.failFromNode {
		return nil, fmt.Errorf("simulated failure from %s", nodeAddr)
	}
	return []byte{byte(chunkIndex)}, nil
}

func cfgForTest() coreconfig.Config {
	cfg := coreconfig.Default()
	cfg.PullTimeout = 2 * time.Second
	cfg.NumConnectAttempts = 3
	return cfg
}

func TestPullSucceedsFromFirstLocation(t *testing.T) {
	gcs := gcsclient.NewInMemory()
	store := plasmaclient.NewInMemory()
	fetcher := &fakeFetcher{}
	id := testObjectID(10)

	gcs.PublishLocation(id, "node-1")

	puller := NewPuller(gcs, store, fetcher, cfgForTest())
	err := puller.Pull(context.Background(), id, 3)
	require.NoError(t, err)
	assert.True(t, store.Contains(id))

	data, _, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2}, data)
}

func TestPullIsNoOpWhenAlreadyPresent(t *testing.T) {
	gcs := gcsclient.NewInMemory()
	store := plasmaclient.NewInMemory()
	id := testObjectID(11)
	require.NoError(t, store.Create(id, []byte("cached"), nil))
	require.NoError(t, store.Seal(id))

	puller := NewPuller(gcs, store, &fakeFetcher{}, cfgForTest())
	err := puller.Pull(context.Background(), id, 1)
	require.NoError(t, err)
}

func TestPullRotatesNodeOnFailure(t *testing.T) {
	gcs := gcsclient.NewInMemory()
	store := plasmaclient.NewInMemory()
	fetcher := &fakeFetcher{failFromNode: "bad-node"}
	id := testObjectID(12)

	gcs.PublishLocation(id, "bad-node")
	gcs.PublishLocation(id, "good-node")

	puller := NewPuller(gcs, store, fetcher, cfgForTest())
	err := puller.Pull(context.Background(), id, 2)
	require.NoError(t, err)
	assert.True(t, store.Contains(id))
}
