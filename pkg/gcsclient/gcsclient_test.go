package gcsclient

import (
	"testing"
	"time"

	"github.com/cuemby/warren/pkg/coreids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvLocation(t *testing.T, ch <-chan Location) Location {
	t.Helper()
	select {
	case loc := <-ch:
		return loc
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for location")
		return Location{}
	}
}

func TestSubscribeLocationsReplaysBacklogThenFutureUpdates(t *testing.T) {
	gcs := NewInMemory()
	id := coreids.NewObjectID(coreids.ActorCreationTaskID(coreids.NewActorID(coreids.JobIDFromInt(1))), coreids.ObjectTypePut, coreids.TransportDirect, 0)

	gcs.PublishLocation(id, "node-a")

	ch, cancel := gcs.SubscribeLocations(id)
	defer cancel()

	assert.Equal(t, "node-a", recvLocation(t, ch).NodeAddress)

	gcs.PublishLocation(id, "node-b")
	assert.Equal(t, "node-b", recvLocation(t, ch).NodeAddress)
}

func TestSubscribeLocationsIgnoresOtherObjectIds(t *testing.T) {
	gcs := NewInMemory()
	idA := coreids.NewObjectID(coreids.ActorCreationTaskID(coreids.NewActorID(coreids.JobIDFromInt(1))), coreids.ObjectTypePut, coreids.TransportDirect, 0)
	idB := coreids.NewObjectID(coreids.ActorCreationTaskID(coreids.NewActorID(coreids.JobIDFromInt(2))), coreids.ObjectTypePut, coreids.TransportDirect, 0)

	ch, cancel := gcs.SubscribeLocations(idA)
	defer cancel()

	gcs.PublishLocation(idB, "node-x")
	gcs.PublishLocation(idA, "node-y")

	assert.Equal(t, "node-y", recvLocation(t, ch).NodeAddress)
}

func TestNotifyWorkerFailedReachesAllSubscribers(t *testing.T) {
	gcs := NewInMemory()

	ch1, cancel1 := gcs.SubscribeWorkerFailures()
	defer cancel1()
	ch2, cancel2 := gcs.SubscribeWorkerFailures()
	defer cancel2()

	gcs.NotifyWorkerFailed("worker-1")

	select {
	case addr := <-ch1:
		require.Equal(t, "worker-1", addr)
	case <-time.After(time.Second):
		t.Fatal("ch1 timed out")
	}
	select {
	case addr := <-ch2:
		require.Equal(t, "worker-1", addr)
	case <-time.After(time.Second):
		t.Fatal("ch2 timed out")
	}
}

func TestPublishLocationDeduplicatesRepeatedNode(t *testing.T) {
	gcs := NewInMemory()
	id := coreids.NewObjectID(coreids.ActorCreationTaskID(coreids.NewActorID(coreids.JobIDFromInt(3))), coreids.ObjectTypePut, coreids.TransportDirect, 0)

	gcs.PublishLocation(id, "node-a")
	gcs.PublishLocation(id, "node-a")

	ch, cancel := gcs.SubscribeLocations(id)
	defer cancel()

	assert.Equal(t, "node-a", recvLocation(t, ch).NodeAddress)
	select {
	case loc := <-ch:
		t.Fatalf("expected no duplicate replay, got %+v", loc)
	case <-time.After(100 * time.Millisecond):
	}
}
