package objecttransport

import (
	"context"

	"github.com/cuemby/warren/pkg/coreconfig"
	"github.com/cuemby/warren/pkg/corerpc"
	"github.com/cuemby/warren/pkg/plasmaclient"
)

// ChunkServer implements corerpc.ChunkHandler, serving chunk reads out of a
// local plasma store for a remote Puller on another node.
type ChunkServer struct {
	store         plasmaclient.Store
	chunkSizeBytes int64
}

// NewChunkServer builds a ChunkServer over store, slicing objects into
// chunks of cfg.ChunkSizeBytes.
func NewChunkServer(store plasmaclient.Store, cfg coreconfig.Config) *ChunkServer {
	return &ChunkServer{store: store, chunkSizeBytes: cfg.ChunkSizeBytes}
}

// FetchChunk implements corerpc.ChunkHandler.
func (c *ChunkServer) FetchChunk(ctx context.Context, req corerpc.FetchChunkRequestMsg) (corerpc.FetchChunkReplyMsg, error) {
	data, _, err := c.store.Get(req.ObjectID)
	if err != nil {
		return corerpc.FetchChunkReplyMsg{Found: false}, nil
	}

	start := int64(req.ChunkIndex) * c.chunkSizeBytes
	if start >= int64(len(data)) {
		return corerpc.FetchChunkReplyMsg{Found: false}, nil
	}
	end := start + c.chunkSizeBytes
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return corerpc.FetchChunkReplyMsg{Data: data[start:end], Found: true}, nil
}

var _ corerpc.ChunkHandler = (*ChunkServer)(nil)
