package corerpc

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/warren/pkg/coreconfig"
	"github.com/cuemby/warren/pkg/coreids"
	"github.com/cuemby/warren/pkg/depresolve"
	"github.com/cuemby/warren/pkg/submitter"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client is a thin wrapper around a single peer connection, grounded on the
// teacher's pkg/client.Client: one *grpc.ClientConn, one timeout per call,
// typed methods instead of a generated stub. It implements both
// submitter.Dispatcher (DispatchTask) and objecttransport.ChunkFetcher
// (FetchChunk) so the rest of the runtime never imports grpc directly.
type Client struct {
	conn        *grpc.ClientConn
	callTimeout time.Duration
}

// Dial opens an insecure connection to a peer's corerpc server. The teacher
// dials with mTLS via pkg/security; that certificate machinery is part of
// the cluster-membership surface this runtime treats as out of scope, so
// peers here authenticate however the embedding deployment's interceptors
// decide (grpc.WithTransportCredentials is left to opts).
func Dial(ctx context.Context, addr string, cfg coreconfig.Config, opts ...grpc.DialOption) (*Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cfg.RPCDialTimeout)
	defer cancel()

	allOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)

	conn, err := grpc.DialContext(dialCtx, addr, allOpts...)
	if err != nil {
		return nil, fmt.Errorf("corerpc: dial %s: %w", addr, err)
	}
	return &Client{conn: conn, callTimeout: cfg.RPCCallTimeout}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) callOpts() []grpc.CallOption {
	return []grpc.CallOption{grpc.CallContentSubtype(codecName)}
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.callTimeout)
}

func (c *Client) invoke(ctx context.Context, method string, in, out interface{}) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.conn.Invoke(ctx, "/corerpc.CoreWorkerService/"+method, in, out, c.callOpts()...)
}

// RequestWorkerLease asks this peer's LocalScheduler for a worker lease.
func (c *Client) RequestWorkerLease(ctx context.Context, req LeaseRequestMsg) (LeaseReplyMsg, error) {
	var reply LeaseReplyMsg
	err := c.invoke(ctx, "RequestWorkerLease", &req, &reply)
	return reply, err
}

// DispatchTask implements submitter.Dispatcher against a remote worker.
func (c *Client) DispatchTask(ctx context.Context, workerAddr string, spec submitter.TaskSpec, args []depresolve.ResolvedArg, sequence uint64) error {
	req := DispatchTaskMsg{
		TaskID:          spec.TaskID,
		JobID:           spec.JobID,
		ActorID:         spec.ActorID,
		IsActorCreation: spec.IsActorCreation,
		FunctionName:    spec.FunctionName,
		ResolvedArgs:    args,
		NumReturns:      spec.NumReturns,
		Sequence:        sequence,
	}
	var ack DispatchAckMsg
	if err := c.invoke(ctx, "DispatchTask", &req, &ack); err != nil {
		return fmt.Errorf("corerpc: dispatch task %s to %s: %w", spec.TaskID, workerAddr, err)
	}
	if !ack.Accepted {
		return fmt.Errorf("corerpc: %s rejected task %s: %s", workerAddr, spec.TaskID, ack.Reason)
	}
	return nil
}

// ReportTaskReply sends a worker's completion report back to the task's
// owner node.
func (c *Client) ReportTaskReply(ctx context.Context, req ReportTaskReplyMsg) error {
	var ack ReportTaskReplyAckMsg
	return c.invoke(ctx, "ReportTaskReply", &req, &ack)
}

// FetchChunk implements objecttransport.ChunkFetcher against a remote node
// holding the object.
func (c *Client) FetchChunk(ctx context.Context, nodeAddr string, id coreids.ObjectID, chunkIndex, numChunks int) ([]byte, error) {
	req := FetchChunkRequestMsg{ObjectID: id, ChunkIndex: chunkIndex, NumChunks: numChunks}
	var reply FetchChunkReplyMsg
	if err := c.invoke(ctx, "FetchChunk", &req, &reply); err != nil {
		return nil, err
	}
	if !reply.Found {
		return nil, fmt.Errorf("corerpc: %s does not hold chunk %d of %s", nodeAddr, chunkIndex, id)
	}
	return reply.Data, nil
}

// HasSpareCapacity implements pkg/localscheduler.PeerCapacity against a
// remote peer's LocalScheduler. peerAddr is accepted to satisfy the
// interface signature but unused: a Client already dials one specific peer.
func (c *Client) HasSpareCapacity(ctx context.Context, peerAddr string) bool {
	var reply CapacityReplyMsg
	if err := c.invoke(ctx, "HasSpareCapacity", &CapacityRequestMsg{}, &reply); err != nil {
		return false
	}
	return reply.HasSpare
}

// WaitForRefRemoved blocks until the peer reports the given borrowed object
// is no longer referenced, or ctx is done.
func (c *Client) WaitForRefRemoved(ctx context.Context, id coreids.ObjectID) error {
	req := WaitForRefRemovedRequestMsg{ObjectID: id}
	var reply WaitForRefRemovedReplyMsg
	return c.invoke(ctx, "WaitForRefRemoved", &req, &reply)
}
