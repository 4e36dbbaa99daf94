package corerpc

import (
	"context"
	"fmt"

	"github.com/cuemby/warren/pkg/coreids"
	"google.golang.org/grpc"
)

// LeaseHandler answers RequestWorkerLease calls, implemented by
// pkg/localscheduler.RPCHandler.
type LeaseHandler interface {
	RequestLease(ctx context.Context, req LeaseRequestMsg) (LeaseReplyMsg, error)
}

// DispatchHandler accepts a task dispatched to this node's worker pool.
type DispatchHandler interface {
	DispatchTask(ctx context.Context, req DispatchTaskMsg) (DispatchAckMsg, error)
}

// ReplyHandler receives a worker's completion report, implemented by
// pkg/taskmanager.Manager.
type ReplyHandler interface {
	ReportTaskReply(ctx context.Context, req ReportTaskReplyMsg) error
}

// ChunkHandler serves one chunk of a locally held object.
type ChunkHandler interface {
	FetchChunk(ctx context.Context, req FetchChunkRequestMsg) (FetchChunkReplyMsg, error)
}

// WaitHandler installs an owner's WaitForRefRemoved long-poll against a
// locally tracked borrowed object, implemented by pkg/refcount.Counter.
type WaitHandler interface {
	HandleWaitForRefRemoved(id coreids.ObjectID, reply func())
}

// CapacityHandler reports whether this node's LocalScheduler has spare
// worker capacity right now, implemented by pkg/localscheduler.Scheduler.
type CapacityHandler interface {
	HasSpareCapacity() bool
}

// Server is the gRPC server exposing this node's RPC surface to peers. Each
// capability is injected separately, so a node that only runs a worker (no
// local scheduler) can still serve chunk fetches and task replies.
type Server struct {
	Lease    LeaseHandler
	Dispatch DispatchHandler
	Reply    ReplyHandler
	Chunk    ChunkHandler
	Wait     WaitHandler
	Capacity CapacityHandler
}

// RequestWorkerLease is the unary handler for LeaseRequestMsg.
func (s *Server) RequestWorkerLease(ctx context.Context, req *LeaseRequestMsg) (*LeaseReplyMsg, error) {
	if s.Lease == nil {
		return nil, fmt.Errorf("corerpc: this node does not serve lease requests")
	}
	reply, err := s.Lease.RequestLease(ctx, *req)
	return &reply, err
}

// DispatchTask is the unary handler for DispatchTaskMsg.
func (s *Server) DispatchTask(ctx context.Context, req *DispatchTaskMsg) (*DispatchAckMsg, error) {
	if s.Dispatch == nil {
		return nil, fmt.Errorf("corerpc: this node does not accept dispatched tasks")
	}
	ack, err := s.Dispatch.DispatchTask(ctx, *req)
	return &ack, err
}

// ReportTaskReply is the unary handler for ReportTaskReplyMsg.
func (s *Server) ReportTaskReply(ctx context.Context, req *ReportTaskReplyMsg) (*ReportTaskReplyAckMsg, error) {
	if s.Reply == nil {
		return nil, fmt.Errorf("corerpc: this node does not accept task replies")
	}
	if err := s.Reply.ReportTaskReply(ctx, *req); err != nil {
		return nil, err
	}
	return &ReportTaskReplyAckMsg{}, nil
}

// FetchChunk is the unary handler for FetchChunkRequestMsg.
func (s *Server) FetchChunk(ctx context.Context, req *FetchChunkRequestMsg) (*FetchChunkReplyMsg, error) {
	if s.Chunk == nil {
		return nil, fmt.Errorf("corerpc: this node does not serve chunk fetches")
	}
	reply, err := s.Chunk.FetchChunk(ctx, *req)
	return &reply, err
}

// WaitForRefRemoved is the unary handler for WaitForRefRemovedRequestMsg; it
// blocks (respecting ctx) until the callback pkg/refcount installs fires.
func (s *Server) WaitForRefRemoved(ctx context.Context, req *WaitForRefRemovedRequestMsg) (*WaitForRefRemovedReplyMsg, error) {
	if s.Wait == nil {
		return nil, fmt.Errorf("corerpc: this node does not serve WaitForRefRemoved")
	}
	done := make(chan struct{})
	s.Wait.HandleWaitForRefRemoved(req.ObjectID, func() { close(done) })
	select {
	case <-done:
		return &WaitForRefRemovedReplyMsg{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HasSpareCapacity is the unary handler for CapacityRequestMsg.
func (s *Server) HasSpareCapacity(ctx context.Context, req *CapacityRequestMsg) (*CapacityReplyMsg, error) {
	if s.Capacity == nil {
		return nil, fmt.Errorf("corerpc: this node does not report capacity")
	}
	return &CapacityReplyMsg{HasSpare: s.Capacity.HasSpareCapacity()}, nil
}

// serviceDesc is the hand-written equivalent of what protoc-gen-go-grpc
// would generate from a .proto file describing this same six-method
// service. grpc.Server dispatches purely by method name match, so this
// works identically to generated code from the wire's perspective.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: "corerpc.CoreWorkerService",
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestWorkerLease", Handler: requestWorkerLeaseHandler},
		{MethodName: "DispatchTask", Handler: dispatchTaskHandler},
		{MethodName: "ReportTaskReply", Handler: reportTaskReplyHandler},
		{MethodName: "FetchChunk", Handler: fetchChunkHandler},
		{MethodName: "WaitForRefRemoved", Handler: waitForRefRemovedHandler},
		{MethodName: "HasSpareCapacity", Handler: hasSpareCapacityHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "corerpc.proto",
}

func requestWorkerLeaseHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(LeaseRequestMsg)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).RequestWorkerLease(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/corerpc.CoreWorkerService/RequestWorkerLease"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).RequestWorkerLease(ctx, req.(*LeaseRequestMsg))
	}
	return interceptor(ctx, in, info, handler)
}

func dispatchTaskHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(DispatchTaskMsg)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).DispatchTask(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/corerpc.CoreWorkerService/DispatchTask"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).DispatchTask(ctx, req.(*DispatchTaskMsg))
	}
	return interceptor(ctx, in, info, handler)
}

func reportTaskReplyHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ReportTaskReplyMsg)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).ReportTaskReply(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/corerpc.CoreWorkerService/ReportTaskReply"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).ReportTaskReply(ctx, req.(*ReportTaskReplyMsg))
	}
	return interceptor(ctx, in, info, handler)
}

func fetchChunkHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(FetchChunkRequestMsg)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).FetchChunk(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/corerpc.CoreWorkerService/FetchChunk"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).FetchChunk(ctx, req.(*FetchChunkRequestMsg))
	}
	return interceptor(ctx, in, info, handler)
}

func waitForRefRemovedHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(WaitForRefRemovedRequestMsg)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).WaitForRefRemoved(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/corerpc.CoreWorkerService/WaitForRefRemoved"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).WaitForRefRemoved(ctx, req.(*WaitForRefRemovedRequestMsg))
	}
	return interceptor(ctx, in, info, handler)
}

func hasSpareCapacityHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CapacityRequestMsg)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).HasSpareCapacity(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/corerpc.CoreWorkerService/HasSpareCapacity"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).HasSpareCapacity(ctx, req.(*CapacityRequestMsg))
	}
	return interceptor(ctx, in, info, handler)
}

// Register attaches s to grpcServer under the hand-written service
// descriptor above.
func Register(grpcServer *grpc.Server, s *Server) {
	grpcServer.RegisterService(&serviceDesc, s)
}

// NewGRPCServer builds a *grpc.Server configured to use the gob codec
// instead of protobuf, matching the teacher's general pattern of a thin
// constructor wrapping grpc.NewServer (pkg/api) plus whatever interceptors
// the deployment needs.
func NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	allOpts := append([]grpc.ServerOption{grpc.ForceServerCodec(gobCodec{})}, opts...)
	return grpc.NewServer(allOpts...)
}

