// Package corerpc is the gRPC transport for the core worker's peer/scheduler
// RPC surface (spec.md §6): worker lease requests, task dispatch and reply,
// chunk transfer, and the owner-to-borrower WaitForRefRemoved long-poll.
//
// No protoc-generated client/server stubs are available to build against in
// this environment, so this package hand-writes the pieces protoc-gen-go-grpc
// would otherwise generate: a grpc.Codec that (de)serializes plain Go
// structs with encoding/gob instead of protobuf, and a grpc.ServiceDesc
// built by hand instead of from a .proto file. google.golang.org/grpc itself
// — connection management, the server loop, interceptors, TLS — is used
// exactly as the teacher uses it in pkg/client and pkg/api; only the
// generated-code layer is replaced.
package corerpc

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

const codecName = "gob"

// gobCodec implements google.golang.org/grpc/encoding.Codec by encoding
// messages with encoding/gob instead of protobuf. Registered once via
// encoding.RegisterCodec in init (codec.go's companion registration lives in
// register.go so it runs exactly once per process).
type gobCodec struct{}

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("corerpc: gob marshal: %w", err)
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("corerpc: gob unmarshal: %w", err)
	}
	return nil
}

func (gobCodec) Name() string { return codecName }
