package corerpc

import "google.golang.org/grpc/encoding"

func init() {
	encoding.RegisterCodec(gobCodec{})
}
