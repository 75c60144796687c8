// Package rpc implements the three wire formats named in §6 (Job<->Engine,
// Autodep child<->job-exec supervisor, Server control<->Job) as
// hand-registered gRPC services. There is no protoc available in this
// environment to generate bindings from a .proto schema (see DESIGN.md), so
// every service here is wired directly against grpc.ServiceDesc with a gob
// encoding.Codec standing in for protobuf wire encoding — gRPC's framing,
// multiplexing and connection management still do the actual transport
// work, only the payload codec differs from the teacher's protoc-generated
// services (cmd/distri/internal/fuse, internal/build's build-control RPC).
package rpc

import (
	"bytes"
	"encoding/gob"

	"google.golang.org/grpc/encoding"
)

// codecName is passed to encoding.RegisterCodec and used as the gRPC
// content-subtype, analogous to "proto" for the standard codec.
const codecName = "gob"

func init() {
	encoding.RegisterCodec(gobCodec{})
}

// gobCodec implements google.golang.org/grpc/encoding.Codec over
// encoding/gob, so every message type exchanged by this package's services
// is a plain Go struct with no .proto schema or generated marshalling code.
type gobCodec struct{}

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (gobCodec) Name() string { return codecName }
