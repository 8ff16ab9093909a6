// Package engine realizes the "local RPC engine" that spec.md treats as an
// external black box: something that can register named handlers, invoke
// them by name on a remote endpoint, and schedule the resulting work. It is
// built on top of google.golang.org/grpc, the way cv65kr-grpc builds the
// RoadRunner/PHP bridge on top of the same library.
package engine

import "fmt"

// RawMessage is a wire message carried without marshaling: the bytes ARE the
// message. Adapted from the codec.RawMessage reference in
// cv65kr-grpc/proxy/proxy.go (decoded via `dec(in)` inside a grpc method
// handler); kept under the same name since it plays the same role.
type RawMessage []byte

// rawCodec is a grpc.Codec that passes RawMessage through byte-for-byte.
// This is the concrete realization of the zero-copy contract in spec.md
// §4.9/§4.10: the engine never unmarshals the payload, so a backend that
// only needs to forward bytes never pays for a schema-aware encode/decode.
type rawCodec struct{}

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	switch m := v.(type) {
	case *RawMessage:
		return *m, nil
	case RawMessage:
		return m, nil
	default:
		return nil, fmt.Errorf("engine: rawCodec cannot marshal %T, want RawMessage", v)
	}
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(*RawMessage)
	if !ok {
		return fmt.Errorf("engine: rawCodec cannot unmarshal into %T, want *RawMessage", v)
	}
	// Alias, don't copy: the resulting RawMessage shares data's backing
	// array, and the caller (bridge handler / outbound Call) hands it on as a
	// payload Body without copying.
	*m = data
	return nil
}

func (rawCodec) String() string { return "kage-raw" }
