package engine

import (
	"github.com/roadrunner-server/errors"
	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/anypb"
)

// rpcErrorDetailType tags the Any detail wrapRPCError attaches to a failed
// call's status, so unwrapRPCError can tell it apart from any detail a peer
// RPC engine that isn't kage might have attached.
const rpcErrorDetailType = "type.googleapis.com/kage.RPCErrorDetail"

// wrapRPCError packs err into a gRPC status carrying name as an Any detail,
// so a caller chaining through a second proxy hop can still tell which
// exported RPC the failure belongs to. Adapted from cv65kr-grpc/proxy.go's
// wrapError, which packs a PHP worker's "code|message|detail" error string
// into the same status.Details []*anypb.Any shape; this engine has no PHP
// worker protocol to parse, so the single detail it attaches is just the RPC
// name rather than a chunked exception chain.
func wrapRPCError(name string, err error) error {
	if err == nil {
		return nil
	}
	var st *spb.Status = status.New(codes.Internal, err.Error()).Proto()
	st.Details = append(st.Details, &anypb.Any{
		TypeUrl: rpcErrorDetailType,
		Value:   []byte(name),
	})
	return status.ErrorProto(st)
}

// unwrapRPCError recovers the RPC name wrapRPCError attached, if any, and
// re-wraps the message as a roadrunner errors.E so a multi-hop bridge
// reports the originating RPC rather than just "rpc error: code = Internal".
func unwrapRPCError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	stProto := st.Proto()
	name := rpcNameFromDetails(stProto.Details)
	if name == "" {
		return errors.Str(st.Message())
	}
	return errors.E(errors.Op("engine_remote_rpc_"+name), errors.Str(st.Message()))
}

func rpcNameFromDetails(details []*anypb.Any) string {
	for _, d := range details {
		if d.GetTypeUrl() == rpcErrorDetailType {
			return string(d.GetValue())
		}
	}
	return ""
}
