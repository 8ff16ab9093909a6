// Package passthrough implements the native-RPC backend (component C7,
// spec.md §4.6): it carries output through a second RPC, forwardRPC,
// dialed against remote_address, and — when listening — answers the same
// RPC from its peer by re-entering the owning provider's input path.
//
// Ported from original_source/src/margo/MargoBackend.{hpp,cpp}'s MargoProxy,
// which defines a "kage_forward" RPC on an internal thallium::engine and
// either serves it (listening) or only ever calls it (non-listening). The
// internal RPC engine here is the shared internal/engine.Engine rather than
// a second thallium engine, since one gRPC server already multiplexes every
// provider and backend in the process (spec.md §5).
package passthrough

import (
	"context"
	"encoding/json"
	"fmt"

	kage "github.com/roadrunner-server/kage/v3"
	"github.com/roadrunner-server/errors"
	"github.com/roadrunner-server/kage/v3/internal/config"
	"github.com/roadrunner-server/kage/v3/internal/engine"
	"github.com/roadrunner-server/sdk/v3/payload"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

func init() {
	kage.RegisterBackend("passthrough", New)
}

const forwardRPC = "__passthrough_forward__"

const configSchema = `
{
	"type": "object",
	"properties": {
		"listening": {"type": "boolean"},
		"address": {"type": "string"},
		"remote_address": {"type": "string"}
	},
	"required": ["listening", "address", "remote_address"]
}
`

var schema = config.Compile("kage://passthrough.schema.json", configSchema)

type cfg struct {
	Listening     bool   `json:"listening"`
	Address       string `json:"address"`
	RemoteAddress string `json:"remote_address"`
}

type Backend struct {
	log        *zap.Logger
	eng        *engine.Engine
	providerID uint16
	config     cfg
	conn       *grpc.ClientConn
	input      kage.InputProxy
}

// New is the kage.Factory for "passthrough". When cfg.Listening is set
// it registers forwardRPC on the shared engine so a remote peer's
// forwardOutput can reach this provider's input path; it always dials
// remote_address eagerly so the first ForwardOutput call does not pay
// connection-setup latency.
func New(_ context.Context, log *zap.Logger, eng *engine.Engine, raw json.RawMessage, _ kage.Target, providerID uint16) (kage.Backend, error) {
	const op = errors.Op("passthrough_new")

	if err := config.Validate(schema, raw); err != nil {
		return nil, errors.E(op, err)
	}
	var c cfg
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, errors.E(op, err)
	}

	conn, err := eng.Dial(c.RemoteAddress)
	if err != nil {
		return nil, errors.E(op, err)
	}

	b := &Backend{log: log, eng: eng, providerID: providerID, config: c, conn: conn}

	if c.Listening {
		if err := eng.Handle(providerID, forwardRPC, b.handleForward); err != nil {
			return nil, errors.E(op, err)
		}
	}
	return b, nil
}

func (b *Backend) GetConfig() string {
	raw, err := json.Marshal(b.config)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// ForwardOutput calls forwardRPC on the remote peer and returns its
// response, the Go rendering of `m_rpc.on(m_remote_endpoint)(rpc_id, input)`.
func (b *Backend) ForwardOutput(ctx context.Context, rpcID uint64, req *payload.Payload) (*payload.Payload, error) {
	const op = errors.Op("passthrough_forward_output")
	resp, err := b.eng.CallWithRPCID(ctx, b.conn, b.providerID, forwardRPC, rpcID, req)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return resp, nil
}

// SetInputProxy stores the handle used by handleForward to re-enter the
// provider's input path when listening.
func (b *Backend) SetInputProxy(p kage.InputProxy) { b.input = p }

func (b *Backend) handleForward(ctx context.Context, rpcID uint64, req *payload.Payload) (*payload.Payload, error) {
	const op = errors.Op("passthrough_handle_forward")
	if b.input == nil {
		return nil, errors.E(op, errors.Str(fmt.Sprintf("passthrough backend on provider %d is not wired to an input proxy", b.providerID)))
	}
	resp, err := b.input.ForwardInput(ctx, rpcID, req)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return resp, nil
}

func (b *Backend) Destroy(_ context.Context) error {
	if b.config.Listening {
		b.eng.Deregister(b.providerID, forwardRPC)
	}
	return nil
}
