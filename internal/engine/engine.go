package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/roadrunner-server/errors"
	"github.com/roadrunner-server/goridge/v3/pkg/frame"
	"github.com/roadrunner-server/sdk/v3/payload"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

const (
	serviceName = "kage.Bridge"
	methodName  = "Call"
	fullMethod  = "/" + serviceName + "/" + methodName

	mdProviderID = "kage-provider-id"
	mdRPCName    = "kage-rpc"
	mdRPCID      = "kage-rpc-id"
)

// HandlerFunc is the shape of a handler bound to an exported RPC name: it
// receives the opaque request payload and returns the opaque response.
// This is the Go rendering of spec.md's "forwardRPCtoOutput".
type HandlerFunc func(ctx context.Context, rpcID uint64, req *payload.Payload) (*payload.Payload, error)

// RPCID derives the numeric identifier an exported RPC name maps to.
//
// spec.md §3 requires that "the same name on two hosts maps to the same
// identifier" as a property of the engine. Unlike Mercury/Margo (which
// assigns ids from a shared registration order), gRPC method names carry no
// numeric id, so this engine derives one deterministically from the name
// itself (FNV-1a, 64-bit): any two hosts configured with the same exported
// name agree without a round trip. See DESIGN.md, Open Question decision 5.
func RPCID(name string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return h.Sum64()
}

type handlerKey struct {
	providerID uint16
	name       string
}

// Engine wraps a *grpc.Server (inbound dispatch) and a pool of cached
// *grpc.ClientConn (outbound calls) behind the single capability set
// spec.md asks of the "local RPC engine": register a named handler, invoke
// one by name on a remote endpoint, run on a scheduler (grpc's own
// goroutine-per-stream model takes the place of the Argobots pool).
type Engine struct {
	log    *zap.Logger
	server *grpc.Server

	mu       sync.RWMutex
	handlers map[handlerKey]HandlerFunc

	connMu sync.Mutex
	conns  map[string]*grpc.ClientConn
}

// New builds an Engine and registers its single dynamic bridge service.
// Extra grpc.ServerOption values are appended after the codec and
// interceptor options the engine itself needs, mirroring
// cv65kr-grpc/server.go's serverOptions/interceptor split.
func New(log *zap.Logger, opts ...grpc.ServerOption) *Engine {
	e := &Engine{
		log:      log,
		handlers: make(map[handlerKey]HandlerFunc),
		conns:    make(map[string]*grpc.ClientConn),
	}

	serverOpts := append([]grpc.ServerOption{
		grpc.CustomCodec(rawCodec{}), //nolint:staticcheck // pinned to the grpc version the teacher module vendors
		grpc.UnaryInterceptor(e.interceptor),
	}, opts...)

	e.server = grpc.NewServer(serverOpts...)
	e.server.RegisterService(&grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: methodName,
			Handler:    e.callHandler,
		}},
		Streams: []grpc.StreamDesc{},
	}, nil)

	return e
}

// GRPCServer returns the underlying server so a host process can Serve it
// on whatever listener it manages; bootstrapping that listener is process
// bootstrap territory and explicitly out of scope (spec.md §1).
func (e *Engine) GRPCServer() *grpc.Server { return e.server }

// Handle registers h as the handler for (providerID, name). It fails if a
// handler is already registered for that pair, matching the provider
// construction step that registers one handler per exported RPC name.
func (e *Engine) Handle(providerID uint16, name string, h HandlerFunc) error {
	const op = errors.Op("engine_handle")
	key := handlerKey{providerID, name}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.handlers[key]; exists {
		return errors.E(op, errors.Str(fmt.Sprintf("handler already registered for rpc %q on provider %d", name, providerID)))
	}
	e.handlers[key] = h
	return nil
}

// Deregister removes the handler for (providerID, name), if any.
func (e *Engine) Deregister(providerID uint16, name string) {
	e.mu.Lock()
	delete(e.handlers, handlerKey{providerID, name})
	e.mu.Unlock()
}

// Dial returns a cached *grpc.ClientConn to address, creating one on first
// use. Connections are process-shared, per spec.md §5 "the RPC engine and
// its pools are shared by all providers and backends on a process."
func (e *Engine) Dial(address string) (*grpc.ClientConn, error) {
	const op = errors.Op("engine_dial")

	e.connMu.Lock()
	defer e.connMu.Unlock()
	if conn, ok := e.conns[address]; ok {
		return conn, nil
	}

	conn, err := grpc.Dial(
		address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallCustomCodec(rawCodec{})), //nolint:staticcheck
	)
	if err != nil {
		return nil, errors.E(op, err)
	}
	e.conns[address] = conn
	return conn, nil
}

// Call invokes the named RPC against conn and returns the opaque response.
// This is the outbound half of the zero-copy contract: req.Body and the
// returned Body travel as raw bytes through rawCodec.
func (e *Engine) Call(ctx context.Context, conn *grpc.ClientConn, providerID uint16, name string, req *payload.Payload) (*payload.Payload, error) {
	return e.CallWithRPCID(ctx, conn, providerID, name, RPCID(name), req)
}

// CallWithRPCID is Call with an explicit rpc_id carried alongside the RPC
// name, for backends (passthrough) that multiplex more than one logical
// rpc_id over a single wire-level method name and must hand the original
// id back to the receiving handler rather than let it be re-derived from
// the wire name.
func (e *Engine) CallWithRPCID(ctx context.Context, conn *grpc.ClientConn, providerID uint16, name string, rpcID uint64, req *payload.Payload) (*payload.Payload, error) {
	const op = errors.Op("engine_call")

	ctx = metadata.AppendToOutgoingContext(ctx,
		mdProviderID, fmt.Sprintf("%d", providerID),
		mdRPCName, name,
		mdRPCID, fmt.Sprintf("%d", rpcID),
	)

	reqMsg := RawMessage(req.Body)
	var respMsg RawMessage
	if err := conn.Invoke(ctx, fullMethod, &reqMsg, &respMsg); err != nil {
		return nil, errors.E(op, unwrapRPCError(err))
	}
	return &payload.Payload{Codec: frame.CodecRaw, Body: respMsg, Context: req.Context}, nil
}

// Close tears down every cached outbound connection. It does not stop the
// grpc.Server returned by GRPCServer — the host that started serving it
// owns its shutdown, again per the process-bootstrap boundary.
func (e *Engine) Close() error {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	var firstErr error
	for addr, conn := range e.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(e.conns, addr)
	}
	return firstErr
}

func (e *Engine) interceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		e.log.Error("rpc forwarding failed", zap.Error(err), zap.String("method", info.FullMethod), zap.Duration("elapsed", time.Since(start)))
		return nil, err
	}
	e.log.Debug("rpc forwarded", zap.String("method", info.FullMethod), zap.Duration("elapsed", time.Since(start)))
	return resp, nil
}

func (e *Engine) callHandler(_ any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	const op = errors.Op("engine_call_handler")

	var in RawMessage
	if err := dec(&in); err != nil {
		return nil, errors.E(op, err)
	}

	providerID, name, err := requestRoute(ctx)
	if err != nil {
		return nil, errors.E(op, err)
	}

	invoke := func(ctx context.Context, _ any) (any, error) {
		e.mu.RLock()
		h, ok := e.handlers[handlerKey{providerID, name}]
		e.mu.RUnlock()
		if !ok {
			return nil, errors.E(op, errors.Str(fmt.Sprintf("no handler registered for rpc %q on provider %d", name, providerID)))
		}
		resp, err := h(ctx, rpcIDFromContext(ctx, name), &payload.Payload{Codec: frame.CodecRaw, Body: in})
		if err != nil {
			return nil, wrapRPCError(name, err)
		}
		return RawMessage(resp.Body), nil
	}

	if interceptor == nil {
		return invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{FullMethod: fmt.Sprintf("%s/%s", fullMethod, name)}
	return interceptor(ctx, in, info, invoke)
}

// rpcIDFromContext prefers the explicit rpc_id carried by CallWithRPCID and
// falls back to deriving one from name, so calls made through plain Call
// still resolve to a stable id.
func rpcIDFromContext(ctx context.Context, name string) uint64 {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return RPCID(name)
	}
	ids := md.Get(mdRPCID)
	if len(ids) != 1 {
		return RPCID(name)
	}
	var id uint64
	if _, err := fmt.Sscanf(ids[0], "%d", &id); err != nil {
		return RPCID(name)
	}
	return id
}

func requestRoute(ctx context.Context) (uint16, string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return 0, "", fmt.Errorf("missing routing metadata")
	}
	ids := md.Get(mdProviderID)
	names := md.Get(mdRPCName)
	if len(ids) != 1 || len(names) != 1 {
		return 0, "", fmt.Errorf("missing %s/%s metadata", mdProviderID, mdRPCName)
	}
	var providerID uint16
	if _, err := fmt.Sscanf(ids[0], "%d", &providerID); err != nil {
		return 0, "", fmt.Errorf("invalid %s metadata: %w", mdProviderID, err)
	}
	return providerID, names[0], nil
}
