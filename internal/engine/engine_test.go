package engine

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/roadrunner-server/sdk/v3/payload"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

// newLoopback starts e's grpc.Server on an in-memory bufconn listener and
// returns a ClientConn dialed against it, so tests never bind a real socket.
func newLoopback(t *testing.T, e *Engine) *grpc.ClientConn {
	t.Helper()

	lis := bufconn.Listen(1024 * 1024)
	t.Cleanup(func() { _ = lis.Close() })

	go func() {
		_ = e.GRPCServer().Serve(lis)
	}()
	t.Cleanup(e.GRPCServer().Stop)

	conn, err := grpc.Dial("bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallCustomCodec(rawCodec{})), //nolint:staticcheck
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestEngine_HandleAndCall(t *testing.T) {
	e := New(zap.NewNop())

	err := e.Handle(1, "sum", func(_ context.Context, _ uint64, req *payload.Payload) (*payload.Payload, error) {
		return &payload.Payload{Body: append([]byte("echo:"), req.Body...)}, nil
	})
	require.NoError(t, err)

	conn := newLoopback(t, e)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := e.Call(ctx, conn, 1, "sum", &payload.Payload{Body: []byte("hello")})
	require.NoError(t, err)
	require.Equal(t, "echo:hello", string(resp.Body))
}

func TestEngine_CallUnknownHandler(t *testing.T) {
	e := New(zap.NewNop())
	conn := newLoopback(t, e)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := e.Call(ctx, conn, 7, "does-not-exist", &payload.Payload{Body: []byte("x")})
	require.Error(t, err)
}

func TestEngine_HandleDuplicateRejected(t *testing.T) {
	e := New(zap.NewNop())
	h := func(_ context.Context, _ uint64, req *payload.Payload) (*payload.Payload, error) { return req, nil }

	require.NoError(t, e.Handle(1, "sum", h))
	require.Error(t, e.Handle(1, "sum", h))

	e.Deregister(1, "sum")
	require.NoError(t, e.Handle(1, "sum", h))
}

func TestEngine_CallWithRPCIDPropagatesExplicitID(t *testing.T) {
	e := New(zap.NewNop())

	var seen uint64
	err := e.Handle(1, "forward", func(_ context.Context, rpcID uint64, req *payload.Payload) (*payload.Payload, error) {
		seen = rpcID
		return req, nil
	})
	require.NoError(t, err)

	conn := newLoopback(t, e)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = e.CallWithRPCID(ctx, conn, 1, "forward", 424242, &payload.Payload{Body: []byte("x")})
	require.NoError(t, err)
	require.Equal(t, uint64(424242), seen)
}

func TestEngine_CallPropagatesRPCNameOnHandlerError(t *testing.T) {
	e := New(zap.NewNop())

	err := e.Handle(1, "failing", func(_ context.Context, _ uint64, _ *payload.Payload) (*payload.Payload, error) {
		return nil, errors.New("downstream exploded")
	})
	require.NoError(t, err)

	conn := newLoopback(t, e)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, callErr := e.Call(ctx, conn, 1, "failing", &payload.Payload{Body: []byte("x")})
	require.Error(t, callErr)
	require.Contains(t, callErr.Error(), "engine_remote_rpc_failing")
	require.Contains(t, callErr.Error(), "downstream exploded")
}

func TestRPCID_StableAcrossCalls(t *testing.T) {
	require.Equal(t, RPCID("sum"), RPCID("sum"))
	require.NotEqual(t, RPCID("sum"), RPCID("mul"))
}
