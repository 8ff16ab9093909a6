package passthrough_test

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	kage "github.com/roadrunner-server/kage/v3"
	_ "github.com/roadrunner-server/kage/v3/backend/passthrough"
	"github.com/roadrunner-server/kage/v3/internal/engine"
	"github.com/roadrunner-server/sdk/v3/payload"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func serve(t *testing.T, e *engine.Engine) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = lis.Close() })
	go func() { _ = e.GRPCServer().Serve(lis) }()
	t.Cleanup(e.GRPCServer().Stop)
	return lis.Addr().String()
}

// TestPassthrough_ForwardOutputReachesRemoteInput wires two providers on two
// separate engines: the "server" side (direction "in") accepts the
// native-RPC forward and re-invokes a local Target; the "client" side
// (direction "out") exports the RPC name a local caller uses, which the
// passthrough backend ships to the server side.
func TestPassthrough_ForwardOutputReachesRemoteInput(t *testing.T) {
	ctx := context.Background()
	const providerID = 10

	serverEngine := engine.New(zap.NewNop())
	serverAddr := serve(t, serverEngine)

	target := kage.TargetFunc(func(_ context.Context, req *payload.Payload) (*payload.Payload, error) {
		return &payload.Payload{Body: []byte(fmt.Sprintf("handled:%s", req.Body))}, nil
	})

	serverCfg := []byte(fmt.Sprintf(`{
		"direction": "in",
		"proxy": {"type": "passthrough", "config": {
			"listening": true, "address": %q, "remote_address": %q
		}},
		"exported_rpcs": ["calc"]
	}`, serverAddr, serverAddr))
	serverProvider, err := kage.NewProvider(ctx, zap.NewNop(), serverEngine, providerID, serverCfg, target)
	require.NoError(t, err)
	defer func() { _ = serverProvider.Destroy(ctx) }()

	clientEngine := engine.New(zap.NewNop())
	clientAddr := serve(t, clientEngine)
	clientCfg := []byte(fmt.Sprintf(`{
		"direction": "out",
		"proxy": {"type": "passthrough", "config": {
			"listening": false, "address": "127.0.0.1:0", "remote_address": %q
		}},
		"exported_rpcs": ["calc"]
	}`, serverAddr))
	clientProvider, err := kage.NewProvider(ctx, zap.NewNop(), clientEngine, providerID, clientCfg, nil)
	require.NoError(t, err)
	defer func() { _ = clientProvider.Destroy(ctx) }()

	clientConn, err := clientEngine.Dial(clientAddr)
	require.NoError(t, err)

	callCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	resp, err := clientEngine.Call(callCtx, clientConn, providerID, "calc", &payload.Payload{Body: []byte("payload")})
	require.NoError(t, err)
	require.Equal(t, "handled:payload", string(resp.Body))
}

func TestPassthrough_RejectsInvalidConfig(t *testing.T) {
	ctx := context.Background()
	eng := engine.New(zap.NewNop())

	raw := []byte(`{"direction": "out", "proxy": {"type": "passthrough", "config": {"listening": true}}, "exported_rpcs": []}`)
	_, err := kage.NewProvider(ctx, zap.NewNop(), eng, 11, raw, nil)
	require.Error(t, err)
}
