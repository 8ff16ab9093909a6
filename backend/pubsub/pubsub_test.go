package pubsub_test

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	kage "github.com/roadrunner-server/kage/v3"
	_ "github.com/roadrunner-server/kage/v3/backend/pubsub"
	"github.com/roadrunner-server/kage/v3/internal/engine"
	"github.com/roadrunner-server/sdk/v3/payload"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startNATS(t *testing.T) string {
	t.Helper()
	opts := &natsserver.Options{Host: "127.0.0.1", Port: -1}
	ns, err := natsserver.NewServer(opts)
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(2 * time.Second) {
		t.Fatal("embedded nats server did not become ready in time")
	}
	t.Cleanup(ns.Shutdown)
	return ns.ClientURL()
}

func serve(t *testing.T, e *engine.Engine) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = lis.Close() })
	go func() { _ = e.GRPCServer().Serve(lis) }()
	t.Cleanup(e.GRPCServer().Stop)
	return lis.Addr().String()
}

// TestPubSub_CrossWiredProvidersRoundTrip wires provider A (direction "out",
// exports "calc") and provider B (direction "in", backed by a Target) across
// a pair of cross-wired pub/sub subjects: A publishes on "a-to-b" and
// subscribes "b-to-a", B does the reverse, so A's forwardOutput eventually
// receives B's forwarded-input response on the subject it is listening on.
func TestPubSub_CrossWiredProvidersRoundTrip(t *testing.T) {
	natsURL := startNATS(t)
	ctx := context.Background()

	engA := engine.New(zap.NewNop())
	addrA := serve(t, engA)

	cfgA := []byte(fmt.Sprintf(`{
		"direction": "out",
		"proxy": {"type": "pubsub", "config": {
			"pub_address": %q, "sub_address": %q
		}},
		"exported_rpcs": ["calc"]
	}`, natsURL+"/a-to-b", natsURL+"/b-to-a"))
	providerA, err := kage.NewProvider(ctx, zap.NewNop(), engA, 20, cfgA, nil)
	require.NoError(t, err)
	defer func() { _ = providerA.Destroy(ctx) }()

	target := kage.TargetFunc(func(_ context.Context, req *payload.Payload) (*payload.Payload, error) {
		return &payload.Payload{Body: []byte(fmt.Sprintf("handled:%s", req.Body))}, nil
	})

	cfgB := []byte(fmt.Sprintf(`{
		"direction": "in",
		"proxy": {"type": "pubsub", "config": {
			"pub_address": %q, "sub_address": %q
		}},
		"exported_rpcs": ["calc"]
	}`, natsURL+"/b-to-a", natsURL+"/a-to-b"))
	engB := engine.New(zap.NewNop())
	providerB, err := kage.NewProvider(ctx, zap.NewNop(), engB, 21, cfgB, target)
	require.NoError(t, err)
	defer func() { _ = providerB.Destroy(ctx) }()

	conn, err := engA.Dial(addrA)
	require.NoError(t, err)

	callCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	resp, err := engA.Call(callCtx, conn, 20, "calc", &payload.Payload{Body: []byte("input")})
	require.NoError(t, err)
	require.Equal(t, "handled:input", string(resp.Body))
}

func TestPubSub_RejectsInvalidConfig(t *testing.T) {
	ctx := context.Background()
	eng := engine.New(zap.NewNop())

	raw := []byte(`{"direction": "out", "proxy": {"type": "pubsub", "config": {"pub_address": "nats://x/a"}}, "exported_rpcs": []}`)
	_, err := kage.NewProvider(ctx, zap.NewNop(), eng, 22, raw, nil)
	require.Error(t, err)
}

func TestPubSub_OutOfOrderResponsesCorrelateByToken(t *testing.T) {
	natsURL := startNATS(t)
	ctx := context.Background()

	engA := engine.New(zap.NewNop())
	addrA := serve(t, engA)
	cfgA := []byte(fmt.Sprintf(`{
		"direction": "out",
		"proxy": {"type": "pubsub", "config": {"pub_address": %q, "sub_address": %q}},
		"exported_rpcs": ["first", "second"]
	}`, natsURL+"/x-to-y", natsURL+"/y-to-x"))
	providerA, err := kage.NewProvider(ctx, zap.NewNop(), engA, 30, cfgA, nil)
	require.NoError(t, err)
	defer func() { _ = providerA.Destroy(ctx) }()

	// The two calls below run concurrently, so the order in which their
	// requests and responses cross the bus is not fixed; each caller must
	// still get its own reply, which only token-based correlation provides.
	target := kage.TargetFunc(func(_ context.Context, req *payload.Payload) (*payload.Payload, error) {
		return &payload.Payload{Body: append([]byte("reply:"), req.Body...)}, nil
	})
	cfgB := []byte(fmt.Sprintf(`{
		"direction": "in",
		"proxy": {"type": "pubsub", "config": {"pub_address": %q, "sub_address": %q}},
		"exported_rpcs": ["first", "second"]
	}`, natsURL+"/y-to-x", natsURL+"/x-to-y"))
	engB := engine.New(zap.NewNop())
	providerB, err := kage.NewProvider(ctx, zap.NewNop(), engB, 31, cfgB, target)
	require.NoError(t, err)
	defer func() { _ = providerB.Destroy(ctx) }()

	conn, err := engA.Dial(addrA)
	require.NoError(t, err)

	callCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	results := make(chan string, 2)
	go func() {
		resp, err := engA.Call(callCtx, conn, 30, "first", &payload.Payload{Body: []byte("1")})
		require.NoError(t, err)
		results <- string(resp.Body)
	}()
	go func() {
		resp, err := engA.Call(callCtx, conn, 30, "second", &payload.Payload{Body: []byte("2")})
		require.NoError(t, err)
		results <- string(resp.Body)
	}()

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		seen[<-results] = true
	}
	require.True(t, seen["reply:1"])
	require.True(t, seen["reply:2"])
}
