// Package pubsub implements the duplex-bus backend (component C8, spec.md
// §4.6.1/§6): it carries both forwardOutput calls and backend-originated
// input over a pair of pub/sub subjects, correlating out-of-order responses
// with a token it embeds in a fixed wire header.
//
// Ported from original_source/src/zmq/ZMQBackend.{hpp,cpp}'s ZMQProxy. The
// ZeroMQ PUB/SUB sockets and their bind-vs-connect address heuristic are
// replaced with github.com/nats-io/nats.go subjects on a shared connection
// (grounded on other_examples/8ed75be9_zjzhang-cn-nats-grpc's rpc-over-nats
// usage); ZMQProxy's `MessageHeader{sender_ctx, rpc_id, is_forward}` — a raw
// pointer used as the correlation token — is replaced with a monotonic
// uint64 handed out by a sync.Map-backed waiter table (DESIGN.md Open
// Question decision 4), since a Go value has no address stable enough to
// serialize onto a wire the way a C++ object's `this` is.
package pubsub

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	kage "github.com/roadrunner-server/kage/v3"
	"github.com/roadrunner-server/errors"
	"github.com/roadrunner-server/kage/v3/internal/config"
	"github.com/roadrunner-server/kage/v3/internal/engine"
	"github.com/roadrunner-server/sdk/v3/payload"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

func init() {
	kage.RegisterBackend("pubsub", New)
}

// headerSize is the packed wire header: 8-byte correlation token, 8-byte
// rpc_id, 1-byte is_forward flag. Mirrors ZMQBackend.cpp's
// `__attribute__((packed)) MessageHeader`, with the sender-context pointer
// field replaced by the token.
const headerSize = 17

const configSchema = `
{
	"type": "object",
	"properties": {
		"pub_address": {"type": "string"},
		"sub_address": {"type": "string"}
	},
	"required": ["pub_address", "sub_address"]
}
`

var schema = config.Compile("kage://pubsub.schema.json", configSchema)

type cfg struct {
	PubAddress string `json:"pub_address"`
	SubAddress string `json:"sub_address"`
}

type Backend struct {
	log   *zap.Logger
	input kage.InputProxy

	config     cfg
	conn       *nats.Conn
	sub        *nats.Subscription
	pubSubject string

	nextToken uint64
	pending   sync.Map // uint64 -> chan pendingResult

	wg sync.WaitGroup
}

type pendingResult struct {
	payload *payload.Payload
	err     error
}

// New is the registry.Factory for "pubsub". pub_address and sub_address are
// "nats://host:port/subject" URLs: the subject is where frames are
// published/subscribed, the host:port is the NATS server each side dials.
// Unlike ZMQ's PUB/SUB sockets, a NATS client never binds, so the '*'
// bind-vs-connect heuristic in the original config has no Go counterpart.
// One connection is opened, to pub_address's server; sub_address's server
// is not dialed, and a warning is logged when it differs.
func New(ctx context.Context, log *zap.Logger, _ *engine.Engine, raw json.RawMessage, _ kage.Target, providerID uint16) (kage.Backend, error) {
	const op = errors.Op("pubsub_new")

	if err := config.Validate(schema, raw); err != nil {
		return nil, errors.E(op, err)
	}
	var c cfg
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, errors.E(op, err)
	}

	pubServer, pubSubject, err := splitSubjectURL(c.PubAddress)
	if err != nil {
		return nil, errors.E(op, err)
	}
	subServer, subSubject, err := splitSubjectURL(c.SubAddress)
	if err != nil {
		return nil, errors.E(op, err)
	}
	if pubServer != subServer {
		log.Warn("pubsub backend given distinct pub/sub servers, connecting to pub_address's",
			zap.Uint16("provider_id", providerID), zap.String("pub_server", pubServer), zap.String("sub_server", subServer))
	}

	conn, err := nats.Connect(pubServer)
	if err != nil {
		return nil, errors.E(op, err)
	}

	b := &Backend{
		log:        log,
		config:     c,
		conn:       conn,
		pubSubject: pubSubject,
	}

	sub, err := conn.Subscribe(subSubject, b.onMessage)
	if err != nil {
		conn.Close()
		return nil, errors.E(op, err)
	}
	b.sub = sub
	return b, nil
}

func splitSubjectURL(raw string) (server, subject string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("pubsub: invalid address %q: %w", raw, err)
	}
	subject = strings.TrimPrefix(u.Path, "/")
	if subject == "" {
		return "", "", fmt.Errorf("pubsub: address %q has no subject path", raw)
	}
	u.Path = ""
	return u.String(), subject, nil
}

func (b *Backend) GetConfig() string {
	raw, err := json.Marshal(b.config)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func (b *Backend) SetInputProxy(p kage.InputProxy) { b.input = p }

// ForwardOutput publishes a forward frame and blocks until the matching
// response frame arrives (by token) or ctx is done. This is the Go
// rendering of `m_pub_socket.send(...); context.ev.wait()`.
func (b *Backend) ForwardOutput(ctx context.Context, rpcID uint64, req *payload.Payload) (*payload.Payload, error) {
	const op = errors.Op("pubsub_forward_output")

	token := atomic.AddUint64(&b.nextToken, 1)
	ch := make(chan pendingResult, 1)
	b.pending.Store(token, ch)
	defer b.pending.Delete(token)

	frame := encodeFrame(token, rpcID, true, req.Body)
	if err := b.conn.Publish(b.pubSubject, frame); err != nil {
		return nil, errors.E(op, err)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, errors.E(op, res.err)
		}
		return res.payload, nil
	case <-ctx.Done():
		return nil, errors.E(op, ctx.Err())
	}
}

// onMessage runs on the nats client's own dispatch goroutine, the
// replacement for ZMQProxy::runPollingLoop's poll-and-dispatch body.
func (b *Backend) onMessage(msg *nats.Msg) {
	b.wg.Add(1)
	defer b.wg.Done()

	token, rpcID, isForward, body, err := decodeFrame(msg.Data)
	if err != nil {
		b.log.Error("pubsub backend received malformed frame", zap.Error(err))
		return
	}

	if isForward {
		b.handleForward(token, rpcID, body)
		return
	}

	v, ok := b.pending.LoadAndDelete(token)
	if !ok {
		// Stale or unknown correlation token: the waiter already gave up
		// (context canceled) or this response was duplicated. Log and drop
		// rather than propagate it to an unrelated caller.
		b.log.Warn("pubsub backend dropped response for unknown token", zap.Uint64("token", token))
		return
	}
	ch := v.(chan pendingResult)
	ch <- pendingResult{payload: &payload.Payload{Body: body}}
}

func (b *Backend) handleForward(token, rpcID uint64, body []byte) {
	if b.input == nil {
		b.log.Error("pubsub backend received forward but has no input proxy wired", zap.Uint64("rpc_id", rpcID))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := b.input.ForwardInput(ctx, rpcID, &payload.Payload{Body: body})
	if err != nil {
		b.log.Error("pubsub backend's input proxy rejected forwarded rpc", zap.Error(err), zap.Uint64("rpc_id", rpcID))
		return
	}

	frame := encodeFrame(token, rpcID, false, resp.Body)
	if err := b.conn.Publish(b.pubSubject, frame); err != nil {
		b.log.Error("pubsub backend failed to publish forward response", zap.Error(err))
	}
}

func (b *Backend) Destroy(_ context.Context) error {
	if err := b.sub.Unsubscribe(); err != nil {
		b.log.Warn("pubsub backend failed to unsubscribe cleanly", zap.Error(err))
	}
	b.wg.Wait()
	b.conn.Close()
	return nil
}

func encodeFrame(token, rpcID uint64, isForward bool, body []byte) []byte {
	frame := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint64(frame[0:8], token)
	binary.BigEndian.PutUint64(frame[8:16], rpcID)
	if isForward {
		frame[16] = 1
	}
	copy(frame[headerSize:], body)
	return frame
}

func decodeFrame(frame []byte) (token, rpcID uint64, isForward bool, body []byte, err error) {
	if len(frame) < headerSize {
		return 0, 0, false, nil, fmt.Errorf("pubsub: frame too short (%d bytes)", len(frame))
	}
	token = binary.BigEndian.Uint64(frame[0:8])
	rpcID = binary.BigEndian.Uint64(frame[8:16])
	isForward = frame[16] != 0
	body = frame[headerSize:]
	return token, rpcID, isForward, body, nil
}
