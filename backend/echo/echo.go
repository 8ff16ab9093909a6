// Package echo implements the trivial loopback backend (component C6,
// spec.md §4.5): ForwardOutput returns its input unchanged, the reference
// backend proving the Backend interface with the least possible behavior.
// Ported from original_source/src/echo/EchoBackend.{hpp,cpp}'s EchoProxy,
// whose forward() calls output_cb(input, input_size) and nothing else.
package echo

import (
	"context"
	"encoding/json"

	kage "github.com/roadrunner-server/kage/v3"
	"github.com/roadrunner-server/kage/v3/internal/engine"
	"github.com/roadrunner-server/sdk/v3/payload"
	"go.uber.org/zap"
)

func init() {
	kage.RegisterBackend("echo", New)
}

type Backend struct {
	config json.RawMessage
}

// New is the kage.Factory for "echo". It ignores the engine and target
// it is handed: the backend never originates input and never calls out.
func New(_ context.Context, _ *zap.Logger, _ *engine.Engine, config json.RawMessage, _ kage.Target, _ uint16) (kage.Backend, error) {
	return &Backend{config: config}, nil
}

func (b *Backend) GetConfig() string {
	if len(b.config) == 0 {
		return "{}"
	}
	return string(b.config)
}

// ForwardOutput returns req unchanged, matching EchoProxy::forward.
func (b *Backend) ForwardOutput(_ context.Context, _ uint64, req *payload.Payload) (*payload.Payload, error) {
	return req, nil
}

// SetInputProxy is a no-op: echo never originates unsolicited input.
func (b *Backend) SetInputProxy(kage.InputProxy) {}

func (b *Backend) Destroy(context.Context) error { return nil }
