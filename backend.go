package kage

import (
	"context"

	"github.com/roadrunner-server/sdk/v3/payload"
)

// Backend is the pluggable transport contract every proxy backend
// implements (spec.md §4.2, component C3). Polymorphism is selected purely
// by the registered name (§4.1) — there is no further subtyping.
//
// The C++ reference's `forwardOutput(rpc_id, bytes, callback) -> Result<bool>`
// is folded into a direct return here: "the callback must be called before
// return" becomes "ForwardOutput must not return until the response is
// ready," which a direct return enforces for free. A backend that cannot
// honor that synchronously (pub/sub) simply blocks inside ForwardOutput
// until its own completion signal fires.
type Backend interface {
	// GetConfig returns the backend's effective configuration as a
	// JSON-formatted string.
	GetConfig() string

	// ForwardOutput transports req to the downstream peer and returns its
	// response. rpcID identifies the exported RPC being forwarded.
	ForwardOutput(ctx context.Context, rpcID uint64, req *payload.Payload) (*payload.Payload, error)

	// SetInputProxy installs the handle a backend uses to re-enter the
	// provider's input path (spec.md §4.3.1 step 6). May be a no-op for
	// backends that never receive unsolicited input (echo).
	SetInputProxy(InputProxy)

	// Destroy releases every external resource the backend holds (sockets,
	// connections, polling goroutines). Must not panic if called twice.
	Destroy(ctx context.Context) error
}

// Target is the downstream endpoint a provider with an input-accepting
// direction (in/inout) re-invokes a backend-originated RPC against
// (spec.md §4.3.3). It is deliberately narrow — a single opaque call — so
// any local dispatcher (another Engine-backed handler, a worker pool, a
// plain function) can stand in for it.
type Target interface {
	Exec(ctx context.Context, req *payload.Payload) (*payload.Payload, error)
}

// TargetFunc adapts a plain function to Target.
type TargetFunc func(ctx context.Context, req *payload.Payload) (*payload.Payload, error)

func (f TargetFunc) Exec(ctx context.Context, req *payload.Payload) (*payload.Payload, error) {
	return f(ctx, req)
}
