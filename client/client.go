// Package client implements the caller-side surface (component C9, spec.md
// §4.7/§4.8): a Client holds the shared RPC engine, and a ProxyHandle binds
// that engine to one remote (address, provider_id) pair, invoking exported
// RPCs by name either synchronously or asynchronously.
//
// Ported from original_source/include/kage/Client.hpp and ProxyHandle.hpp:
// Client::makeProxyHandle's optional identity check (`ph.get_identity() !=
// "kage"`) becomes MakeProxyHandle's check argument, and ProxyHandle's
// thallium::provider_handle becomes a cached *grpc.ClientConn plus the
// provider id carried alongside every call.
package client

import (
	"context"

	"github.com/roadrunner-server/errors"
	kage "github.com/roadrunner-server/kage/v3"
	"github.com/roadrunner-server/kage/v3/internal/engine"
	"github.com/roadrunner-server/sdk/v3/payload"
)

const identityRPC = "__identity__"
const identityMagic = "kage"

// Client owns the shared engine used to dial and invoke every ProxyHandle
// it creates. A process typically has exactly one Client, mirroring
// original_source's one-engine-per-process Client.
type Client struct {
	eng *engine.Engine
}

// New wraps an already-constructed engine. The engine is expected to be the
// same one the process's providers were built with, so outbound calls and
// inbound dispatch share one connection pool (spec.md §5).
func New(eng *engine.Engine) *Client {
	return &Client{eng: eng}
}

// GetConfig mirrors Client::getConfig(), which the C++ reference leaves as
// a fixed "{}" — the client itself carries no configurable state.
func (c *Client) GetConfig() string { return "{}" }

// MakeProxyHandle dials address and returns a handle bound to providerID.
// When check is true it issues the reserved identity RPC and fails with
// kage.ErrIdentityMismatch if the remote does not answer as a kage
// provider, the same trade-off makeProxyHandle's "check" parameter
// documents: skip it only when the caller already knows the provider
// exists, to save one round trip.
func MakeProxyHandle(ctx context.Context, c *Client, address string, providerID uint16, check bool) (*ProxyHandle, error) {
	const op = errors.Op("client_make_proxy_handle")

	conn, err := c.eng.Dial(address)
	if err != nil {
		return nil, errors.E(op, err)
	}

	ph := &ProxyHandle{client: c, providerID: providerID, address: address}

	if check {
		resp, err := c.eng.Call(ctx, conn, providerID, identityRPC, &payload.Payload{})
		if err != nil {
			return nil, errors.E(op, err)
		}
		if string(resp.Body) != identityMagic {
			return nil, errors.E(op, kage.ErrIdentityMismatch)
		}
	}

	return ph, nil
}

// ProxyHandle is a bound (address, provider_id) pair that can invoke any
// RPC the provider on the other end exports (spec.md §4.7).
type ProxyHandle struct {
	client     *Client
	providerID uint16
	address    string
}

// Client returns the ProxyHandle's owning Client, mirroring
// ProxyHandle::client().
func (p *ProxyHandle) Client() *Client { return p.client }

// Address returns the remote endpoint this handle is bound to.
func (p *ProxyHandle) Address() string { return p.address }

// ProviderID returns the provider id this handle targets.
func (p *ProxyHandle) ProviderID() uint16 { return p.providerID }

// Invoke calls rpc synchronously and returns its response, the Go
// rendering of ProxyHandle::computeSum's `req == nullptr` branch
// generalized to an arbitrary named RPC rather than one hardcoded
// operation.
func (p *ProxyHandle) Invoke(ctx context.Context, rpc string, req *payload.Payload) (*payload.Payload, error) {
	const op = errors.Op("proxy_handle_invoke")

	conn, err := p.client.eng.Dial(p.address)
	if err != nil {
		return nil, errors.E(op, err)
	}
	resp, err := p.client.eng.Call(ctx, conn, p.providerID, rpc, req)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return resp, nil
}

// AsyncRequest is the pending result of InvokeAsync, the Go rendering of
// ProxyHandle::computeSum's `req != nullptr` branch, where the async
// response is polled later via Wait instead of immediately.
type AsyncRequest struct {
	done chan struct{}
	resp *payload.Payload
	err  error
}

// Wait blocks until the asynchronous call completes or ctx is done,
// whichever happens first.
func (a *AsyncRequest) Wait(ctx context.Context) (*payload.Payload, error) {
	select {
	case <-a.done:
		return a.resp, a.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InvokeAsync starts rpc and returns immediately with an AsyncRequest the
// caller waits on later, letting it overlap the call with other work the
// way computeSum's AsyncRequest output parameter does.
func (p *ProxyHandle) InvokeAsync(ctx context.Context, rpc string, req *payload.Payload) *AsyncRequest {
	a := &AsyncRequest{done: make(chan struct{})}
	go func() {
		defer close(a.done)
		a.resp, a.err = p.Invoke(ctx, rpc, req)
	}()
	return a
}
