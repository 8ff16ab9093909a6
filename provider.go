package kage

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/roadrunner-server/errors"
	"github.com/roadrunner-server/kage/v3/internal/config"
	"github.com/roadrunner-server/kage/v3/internal/engine"
	"github.com/roadrunner-server/sdk/v3/payload"
	"go.uber.org/zap"
)

// identityMagic is the fixed string a provider's identity handler answers
// with, the Go equivalent of margo's per-provider identity string compared
// against the literal "kage" in Client::makeProxyHandle.
const identityMagic = "kage"

// identityRPC is a reserved exported name every Provider registers on
// construction, regardless of its configured exported_rpcs. A ProxyHandle
// invokes it to confirm it is actually talking to a kage provider at all
// before trusting any further call (spec.md §4.8, the identity check that
// guards against a stale address being reused by an unrelated service).
const identityRPC = "__identity__"

// Provider is the state machine described in spec.md §4.3: it owns exactly
// one Backend, forwards its own exported RPCs through that backend
// (forwardRPCtoOutput), and — when its direction accepts input — re-invokes
// backend-originated RPCs against a local Target (forwardInput).
type Provider struct {
	id        uint16
	log       *zap.Logger
	eng       *engine.Engine
	direction config.Direction
	exported  []string
	idToName  map[uint64]string
	target    Target

	weak *weakProvider

	mu      sync.RWMutex
	backend Backend
	closed  bool
}

// NewProvider parses and schema-validates rawConfig, constructs the
// registered backend it names, and wires up the engine handler for the
// identity probe plus, when its direction accepts output, one handler per
// exported RPC. This is the Go rendering of
// ProviderImpl's constructor (spec.md §4.3.1): parse → validate → build
// proxy → register handlers, in that order, failing fast on the first step
// that errors.
func NewProvider(ctx context.Context, log *zap.Logger, eng *engine.Engine, id uint16, rawConfig []byte, target Target) (*Provider, error) {
	const op = errors.Op("provider_new")

	cfg, err := config.ParseProvider(rawConfig)
	if err != nil {
		return nil, errors.E(op, err)
	}

	if cfg.Direction.IsInput() && target == nil {
		return nil, errors.E(op, ErrMissingTarget)
	}

	idToName := make(map[uint64]string, len(cfg.ExportedRPCs))
	for _, name := range cfg.ExportedRPCs {
		idToName[engine.RPCID(name)] = name
	}

	p := &Provider{
		id:        id,
		log:       log,
		eng:       eng,
		direction: cfg.Direction,
		exported:  cfg.ExportedRPCs,
		idToName:  idToName,
		target:    target,
	}
	p.weak = newWeakProvider(p)

	backend, ok, err := CreateBackend(ctx, log, eng, cfg.Proxy.Type, cfg.Proxy.Config, target, id)
	if err != nil {
		return nil, errors.E(op, err)
	}
	if !ok {
		return nil, errors.E(op, ErrUnknownBackend)
	}
	backend.SetInputProxy(p.weak)
	p.backend = backend

	if err := eng.Handle(id, identityRPC, p.handleIdentity); err != nil {
		_ = backend.Destroy(ctx)
		return nil, errors.E(op, err)
	}

	if cfg.Direction.IsOutput() {
		for _, name := range cfg.ExportedRPCs {
			if err := eng.Handle(id, name, p.forwardRPCtoOutput); err != nil {
				eng.Deregister(id, identityRPC)
				_ = backend.Destroy(ctx)
				return nil, errors.E(op, err)
			}
		}
	}

	log.Info("provider constructed",
		zap.Uint16("provider_id", id),
		zap.String("direction", string(cfg.Direction)),
		zap.String("proxy_type", cfg.Proxy.Type),
		zap.Strings("exported_rpcs", cfg.ExportedRPCs),
	)
	return p, nil
}

// ID returns the provider's numeric identifier.
func (p *Provider) ID() uint16 { return p.id }

// GetConfig returns the effective backend configuration, mirroring
// ProviderImpl::getConfig() in the C++ reference.
func (p *Provider) GetConfig() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ""
	}
	return p.backend.GetConfig()
}

// forwardRPCtoOutput is the handler bound to every exported RPC name on an
// output-capable provider: the local caller's request travels through the
// backend to the downstream peer (spec.md §4.3.2).
func (p *Provider) forwardRPCtoOutput(ctx context.Context, rpcID uint64, req *payload.Payload) (*payload.Payload, error) {
	const op = errors.Op("provider_forward_output")

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, errors.E(op, ErrProviderDestroying)
	}
	backend := p.backend
	p.mu.RUnlock()

	resp, err := backend.ForwardOutput(ctx, rpcID, req)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return resp, nil
}

// forwardInput looks rpcID up in the provider's exported name↔id map and,
// if found, re-invokes it against the provider's Target — the counterpart
// path a backend drives when its peer originates a call (spec.md §4.3.3,
// step 1 and 2). The request handed to the Target keeps the original Body
// and carries {"rpc":"<name>"} in its Context. An rpc_id outside the
// exported set is rejected with ErrUnknownRPCID rather than silently
// reaching the target under the wrong name (DESIGN.md Open Question
// decision 2). Every provider hands its backend the input proxy, whatever
// its direction; on an output-only provider, which has no Target, a known
// rpc_id fails here with ErrMissingTarget.
func (p *Provider) forwardInput(ctx context.Context, rpcID uint64, req *payload.Payload) (*payload.Payload, error) {
	const op = errors.Op("provider_forward_input")

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, errors.E(op, ErrProviderDestroying)
	}
	target := p.target
	name, known := p.idToName[rpcID]
	p.mu.RUnlock()

	if !known {
		return nil, errors.E(op, ErrUnknownRPCID)
	}
	if target == nil {
		return nil, errors.E(op, ErrMissingTarget)
	}
	rpcCtx, err := json.Marshal(struct {
		RPC string `json:"rpc"`
	}{RPC: name})
	if err != nil {
		return nil, errors.E(op, err)
	}
	resp, err := target.Exec(ctx, &payload.Payload{Codec: req.Codec, Context: rpcCtx, Body: req.Body})
	if err != nil {
		return nil, errors.E(op, err)
	}
	return resp, nil
}

// handleIdentity answers the reserved identity RPC with identityMagic — the
// whole of what a ProxyHandle's identity check needs (spec.md §4.8).
func (p *Provider) handleIdentity(_ context.Context, _ uint64, _ *payload.Payload) (*payload.Payload, error) {
	return &payload.Payload{Body: []byte(identityMagic)}, nil
}

// Destroy tears the provider down: it stops accepting new input by clearing
// the weak back-reference first, deregisters every engine handler, and
// finally destroys the backend. Matches the C++ reference's destructor
// ordering — invalidate the weak_ptr before releasing the backend, so any
// in-flight ForwardInput observes ErrProviderGone rather than racing
// backend teardown (spec.md §4.3.4, DESIGN.md Open Question decision 3).
func (p *Provider) Destroy(ctx context.Context) error {
	const op = errors.Op("provider_destroy")

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	backend := p.backend
	p.mu.Unlock()

	p.weak.clear()

	p.eng.Deregister(p.id, identityRPC)
	for _, name := range p.exported {
		p.eng.Deregister(p.id, name)
	}

	if err := backend.Destroy(ctx); err != nil {
		return errors.E(op, err)
	}
	return nil
}
