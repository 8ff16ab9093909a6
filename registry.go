package kage

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/roadrunner-server/errors"
	"github.com/roadrunner-server/kage/v3/internal/engine"
	"go.uber.org/zap"
)

// Factory constructs a Backend from its configuration. It is handed the
// shared Engine (so the backend can dial/define further RPCs of its own,
// as the passthrough backend does), the backend-specific "proxy.config"
// object, the provider's Target (only meaningful to backends that care,
// none of the three reference backends do), and the owning provider's id.
//
// Mirrors kage::ProxyFactory::create_fn's signature
// `(engine, config, target, pool) -> Backend` (src/Backend.cpp).
type Factory func(ctx context.Context, log *zap.Logger, eng *engine.Engine, config json.RawMessage, target Target, providerID uint16) (Backend, error)

// registry is the process-wide backend-name -> Factory mapping (component
// C2, spec.md §4.1). Kept in the same package as Backend/Provider rather
// than split into its own package: Factory depends on Backend and Provider
// depends on the registry, so a separate package would need an import
// cycle to close the loop. database/sql's driver registry makes the same
// trade-off for the same reason.
var registry = struct {
	mu    sync.RWMutex
	byName map[string]Factory
}{byName: make(map[string]Factory)}

// RegisterBackend registers name's factory. Re-registering an existing name
// replaces it, matching `KAGE_REGISTER_BACKEND`'s "static initializer
// overwrites the map entry" semantics (duplicates are a build-time surprise
// in C++; here they're just whichever init() ran last). Reference backends
// call this from their own package's init().
func RegisterBackend(name string, f Factory) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.byName[name] = f
}

// CreateBackend looks up name and constructs a Backend from it. Per
// spec.md §4.1, an absent name is reported distinctly from a constructor
// failure so Provider can report ErrUnknownBackend itself;
// ok is false only when the name was never registered.
func CreateBackend(ctx context.Context, log *zap.Logger, eng *engine.Engine, name string, config json.RawMessage, target Target, providerID uint16) (b Backend, ok bool, err error) {
	const op = errors.Op("registry_create_backend")

	registry.mu.RLock()
	f, ok := registry.byName[name]
	registry.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	b, err = f(ctx, log, eng, config, target, providerID)
	if err != nil {
		return nil, true, errors.E(op, err)
	}
	return b, true, nil
}
