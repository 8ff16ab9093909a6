package kage

import (
	"context"
	"sync"

	"github.com/roadrunner-server/sdk/v3/payload"
)

// InputProxy is the handle a Backend uses to re-enter its owning Provider's
// input path when it receives an unsolicited RPC from its peer (spec.md
// §4.3.1 step 6, §4.3.3). It stands in for the C++ reference's
// `std::weak_ptr<ProviderImpl>`: a backend may outlive the moment its
// provider is destroyed (a goroutine blocked in a poll loop, say), and must
// discover that on its own rather than dereference a dangling pointer.
type InputProxy interface {
	// ForwardInput re-invokes rpcID against the owning provider's Target.
	// Returns ErrProviderGone if the provider has already been destroyed.
	ForwardInput(ctx context.Context, rpcID uint64, req *payload.Payload) (*payload.Payload, error)
}

// weakProvider is the mutex-guarded back-reference a Provider hands its
// Backend at construction time and clears at the start of Destroy, so any
// ForwardInput call racing with teardown observes the provider as gone
// rather than touching memory that is mid-teardown.
type weakProvider struct {
	mu sync.RWMutex
	p  *Provider
}

func newWeakProvider(p *Provider) *weakProvider {
	return &weakProvider{p: p}
}

func (w *weakProvider) get() *Provider {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.p
}

func (w *weakProvider) clear() {
	w.mu.Lock()
	w.p = nil
	w.mu.Unlock()
}

// ForwardInput implements InputProxy by resolving the live Provider, if any,
// and delegating to its own forwardInput.
func (w *weakProvider) ForwardInput(ctx context.Context, rpcID uint64, req *payload.Payload) (*payload.Payload, error) {
	p := w.get()
	if p == nil {
		return nil, ErrProviderGone
	}
	return p.forwardInput(ctx, rpcID, req)
}
