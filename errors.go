package kage

import "github.com/roadrunner-server/errors"

// Sentinel errors surfaced across provider construction and RPC dispatch.
// Compared with errors.Is, matching the teacher's own use of
// github.com/roadrunner-server/errors as a wrapper around plain error
// values rather than a distinct sentinel type.
var (
	// ErrUnknownBackend is returned when a provider configuration names a
	// proxy.type that was never registered (spec.md §4.1).
	ErrUnknownBackend = errors.Str("kage: unknown backend type")

	// ErrUnknownRPCID is returned when a backend forwards input for an
	// rpc_id outside the provider's exported set.
	ErrUnknownRPCID = errors.Str("kage: unknown rpc id")

	// ErrProviderGone is returned by InputProxy.ForwardInput once the
	// owning provider has been destroyed.
	ErrProviderGone = errors.Str("kage: provider destroyed")

	// ErrProviderDestroying is returned by forwardRPCtoOutput/forwardInput calls
	// that arrive after Destroy has begun but before the backend has
	// actually been torn down.
	ErrProviderDestroying = errors.Str("kage: provider is being destroyed")

	// ErrMissingTarget is returned when a provider configured with an
	// input-accepting direction (in/inout) is constructed without a Target.
	ErrMissingTarget = errors.Str("kage: provider direction accepts input but no target was given")

	// ErrIdentityMismatch is returned by the client when a ProxyHandle's
	// identity probe does not answer with the expected identity string
	// ("kage"), meaning the endpoint is not a kage provider at all.
	ErrIdentityMismatch = errors.Str("kage: identity probe did not return the expected identity string")
)
