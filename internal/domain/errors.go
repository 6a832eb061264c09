package domain

import "errors"

var (
	// ErrShardSpaceExhausted is returned when every shard index rejected a subscribe request
	// or was unreachable. It is the only subscription failure that crosses the listener boundary.
	ErrShardSpaceExhausted = errors.New("shard space exhausted")

	// ErrInitialization wraps a failed schema upgrade at actor start.
	ErrInitialization = errors.New("actor initialization failed")

	ErrActorStopped         = errors.New("actor stopped")
	ErrActorNotFound        = errors.New("actor not found")
	ErrSubscriptionConflict = errors.New("listener already bound to a different shard")
	ErrInvalidKey           = errors.New("invalid actor key")
	ErrSessionClosed        = errors.New("session closed")
	ErrSessionBackpressure  = errors.New("session send buffer full")
)
