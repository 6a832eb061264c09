package domain

import "context"

// ShardClient is the cross-actor surface of topic shards. Every call may fail
// independently of the shard's logical state.
type ShardClient interface {
	// Subscribe returns false when the shard is at capacity.
	Subscribe(ctx context.Context, shardKey, listenerKey string) (bool, error)
	Unsubscribe(ctx context.Context, shardKey, listenerKey string) error
}

// ListenerClient is the cross-actor surface of listeners.
type ListenerClient[T any] interface {
	OnMessage(ctx context.Context, listenerKey string, msg Message[T]) error
	OnUnsubscribed(ctx context.Context, listenerKey, shardKey string) error
}
