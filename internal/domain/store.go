package domain

import "context"

// MembershipStore is the durable record set of one shard: the listener keys subscribed to it.
type MembershipStore interface {
	// Migrate applies the forward-only schema upgrade. It is idempotent.
	Migrate(ctx context.Context) error
	Count(ctx context.Context) (int, error)
	Contains(ctx context.Context, listenerKey string) (bool, error)
	Add(ctx context.Context, listenerKey string) error
	// Remove reports whether listenerKey was a member. Removing an absent key is a no-op.
	Remove(ctx context.Context, listenerKey string) (bool, error)
	List(ctx context.Context) ([]string, error)
	// DeleteAll drops every record including the schema marker.
	DeleteAll(ctx context.Context) error
}

// SubscriptionStore is the durable record of one listener: zero or one bound shard key.
type SubscriptionStore interface {
	Migrate(ctx context.Context) error
	Get(ctx context.Context) (shardKey string, ok bool, err error)
	// Set records shardKey. Writing a different key while one is recorded fails with
	// ErrSubscriptionConflict; rewriting the same key is a no-op.
	Set(ctx context.Context, shardKey string) error
	// Delete clears the record only if it holds shardKey.
	Delete(ctx context.Context, shardKey string) error
	DeleteAll(ctx context.Context) error
}

// StoreFactory hands out stores scoped to a single actor instance.
type StoreFactory interface {
	Membership(shardKey string) MembershipStore
	Subscription(listenerKey string) SubscriptionStore
}
