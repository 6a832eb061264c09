package registry

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/shardcast/internal/adapter/metrics"
	"github.com/pscheid92/shardcast/internal/domain"
	"github.com/pscheid92/shardcast/internal/listener"
	"github.com/pscheid92/shardcast/internal/shard"
)

// Config bundles the per-actor configuration handed to every new instance.
type Config[T any] struct {
	Shard    shard.Config[T]
	Listener listener.Config
}

// Host owns every shard and listener of one process.
type Host[T any] struct {
	cfg             Config[T]
	stores          domain.StoreFactory
	clock           clockwork.Clock
	shardMetrics    *metrics.ShardMetrics
	listenerMetrics *metrics.ListenerMetrics

	shards    *table[*shard.Shard[T]]
	listeners *table[*listener.Listener[T]]
}

var (
	_ domain.ShardClient            = (*Host[string])(nil)
	_ domain.ListenerClient[string] = (*Host[string])(nil)
)

func New[T any](cfg Config[T], stores domain.StoreFactory, clock clockwork.Clock, sm *metrics.ShardMetrics, lm *metrics.ListenerMetrics) *Host[T] {
	return &Host[T]{
		cfg:             cfg,
		stores:          stores,
		clock:           clock,
		shardMetrics:    sm,
		listenerMetrics: lm,
		shards:          newTable[*shard.Shard[T]](),
		listeners:       newTable[*listener.Listener[T]](),
	}
}

// Shard returns the shard for key, starting it if it is not running.
func (h *Host[T]) Shard(ctx context.Context, key string) (*shard.Shard[T], error) {
	return h.shards.getOrCreate(ctx, key, h.newShard(key))
}

// LookupShard returns the running shard for key or ErrActorNotFound.
func (h *Host[T]) LookupShard(ctx context.Context, key string) (*shard.Shard[T], error) {
	return h.shards.lookup(ctx, key)
}

// Listener returns the listener for key, starting it if it is not running.
func (h *Host[T]) Listener(ctx context.Context, key string) (*listener.Listener[T], error) {
	return h.listeners.getOrCreate(ctx, key, h.newListener(key))
}

// LookupListener returns the running listener for key or ErrActorNotFound.
func (h *Host[T]) LookupListener(ctx context.Context, key string) (*listener.Listener[T], error) {
	return h.listeners.lookup(ctx, key)
}

// WithListener runs fn against the listener for key, retrying once on a fresh instance when
// the listener tore down concurrently.
func (h *Host[T]) WithListener(ctx context.Context, key string, fn func(*listener.Listener[T]) error) error {
	_, err := withActor(ctx, h.listeners, key, h.newListener(key), func(l *listener.Listener[T]) (struct{}, error) {
		return struct{}{}, fn(l)
	})
	return err
}

// ShardKeys returns the keys of all running shards.
func (h *Host[T]) ShardKeys() []string { return h.shards.keys() }

func (h *Host[T]) ActiveShards() int    { return h.shards.len() }
func (h *Host[T]) ActiveListeners() int { return h.listeners.len() }

// Subscribe implements domain.ShardClient.
func (h *Host[T]) Subscribe(ctx context.Context, shardKey, listenerKey string) (bool, error) {
	return withActor(ctx, h.shards, shardKey, h.newShard(shardKey), func(s *shard.Shard[T]) (bool, error) {
		return s.Subscribe(ctx, listenerKey)
	})
}

// Unsubscribe implements domain.ShardClient.
func (h *Host[T]) Unsubscribe(ctx context.Context, shardKey, listenerKey string) error {
	_, err := withActor(ctx, h.shards, shardKey, h.newShard(shardKey), func(s *shard.Shard[T]) (struct{}, error) {
		return struct{}{}, s.Unsubscribe(ctx, listenerKey)
	})
	return err
}

// OnMessage implements domain.ListenerClient. Listeners are never created by a delivery:
// a listener that is not running is reported as ErrActorNotFound.
func (h *Host[T]) OnMessage(ctx context.Context, listenerKey string, msg domain.Message[T]) error {
	l, err := h.listeners.lookup(ctx, listenerKey)
	if err != nil {
		return err
	}
	return recipientGone(l.OnMessage(ctx, msg))
}

// OnUnsubscribed implements domain.ListenerClient.
func (h *Host[T]) OnUnsubscribed(ctx context.Context, listenerKey, shardKey string) error {
	l, err := h.listeners.lookup(ctx, listenerKey)
	if err != nil {
		return err
	}
	return recipientGone(l.OnUnsubscribed(ctx, shardKey))
}

// Stop stops listeners first so that no new shard calls are issued, then shards.
// Durable state is left in place for the next process.
func (h *Host[T]) Stop() {
	h.listeners.close()
	h.shards.close()
	slog.Info("Actor host stopped")
}

func (h *Host[T]) newShard(key string) func(evict func(string)) *shard.Shard[T] {
	return func(evict func(string)) *shard.Shard[T] {
		return shard.New(key, h.cfg.Shard, h.stores.Membership(key), domain.ListenerClient[T](h), h.clock, h.shardMetrics, evict)
	}
}

func (h *Host[T]) newListener(key string) func(evict func(string)) *listener.Listener[T] {
	return func(evict func(string)) *listener.Listener[T] {
		return listener.New[T](key, h.cfg.Listener, h.stores.Subscription(key), h, h.clock, h.listenerMetrics, evict)
	}
}

func recipientGone(err error) error {
	if errors.Is(err, domain.ErrActorStopped) {
		return domain.ErrActorNotFound
	}
	return err
}
