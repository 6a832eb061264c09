package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pscheid92/shardcast/internal/domain"
	"github.com/pscheid92/shardcast/internal/listener"
	"github.com/pscheid92/shardcast/internal/registry"
	"github.com/pscheid92/shardcast/internal/shard"
	"golang.org/x/sync/singleflight"
)

// Broker composes the actor host into the use cases transports need.
type Broker[T any] struct {
	host        *registry.Host[T]
	stores      domain.StoreFactory
	maxShards   int
	shardPrefix string

	recoverGroup singleflight.Group
}

func NewBroker[T any](host *registry.Host[T], stores domain.StoreFactory, maxShards int, shardPrefix string) *Broker[T] {
	return &Broker[T]{
		host:        host,
		stores:      stores,
		maxShards:   maxShards,
		shardPrefix: shardPrefix,
	}
}

// AcceptSession attaches session to the listener identified by listenerKey, creating the
// listener if needed. An empty key allocates a fresh listener. The key actually used is returned
// so that further sessions can join the same listener.
func (b *Broker[T]) AcceptSession(ctx context.Context, listenerKey string, session domain.Session) (string, error) {
	if listenerKey == "" {
		listenerKey = domain.NewListenerKey()
	} else if !domain.ValidKey(listenerKey) {
		return "", fmt.Errorf("%w: %q", domain.ErrInvalidKey, listenerKey)
	}

	err := b.host.WithListener(ctx, listenerKey, func(l *listener.Listener[T]) error {
		return l.AcceptSession(ctx, session)
	})
	if err != nil {
		return listenerKey, err
	}

	slog.DebugContext(ctx, "Session attached", "listener_key", listenerKey, "session_id", session.ID())
	return listenerKey, nil
}

// SessionMessage forwards an inbound client frame to its listener.
func (b *Broker[T]) SessionMessage(ctx context.Context, listenerKey, sessionID string, data []byte) error {
	l, err := b.host.LookupListener(ctx, listenerKey)
	if err != nil {
		return err
	}
	return l.OnSessionMessage(ctx, sessionID, data)
}

// SessionClosed reports a closed or failed client session. Unknown listeners are ignored.
func (b *Broker[T]) SessionClosed(ctx context.Context, listenerKey, sessionID string) error {
	l, err := b.host.LookupListener(ctx, listenerKey)
	if errors.Is(err, domain.ErrActorNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	err = l.OnSessionClosed(ctx, sessionID)
	if errors.Is(err, domain.ErrActorStopped) {
		return nil
	}
	return err
}

// Publish fans content out through every running shard and returns how many accepted it.
func (b *Broker[T]) Publish(ctx context.Context, content T) (int, error) {
	var (
		mu      sync.Mutex
		reached int
		errs    []error
		wg      sync.WaitGroup
	)

	for _, key := range b.host.ShardKeys() {
		wg.Add(1)
		go func() {
			defer wg.Done()

			s, err := b.host.LookupShard(ctx, key)
			if errors.Is(err, domain.ErrActorNotFound) {
				return
			}
			if err == nil {
				err = s.Publish(ctx, content)
			}

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				reached++
			case errors.Is(err, domain.ErrActorStopped):
			default:
				errs = append(errs, fmt.Errorf("shard %s: %w", key, err))
			}
		}()
	}
	wg.Wait()

	if reached == 0 && len(errs) > 0 {
		return 0, errors.Join(errs...)
	}
	for _, err := range errs {
		slog.WarnContext(ctx, "Publish to shard failed", "error", err)
	}
	return reached, nil
}

// Recover starts every shard that is not running but has durable members, so that its keepalive
// resumes and stale members are pruned. It returns the number of shards started.
// Concurrent calls share one run.
func (b *Broker[T]) Recover(ctx context.Context) (int, error) {
	v, err, _ := b.recoverGroup.Do("recover", func() (any, error) {
		return b.recover(ctx)
	})
	n, _ := v.(int)
	return n, err
}

func (b *Broker[T]) recover(ctx context.Context) (int, error) {
	var (
		restored int
		errs     []error
	)

	for i := range b.maxShards {
		key := domain.ShardKey(b.shardPrefix, i)
		if _, err := b.host.LookupShard(ctx, key); err == nil {
			continue
		}

		count, err := b.stores.Membership(key).Count(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("count members of %s: %w", domain.ShardName(b.shardPrefix, i), err))
			continue
		}
		if count == 0 {
			continue
		}

		if _, err := b.host.Shard(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("start %s: %w", domain.ShardName(b.shardPrefix, i), err))
			continue
		}
		restored++
	}

	if restored > 0 {
		slog.InfoContext(ctx, "Recovered shards with durable members", "shards", restored)
	}
	return restored, errors.Join(errs...)
}

// ListenerState reports the subscription and session count of a running listener.
func (b *Broker[T]) ListenerState(ctx context.Context, listenerKey string) (listener.State, error) {
	l, err := b.host.LookupListener(ctx, listenerKey)
	if err != nil {
		return listener.State{}, err
	}
	return l.State(ctx)
}

// ShardState reports the membership of a running shard.
func (b *Broker[T]) ShardState(ctx context.Context, shardKey string) (shard.State, error) {
	s, err := b.host.LookupShard(ctx, shardKey)
	if err != nil {
		return shard.State{}, err
	}
	return s.State(ctx)
}

// Stats returns the number of running shards and listeners.
func (b *Broker[T]) Stats() (shards, listeners int) {
	return b.host.ActiveShards(), b.host.ActiveListeners()
}

// Stop stops every actor. Durable state survives for the next start.
func (b *Broker[T]) Stop() {
	b.host.Stop()
}
