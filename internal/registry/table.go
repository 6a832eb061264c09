package registry

import (
	"context"
	"errors"
	"sync"

	"github.com/pscheid92/shardcast/internal/domain"
)

type actor interface {
	Start(ctx context.Context) error
	Stop()
	Done() <-chan struct{}
}

type entry[A actor] struct {
	actor A
	ready chan struct{}
	err   error
}

// table is a keyed set of actors. The mutex is never held while an actor is started or called;
// concurrent callers of a key that is still initializing wait on its ready channel instead.
type table[A actor] struct {
	mu      sync.Mutex
	entries map[string]*entry[A]
	closed  bool
}

func newTable[A actor]() *table[A] {
	return &table[A]{entries: make(map[string]*entry[A])}
}

// getOrCreate returns the running actor for key, creating and starting it if needed.
// create receives the eviction callback the new actor must invoke on teardown.
func (t *table[A]) getOrCreate(ctx context.Context, key string, create func(evict func(string)) A) (A, error) {
	var zero A

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return zero, domain.ErrActorStopped
	}

	if e, ok := t.entries[key]; ok {
		t.mu.Unlock()
		return t.wait(ctx, e)
	}

	e := &entry[A]{ready: make(chan struct{})}
	e.actor = create(func(string) { t.evict(key, e) })
	t.entries[key] = e
	t.mu.Unlock()

	if err := e.actor.Start(ctx); err != nil {
		e.err = err
		t.evict(key, e)
		close(e.ready)
		return zero, err
	}

	close(e.ready)
	return e.actor, nil
}

// lookup returns the running actor for key without creating one.
func (t *table[A]) lookup(ctx context.Context, key string) (A, error) {
	t.mu.Lock()
	e, ok := t.entries[key]
	t.mu.Unlock()

	if !ok {
		var zero A
		return zero, domain.ErrActorNotFound
	}
	return t.wait(ctx, e)
}

func (t *table[A]) wait(ctx context.Context, e *entry[A]) (A, error) {
	var zero A

	select {
	case <-e.ready:
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	if e.err != nil {
		return zero, e.err
	}
	return e.actor, nil
}

// evict removes e only if it is still the entry registered for key.
func (t *table[A]) evict(key string, e *entry[A]) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.entries[key]; ok && cur == e {
		delete(t.entries, key)
	}
}

// evictStopped drops the entry for key if its actor has exited.
func (t *table[A]) evictStopped(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok {
		return
	}

	select {
	case <-e.ready:
	default:
		return
	}

	if e.err != nil {
		delete(t.entries, key)
		return
	}

	select {
	case <-e.actor.Done():
		delete(t.entries, key)
	default:
	}
}

func (t *table[A]) keys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	keys := make([]string, 0, len(t.entries))
	for key := range t.entries {
		keys = append(keys, key)
	}
	return keys
}

func (t *table[A]) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// close marks the table closed and stops every started actor.
func (t *table[A]) close() {
	t.mu.Lock()
	t.closed = true
	entries := make([]*entry[A], 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-e.ready
			if e.err == nil {
				e.actor.Stop()
			}
		}()
	}
	wg.Wait()

	t.mu.Lock()
	clear(t.entries)
	t.mu.Unlock()
}

// withActor runs fn against the actor for key. If the actor stopped between lookup and call,
// the stale entry is dropped and fn is retried once against a fresh instance.
func withActor[A actor, R any](ctx context.Context, t *table[A], key string, create func(evict func(string)) A, fn func(A) (R, error)) (R, error) {
	var zero R

	for attempt := 0; ; attempt++ {
		a, err := t.getOrCreate(ctx, key, create)
		if err != nil {
			return zero, err
		}

		res, err := fn(a)
		if errors.Is(err, domain.ErrActorStopped) && attempt == 0 {
			t.evictStopped(key)
			continue
		}
		return res, err
	}
}
