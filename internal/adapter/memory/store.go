// Package memory provides map-backed actor stores. State lives only as long as the process,
// so it suits single-instance deployments and tests.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/pscheid92/shardcast/internal/domain"
)

const schemaVersion = 1

// Store hands out per-actor stores that share one mutex-guarded backing map.
type Store struct {
	mu      sync.Mutex
	members map[string]map[string]struct{}
	subs    map[string]string
	schema  map[string]int
}

var _ domain.StoreFactory = (*Store)(nil)

func New() *Store {
	return &Store{
		members: make(map[string]map[string]struct{}),
		subs:    make(map[string]string),
		schema:  make(map[string]int),
	}
}

func (s *Store) Membership(shardKey string) domain.MembershipStore {
	return &membership{store: s, key: shardKey}
}

func (s *Store) Subscription(listenerKey string) domain.SubscriptionStore {
	return &subscription{store: s, key: listenerKey}
}

// SchemaVersion returns the applied schema version for an actor's store, 0 if none.
func (s *Store) SchemaVersion(scope, key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schema[scope+":"+key]
}

func (s *Store) migrate(scope, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := scope + ":" + key
	if s.schema[id] < schemaVersion {
		s.schema[id] = schemaVersion
	}
}

type membership struct {
	store *Store
	key   string
}

func (m *membership) Migrate(context.Context) error {
	m.store.migrate("shard", m.key)
	return nil
}

func (m *membership) Count(context.Context) (int, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	return len(m.store.members[m.key]), nil
}

func (m *membership) Contains(_ context.Context, listenerKey string) (bool, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	_, ok := m.store.members[m.key][listenerKey]
	return ok, nil
}

func (m *membership) Add(_ context.Context, listenerKey string) error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()

	set, ok := m.store.members[m.key]
	if !ok {
		set = make(map[string]struct{})
		m.store.members[m.key] = set
	}
	set[listenerKey] = struct{}{}
	return nil
}

func (m *membership) Remove(_ context.Context, listenerKey string) (bool, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()

	set := m.store.members[m.key]
	if _, ok := set[listenerKey]; !ok {
		return false, nil
	}
	delete(set, listenerKey)
	if len(set) == 0 {
		delete(m.store.members, m.key)
	}
	return true, nil
}

func (m *membership) List(context.Context) ([]string, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()

	keys := make([]string, 0, len(m.store.members[m.key]))
	for key := range m.store.members[m.key] {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys, nil
}

func (m *membership) DeleteAll(context.Context) error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()

	delete(m.store.members, m.key)
	delete(m.store.schema, "shard:"+m.key)
	return nil
}

type subscription struct {
	store *Store
	key   string
}

func (s *subscription) Migrate(context.Context) error {
	s.store.migrate("listener", s.key)
	return nil
}

func (s *subscription) Get(context.Context) (string, bool, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	shardKey, ok := s.store.subs[s.key]
	return shardKey, ok, nil
}

func (s *subscription) Set(_ context.Context, shardKey string) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	if cur, ok := s.store.subs[s.key]; ok && cur != shardKey {
		return domain.ErrSubscriptionConflict
	}
	s.store.subs[s.key] = shardKey
	return nil
}

func (s *subscription) Delete(_ context.Context, shardKey string) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	if cur, ok := s.store.subs[s.key]; ok && cur == shardKey {
		delete(s.store.subs, s.key)
	}
	return nil
}

func (s *subscription) DeleteAll(context.Context) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	delete(s.store.subs, s.key)
	delete(s.store.schema, "listener:"+s.key)
	return nil
}
