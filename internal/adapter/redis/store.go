package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/pscheid92/shardcast/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const (
	schemaVersion = 1

	scopeShard    = "shard"
	scopeListener = "listener"
)

// Store hands out per-actor stores. Every key is namespaced under prefix so that several
// instances can share one Redis without seeing each other's records.
type Store struct {
	rdb    goredis.Cmdable
	prefix string
}

var _ domain.StoreFactory = (*Store)(nil)

func NewStore(rdb goredis.Cmdable, prefix string) *Store {
	return &Store{rdb: rdb, prefix: prefix}
}

func (s *Store) Membership(shardKey string) domain.MembershipStore {
	return &membership{
		rdb:       s.rdb,
		key:       s.membersKey(shardKey),
		schemaKey: s.schemaKey(scopeShard, shardKey),
	}
}

func (s *Store) Subscription(listenerKey string) domain.SubscriptionStore {
	return &subscription{
		rdb:       s.rdb,
		key:       s.subscriptionKey(listenerKey),
		schemaKey: s.schemaKey(scopeListener, listenerKey),
	}
}

// SchemaVersion returns the applied schema version for an actor's store, 0 if none.
func (s *Store) SchemaVersion(ctx context.Context, scope, key string) (int, error) {
	version, err := s.rdb.Get(ctx, s.schemaKey(scope, key)).Int()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

func (s *Store) membersKey(shardKey string) string {
	return s.prefix + ":shard:" + shardKey + ":members"
}

func (s *Store) subscriptionKey(listenerKey string) string {
	return s.prefix + ":listener:" + listenerKey + ":shard"
}

func (s *Store) schemaKey(scope, key string) string {
	return s.prefix + ":schema:" + scope + ":" + key
}

func migrate(ctx context.Context, rdb goredis.Cmdable, schemaKey string) error {
	if err := raiseVersionScript.Run(ctx, rdb, []string{schemaKey}, schemaVersion).Err(); err != nil {
		return fmt.Errorf("failed to migrate %s: %w", schemaKey, err)
	}
	return nil
}

type membership struct {
	rdb       goredis.Cmdable
	key       string
	schemaKey string
}

func (m *membership) Migrate(ctx context.Context) error {
	return migrate(ctx, m.rdb, m.schemaKey)
}

func (m *membership) Count(ctx context.Context) (int, error) {
	n, err := m.rdb.SCard(ctx, m.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count members: %w", err)
	}
	return int(n), nil
}

func (m *membership) Contains(ctx context.Context, listenerKey string) (bool, error) {
	ok, err := m.rdb.SIsMember(ctx, m.key, listenerKey).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check member: %w", err)
	}
	return ok, nil
}

func (m *membership) Add(ctx context.Context, listenerKey string) error {
	if err := m.rdb.SAdd(ctx, m.key, listenerKey).Err(); err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}
	return nil
}

func (m *membership) Remove(ctx context.Context, listenerKey string) (bool, error) {
	n, err := m.rdb.SRem(ctx, m.key, listenerKey).Result()
	if err != nil {
		return false, fmt.Errorf("failed to remove member: %w", err)
	}
	return n > 0, nil
}

func (m *membership) List(ctx context.Context) ([]string, error) {
	keys, err := m.rdb.Sort(ctx, m.key, &goredis.Sort{Alpha: true}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	return keys, nil
}

func (m *membership) DeleteAll(ctx context.Context) error {
	if err := m.rdb.Del(ctx, m.key, m.schemaKey).Err(); err != nil {
		return fmt.Errorf("failed to delete members: %w", err)
	}
	return nil
}

type subscription struct {
	rdb       goredis.Cmdable
	key       string
	schemaKey string
}

func (s *subscription) Migrate(ctx context.Context) error {
	return migrate(ctx, s.rdb, s.schemaKey)
}

func (s *subscription) Get(ctx context.Context) (string, bool, error) {
	shardKey, err := s.rdb.Get(ctx, s.key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get subscription: %w", err)
	}
	return shardKey, true, nil
}

func (s *subscription) Set(ctx context.Context, shardKey string) error {
	stored, err := setIfAbsentScript.Run(ctx, s.rdb, []string{s.key}, shardKey).Text()
	if err != nil {
		return fmt.Errorf("failed to set subscription: %w", err)
	}
	if stored != shardKey {
		return fmt.Errorf("%w: bound to %s", domain.ErrSubscriptionConflict, stored)
	}
	return nil
}

func (s *subscription) Delete(ctx context.Context, shardKey string) error {
	if err := deleteIfEqualScript.Run(ctx, s.rdb, []string{s.key}, shardKey).Err(); err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}

func (s *subscription) DeleteAll(ctx context.Context) error {
	if err := s.rdb.Del(ctx, s.key, s.schemaKey).Err(); err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}
