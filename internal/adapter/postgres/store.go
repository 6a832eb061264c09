package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pscheid92/shardcast/internal/domain"
)

const (
	schemaVersion = 1

	scopeShard    = "shard"
	scopeListener = "listener"
)

// Store hands out per-actor stores backed by a shared connection pool.
// RunMigrationsWithLock must have completed before any store is used.
type Store struct {
	pool *pgxpool.Pool
}

var _ domain.StoreFactory = (*Store)(nil)

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Membership(shardKey string) domain.MembershipStore {
	return &membership{pool: s.pool, key: shardKey}
}

func (s *Store) Subscription(listenerKey string) domain.SubscriptionStore {
	return &subscription{pool: s.pool, key: listenerKey}
}

// SchemaVersion returns the applied schema version for an actor's store, 0 if none.
func (s *Store) SchemaVersion(ctx context.Context, scope, key string) (int, error) {
	var version int
	err := s.pool.QueryRow(ctx,
		`SELECT version FROM actor_schema WHERE scope = $1 AND actor_key = $2`, scope, key,
	).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

func migrateActor(ctx context.Context, pool *pgxpool.Pool, scope, key string) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO actor_schema (scope, actor_key, version)
		VALUES ($1, $2, $3)
		ON CONFLICT (scope, actor_key) DO UPDATE
		SET version = GREATEST(actor_schema.version, EXCLUDED.version)`,
		scope, key, schemaVersion)
	if err != nil {
		return fmt.Errorf("failed to migrate %s store %s: %w", scope, key, err)
	}
	return nil
}

type membership struct {
	pool *pgxpool.Pool
	key  string
}

func (m *membership) Migrate(ctx context.Context) error {
	return migrateActor(ctx, m.pool, scopeShard, m.key)
}

func (m *membership) Count(ctx context.Context) (int, error) {
	var count int
	err := m.pool.QueryRow(ctx,
		`SELECT count(*) FROM shard_members WHERE shard_key = $1`, m.key,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count members: %w", err)
	}
	return count, nil
}

func (m *membership) Contains(ctx context.Context, listenerKey string) (bool, error) {
	var ok bool
	err := m.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM shard_members WHERE shard_key = $1 AND listener_key = $2)`,
		m.key, listenerKey,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("failed to check member: %w", err)
	}
	return ok, nil
}

func (m *membership) Add(ctx context.Context, listenerKey string) error {
	_, err := m.pool.Exec(ctx, `
		INSERT INTO shard_members (shard_key, listener_key)
		VALUES ($1, $2)
		ON CONFLICT (shard_key, listener_key) DO NOTHING`,
		m.key, listenerKey)
	if err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}
	return nil
}

func (m *membership) Remove(ctx context.Context, listenerKey string) (bool, error) {
	tag, err := m.pool.Exec(ctx,
		`DELETE FROM shard_members WHERE shard_key = $1 AND listener_key = $2`,
		m.key, listenerKey)
	if err != nil {
		return false, fmt.Errorf("failed to remove member: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (m *membership) List(ctx context.Context) ([]string, error) {
	rows, err := m.pool.Query(ctx,
		`SELECT listener_key FROM shard_members WHERE shard_key = $1 ORDER BY listener_key`, m.key)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}

	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan members: %w", err)
	}
	return keys, nil
}

func (m *membership) DeleteAll(ctx context.Context) error {
	err := pgx.BeginFunc(ctx, m.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM shard_members WHERE shard_key = $1`, m.key); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM actor_schema WHERE scope = $1 AND actor_key = $2`, scopeShard, m.key)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete members: %w", err)
	}
	return nil
}

type subscription struct {
	pool *pgxpool.Pool
	key  string
}

func (s *subscription) Migrate(ctx context.Context) error {
	return migrateActor(ctx, s.pool, scopeListener, s.key)
}

func (s *subscription) Get(ctx context.Context) (string, bool, error) {
	var shardKey string
	err := s.pool.QueryRow(ctx,
		`SELECT shard_key FROM listener_subscriptions WHERE listener_key = $1`, s.key,
	).Scan(&shardKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get subscription: %w", err)
	}
	return shardKey, true, nil
}

func (s *subscription) Set(ctx context.Context, shardKey string) error {
	// The no-op update makes RETURNING yield the stored key on conflict.
	var stored string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO listener_subscriptions (listener_key, shard_key)
		VALUES ($1, $2)
		ON CONFLICT (listener_key) DO UPDATE
		SET shard_key = listener_subscriptions.shard_key
		RETURNING shard_key`,
		s.key, shardKey,
	).Scan(&stored)
	if err != nil {
		return fmt.Errorf("failed to set subscription: %w", err)
	}
	if stored != shardKey {
		return fmt.Errorf("%w: bound to %s", domain.ErrSubscriptionConflict, stored)
	}
	return nil
}

func (s *subscription) Delete(ctx context.Context, shardKey string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM listener_subscriptions WHERE listener_key = $1 AND shard_key = $2`,
		s.key, shardKey)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}

func (s *subscription) DeleteAll(ctx context.Context) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM listener_subscriptions WHERE listener_key = $1`, s.key); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM actor_schema WHERE scope = $1 AND actor_key = $2`, scopeListener, s.key)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}
