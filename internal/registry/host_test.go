package registry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/shardcast/internal/adapter/memory"
	"github.com/pscheid92/shardcast/internal/adapter/metrics"
	"github.com/pscheid92/shardcast/internal/domain"
	"github.com/pscheid92/shardcast/internal/listener"
	"github.com/pscheid92/shardcast/internal/shard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testPrefix    = "TOPIC"
	testKeepalive = time.Second
)

var (
	shard0 = domain.ShardKey(testPrefix, 0)
	shard1 = domain.ShardKey(testPrefix, 1)
)

type recordingSession struct {
	id string

	mu        sync.Mutex
	received  []domain.Message[string]
	closeCode int
}

func (s *recordingSession) ID() string { return s.id }

func (s *recordingSession) Send(data []byte) error {
	var msg domain.Message[string]
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, msg)
	return nil
}

func (s *recordingSession) Close(code int, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCode = code
}

func (s *recordingSession) messages() []domain.Message[string] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Message[string](nil), s.received...)
}

type hostFixture struct {
	host  *Host[string]
	store *memory.Store
}

func newHostFixture(t *testing.T, clock clockwork.Clock, maxConnections int) *hostFixture {
	t.Helper()

	reg := prometheus.NewRegistry()
	store := memory.New()
	host := New(Config[string]{
		Shard: shard.Config[string]{
			MaxConnections:    maxConnections,
			KeepaliveInterval: testKeepalive,
			KeepalivePayload:  domain.KeepaliveContent,
			DeliveryTimeout:   time.Second,
		},
		Listener: listener.Config{MaxShards: 4, ShardPrefix: testPrefix},
	}, store, clock, metrics.NewShardMetrics(reg), metrics.NewListenerMetrics(reg))
	t.Cleanup(host.Stop)

	return &hostFixture{host: host, store: store}
}

func (f *hostFixture) connect(t *testing.T, listenerKey string) *recordingSession {
	t.Helper()
	session := &recordingSession{id: listenerKey + "-session"}
	err := f.host.WithListener(context.Background(), listenerKey, func(l *listener.Listener[string]) error {
		return l.AcceptSession(context.Background(), session)
	})
	require.NoError(t, err)
	return session
}

func (f *hostFixture) disconnect(t *testing.T, listenerKey string, session *recordingSession) {
	t.Helper()
	l, err := f.host.LookupListener(context.Background(), listenerKey)
	require.NoError(t, err)
	require.NoError(t, l.OnSessionClosed(context.Background(), session.id))
}

func (f *hostFixture) shardState(t *testing.T, key string) shard.State {
	t.Helper()
	s, err := f.host.LookupShard(context.Background(), key)
	require.NoError(t, err)
	state, err := s.State(context.Background())
	require.NoError(t, err)
	return state
}

func (f *hostFixture) boundShard(t *testing.T, listenerKey string) string {
	t.Helper()
	l, err := f.host.LookupListener(context.Background(), listenerKey)
	require.NoError(t, err)
	state, err := l.State(context.Background())
	require.NoError(t, err)
	require.True(t, state.Bound)
	return state.ShardKey
}

func TestHost_OverflowProbesNextShard(t *testing.T) {
	f := newHostFixture(t, clockwork.NewRealClock(), 2)

	f.connect(t, "x")
	f.connect(t, "y")
	f.connect(t, "z")

	assert.Equal(t, shard0, f.boundShard(t, "x"))
	assert.Equal(t, shard0, f.boundShard(t, "y"))
	assert.Equal(t, shard1, f.boundShard(t, "z"))

	assert.Equal(t, []string{"x", "y"}, f.shardState(t, shard0).Members)
	assert.Equal(t, []string{"z"}, f.shardState(t, shard1).Members)
	assert.Equal(t, 2, f.host.ActiveShards())
	assert.Equal(t, 3, f.host.ActiveListeners())
}

func TestHost_SessionClosesShrinkAndTearDownShard(t *testing.T) {
	f := newHostFixture(t, clockwork.NewRealClock(), 2)
	ctx := context.Background()

	sx := f.connect(t, "x")
	sy := f.connect(t, "y")

	f.disconnect(t, "x", sx)

	state := f.shardState(t, shard0)
	assert.Equal(t, []string{"y"}, state.Members)
	assert.True(t, state.KeepaliveArmed)

	_, err := f.host.LookupListener(ctx, "x")
	assert.ErrorIs(t, err, domain.ErrActorNotFound, "listener without sessions is gone")

	f.disconnect(t, "y", sy)

	_, err = f.host.LookupShard(ctx, shard0)
	assert.ErrorIs(t, err, domain.ErrActorNotFound, "empty shard is gone")

	count, err := f.store.Membership(shard0).Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Zero(t, f.store.SchemaVersion("shard", shard0))
}

func TestHost_KeepaliveDropsFailedMemberAndRearms(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := newHostFixture(t, clock, 10)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sx := f.connect(t, "x")
	f.connect(t, "y")

	ly, err := f.host.LookupListener(ctx, "y")
	require.NoError(t, err)
	ly.Stop()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(testKeepalive)

	require.Eventually(t, func() bool {
		msgs := sx.messages()
		return len(msgs) == 1 && msgs[0].Content == domain.KeepaliveContent && msgs[0].SourceID == shard0
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(f.shardState(t, shard0).Members) == 1
	}, 2*time.Second, 5*time.Millisecond)

	state := f.shardState(t, shard0)
	assert.Equal(t, []string{"x"}, state.Members)
	assert.True(t, state.KeepaliveArmed)
}

func TestHost_KeepaliveTearsDownWhenLastMemberFails(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := newHostFixture(t, clock, 10)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	f.connect(t, "y")

	ly, err := f.host.LookupListener(ctx, "y")
	require.NoError(t, err)
	ly.Stop()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(testKeepalive)

	require.Eventually(t, func() bool {
		_, err := f.host.LookupShard(ctx, shard0)
		return err != nil
	}, 2*time.Second, 5*time.Millisecond)

	count, err := f.store.Membership(shard0).Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestHost_PublishReachesEverySession(t *testing.T) {
	f := newHostFixture(t, clockwork.NewRealClock(), 1)
	ctx := context.Background()

	sx := f.connect(t, "x")
	sy := f.connect(t, "y")

	for _, key := range f.host.ShardKeys() {
		s, err := f.host.LookupShard(ctx, key)
		require.NoError(t, err)
		require.NoError(t, s.Publish(ctx, "hello"))
	}

	for _, s := range []*recordingSession{sx, sy} {
		require.Eventually(t, func() bool {
			msgs := s.messages()
			return len(msgs) == 1 && msgs[0].Content == "hello"
		}, 2*time.Second, 5*time.Millisecond)
	}
}

func TestHost_ListenerCallsAreLookupOnly(t *testing.T) {
	f := newHostFixture(t, clockwork.NewRealClock(), 1)
	ctx := context.Background()

	err := f.host.OnMessage(ctx, "nobody", domain.NewMessage(shard0, "hi"))
	assert.ErrorIs(t, err, domain.ErrActorNotFound)

	err = f.host.OnUnsubscribed(ctx, "nobody", shard0)
	assert.ErrorIs(t, err, domain.ErrActorNotFound)
	assert.Zero(t, f.host.ActiveListeners())
}

func TestHost_StoppedListenerIsReportedGone(t *testing.T) {
	f := newHostFixture(t, clockwork.NewRealClock(), 1)
	ctx := context.Background()

	f.connect(t, "x")
	l, err := f.host.LookupListener(ctx, "x")
	require.NoError(t, err)
	l.Stop()

	err = f.host.OnMessage(ctx, "x", domain.NewMessage(shard0, "hi"))
	assert.ErrorIs(t, err, domain.ErrActorNotFound)
}

func TestHost_StopRefusesNewActors(t *testing.T) {
	f := newHostFixture(t, clockwork.NewRealClock(), 1)
	ctx := context.Background()

	session := f.connect(t, "x")
	f.host.Stop()

	assert.Equal(t, domain.CloseGoingAway, session.closeCode)
	assert.Empty(t, f.host.ShardKeys())

	_, err := f.host.Shard(ctx, shard0)
	assert.ErrorIs(t, err, domain.ErrActorStopped)

	members, err := f.store.Membership(shard0).List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, members, "durable membership survives a stop")
}

func TestHost_ReconnectWithLeftoverRecordRejoinsShard(t *testing.T) {
	f := newHostFixture(t, clockwork.NewRealClock(), 2)
	ctx := context.Background()

	// A previous process recorded shard0 for x, and shard0 has since pruned x.
	require.NoError(t, f.store.Subscription("x").Set(ctx, shard0))

	sx := f.connect(t, "x")

	l, err := f.host.LookupListener(ctx, "x")
	require.NoError(t, err)
	require.NoError(t, l.OnSessionMessage(ctx, sx.id, []byte("hi")))

	assert.Equal(t, shard0, f.boundShard(t, "x"))
	assert.Equal(t, []string{"x"}, f.shardState(t, shard0).Members)

	s, err := f.host.LookupShard(ctx, shard0)
	require.NoError(t, err)
	require.NoError(t, s.Publish(ctx, "hello"))
	require.Eventually(t, func() bool {
		msgs := sx.messages()
		return len(msgs) == 1 && msgs[0].Content == "hello"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHost_ResubscribeToSameShardSurvivesEarlierUnsubscribe(t *testing.T) {
	f := newHostFixture(t, clockwork.NewRealClock(), 2)
	ctx := context.Background()

	sx := f.connect(t, "x")
	require.Equal(t, shard0, f.boundShard(t, "x"))

	// A message claiming shard1 makes x leave shard0 and drop its record.
	require.NoError(t, f.host.OnMessage(ctx, "x", domain.NewMessage(shard1, "stale")))

	l, err := f.host.LookupListener(ctx, "x")
	require.NoError(t, err)
	state, err := l.State(ctx)
	require.NoError(t, err)
	require.False(t, state.Bound)

	require.NoError(t, l.OnSessionMessage(ctx, sx.id, []byte("hi")))
	require.Equal(t, shard0, f.boundShard(t, "x"))

	assert.Never(t, func() bool {
		state, err := l.State(ctx)
		return err != nil || !state.Bound
	}, 100*time.Millisecond, 5*time.Millisecond, "the earlier removal must not clear the new subscription")

	s, err := f.host.LookupShard(ctx, shard0)
	require.NoError(t, err)
	require.NoError(t, s.Publish(ctx, "hello"))
	require.Eventually(t, func() bool {
		msgs := sx.messages()
		return len(msgs) == 1 && msgs[0].Content == "hello"
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"x"}, f.shardState(t, shard0).Members)
}
