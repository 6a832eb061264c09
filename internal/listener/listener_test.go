package listener

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/shardcast/internal/adapter/memory"
	"github.com/pscheid92/shardcast/internal/adapter/metrics"
	"github.com/pscheid92/shardcast/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testListenerKey = "listener-under-test"
	testPrefix      = "TOPIC"
	testMaxShards   = 3
)

func shardKey(i int) string { return domain.ShardKey(testPrefix, i) }

// fakeShards refuses shards listed as full and fails calls to shards listed as broken.
type fakeShards struct {
	mu           sync.Mutex
	full         map[string]bool
	broken       map[string]bool
	probes       []string
	unsubscribed []string
}

func newFakeShards() *fakeShards {
	return &fakeShards{full: make(map[string]bool), broken: make(map[string]bool)}
}

func (f *fakeShards) Subscribe(_ context.Context, shardKey, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.probes = append(f.probes, shardKey)
	if f.broken[shardKey] {
		return false, errors.New("shard unreachable")
	}
	return !f.full[shardKey], nil
}

func (f *fakeShards) Unsubscribe(_ context.Context, shardKey, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, shardKey)
	return nil
}

func (f *fakeShards) setFull(keys ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range keys {
		f.full[key] = true
	}
}

func (f *fakeShards) probed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.probes...)
}

func (f *fakeShards) unsubscribedFrom() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.unsubscribed...)
}

type fakeSession struct {
	id string

	mu          sync.Mutex
	sent        [][]byte
	sendErr     error
	closeCode   int
	closeReason string
}

func newFakeSession(id string) *fakeSession { return &fakeSession{id: id} }

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, data)
	return nil
}

func (s *fakeSession) Close(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCode = code
	s.closeReason = reason
}

func (s *fakeSession) messages(t *testing.T) []domain.Message[string] {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := make([]domain.Message[string], 0, len(s.sent))
	for _, data := range s.sent {
		var msg domain.Message[string]
		require.NoError(t, json.Unmarshal(data, &msg))
		msgs = append(msgs, msg)
	}
	return msgs
}

func (s *fakeSession) closed() (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode, s.closeReason
}

type failingMigrate struct {
	domain.SubscriptionStore
}

func (failingMigrate) Migrate(context.Context) error { return errors.New("schema locked") }

type listenerFixture struct {
	listener *Listener[string]
	store    *memory.Store
	shards   *fakeShards
	metrics  *metrics.ListenerMetrics
	tornDown chan string
}

func newListenerFixture(t *testing.T, shards *fakeShards) *listenerFixture {
	t.Helper()

	f := &listenerFixture{
		store:    memory.New(),
		shards:   shards,
		metrics:  metrics.NewListenerMetrics(prometheus.NewRegistry()),
		tornDown: make(chan string, 1),
	}
	f.listener = New[string](testListenerKey, Config{MaxShards: testMaxShards, ShardPrefix: testPrefix},
		f.store.Subscription(testListenerKey), shards, clockwork.NewRealClock(), f.metrics,
		func(key string) { f.tornDown <- key })

	require.NoError(t, f.listener.Start(context.Background()))
	t.Cleanup(f.listener.Stop)
	return f
}

func (f *listenerFixture) state(t *testing.T) State {
	t.Helper()
	state, err := f.listener.State(context.Background())
	require.NoError(t, err)
	return state
}

func (f *listenerFixture) accept(t *testing.T, id string) *fakeSession {
	t.Helper()
	session := newFakeSession(id)
	require.NoError(t, f.listener.AcceptSession(context.Background(), session))
	return session
}

func (f *listenerFixture) waitTornDown(t *testing.T) {
	t.Helper()
	select {
	case key := <-f.tornDown:
		assert.Equal(t, testListenerKey, key)
	case <-time.After(2 * time.Second):
		t.Fatal("listener was not torn down")
	}
	select {
	case <-f.listener.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("listener goroutine did not exit")
	}
}

func TestListener_SubscribesToFirstAcceptingShard(t *testing.T) {
	shards := newFakeShards()
	shards.setFull(shardKey(0), shardKey(1))
	f := newListenerFixture(t, shards)

	f.accept(t, "s1")

	assert.Equal(t, []string{shardKey(0), shardKey(1), shardKey(2)}, shards.probed())
	state := f.state(t)
	assert.True(t, state.Bound)
	assert.Equal(t, shardKey(2), state.ShardKey)
	assert.Equal(t, 1, state.Sessions)
}

func TestListener_ProbeErrorCountsAsRefusal(t *testing.T) {
	shards := newFakeShards()
	shards.broken[shardKey(0)] = true
	f := newListenerFixture(t, shards)

	f.accept(t, "s1")

	assert.Equal(t, shardKey(1), f.state(t).ShardKey)
}

func TestListener_AdditionalSessionsReuseSubscription(t *testing.T) {
	shards := newFakeShards()
	f := newListenerFixture(t, shards)

	f.accept(t, "s1")
	f.accept(t, "s2")

	assert.Equal(t, []string{shardKey(0)}, shards.probed())
	assert.Equal(t, 2, f.state(t).Sessions)
}

func TestListener_ShardSpaceExhausted(t *testing.T) {
	shards := newFakeShards()
	shards.setFull(shardKey(0), shardKey(1), shardKey(2))
	f := newListenerFixture(t, shards)

	session := newFakeSession("s1")
	err := f.listener.AcceptSession(context.Background(), session)

	require.ErrorIs(t, err, domain.ErrShardSpaceExhausted)
	assert.Len(t, shards.probed(), testMaxShards)

	code, reason := session.closed()
	assert.Equal(t, domain.CloseTryAgainLater, code)
	assert.Equal(t, "shard space exhausted", reason)

	f.waitTornDown(t)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.ShardSpaceExhausted))
}

func TestListener_RelaysMessagesFromBoundShard(t *testing.T) {
	f := newListenerFixture(t, newFakeShards())
	s1 := f.accept(t, "s1")
	s2 := f.accept(t, "s2")

	msg := domain.NewMessage(shardKey(0), "hello")
	require.NoError(t, f.listener.OnMessage(context.Background(), msg))

	for _, s := range []*fakeSession{s1, s2} {
		got := s.messages(t)
		require.Len(t, got, 1)
		assert.Equal(t, msg, got[0])
	}
	assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.MessagesRelayed))
}

func TestListener_DropsMessageFromStaleSource(t *testing.T) {
	shards := newFakeShards()
	f := newListenerFixture(t, shards)
	session := f.accept(t, "s1")

	require.NoError(t, f.listener.OnMessage(context.Background(), domain.NewMessage(shardKey(1), "stale")))

	assert.Empty(t, session.messages(t))
	assert.ElementsMatch(t, []string{shardKey(1), shardKey(0)}, shards.unsubscribedFrom())
	assert.False(t, f.state(t).Bound, "stale message clears the recorded subscription")
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.StaleMessages))

	require.NoError(t, f.listener.OnSessionMessage(context.Background(), "s1", []byte("hi")))
	assert.True(t, f.state(t).Bound, "client traffic re-subscribes an unbound listener")
}

func TestListener_MessageWithoutSubscriptionIsStale(t *testing.T) {
	shards := newFakeShards()
	f := newListenerFixture(t, shards)
	session := f.accept(t, "s1")

	require.NoError(t, f.listener.OnUnsubscribed(context.Background(), shardKey(0)))
	require.NoError(t, f.listener.OnMessage(context.Background(), domain.NewMessage(shardKey(0), "late")))

	assert.Empty(t, session.messages(t))
	assert.Equal(t, []string{shardKey(0)}, shards.unsubscribedFrom())
}

func TestListener_MessageWithoutSessionsTearsDown(t *testing.T) {
	shards := newFakeShards()
	f := newListenerFixture(t, shards)

	require.NoError(t, f.listener.OnMessage(context.Background(), domain.NewMessage(shardKey(2), "orphan")))

	f.waitTornDown(t)
	assert.Equal(t, []string{shardKey(2)}, shards.unsubscribedFrom())
}

func TestListener_SendFailureDropsSession(t *testing.T) {
	f := newListenerFixture(t, newFakeShards())
	healthy := f.accept(t, "healthy")
	broken := f.accept(t, "broken")
	broken.sendErr = domain.ErrSessionBackpressure

	require.NoError(t, f.listener.OnMessage(context.Background(), domain.NewMessage(shardKey(0), "hello")))

	assert.Len(t, healthy.messages(t), 1)
	code, _ := broken.closed()
	assert.Equal(t, domain.CloseInternalError, code)
	assert.Equal(t, 1, f.state(t).Sessions)
}

func TestListener_LastSendFailureTearsDown(t *testing.T) {
	shards := newFakeShards()
	f := newListenerFixture(t, shards)
	session := f.accept(t, "s1")
	session.sendErr = domain.ErrSessionClosed

	require.NoError(t, f.listener.OnMessage(context.Background(), domain.NewMessage(shardKey(0), "hello")))

	f.waitTornDown(t)
	assert.Equal(t, []string{shardKey(0)}, shards.unsubscribedFrom())
}

func TestListener_LastSessionCloseTearsDown(t *testing.T) {
	shards := newFakeShards()
	f := newListenerFixture(t, shards)
	f.accept(t, "s1")
	f.accept(t, "s2")
	ctx := context.Background()

	require.NoError(t, f.listener.OnSessionClosed(ctx, "s1"))
	assert.Empty(t, shards.unsubscribedFrom())

	require.NoError(t, f.listener.OnSessionError(ctx, "s2", errors.New("reset by peer")))

	f.waitTornDown(t)
	assert.Equal(t, []string{shardKey(0)}, shards.unsubscribedFrom())
	assert.Zero(t, f.store.SchemaVersion("listener", testListenerKey))

	_, ok, err := f.store.Subscription(testListenerKey).Get(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListener_UnknownSessionIsIgnored(t *testing.T) {
	f := newListenerFixture(t, newFakeShards())
	f.accept(t, "s1")
	ctx := context.Background()

	require.NoError(t, f.listener.OnSessionClosed(ctx, "unknown"))
	require.NoError(t, f.listener.OnSessionMessage(ctx, "unknown", []byte("x")))

	assert.Equal(t, 1, f.state(t).Sessions)
}

func TestListener_OnUnsubscribedClearsMatchingRecordOnly(t *testing.T) {
	f := newListenerFixture(t, newFakeShards())
	f.accept(t, "s1")
	ctx := context.Background()

	require.NoError(t, f.listener.OnUnsubscribed(ctx, shardKey(2)))
	assert.True(t, f.state(t).Bound)

	require.NoError(t, f.listener.OnUnsubscribed(ctx, shardKey(0)))
	assert.False(t, f.state(t).Bound)
}

func TestListener_StopClosesSessionsAndKeepsRecord(t *testing.T) {
	f := newListenerFixture(t, newFakeShards())
	session := f.accept(t, "s1")

	f.listener.Stop()

	code, _ := session.closed()
	assert.Equal(t, domain.CloseGoingAway, code)

	shardKey, ok, err := f.store.Subscription(testListenerKey).Get(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, domain.ShardKey(testPrefix, 0), shardKey)

	err = f.listener.AcceptSession(context.Background(), newFakeSession("s2"))
	assert.ErrorIs(t, err, domain.ErrActorStopped)
}

func TestListener_StartFailsWhenMigrationFails(t *testing.T) {
	store := failingMigrate{SubscriptionStore: memory.New().Subscription(testListenerKey)}
	l := New[string](testListenerKey, Config{MaxShards: 1, ShardPrefix: testPrefix}, store, newFakeShards(),
		clockwork.NewRealClock(), metrics.NewListenerMetrics(prometheus.NewRegistry()), nil)

	err := l.Start(context.Background())
	require.ErrorIs(t, err, domain.ErrInitialization)
}

func TestCloseFor(t *testing.T) {
	code, reason := closeFor(domain.ErrShardSpaceExhausted)
	assert.Equal(t, domain.CloseTryAgainLater, code)
	assert.Equal(t, "shard space exhausted", reason)

	code, reason = closeFor(errors.New("store down"))
	assert.Equal(t, domain.CloseInternalError, code)
	assert.Equal(t, "subscription failed", reason)
}

func TestListener_ReconfirmsRecordedSubscription(t *testing.T) {
	shards := newFakeShards()
	f := newListenerFixture(t, shards)
	require.NoError(t, f.store.Subscription(testListenerKey).Set(context.Background(), shardKey(1)))

	f.accept(t, "s1")
	f.accept(t, "s2")

	assert.Equal(t, []string{shardKey(1)}, shards.probed(), "a recorded shard is confirmed once, then trusted")
	assert.Equal(t, shardKey(1), f.state(t).ShardKey)
}

func TestListener_ProbesAgainWhenRecordedShardRefuses(t *testing.T) {
	shards := newFakeShards()
	shards.setFull(shardKey(1))
	f := newListenerFixture(t, shards)
	require.NoError(t, f.store.Subscription(testListenerKey).Set(context.Background(), shardKey(1)))

	f.accept(t, "s1")

	assert.Equal(t, []string{shardKey(1), shardKey(0)}, shards.probed())
	state := f.state(t)
	assert.True(t, state.Bound)
	assert.Equal(t, shardKey(0), state.ShardKey)
}
