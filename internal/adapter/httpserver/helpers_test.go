package httpserver

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/shardcast/internal/adapter/metrics"
	"github.com/pscheid92/shardcast/internal/adapter/websocket"
	"github.com/pscheid92/shardcast/internal/domain"
	"github.com/pscheid92/shardcast/internal/listener"
	"github.com/pscheid92/shardcast/internal/platform/config"
	"github.com/pscheid92/shardcast/internal/shard"
)

type mockBroker struct {
	mu        sync.Mutex
	published []string
	shards    int
	err       error

	listeners map[string]listener.State
	shardSet  map[string]shard.State
}

func (m *mockBroker) AcceptSession(_ context.Context, listenerKey string, _ domain.Session) (string, error) {
	return listenerKey, m.err
}

func (m *mockBroker) SessionMessage(context.Context, string, string, []byte) error { return nil }
func (m *mockBroker) SessionClosed(context.Context, string, string) error          { return nil }

func (m *mockBroker) Publish(_ context.Context, content string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	m.published = append(m.published, content)
	return m.shards, nil
}

func (m *mockBroker) Stats() (int, int) { return m.shards, 7 }

func (m *mockBroker) ListenerState(_ context.Context, key string) (listener.State, error) {
	state, ok := m.listeners[key]
	if !ok {
		return listener.State{}, domain.ErrActorNotFound
	}
	return state, nil
}

func (m *mockBroker) ShardState(_ context.Context, key string) (shard.State, error) {
	state, ok := m.shardSet[key]
	if !ok {
		return shard.State{}, domain.ErrActorNotFound
	}
	return state, nil
}

func testConfig() *config.Config {
	return &config.Config{
		AppEnv:       "development",
		Port:         "0",
		AppURL:       "http://localhost:8080",
		APIRateLimit: 1000,
		APIRateBurst: 1000,
	}
}

func newTestServer(t *testing.T, broker Broker, opts ...func(*Deps)) *Server {
	t.Helper()

	reg := prometheus.NewRegistry()
	clock := clockwork.NewRealClock()
	deps := Deps{
		Broker:      broker,
		Upgrader:    websocket.NewUpgrader(func(*http.Request) bool { return true }),
		Limits:      websocket.NewConnectionLimits(clock, 100, 100, 1000, 1000),
		Clock:       clock,
		WSMetrics:   metrics.NewWebSocketMetrics(reg),
		HTTPMetrics: metrics.NewHTTPMetrics(reg),
	}
	for _, opt := range opts {
		opt(&deps)
	}
	return NewServer(testConfig(), deps)
}

func withHealthChecks(checks ...HealthCheck) func(*Deps) {
	return func(d *Deps) {
		d.HealthChecks = checks
	}
}

func withLimits(limits *websocket.ConnectionLimits) func(*Deps) {
	return func(d *Deps) {
		d.Limits = limits
	}
}
