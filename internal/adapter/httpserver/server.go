package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/shardcast/internal/adapter/metrics"
	"github.com/pscheid92/shardcast/internal/adapter/websocket"
	"github.com/pscheid92/shardcast/internal/domain"
	"github.com/pscheid92/shardcast/internal/listener"
	"github.com/pscheid92/shardcast/internal/platform/config"
	"github.com/pscheid92/shardcast/internal/shard"
)

// Broker is the subset of the broker service the HTTP layer drives.
type Broker interface {
	AcceptSession(ctx context.Context, listenerKey string, session domain.Session) (string, error)
	SessionMessage(ctx context.Context, listenerKey, sessionID string, data []byte) error
	SessionClosed(ctx context.Context, listenerKey, sessionID string) error
	Publish(ctx context.Context, content string) (int, error)
	Stats() (shards, listeners int)
	ListenerState(ctx context.Context, listenerKey string) (listener.State, error)
	ShardState(ctx context.Context, shardKey string) (shard.State, error)
}

// Deps bundles the collaborators of the HTTP server.
type Deps struct {
	Broker         Broker
	Upgrader       *gorillaws.Upgrader
	Limits         *websocket.ConnectionLimits
	Clock          clockwork.Clock
	WSMetrics      *metrics.WebSocketMetrics
	HTTPMetrics    *metrics.HTTPMetrics
	MetricsHandler http.Handler
	HealthChecks   []HealthCheck
}

type Server struct {
	echo   *echo.Echo
	config *config.Config

	broker         Broker
	upgrader       *gorillaws.Upgrader
	limits         *websocket.ConnectionLimits
	clock          clockwork.Clock
	wsMetrics      *metrics.WebSocketMetrics
	httpMetrics    *metrics.HTTPMetrics
	metricsHandler http.Handler
	healthChecks   []HealthCheck
	startTime      time.Time
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:           e,
		config:         cfg,
		broker:         deps.Broker,
		upgrader:       deps.Upgrader,
		limits:         deps.Limits,
		clock:          deps.Clock,
		wsMetrics:      deps.WSMetrics,
		httpMetrics:    deps.HTTPMetrics,
		metricsHandler: deps.MetricsHandler,
		healthChecks:   deps.HealthChecks,
		startTime:      deps.Clock.Now(),
	}

	srv.registerRoutes()
	return srv
}

// ServeHTTP lets the server be mounted directly, e.g. in tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
