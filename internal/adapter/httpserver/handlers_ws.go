package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/shardcast/internal/adapter/websocket"
	"github.com/pscheid92/shardcast/internal/domain"
	apperrors "github.com/pscheid92/shardcast/internal/platform/errors"
)

// ListenerKeyHeader carries the listener key on the upgrade response so that clients can open
// further sessions on the same listener with ?listener=<key>.
const ListenerKeyHeader = "X-Listener-Key"

// handleWebSocket upgrades the request and runs the session until it closes. Anything that is
// not an upgrade request is answered with 404.
func (s *Server) handleWebSocket(c echo.Context) error {
	req := c.Request()
	if !websocket.IsUpgradeRequest(req) {
		return echo.ErrNotFound
	}

	listenerKey := c.QueryParam("listener")
	if listenerKey == "" {
		listenerKey = domain.NewListenerKey()
	} else if !domain.ValidKey(listenerKey) {
		return apperrors.ValidationError("invalid listener key").WithField("listener", listenerKey)
	}

	ip := c.RealIP()
	if ok, reason := s.limits.Acquire(ip); !ok {
		slog.WarnContext(req.Context(), "WebSocket connection rejected", "reason", reason, "ip", ip)
		return echo.NewHTTPError(http.StatusTooManyRequests, string(reason))
	}
	defer s.limits.Release(ip)

	header := http.Header{ListenerKeyHeader: []string{listenerKey}}
	conn, err := s.upgrader.Upgrade(c.Response(), req, header)
	if err != nil {
		// The upgrader already wrote the error response.
		slog.DebugContext(req.Context(), "WebSocket upgrade failed", "error", err)
		return nil
	}

	ctx := context.WithoutCancel(req.Context())
	session := websocket.NewSession(conn, s.clock, s.wsMetrics)

	if _, err := s.broker.AcceptSession(ctx, listenerKey, session); err != nil {
		code := domain.CloseInternalError
		if errors.Is(err, domain.ErrShardSpaceExhausted) {
			code = domain.CloseTryAgainLater
		}
		slog.WarnContext(ctx, "Session rejected", "listener_key", listenerKey, "error", err)
		session.Close(code, closeReason(err))
		return nil
	}

	err = session.ReadPump(func(data []byte) {
		if err := s.broker.SessionMessage(ctx, listenerKey, session.ID(), data); err != nil {
			slog.DebugContext(ctx, "Session message not handled", "listener_key", listenerKey, "session_id", session.ID(), "error", err)
		}
	})
	if err != nil {
		slog.DebugContext(ctx, "Session read ended", "listener_key", listenerKey, "session_id", session.ID(), "error", err)
	}

	if err := s.broker.SessionClosed(ctx, listenerKey, session.ID()); err != nil {
		slog.WarnContext(ctx, "Failed to report session close", "listener_key", listenerKey, "session_id", session.ID(), "error", err)
	}
	return nil
}

func closeReason(err error) string {
	if errors.Is(err, domain.ErrShardSpaceExhausted) {
		return "shard space exhausted"
	}
	return "internal error"
}
