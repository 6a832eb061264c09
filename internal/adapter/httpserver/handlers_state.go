package httpserver

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/shardcast/internal/domain"
	apperrors "github.com/pscheid92/shardcast/internal/platform/errors"
)

type listenerStateResponse struct {
	Key      string `json:"key"`
	Bound    bool   `json:"bound"`
	ShardKey string `json:"shard_key,omitempty"`
	Sessions int    `json:"sessions"`
}

type shardStateResponse struct {
	Key            string   `json:"key"`
	Members        []string `json:"members"`
	KeepaliveArmed bool     `json:"keepalive_armed"`
}

func (s *Server) handleListenerState(c echo.Context) error {
	key := c.Param("key")
	if !domain.ValidKey(key) {
		return apperrors.ValidationError("invalid listener key").WithField("key", key)
	}

	state, err := s.broker.ListenerState(c.Request().Context(), key)
	if err != nil {
		return notRunning(err, "listener not running")
	}

	resp := listenerStateResponse{
		Key:      key,
		Bound:    state.Bound,
		ShardKey: state.ShardKey,
		Sessions: state.Sessions,
	}
	if err := c.JSON(http.StatusOK, resp); err != nil {
		return fmt.Errorf("failed to write listener state: %w", err)
	}
	return nil
}

func (s *Server) handleShardState(c echo.Context) error {
	key := c.Param("key")
	if !domain.ValidKey(key) {
		return apperrors.ValidationError("invalid shard key").WithField("key", key)
	}

	state, err := s.broker.ShardState(c.Request().Context(), key)
	if err != nil {
		return notRunning(err, "shard not running")
	}

	members := state.Members
	if members == nil {
		members = []string{}
	}
	resp := shardStateResponse{Key: key, Members: members, KeepaliveArmed: state.KeepaliveArmed}
	if err := c.JSON(http.StatusOK, resp); err != nil {
		return fmt.Errorf("failed to write shard state: %w", err)
	}
	return nil
}

// notRunning reports an actor that is absent or stopped mid-request as 404.
func notRunning(err error, message string) error {
	if errors.Is(err, domain.ErrActorNotFound) || errors.Is(err, domain.ErrActorStopped) {
		return apperrors.NotFoundError(message)
	}
	return err
}
