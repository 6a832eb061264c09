package httpserver

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	apperrors "github.com/pscheid92/shardcast/internal/platform/errors"
)

const maxPublishContent = 4096

type publishRequest struct {
	Content string `json:"content"`
}

type publishResponse struct {
	Shards int `json:"shards"`
}

type statsResponse struct {
	Shards      int   `json:"shards"`
	Listeners   int   `json:"listeners"`
	Connections int64 `json:"connections"`
}

func (s *Server) handlePublish(c echo.Context) error {
	var req publishRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}

	if strings.TrimSpace(req.Content) == "" {
		return apperrors.ValidationError("content is required").WithField("field", "content")
	}
	if len(req.Content) > maxPublishContent {
		return apperrors.ValidationError(fmt.Sprintf("content exceeds %d bytes", maxPublishContent)).WithField("field", "content")
	}

	shards, err := s.broker.Publish(c.Request().Context(), req.Content)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	if err := c.JSON(http.StatusAccepted, publishResponse{Shards: shards}); err != nil {
		return fmt.Errorf("failed to write publish response: %w", err)
	}
	return nil
}

func (s *Server) handleStats(c echo.Context) error {
	shards, listeners := s.broker.Stats()
	resp := statsResponse{Shards: shards, Listeners: listeners}
	if s.limits != nil {
		resp.Connections = s.limits.Current()
	}

	if err := c.JSON(http.StatusOK, resp); err != nil {
		return fmt.Errorf("failed to write stats response: %w", err)
	}
	return nil
}
