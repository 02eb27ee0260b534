package server

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/terramentis-ai/terraqore-studio-sub002/internal/events"
)

const heartbeatInterval = 15 * time.Second

// handleEventStream serves a live event feed over SSE. Query parameters:
// types is a comma-separated pattern list (default "*"), project_id scopes
// the subscription to one project.
func (s *Server) handleEventStream(c echo.Context) error {
	patterns := []string{"*"}
	if raw := c.QueryParam("types"); raw != "" {
		patterns = strings.Split(raw, ",")
	}
	projectID := c.QueryParam("project_id")

	sub, ack := s.deps.Hub.HandleControl(events.ControlMessage{
		Action:     events.ActionSubscribe,
		EventTypes: patterns,
		ProjectID:  projectID,
	}, "")
	defer s.deps.Hub.Unsubscribe(sub.ID)

	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(200)

	// First frame acknowledges the subscription so clients learn their id.
	if data, err := json.Marshal(ack); err == nil {
		fmt.Fprintf(c.Response(), "event: %s\n", ack.Type)
		fmt.Fprintf(c.Response(), "data: %s\n\n", data)
	}
	c.Response().Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warn("encode stream event", zap.Error(err))
				continue
			}
			fmt.Fprintf(c.Response(), "event: %s\n", ev.Type)
			fmt.Fprintf(c.Response(), "id: %s\n", ev.ID)
			fmt.Fprintf(c.Response(), "data: %s\n\n", data)
			c.Response().Flush()
		case <-heartbeat.C:
			fmt.Fprintf(c.Response(), ": heartbeat\n\n")
			c.Response().Flush()
		}
	}
}
