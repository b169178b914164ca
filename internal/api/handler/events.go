package handler

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// StreamEvents handles GET /api/v1/sessions/:key/events
// Streams hub messages for the session as server-sent events
func (h *JobHandler) StreamEvents(c *gin.Context) {
	if h.hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "event streaming is disabled",
		})
		return
	}

	key := c.Param("key")
	clientID := uuid.NewString()
	sub := h.hub.Subscribe(key)
	defer h.hub.Unsubscribe(sub)

	h.logger.Info("SSE client connected",
		slog.String("client_id", clientID),
		slog.String("correlation_key", key),
	)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case msg, ok := <-sub.C():
			if !ok {
				return false
			}
			c.SSEvent(string(msg.Event), msg)
			return true
		case <-ticker.C:
			c.SSEvent("heartbeat", gin.H{"time": time.Now().UTC().Format(time.RFC3339)})
			return true
		}
	})

	h.logger.Info("SSE client disconnected",
		slog.String("client_id", clientID),
		slog.String("correlation_key", key),
	)
}
