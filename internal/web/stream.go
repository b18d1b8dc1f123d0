package web

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/vadiminshakov/cryptodca/internal/events"
	"go.uber.org/zap"
)

const heartbeatInterval = 30 * time.Second

// handleEventStream relays committed engine events as server-sent events.
// An optional comma separated type query parameter narrows the stream to those event types.
func (s *Server) handleEventStream(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		abort(c, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	only := make(map[string]bool)
	for _, t := range strings.Split(c.Query("type"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			only[t] = true
		}
	}

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.Events.Subscribe()
	defer s.Events.Unsubscribe(sub)

	// comment heartbeat so proxies keep the connection
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case e, open := <-sub:
			if !open {
				return
			}
			if len(only) > 0 && !only[string(e.Type)] {
				continue
			}
			payload, err := events.Encode(e)
			if err != nil {
				s.logger().Warn("skip unencodable event", zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\n", e.Type)
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}
