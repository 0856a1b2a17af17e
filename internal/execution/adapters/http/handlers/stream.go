package handlers

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/relayflow-go/pkg/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// streamFilter narrows a subscription by the runId and workflowId query
// parameters. Both are optional.
type streamFilter struct {
	runID      string
	workflowID string
}

func newStreamFilter(c *gin.Context) streamFilter {
	return streamFilter{runID: c.Query("runId"), workflowID: c.Query("workflowId")}
}

func (f streamFilter) match(e events.StatusEvent) bool {
	if f.runID != "" && e.RunID != f.runID {
		return false
	}
	if f.workflowID != "" && e.WorkflowID != f.workflowID {
		return false
	}
	return true
}

// StreamSSE sends one "status" server-sent event per StatusEvent until the
// client goes away.
func (h *ExecutionHandlers) StreamSSE(c *gin.Context) {
	filter := newStreamFilter(c)
	ch, unsubscribe := h.stream.Subscribe(c.Request.Context())
	defer unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		event, ok := <-ch
		if !ok {
			return false
		}
		if filter.match(event) {
			c.SSEvent("status", event)
		}
		return true
	})
}

// StreamWebSocket sends each StatusEvent as one JSON text message. The
// connection is kept alive with pings; anything the client sends is ignored.
func (h *ExecutionHandlers) StreamWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	filter := newStreamFilter(c)
	ch, unsubscribe := h.stream.Subscribe(c.Request.Context())
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Debug("WebSocket closed", "error", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if !filter.match(event) {
				continue
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
