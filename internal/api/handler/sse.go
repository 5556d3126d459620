package handler

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/shelfsync/internal/stream"
)

const (
	sseEventSync         = "sync"
	sseEventNotification = "notification"
)

// serveSSE 把事件流写成 text/event-stream，直到流结束或客户端断开。
// 空闲期间按 heartbeat 写注释行保活。
func serveSSE(c *gin.Context, name string, s stream.Stream, heartbeat time.Duration) {
	defer s.Close()

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Status(200)
	c.Writer.Flush()

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Writer.WriteString(":\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		case ev, ok := <-s.Events():
			if !ok {
				return
			}
			c.SSEvent(name, ev)
			c.Writer.Flush()
		}
	}
}
