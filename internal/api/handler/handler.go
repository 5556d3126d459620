package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/shelfsync/internal/hub"
	"github.com/d60-Lab/shelfsync/internal/service"
	"github.com/d60-Lab/shelfsync/internal/stream"
	"github.com/d60-Lab/shelfsync/pkg/response"
)

// Deps handler 依赖；RunHub / NotificationHub 为 nil 时 SSE 走轮询降级
type Deps struct {
	SyncRuns           *service.SyncRunService
	Notifications      *service.NotificationService
	RunHub             *hub.Registry
	NotificationHub    *hub.Registry
	RunReader          stream.RunReader
	NotificationReader stream.NotificationReader
	HeartbeatInterval  time.Duration
	PollInterval       time.Duration
}

type Handler struct {
	syncRuns      *service.SyncRunService
	notifications *service.NotificationService
	runHub        *hub.Registry
	noteHub       *hub.Registry
	runReader     stream.RunReader
	noteReader    stream.NotificationReader
	heartbeat     time.Duration
	pollInterval  time.Duration
}

func New(d Deps) *Handler {
	if d.HeartbeatInterval <= 0 {
		d.HeartbeatInterval = 25 * time.Second
	}
	if d.PollInterval <= 0 {
		d.PollInterval = stream.DefaultPollInterval
	}
	return &Handler{
		syncRuns:      d.SyncRuns,
		notifications: d.Notifications,
		runHub:        d.RunHub,
		noteHub:       d.NotificationHub,
		runReader:     d.RunReader,
		noteReader:    d.NotificationReader,
		heartbeat:     d.HeartbeatInterval,
		pollInterval:  d.PollInterval,
	}
}

// Health 健康检查
// @Summary 健康检查
// @Tags 系统
// @Produce json
// @Success 200 {object} response.Response
// @Router /health [get]
func (h *Handler) Health(c *gin.Context) {
	response.Success(c, gin.H{"status": "ok", "time": time.Now().UTC()})
}

// NoRoute 未匹配路由
func (h *Handler) NoRoute(c *gin.Context) {
	c.JSON(http.StatusNotFound, response.Response{Code: http.StatusNotFound, Message: "not found"})
}
