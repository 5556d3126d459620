package handler

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/shelfsync/internal/api/middleware"
	"github.com/d60-Lab/shelfsync/internal/hub"
	"github.com/d60-Lab/shelfsync/internal/model"
	"github.com/d60-Lab/shelfsync/internal/queue"
	"github.com/d60-Lab/shelfsync/internal/service"
	"github.com/d60-Lab/shelfsync/internal/stream"
	"github.com/d60-Lab/shelfsync/pkg/response"
)

type createSyncRunRequest struct {
	Kind     string `json:"kind" binding:"required,oneof=availability_refresh shelf_source_sync"`
	SourceID string `json:"source_id"`
}

// CreateSyncRun 创建后台同步任务
// @Summary 创建同步任务
// @Tags 同步任务
// @Accept json
// @Produce json
// @Param request body createSyncRunRequest true "任务类型"
// @Success 202 {object} response.Response{data=map[string]string}
// @Failure 400 {object} response.Response
// @Failure 404 {object} response.Response
// @Failure 429 {object} response.Response
// @Failure 503 {object} response.Response
// @Router /api/v1/sync-runs [post]
func (h *Handler) CreateSyncRun(c *gin.Context) {
	var req createSyncRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	h.startRun(c, model.RunKind(req.Kind), req.SourceID)
}

// RefreshAvailability 触发可借阅状态刷新
// @Summary 刷新可借阅状态
// @Tags 同步任务
// @Produce json
// @Success 202 {object} response.Response{data=map[string]string}
// @Failure 429 {object} response.Response
// @Failure 503 {object} response.Response
// @Router /api/v1/sync-runs/availability/refresh [post]
func (h *Handler) RefreshAvailability(c *gin.Context) {
	h.startRun(c, model.RunKindAvailabilityRefresh, "")
}

// SyncShelfSource 同步指定书架来源（仅 rss）
// @Summary 同步书架来源
// @Tags 同步任务
// @Produce json
// @Param id path string true "来源ID"
// @Success 202 {object} response.Response{data=map[string]string}
// @Failure 400 {object} response.Response
// @Failure 404 {object} response.Response
// @Failure 503 {object} response.Response
// @Router /api/v1/shelf-sources/{id}/sync [post]
func (h *Handler) SyncShelfSource(c *gin.Context) {
	h.startRun(c, model.RunKindShelfSourceSync, c.Param("id"))
}

func (h *Handler) startRun(c *gin.Context, kind model.RunKind, sourceID string) {
	run, err := h.syncRuns.StartRun(c.Request.Context(), middleware.UserID(c), kind, service.StartOptions{SourceID: sourceID})
	switch {
	case err == nil:
		response.Accepted(c, gin.H{"job_id": run.ID})
	case errors.Is(err, queue.ErrUnavailable):
		var data gin.H
		if run != nil {
			data = gin.H{"job_id": run.ID}
		}
		response.ServiceUnavailable(c, queue.ErrUnavailable.Error(), data)
	case errors.Is(err, service.ErrNotFound):
		response.NotFound(c, "shelf source not found")
	case errors.Is(err, service.ErrInvalidKind),
		errors.Is(err, service.ErrMissingSourceID),
		errors.Is(err, service.ErrSourceNotSyncable):
		response.BadRequest(c, err.Error())
	default:
		response.InternalError(c, err)
	}
}

// GetSyncRun 查询任务状态
// @Summary 查询同步任务
// @Tags 同步任务
// @Produce json
// @Param id path string true "任务ID"
// @Success 200 {object} response.Response{data=map[string]model.SyncRun}
// @Failure 404 {object} response.Response
// @Router /api/v1/sync-runs/{id} [get]
func (h *Handler) GetSyncRun(c *gin.Context) {
	run, err := h.syncRuns.GetRun(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if errors.Is(err, service.ErrNotFound) {
		response.NotFound(c, "sync run not found")
		return
	}
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, gin.H{"run": run})
}

// SyncRunEvents 订阅任务进度（SSE，事件名 sync，终态后关闭）
// @Summary 订阅同步进度
// @Tags 同步任务
// @Produce text/event-stream
// @Param id path string true "任务ID"
// @Success 200 {string} string "event stream"
// @Failure 404 {object} response.Response
// @Router /api/v1/sync-runs/{id}/events [get]
func (h *Handler) SyncRunEvents(c *gin.Context) {
	ctx := c.Request.Context()
	run, err := h.syncRuns.GetRun(ctx, middleware.UserID(c), c.Param("id"))
	if errors.Is(err, service.ErrNotFound) {
		response.NotFound(c, "sync run not found")
		return
	}
	if err != nil {
		response.InternalError(c, err)
		return
	}

	// 已结束的 run 直接按数据库状态发出终态事件
	if run.Terminal() {
		serveSSE(c, sseEventSync, stream.PollRun(ctx, h.runReader, run.ID, h.pollInterval), h.heartbeat)
		return
	}

	var s stream.Stream
	sub, err := h.runHub.Subscribe(ctx, run.ID)
	switch {
	case err == nil:
		s = sub
	case errors.Is(err, hub.ErrUnavailable):
		s = stream.PollRun(ctx, h.runReader, run.ID, h.pollInterval)
	default:
		response.InternalError(c, err)
		return
	}
	serveSSE(c, sseEventSync, s, h.heartbeat)
}
