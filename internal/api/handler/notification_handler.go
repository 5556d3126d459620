package handler

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/shelfsync/internal/api/middleware"
	"github.com/d60-Lab/shelfsync/internal/hub"
	"github.com/d60-Lab/shelfsync/internal/repository"
	"github.com/d60-Lab/shelfsync/internal/service"
	"github.com/d60-Lab/shelfsync/internal/stream"
	"github.com/d60-Lab/shelfsync/pkg/response"
)

// parseListQuery 非法数字按默认值处理
func parseListQuery(c *gin.Context) repository.ListOptions {
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil {
		limit = service.DefaultListLimit
	}
	offset, _ := strconv.Atoi(c.Query("offset"))
	unread := c.Query("unread_only")
	return service.ClampListOptions(repository.ListOptions{
		Limit:      limit,
		Offset:     offset,
		UnreadOnly: unread == "1" || unread == "true" || unread == "True",
	})
}

// ListNotifications 通知列表
// @Summary 通知列表
// @Tags 通知
// @Produce json
// @Param limit query int false "每页数量(1-200)" default(50)
// @Param offset query int false "偏移" default(0)
// @Param unread_only query string false "仅未读(1/true)"
// @Success 200 {object} response.Response{data=map[string]interface{}}
// @Router /api/v1/notifications [get]
func (h *Handler) ListNotifications(c *gin.Context) {
	page, err := h.notifications.List(c.Request.Context(), middleware.UserID(c), parseListQuery(c))
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, gin.H{"page": page, "items": page.Items})
}

// UnreadCount 未读数量
// @Summary 未读通知数量
// @Tags 通知
// @Produce json
// @Success 200 {object} response.Response{data=map[string]int}
// @Router /api/v1/notifications/unread-count [get]
func (h *Handler) UnreadCount(c *gin.Context) {
	n, err := h.notifications.UnreadCount(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, gin.H{"unread": n})
}

// MarkNotificationRead 标记单条已读
// @Summary 标记已读
// @Tags 通知
// @Param id path string true "通知ID"
// @Success 204
// @Failure 404 {object} response.Response
// @Router /api/v1/notifications/{id}/read [post]
func (h *Handler) MarkNotificationRead(c *gin.Context) {
	err := h.notifications.MarkRead(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if errors.Is(err, service.ErrNotFound) {
		response.NotFound(c, "notification not found")
		return
	}
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.NoContent(c)
}

// MarkAllNotificationsRead 全部已读
// @Summary 全部标记已读
// @Tags 通知
// @Produce json
// @Success 200 {object} response.Response{data=map[string]int}
// @Router /api/v1/notifications/mark-all-read [post]
func (h *Handler) MarkAllNotificationsRead(c *gin.Context) {
	n, err := h.notifications.MarkAllRead(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, gin.H{"updated": n})
}

// NotificationEvents 订阅通知（SSE，事件名 notification）
// @Summary 订阅通知
// @Tags 通知
// @Produce text/event-stream
// @Success 200 {string} string "event stream"
// @Router /api/v1/notifications/events [get]
func (h *Handler) NotificationEvents(c *gin.Context) {
	ctx := c.Request.Context()
	ownerID := middleware.UserID(c)

	var s stream.Stream
	sub, err := h.noteHub.Subscribe(ctx, ownerID)
	switch {
	case err == nil:
		s = sub
	case errors.Is(err, hub.ErrUnavailable):
		s = stream.PollNotifications(ctx, h.noteReader, ownerID, h.pollInterval)
	default:
		response.InternalError(c, err)
		return
	}
	serveSSE(c, sseEventNotification, s, h.heartbeat)
}

// SendTestNotification 写入并推送一条测试通知
// @Summary 发送测试通知
// @Tags 通知
// @Accept json
// @Produce json
// @Param request body service.TestNotificationInput true "通知内容"
// @Success 200 {object} response.Response{data=map[string]string}
// @Failure 400 {object} response.Response
// @Router /api/v1/notifications/events/test [post]
func (h *Handler) SendTestNotification(c *gin.Context) {
	var in service.TestNotificationInput
	if err := c.ShouldBindJSON(&in); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	ev, err := h.notifications.SendTest(c.Request.Context(), middleware.UserID(c), in)
	switch {
	case err == nil:
		response.Success(c, gin.H{"id": ev.ID})
	case errors.Is(err, service.ErrInvalidNotification),
		errors.Is(err, service.ErrTitleRequired),
		errors.Is(err, service.ErrNotFound):
		response.BadRequest(c, err.Error())
	default:
		response.InternalError(c, err)
	}
}
