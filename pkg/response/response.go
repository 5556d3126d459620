package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response 统一响应结构
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func write(c *gin.Context, status, code int, msg string, data interface{}) {
	c.JSON(status, Response{Code: code, Message: msg, Data: data})
}

// Success 200
func Success(c *gin.Context, data interface{}) {
	write(c, http.StatusOK, 0, "success", data)
}

// Accepted 202，异步任务已受理
func Accepted(c *gin.Context, data interface{}) {
	write(c, http.StatusAccepted, 0, "accepted", data)
}

// NoContent 204
func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

func BadRequest(c *gin.Context, msg string) {
	write(c, http.StatusBadRequest, http.StatusBadRequest, msg, nil)
}

func Unauthorized(c *gin.Context, msg string) {
	c.Abort()
	write(c, http.StatusUnauthorized, http.StatusUnauthorized, msg, nil)
}

func NotFound(c *gin.Context, msg string) {
	write(c, http.StatusNotFound, http.StatusNotFound, msg, nil)
}

func TooManyRequests(c *gin.Context, msg string) {
	c.Abort()
	write(c, http.StatusTooManyRequests, http.StatusTooManyRequests, msg, nil)
}

// ServiceUnavailable 503，data 可携带已创建资源的 id
func ServiceUnavailable(c *gin.Context, msg string, data interface{}) {
	write(c, http.StatusServiceUnavailable, http.StatusServiceUnavailable, msg, data)
}

// InternalError 500，不向客户端暴露内部错误
func InternalError(c *gin.Context, err error) {
	_ = c.Error(err)
	write(c, http.StatusInternalServerError, http.StatusInternalServerError, "internal server error", nil)
}
