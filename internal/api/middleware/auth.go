package middleware

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/d60-Lab/shelfsync/internal/auth"
	"github.com/d60-Lab/shelfsync/pkg/logger"
	"github.com/d60-Lab/shelfsync/pkg/response"
)

const userIDKey = "user_id"

// Auth 校验 cookie / Bearer token，并把用户 id 放入 gin context
func Auth(a auth.Authenticator, cookieName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.ExtractToken(c.Request, cookieName)
		id, err := a.Authenticate(c.Request.Context(), token)
		if err != nil {
			logger.Debug("authentication failed",
				zap.String("path", c.FullPath()),
				zap.String("remote", c.ClientIP()),
				zap.Error(err))
			response.Unauthorized(c, "unauthorized")
			return
		}
		c.Set(userIDKey, id.UserID)
		c.Next()
	}
}

// UserID 当前请求的用户 id；未经过 Auth 时为空
func UserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}
