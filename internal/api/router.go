package api

import (
	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	_ "github.com/d60-Lab/shelfsync/docs"
	"github.com/d60-Lab/shelfsync/internal/api/handler"
	"github.com/d60-Lab/shelfsync/internal/api/middleware"
	"github.com/d60-Lab/shelfsync/internal/auth"
)

// Options 路由层配置
type Options struct {
	Mode           string
	ServiceName    string
	AllowedOrigins []string
	CookieName     string
	Authenticator  auth.Authenticator
	// Limiter 为 nil 时不限流
	Limiter middleware.Limiter
	Tracing bool
	Sentry  bool
}

// NewRouter 注册全部路由
func NewRouter(h *handler.Handler, opts Options) *gin.Engine {
	if opts.Mode != "" {
		gin.SetMode(opts.Mode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	if opts.Sentry {
		r.Use(sentrygin.New(sentrygin.Options{Repanic: true}))
	}
	if opts.Tracing {
		r.Use(otelgin.Middleware(opts.ServiceName))
	}
	r.Use(middleware.Logger())
	r.Use(middleware.CORS(opts.AllowedOrigins))
	// SSE 不能压缩，否则事件会被缓冲
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPathsRegexs([]string{".*/events$"})))

	r.GET("/health", h.Health)
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	r.NoRoute(h.NoRoute)

	v1 := r.Group("/api/v1")
	v1.Use(middleware.Auth(opts.Authenticator, opts.CookieName))
	{
		limited := middleware.RateLimit(opts.Limiter, "sync-runs")

		runs := v1.Group("/sync-runs")
		runs.POST("", limited, h.CreateSyncRun)
		runs.POST("/availability/refresh", limited, h.RefreshAvailability)
		runs.GET("/:id", h.GetSyncRun)
		runs.GET("/:id/events", h.SyncRunEvents)

		v1.POST("/shelf-sources/:id/sync", limited, h.SyncShelfSource)

		notes := v1.Group("/notifications")
		notes.GET("", h.ListNotifications)
		notes.GET("/unread-count", h.UnreadCount)
		notes.GET("/events", h.NotificationEvents)
		notes.POST("/events/test", h.SendTestNotification)
		notes.POST("/mark-all-read", h.MarkAllNotificationsRead)
		notes.POST("/:id/read", h.MarkNotificationRead)
	}
	return r
}
