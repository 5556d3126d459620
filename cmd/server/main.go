package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/d60-Lab/shelfsync/config"
	"github.com/d60-Lab/shelfsync/internal/api"
	"github.com/d60-Lab/shelfsync/internal/api/handler"
	"github.com/d60-Lab/shelfsync/internal/api/middleware"
	"github.com/d60-Lab/shelfsync/internal/auth"
	"github.com/d60-Lab/shelfsync/internal/cache"
	"github.com/d60-Lab/shelfsync/internal/hub"
	"github.com/d60-Lab/shelfsync/internal/queue"
	"github.com/d60-Lab/shelfsync/internal/repository"
	"github.com/d60-Lab/shelfsync/internal/service"
	"github.com/d60-Lab/shelfsync/pkg/database"
	"github.com/d60-Lab/shelfsync/pkg/logger"
	"github.com/d60-Lab/shelfsync/pkg/redisx"
	"github.com/d60-Lab/shelfsync/pkg/tracing"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径，默认查找 ./config.yaml")
	role := flag.String("role", "", "覆盖 server.role：all | api | worker")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		panic(err)
	}
	if *role != "" {
		cfg.Server.Role = *role
		if err := cfg.Validate(); err != nil {
			panic(err)
		}
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Sentry.DSN,
			Environment: cfg.Sentry.Environment,
		}); err != nil {
			return err
		}
		defer sentry.Flush(2 * time.Second)
	}

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	db, err := database.InitDB(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = database.Close(db) }()
	if cfg.Database.AutoMigrate {
		if err := repository.AutoMigrate(db); err != nil {
			return err
		}
	}

	rdb, err := redisx.NewClient(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	runs := repository.NewSyncRunRepository(db)
	sources := repository.NewShelfSourceRepository(db)
	items := repository.NewShelfItemRepository(db)
	notes := repository.NewNotificationRepository(db)

	runHub, noteHub := newHubs(cfg, rdb)
	for _, h := range []*hub.Registry{runHub, noteHub} {
		stopRelay, err := h.Listen(ctx)
		if err != nil {
			return err
		}
		defer stopRelay()
	}
	q, err := newQueue(ctx, cfg, rdb)
	if err != nil {
		return err
	}

	notifySvc := service.NewNotificationService(notes, items, noteHub, cache.NewUnreadCounter(rdb, time.Minute))
	syncSvc := service.NewSyncRunService(service.SyncRunDeps{
		Runs:          runs,
		Sources:       sources,
		Items:         items,
		Notifications: notifySvc,
		Producer:      q,
		Hub:           runHub,
		Refresher:     service.NopRefresher{},
		Fetcher:       service.NopFetcher{},
		JobTimeout:    cfg.Queue.JobTimeout,
	})

	var stopWorkers func(context.Context) error
	if cfg.Server.Role != "api" {
		stopWorkers = q.Start(syncSvc.HandleBatch)
		logger.Info("sync workers started",
			zap.String("driver", cfg.Queue.Driver),
			zap.Int("workers", cfg.Queue.Workers))
	}

	var srv *http.Server
	if cfg.Server.Role != "worker" {
		h := handler.New(handler.Deps{
			SyncRuns:           syncSvc,
			Notifications:      notifySvc,
			RunHub:             runHub,
			NotificationHub:    noteHub,
			RunReader:          runs,
			NotificationReader: notes,
			HeartbeatInterval:  cfg.Hub.HeartbeatInterval,
			PollInterval:       cfg.Fallback.PollInterval,
		})
		router := api.NewRouter(h, api.Options{
			Mode:           cfg.Server.Mode,
			ServiceName:    cfg.Tracing.ServiceName,
			AllowedOrigins: cfg.Server.AllowedOrigins,
			CookieName:     cfg.Auth.CookieName,
			Authenticator:  auth.NewJWTAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
			Limiter:        newLimiter(cfg, rdb),
			Tracing:        cfg.Tracing.Enabled,
			Sentry:         cfg.Sentry.DSN != "",
		})
		// SSE 长连接不设 WriteTimeout
		srv = &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("http server listening", zap.String("addr", cfg.Server.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server failed", zap.Error(err))
				stop()
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
	}
	if stopWorkers != nil {
		if err := stopWorkers(shutdownCtx); err != nil {
			logger.Warn("worker shutdown", zap.Error(err))
		}
	}
	return nil
}

// newHubs hub.enabled=false 时返回 nil，SSE 走轮询兜底。
// 有 Redis 时事件经 pub/sub 转发，api 与 worker 分开部署也能收到进度
func newHubs(cfg *config.Config, rdb *redis.Client) (*hub.Registry, *hub.Registry) {
	if !cfg.Hub.Enabled {
		logger.Warn("event hub disabled, streams fall back to polling")
		return nil, nil
	}
	var (
		runStore, noteStore hub.LastEventStore = hub.NewMemoryStore(cfg.Hub.LastEventTTL), hub.NewMemoryStore(cfg.Hub.LastEventTTL)
		runRelay, noteRelay hub.Relay
	)
	if rdb != nil {
		runStore = hub.NewRedisStore(rdb, "sync-run", cfg.Hub.LastEventTTL)
		noteStore = hub.NewRedisStore(rdb, "notification", cfg.Hub.LastEventTTL)
		runRelay = hub.NewRedisRelay(rdb, "sync-run")
		noteRelay = hub.NewRedisRelay(rdb, "notification")
	}
	runHub := hub.NewRegistry(hub.Options{
		Name:             "sync-run",
		Store:            runStore,
		Accepts:          hub.RunEventTypes,
		IsTerminal:       hub.RunTerminal,
		SubscriberBuffer: cfg.Hub.SubscriberBuffer,
		Relay:            runRelay,
	})
	noteHub := hub.NewRegistry(hub.Options{
		Name:             "notification",
		Store:            noteStore,
		Accepts:          hub.NotificationEventTypes,
		SubscriberBuffer: cfg.Hub.SubscriberBuffer,
		Relay:            noteRelay,
	})
	return runHub, noteHub
}

func newQueue(ctx context.Context, cfg *config.Config, rdb *redis.Client) (queue.Queue, error) {
	qc := cfg.Queue
	switch qc.Driver {
	case "redis":
		q := queue.NewRedisQueue(rdb, queue.RedisOptions{
			Stream:    qc.Stream,
			Group:     qc.Group,
			BatchSize: qc.BatchSize,
			Workers:   qc.Workers,
			Block:     qc.Block,
			ClaimIdle: qc.ClaimIdle,
		})
		if err := q.EnsureGroup(ctx); err != nil {
			return nil, err
		}
		return q, nil
	case "memory":
		return queue.NewMemoryQueue(queue.MemoryOptions{
			BufferSize: qc.BufferSize,
			BatchSize:  qc.BatchSize,
			Workers:    qc.Workers,
		}), nil
	default:
		logger.Warn("sync queue not configured, new runs will fail with 503")
		return queue.Unavailable{}, nil
	}
}

func newLimiter(cfg *config.Config, rdb *redis.Client) middleware.Limiter {
	rl := cfg.RateLimit
	if !rl.Enabled {
		return nil
	}
	if rdb != nil {
		return middleware.NewRedisLimiter(rdb, rl.Limit, rl.Window)
	}
	return middleware.NewLocalLimiter(rl.Limit, rl.Window)
}
