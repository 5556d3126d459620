package middleware

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/d60-Lab/shelfsync/pkg/logger"
	"github.com/d60-Lab/shelfsync/pkg/response"
)

// Limiter 按 scope + key 限流；retryAfter 仅在拒绝时有意义
type Limiter interface {
	Allow(ctx context.Context, scope, key string) (allowed bool, retryAfter time.Duration, err error)
}

// RedisLimiter 固定窗口计数：rl:{scope}:{key}:{bucket}
type RedisLimiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRedisLimiter(rdb *redis.Client, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, limit: limit, window: window, now: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, scope, key string) (bool, time.Duration, error) {
	now := l.now()
	windowSec := int64(l.window / time.Second)
	if windowSec <= 0 {
		windowSec = 1
	}
	bucket := now.Unix() / windowSec
	rk := fmt.Sprintf("rl:%s:%s:%d", scope, key, bucket)

	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, rk)
	pipe.Expire(ctx, rk, time.Duration(windowSec)*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, 0, err
	}
	if incr.Val() <= int64(l.limit) {
		return true, 0, nil
	}
	retry := time.Duration((bucket+1)*windowSec-now.Unix()) * time.Second
	if retry <= 0 {
		retry = time.Second
	}
	return false, retry, nil
}

// LocalLimiter 进程内令牌桶，未部署 Redis 时使用
type LocalLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	every    rate.Limit
	burst    int
}

func NewLocalLimiter(limit int, window time.Duration) *LocalLimiter {
	if limit <= 0 {
		limit = 1
	}
	return &LocalLimiter{
		limiters: make(map[string]*rate.Limiter),
		every:    rate.Every(window / time.Duration(limit)),
		burst:    limit,
	}
}

func (l *LocalLimiter) Allow(_ context.Context, scope, key string) (bool, time.Duration, error) {
	k := scope + ":" + key
	l.mu.Lock()
	lim, ok := l.limiters[k]
	if !ok {
		lim = rate.NewLimiter(l.every, l.burst)
		l.limiters[k] = lim
	}
	l.mu.Unlock()

	r := lim.Reserve()
	if !r.OK() {
		return false, time.Second, nil
	}
	if d := r.Delay(); d > 0 {
		r.Cancel()
		return false, d, nil
	}
	return true, 0, nil
}

// RateLimit 按用户限流；Limiter 出错时放行
func RateLimit(l Limiter, scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if l == nil {
			c.Next()
			return
		}
		key := UserID(c)
		if key == "" {
			key = c.ClientIP()
		}
		ok, retry, err := l.Allow(c.Request.Context(), scope, key)
		if err != nil {
			logger.Warn("rate limiter unavailable", zap.String("scope", scope), zap.Error(err))
		}
		if !ok {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
			response.TooManyRequests(c, "rate limit exceeded")
			return
		}
		c.Next()
	}
}
