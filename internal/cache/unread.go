// Package cache Redis 旁路缓存。
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// UnreadCounter 缓存每个用户的未读通知数；写入/已读时失效。
// nil *UnreadCounter 直接回源。
type UnreadCounter struct {
	rdb *redis.Client
	ttl time.Duration

	hits   atomic.Int64
	misses atomic.Int64
}

// NewUnreadCounter rdb 为 nil 时返回 nil（未部署 Redis）
func NewUnreadCounter(rdb *redis.Client, ttl time.Duration) *UnreadCounter {
	if rdb == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &UnreadCounter{rdb: rdb, ttl: ttl}
}

// versionTTL 版本号只需比一次回源更久
const versionTTL = 24 * time.Hour

func unreadKey(ownerID string) string {
	return fmt.Sprintf("notifications:unread:%s", ownerID)
}

// versionKey 每次 Invalidate 自增，回填前比对，避免把失效前读到的旧值写回
func versionKey(ownerID string) string {
	return fmt.Sprintf("notifications:unread:%s:v", ownerID)
}

// Get 命中直接返回，否则调用 load 并回填
func (c *UnreadCounter) Get(ctx context.Context, ownerID string, load func(context.Context) (int64, error)) (int64, error) {
	if c == nil {
		return load(ctx)
	}
	key := unreadKey(ownerID)
	if v, err := c.rdb.Get(ctx, key).Result(); err == nil {
		if n, pErr := strconv.ParseInt(v, 10, 64); pErr == nil {
			c.hits.Add(1)
			return n, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		// Redis 异常时回源，不影响请求
		c.misses.Add(1)
		return load(ctx)
	}

	c.misses.Add(1)
	vkey := versionKey(ownerID)
	ver, vErr := c.rdb.Get(ctx, vkey).Result()
	if vErr != nil && !errors.Is(vErr, redis.Nil) {
		return load(ctx)
	}
	n, err := load(ctx)
	if err != nil {
		return 0, err
	}
	_ = c.fill(ctx, key, vkey, ver, n)
	return n, nil
}

// fill 仅当版本号未变时回填；期间有 Invalidate 则 EXEC 失败或比对不一致，放弃写入
func (c *UnreadCounter) fill(ctx context.Context, key, vkey, ver string, n int64) error {
	return c.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, vkey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != ver {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, n, c.ttl)
			return nil
		})
		return err
	}, vkey)
}

// Invalidate 删除缓存，下次读取回源
func (c *UnreadCounter) Invalidate(ctx context.Context, ownerID string) {
	if c == nil {
		return
	}
	pipe := c.rdb.TxPipeline()
	pipe.Incr(ctx, versionKey(ownerID))
	pipe.Expire(ctx, versionKey(ownerID), versionTTL)
	pipe.Del(ctx, unreadKey(ownerID))
	_, _ = pipe.Exec(ctx)
}

// Stats 命中与未命中次数
func (c *UnreadCounter) Stats() (hits, misses int64) {
	if c == nil {
		return 0, 0
	}
	return c.hits.Load(), c.misses.Load()
}
