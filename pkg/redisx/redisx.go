package redisx

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/d60-Lab/shelfsync/config"
)

// NewClient 创建 Redis 客户端并 Ping；未配置地址时返回 (nil, nil)
func NewClient(ctx context.Context, rc config.RedisConfig) (*redis.Client, error) {
	if !rc.Enabled() {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", rc.Addr, err)
	}
	return client, nil
}
