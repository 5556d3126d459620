package hub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/d60-Lab/shelfsync/pkg/logger"
)

// Relay 在多个进程的 Registry 之间转发事件。
// 发布方写入 relay，所有进程（包括自己）收到后在本地 actor 中扇出。
type Relay interface {
	Publish(ctx context.Context, key string, ev Event) error
	// Listen 订阅成功后返回，之后每条消息调用一次 deliver；ctx 取消或 stop 后结束
	Listen(ctx context.Context, deliver func(key string, ev Event)) (stop func(), err error)
}

type relayMessage struct {
	Key   string `json:"key"`
	Event Event  `json:"event"`
}

// RedisRelay 基于 Redis Pub/Sub，至多一次投递；丢失的事件由 LastEventStore 回放兜底
type RedisRelay struct {
	rdb     *redis.Client
	channel string
}

// NewRedisRelay name 区分不同 hub（如 sync-run / notification）
func NewRedisRelay(rdb *redis.Client, name string) *RedisRelay {
	return &RedisRelay{rdb: rdb, channel: fmt.Sprintf("shelfsync:hub:%s:events", name)}
}

func (r *RedisRelay) Publish(ctx context.Context, key string, ev Event) error {
	data, err := json.Marshal(relayMessage{Key: key, Event: ev})
	if err != nil {
		return fmt.Errorf("failed to encode relay event: %w", err)
	}
	if err := r.rdb.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to relay event: %w", err)
	}
	return nil
}

func (r *RedisRelay) Listen(ctx context.Context, deliver func(key string, ev Event)) (func(), error) {
	pubsub := r.rdb.Subscribe(ctx, r.channel)
	// 等待订阅确认，避免返回后立即发布的事件丢失
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe relay channel: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var m relayMessage
				if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
					logger.Warn("hub: malformed relay message",
						zap.String("channel", r.channel),
						zap.Error(err))
					continue
				}
				deliver(m.Key, m.Event)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}, nil
}
