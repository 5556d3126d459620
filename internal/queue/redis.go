package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/d60-Lab/shelfsync/pkg/logger"
)

const bodyField = "body"

type RedisOptions struct {
	Stream string
	Group  string
	// Consumer 为空时随机生成，多实例需区分
	Consumer  string
	BatchSize int
	Workers   int
	Block     time.Duration
	// ClaimIdle 超过该时长未 ACK 的消息会被重新认领；0 关闭
	ClaimIdle time.Duration
	// MaxLen 近似裁剪 stream 长度；0 不裁剪
	MaxLen int64
}

// RedisQueue 基于 Redis Streams + 消费组，至少一次投递
type RedisQueue struct {
	rdb  *redis.Client
	opts RedisOptions
}

func NewRedisQueue(rdb *redis.Client, opts RedisOptions) *RedisQueue {
	if opts.Stream == "" {
		opts.Stream = "shelfsync:sync-jobs"
	}
	if opts.Group == "" {
		opts.Group = "sync-workers"
	}
	if opts.Consumer == "" {
		opts.Consumer = "c-" + uuid.NewString()[:8]
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Block <= 0 {
		opts.Block = 2 * time.Second
	}
	return &RedisQueue{rdb: rdb, opts: opts}
}

func (q *RedisQueue) Enqueue(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", msg.RunID, err)
	}
	args := &redis.XAddArgs{
		Stream: q.opts.Stream,
		Values: map[string]any{bodyField: data},
	}
	if q.opts.MaxLen > 0 {
		args.MaxLen = q.opts.MaxLen
		args.Approx = true
	}
	if err := q.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// EnsureGroup 创建消费组（幂等）
func (q *RedisQueue) EnsureGroup(ctx context.Context) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.opts.Stream, q.opts.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Start 启动 Workers 个消费者；停止时等待在途批次处理完
func (q *RedisQueue) Start(handler BatchHandler) func(context.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	if err := q.EnsureGroup(ctx); err != nil {
		logger.Error("redis queue: ensure group failed", zap.String("stream", q.opts.Stream), zap.Error(err))
	}

	var wg sync.WaitGroup
	for i := 0; i < q.opts.Workers; i++ {
		wg.Add(1)
		consumer := fmt.Sprintf("%s-%d", q.opts.Consumer, i)
		go func() {
			defer wg.Done()
			q.loop(ctx, consumer, handler)
		}()
	}
	return func(stopCtx context.Context) error {
		cancel()
		done := make(chan struct{})
		go func() { wg.Wait(); close(done) }()
		select {
		case <-done:
			return nil
		case <-stopCtx.Done():
			return stopCtx.Err()
		}
	}
}

func (q *RedisQueue) loop(ctx context.Context, consumer string, handler BatchHandler) {
	var lastClaim time.Time
	for ctx.Err() == nil {
		if q.opts.ClaimIdle > 0 && time.Since(lastClaim) >= q.opts.ClaimIdle {
			lastClaim = time.Now()
			if n, err := q.ReclaimOnce(ctx, consumer, handler); err != nil {
				logger.Warn("redis queue: reclaim failed", zap.String("consumer", consumer), zap.Error(err))
			} else if n > 0 {
				logger.Info("redis queue: reclaimed idle messages", zap.String("consumer", consumer), zap.Int("count", n))
			}
		}

		if _, err := q.ReadOnce(ctx, consumer, handler); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("redis queue: read failed", zap.String("consumer", consumer), zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
		}
	}
}

// ReadOnce 读取一批新消息并处理，返回处理条数
func (q *RedisQueue) ReadOnce(ctx context.Context, consumer string, handler BatchHandler) (int, error) {
	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.opts.Group,
		Consumer: consumer,
		Streams:  []string{q.opts.Stream, ">"},
		Count:    int64(q.opts.BatchSize),
		Block:    q.opts.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range streams {
		n += q.process(ctx, s.Messages, handler)
	}
	return n, nil
}

// ReclaimOnce 认领超时未 ACK 的消息（消费者崩溃后的重投）
func (q *RedisQueue) ReclaimOnce(ctx context.Context, consumer string, handler BatchHandler) (int, error) {
	msgs, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.opts.Stream,
		Group:    q.opts.Group,
		Consumer: consumer,
		MinIdle:  q.opts.ClaimIdle,
		Start:    "0-0",
		Count:    int64(q.opts.BatchSize),
	}).Result()
	if err != nil {
		return 0, err
	}
	return q.process(ctx, msgs, handler), nil
}

func (q *RedisQueue) process(ctx context.Context, raw []redis.XMessage, handler BatchHandler) int {
	if len(raw) == 0 {
		return 0
	}
	ids := make([]string, 0, len(raw))
	batch := make([]Message, 0, len(raw))
	for _, xm := range raw {
		ids = append(ids, xm.ID)
		msg, err := decode(xm)
		if err != nil {
			// 无法解析的消息直接 ACK，避免反复重投
			logger.Error("redis queue: drop malformed message", zap.String("id", xm.ID), zap.Error(err))
			continue
		}
		batch = append(batch, msg)
	}
	if len(batch) > 0 {
		handler(context.WithoutCancel(ctx), batch)
	}
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	if err := q.rdb.XAck(ackCtx, q.opts.Stream, q.opts.Group, ids...).Err(); err != nil {
		logger.Warn("redis queue: ack failed", zap.Strings("ids", ids), zap.Error(err))
	}
	return len(batch)
}

func decode(xm redis.XMessage) (Message, error) {
	var msg Message
	raw, ok := xm.Values[bodyField]
	if !ok {
		return msg, errors.New("missing body field")
	}
	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return msg, fmt.Errorf("unexpected body type %T", raw)
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, err
	}
	if msg.RunID == "" {
		return msg, errors.New("missing runId")
	}
	return msg, nil
}
