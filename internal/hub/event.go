package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventType 广播事件类型
type EventType string

const (
	EventProgress     EventType = "progress"
	EventSucceeded    EventType = "succeeded"
	EventFailed       EventType = "failed"
	EventNotification EventType = "notification"
)

// Event 一条广播事件，每个 key 只持久化最后一条
type Event struct {
	Type      EventType      `json:"type"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// LastEventStore 保存每个 key 的最后一条事件，actor 重启后据此回放
type LastEventStore interface {
	// Load 不存在时返回 (nil, nil)
	Load(ctx context.Context, key string) (*Event, error)
	Save(ctx context.Context, key string, ev Event) error
}

// MemoryStore 进程内实现，未部署 Redis 时使用。
// 条目在 ttl 后过期，Save 时顺带清理，和 RedisStore 的 TTL 语义一致
type MemoryStore struct {
	mu        sync.Mutex
	ttl       time.Duration
	events    map[string]memoryEntry
	nextSweep time.Time
	now       func() time.Time
}

type memoryEntry struct {
	event     Event
	expiresAt time.Time
}

// NewMemoryStore ttl <= 0 时使用 24h
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = defaultLastEventTTL
	}
	return &MemoryStore{ttl: ttl, events: make(map[string]memoryEntry), now: time.Now}
}

func (s *MemoryStore) Load(_ context.Context, key string) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[key]
	if !ok {
		return nil, nil
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.events, key)
		return nil, nil
	}
	ev := e.event
	return &ev, nil
}

func (s *MemoryStore) Save(_ context.Context, key string, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.events[key] = memoryEntry{event: ev, expiresAt: now.Add(s.ttl)}
	if now.After(s.nextSweep) {
		s.sweep(now)
		s.nextSweep = now.Add(s.ttl / 2)
	}
	return nil
}

func (s *MemoryStore) sweep(now time.Time) {
	for k, e := range s.events {
		if !now.Before(e.expiresAt) {
			delete(s.events, k)
		}
	}
}

// Len 当前保存的 key 数（含尚未清理的过期条目）
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// RedisStore 以 JSON 字符串存放最后事件，带 TTL
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore prefix 区分不同 hub（如 sync-run / notification）
func NewRedisStore(rdb *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) redisKey(key string) string {
	return fmt.Sprintf("shelfsync:hub:%s:%s", s.prefix, key)
}

func (s *RedisStore) Load(ctx context.Context, key string) (*Event, error) {
	data, err := s.rdb.Get(ctx, s.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read last event: %w", err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("failed to decode last event: %w", err)
	}
	return &ev, nil
}

func (s *RedisStore) Save(ctx context.Context, key string, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode last event: %w", err)
	}
	if err := s.rdb.Set(ctx, s.redisKey(key), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write last event: %w", err)
	}
	return nil
}
