// Package queue 同步任务的投递与消费。
package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/d60-Lab/shelfsync/internal/model"
)

// ErrUnavailable 队列未部署或拒绝了消息
var ErrUnavailable = errors.New("sync queue unavailable")

// MessagePayload 任务附加参数
type MessagePayload struct {
	SourceID string `json:"sourceId,omitempty"`
}

// Message 队列中的一条任务
type Message struct {
	RunID   string          `json:"runId"`
	OwnerID string          `json:"ownerId"`
	Kind    model.RunKind   `json:"kind"`
	Payload *MessagePayload `json:"payload,omitempty"`
}

// SourceID payload 缺失时返回空串
func (m Message) SourceID() string {
	if m.Payload == nil {
		return ""
	}
	return m.Payload.SourceID
}

// Producer 入队
type Producer interface {
	Enqueue(ctx context.Context, msg Message) error
}

// BatchHandler 处理一批消息；返回后整批视为已处理
type BatchHandler func(ctx context.Context, batch []Message)

// Consumer 启动消费，返回停止函数
type Consumer interface {
	Start(handler BatchHandler) func(context.Context) error
}

// Queue 同时具备生产与消费能力
type Queue interface {
	Producer
	Consumer
}

// Unavailable 队列未部署时使用，所有入队失败
type Unavailable struct{}

func (Unavailable) Enqueue(context.Context, Message) error {
	return fmt.Errorf("%w: not configured", ErrUnavailable)
}

func (Unavailable) Start(BatchHandler) func(context.Context) error {
	return func(context.Context) error { return nil }
}
