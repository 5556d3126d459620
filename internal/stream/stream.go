// Package stream hub 不可用时的轮询降级实现，对外行为与 hub 订阅一致。
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/d60-Lab/shelfsync/internal/hub"
	"github.com/d60-Lab/shelfsync/internal/model"
	"github.com/d60-Lab/shelfsync/internal/repository"
	"github.com/d60-Lab/shelfsync/pkg/logger"
)

const DefaultPollInterval = 2500 * time.Millisecond

// Stream hub.Subscription 与轮询流的共同接口
type Stream interface {
	Events() <-chan hub.Event
	Close()
}

// RunReader 读取 run 当前状态
type RunReader interface {
	Get(ctx context.Context, id string) (*model.SyncRun, error)
}

// NotificationReader 读取最新通知
type NotificationReader interface {
	Latest(ctx context.Context, ownerID string) (*model.NotificationEvent, error)
}

// Poller 定时轮询，状态变化才发出事件
type Poller struct {
	events   chan hub.Event
	stop     chan struct{}
	stopOnce sync.Once
}

func newPoller() *Poller {
	return &Poller{events: make(chan hub.Event, 8), stop: make(chan struct{})}
}

func (p *Poller) Events() <-chan hub.Event { return p.events }

// Close 停止轮询，可重复调用
func (p *Poller) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// emit 阻塞投递直到客户端读取或流被关闭
func (p *Poller) emit(ctx context.Context, ev hub.Event) bool {
	select {
	case p.events <- ev:
		return true
	case <-p.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

// loop 首次立即执行 poll，之后每个 interval 执行一次；poll 返回 false 时结束
func (p *Poller) loop(ctx context.Context, interval time.Duration, poll func(context.Context) bool) {
	defer close(p.events)
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if !poll(ctx) {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !poll(ctx) {
				return
			}
		}
	}
}

// RunEvent 由 run 行状态推导事件
func RunEvent(run *model.SyncRun) hub.Event {
	ev := hub.Event{Timestamp: time.Now().UTC()}
	switch run.Status {
	case model.RunStatusSucceeded:
		ev.Type, ev.Payload = hub.EventSucceeded, run.ProgressPayload()
	case model.RunStatusFailed:
		ev.Type, ev.Payload = hub.EventFailed, run.FailurePayload()
	default:
		ev.Type, ev.Payload = hub.EventProgress, run.ProgressPayload()
	}
	return ev
}

func fingerprint(run *model.SyncRun) string {
	return fmt.Sprintf("%s|%d|%d|%d", run.Status, run.ProgressCurrent, run.ProgressTotal, run.UpdatedAt.UnixNano())
}

// PollRun 立即发出 run 当前状态，之后仅在变化时发出；终态后关闭
func PollRun(ctx context.Context, runs RunReader, runID string, interval time.Duration) *Poller {
	p := newPoller()
	var last string
	go p.loop(ctx, interval, func(ctx context.Context) bool {
		run, err := runs.Get(ctx, runID)
		if errors.Is(err, repository.ErrNotFound) {
			return false
		}
		if err != nil {
			// 瞬时错误忽略，下个周期重试
			logger.Debug("run poll failed", zap.String("run", runID), zap.Error(err))
			return true
		}
		fp := fingerprint(run)
		if fp == last {
			return true
		}
		last = fp
		if !p.emit(ctx, RunEvent(run)) {
			return false
		}
		return !run.Terminal()
	})
	return p
}

// PollNotifications 最新通知 id 变化时发出，直到客户端断开
func PollNotifications(ctx context.Context, notifications NotificationReader, ownerID string, interval time.Duration) *Poller {
	p := newPoller()
	var lastID string
	go p.loop(ctx, interval, func(ctx context.Context) bool {
		latest, err := notifications.Latest(ctx, ownerID)
		if errors.Is(err, repository.ErrNotFound) {
			return true
		}
		if err != nil {
			logger.Debug("notification poll failed", zap.String("owner", ownerID), zap.Error(err))
			return true
		}
		if latest.ID == lastID {
			return true
		}
		lastID = latest.ID
		return p.emit(ctx, hub.Event{
			Type:      hub.EventNotification,
			Payload:   latest.EventPayload(),
			Timestamp: time.Now().UTC(),
		})
	})
	return p
}
