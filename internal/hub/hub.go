// Package hub 按 key 路由到单个 actor 的广播中心。
// 同一个 key 的发布与订阅都经由该 actor 串行处理，
// actor 记住最后一条事件并回放给新订阅者。
// 配置 Relay 后发布经 Redis 转发，每个进程的 actor 只负责本地扇出。
package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/d60-Lab/shelfsync/pkg/logger"
)

var (
	// ErrUnavailable hub 未配置
	ErrUnavailable = errors.New("hub is not configured")
	// ErrInvalidEventType 事件类型不被该 hub 接受
	ErrInvalidEventType = errors.New("invalid event type")
)

const (
	defaultSubscriberBuffer = 32
	defaultLastEventTTL     = 24 * time.Hour
	mailboxSize             = 64
	storeTimeout            = 3 * time.Second
)

// Options 控制一个 Registry 的行为
type Options struct {
	// Name 仅用于日志
	Name  string
	Store LastEventStore
	// Accepts 为 nil 时接受所有类型
	Accepts func(EventType) bool
	// IsTerminal 为 nil 时没有终态（通知流）
	IsTerminal       func(EventType) bool
	SubscriberBuffer int
	// Relay 为 nil 时只在本进程内广播
	Relay Relay
}

// RunEventTypes sync-run hub 接受的事件
func RunEventTypes(t EventType) bool {
	return t == EventProgress || t == EventSucceeded || t == EventFailed
}

// RunTerminal succeeded / failed 之后关闭该 run 的所有订阅
func RunTerminal(t EventType) bool {
	return t == EventSucceeded || t == EventFailed
}

// NotificationEventTypes 通知 hub 只接受 notification
func NotificationEventTypes(t EventType) bool {
	return t == EventNotification
}

// Registry key -> actor 路由表。nil *Registry 的 Publish 为 no-op
type Registry struct {
	opts   Options
	mu     sync.Mutex
	actors map[string]*actor
}

func NewRegistry(opts Options) *Registry {
	if opts.Store == nil {
		opts.Store = NewMemoryStore(defaultLastEventTTL)
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = defaultSubscriberBuffer
	}
	return &Registry{opts: opts, actors: make(map[string]*actor)}
}

// Publish 持久化并广播一条事件，actor 处理完后返回
func (r *Registry) Publish(ctx context.Context, key string, typ EventType, payload map[string]any) error {
	if r == nil {
		return nil
	}
	if r.opts.Accepts != nil && !r.opts.Accepts(typ) {
		return ErrInvalidEventType
	}
	if payload == nil {
		payload = map[string]any{}
	}
	ev := Event{Type: typ, Payload: payload, Timestamp: time.Now().UTC()}
	if r.opts.Relay != nil {
		return r.relayPublish(ctx, key, ev)
	}
	reply := make(chan error, 1)
	r.dispatch(key, command{
		op:    opPublish,
		ctx:   ctx,
		event: ev,
		reply: reply,
	})
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// relayPublish 先写 LastEventStore 再转发，订阅方 actor 启动时读到的状态不会落后于转发
func (r *Registry) relayPublish(ctx context.Context, key string, ev Event) error {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	last, err := r.opts.Store.Load(sctx, key)
	if err != nil {
		logger.Warn("hub: failed to load last event",
			zap.String("hub", r.opts.Name),
			zap.String("key", key),
			zap.Error(err))
	}
	if last != nil && r.terminal(last.Type) {
		logger.Debug("hub: event dropped after terminal",
			zap.String("hub", r.opts.Name),
			zap.String("key", key),
			zap.String("type", string(ev.Type)))
		return nil
	}

	saveErr := r.opts.Store.Save(sctx, key, ev)
	if saveErr != nil {
		logger.Warn("hub: failed to persist last event",
			zap.String("hub", r.opts.Name),
			zap.String("key", key),
			zap.Error(saveErr))
	}
	if err := r.opts.Relay.Publish(ctx, key, ev); err != nil {
		logger.Warn("hub: relay publish failed, delivering locally",
			zap.String("hub", r.opts.Name),
			zap.String("key", key),
			zap.Error(err))
		r.deliver(key, ev)
		return err
	}
	return saveErr
}

// Listen 开始接收 Relay 转发的事件；未配置 Relay 时为 no-op。
// 返回的 stop 结束订阅并等待接收 goroutine 退出。
func (r *Registry) Listen(ctx context.Context) (func(), error) {
	if r == nil || r.opts.Relay == nil {
		return func() {}, nil
	}
	return r.opts.Relay.Listen(ctx, r.deliver)
}

// deliver 只投递给本进程已有的 actor；没有订阅者的 key 不需要启动 actor，
// 之后的订阅会从 LastEventStore 读到这条事件
func (r *Registry) deliver(key string, ev Event) {
	if r.opts.Accepts != nil && !r.opts.Accepts(ev.Type) {
		return
	}
	r.mu.Lock()
	a, ok := r.actors[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	a.pending++
	r.mu.Unlock()

	a.mailbox <- command{op: opDeliver, event: ev}
}

func (r *Registry) terminal(t EventType) bool {
	return r.opts.IsTerminal != nil && r.opts.IsTerminal(t)
}

// Subscribe 注册订阅者。若该 key 已有最后事件会立即回放；
// 回放的是终态时订阅随即关闭。ctx 取消后自动退订。
func (r *Registry) Subscribe(ctx context.Context, key string) (*Subscription, error) {
	if r == nil {
		return nil, ErrUnavailable
	}
	sub := &Subscription{
		id:     uuid.New().String(),
		key:    key,
		events: make(chan Event, r.opts.SubscriberBuffer),
		done:   make(chan struct{}),
		reg:    r,
	}
	reply := make(chan error, 1)
	r.dispatch(key, command{op: opSubscribe, ctx: ctx, sub: sub, reply: reply})
	select {
	case err := <-reply:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		sub.Close()
		return nil, ctx.Err()
	}

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

// Subscribers 当前 key 的订阅者数量
func (r *Registry) Subscribers(ctx context.Context, key string) (int, error) {
	if r == nil {
		return 0, ErrUnavailable
	}
	reply := make(chan int, 1)
	r.dispatch(key, command{op: opCount, ctx: ctx, count: reply})
	select {
	case n := <-reply:
		return n, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// ActiveKeys 仍存活的 actor 数量
func (r *Registry) ActiveKeys() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}

// dispatch 在锁内登记 pending，保证 actor 不会在消息入箱前退出
func (r *Registry) dispatch(key string, cmd command) {
	r.mu.Lock()
	a, ok := r.actors[key]
	if !ok {
		a = &actor{
			key:     key,
			reg:     r,
			mailbox: make(chan command, mailboxSize),
			subs:    make(map[string]*Subscription),
		}
		r.actors[key] = a
		go a.run()
	}
	a.pending++
	r.mu.Unlock()

	a.mailbox <- cmd
}

// retire 返回 true 表示 actor 已从路由表移除，可以退出
func (r *Registry) retire(a *actor) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	a.pending--
	if a.pending > 0 || len(a.subs) > 0 {
		return false
	}
	delete(r.actors, a.key)
	return true
}

type opKind int

const (
	opPublish opKind = iota
	opSubscribe
	opUnsubscribe
	opCount
	opDeliver
)

type command struct {
	op    opKind
	ctx   context.Context
	event Event
	sub   *Subscription
	subID string
	reply chan error
	count chan int
}

type actor struct {
	key     string
	reg     *Registry
	mailbox chan command
	// pending 由 reg.mu 保护
	pending int

	// 以下字段只在 actor goroutine 中访问
	subs map[string]*Subscription
	last *Event
}

func (a *actor) run() {
	a.load()
	for cmd := range a.mailbox {
		a.handle(cmd)
		if a.reg.retire(a) {
			return
		}
	}
}

func (a *actor) load() {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	ev, err := a.reg.opts.Store.Load(ctx, a.key)
	if err != nil {
		logger.Warn("hub: failed to load last event",
			zap.String("hub", a.reg.opts.Name),
			zap.String("key", a.key),
			zap.Error(err))
		return
	}
	a.last = ev
}

func (a *actor) terminal(t EventType) bool {
	return a.reg.terminal(t)
}

func (a *actor) handle(cmd command) {
	switch cmd.op {
	case opPublish:
		cmd.reply <- a.publish(cmd.ctx, cmd.event)
	case opSubscribe:
		a.subscribe(cmd.sub)
		cmd.reply <- nil
	case opUnsubscribe:
		a.drop(cmd.subID)
	case opCount:
		cmd.count <- len(a.subs)
	case opDeliver:
		a.applyRelayed(cmd.event)
	}
}

func (a *actor) publish(ctx context.Context, ev Event) error {
	if a.last != nil && a.terminal(a.last.Type) {
		// 终态之后的事件直接丢弃
		logger.Debug("hub: event dropped after terminal",
			zap.String("hub", a.reg.opts.Name),
			zap.String("key", a.key),
			zap.String("type", string(ev.Type)))
		return nil
	}

	var saveErr error
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	saveErr = a.reg.opts.Store.Save(sctx, a.key, ev)
	cancel()
	if saveErr != nil {
		logger.Warn("hub: failed to persist last event",
			zap.String("hub", a.reg.opts.Name),
			zap.String("key", a.key),
			zap.Error(saveErr))
	}
	a.fanout(ev)
	return saveErr
}

// applyRelayed 处理转发来的事件。启动时从 store 读到的事件可能再经 relay 到达一次，
// 与当前最后事件相同的直接忽略。不按时间戳排序：发布方可能在不同主机上
func (a *actor) applyRelayed(ev Event) {
	if a.last != nil {
		if a.terminal(a.last.Type) {
			return
		}
		if ev.Type == a.last.Type && ev.Timestamp.Equal(a.last.Timestamp) {
			return
		}
	}
	a.fanout(ev)
}

func (a *actor) fanout(ev Event) {
	a.last = &ev

	for id, sub := range a.subs {
		if !sub.offer(ev) {
			a.drop(id)
		}
	}
	if a.terminal(ev.Type) {
		for id := range a.subs {
			a.drop(id)
		}
	}
}

func (a *actor) subscribe(sub *Subscription) {
	a.subs[sub.id] = sub
	if a.last == nil {
		return
	}
	if !sub.offer(*a.last) || a.terminal(a.last.Type) {
		a.drop(sub.id)
	}
}

// drop 移除并关闭订阅，只有 actor 会关闭订阅通道
func (a *actor) drop(id string) {
	sub, ok := a.subs[id]
	if !ok {
		return
	}
	delete(a.subs, id)
	close(sub.events)
	close(sub.done)
}

// Subscription 一个订阅者的事件流
type Subscription struct {
	id     string
	key    string
	events chan Event
	done   chan struct{}
	reg    *Registry
	once   sync.Once
}

// Events 事件按发布顺序到达，订阅结束时关闭
func (s *Subscription) Events() <-chan Event {
	return s.events
}

func (s *Subscription) Key() string {
	return s.key
}

// Close 退订，可重复调用
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.reg.dispatch(s.key, command{op: opUnsubscribe, subID: s.id})
	})
}

// offer 非阻塞投递，缓冲区满视为断开
func (s *Subscription) offer(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}
