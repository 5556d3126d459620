package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/d60-Lab/shelfsync/pkg/logger"
)

// MemoryQueue 进程内异步执行器，单进程部署与测试使用
type MemoryQueue struct {
	ch        chan Message
	batchSize int
	workers   int
	metricsCh chan time.Duration

	mu     sync.Mutex
	closed bool
}

type MemoryOptions struct {
	BufferSize int
	BatchSize  int
	Workers    int
}

func NewMemoryQueue(opts MemoryOptions) *MemoryQueue {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1024
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	return &MemoryQueue{
		ch:        make(chan Message, opts.BufferSize),
		batchSize: opts.BatchSize,
		workers:   opts.Workers,
		metricsCh: make(chan time.Duration, 65536),
	}
}

// Enqueue 缓冲区满时返回 ErrUnavailable，不阻塞请求
func (q *MemoryQueue) Enqueue(_ context.Context, msg Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("%w: stopped", ErrUnavailable)
	}
	select {
	case q.ch <- msg:
		return nil
	default:
		logger.Warn("memory queue full, reject", zap.String("run", msg.RunID), zap.String("kind", string(msg.Kind)))
		return fmt.Errorf("%w: buffer full", ErrUnavailable)
	}
}

// Start 启动若干 worker，每个 worker 凑批后交给 handler
func (q *MemoryQueue) Start(handler BatchHandler) func(context.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.loop(ctx, handler)
		}()
	}
	return func(stopCtx context.Context) error {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		// 先让 worker 排空缓冲区，再取消
		drained := make(chan struct{})
		go func() {
			for len(q.ch) > 0 {
				select {
				case <-stopCtx.Done():
					close(drained)
					return
				default:
					time.Sleep(20 * time.Millisecond)
				}
			}
			close(drained)
		}()
		<-drained
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

func (q *MemoryQueue) loop(ctx context.Context, handler BatchHandler) {
	for {
		var first Message
		select {
		case first = <-q.ch:
		case <-ctx.Done():
			return
		}
		batch := []Message{first}
	fill:
		for len(batch) < q.batchSize {
			select {
			case m := <-q.ch:
				batch = append(batch, m)
			default:
				break fill
			}
		}
		start := time.Now()
		// 处理过程不受 stop 取消影响
		handler(context.WithoutCancel(ctx), batch)
		select {
		case q.metricsCh <- time.Since(start):
		default:
		}
	}
}

// Metrics 每处理完一批发送一次耗时
func (q *MemoryQueue) Metrics() <-chan time.Duration { return q.metricsCh }

// QueueLen 当前队列长度（采样值）
func (q *MemoryQueue) QueueLen() int { return len(q.ch) }
