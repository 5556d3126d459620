package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/d60-Lab/shelfsync/internal/hub"
	"github.com/d60-Lab/shelfsync/internal/model"
	"github.com/d60-Lab/shelfsync/internal/queue"
	"github.com/d60-Lab/shelfsync/internal/repository"
	"github.com/d60-Lab/shelfsync/pkg/logger"
)

const tracerName = "github.com/d60-Lab/shelfsync/internal/service"

// StartOptions 创建 run 的附加参数
type StartOptions struct {
	SourceID string
}

// SyncRunDeps SyncRunService 的依赖；Producer 为 nil 视为队列未部署
type SyncRunDeps struct {
	Runs          repository.SyncRunRepository
	Sources       repository.ShelfSourceRepository
	Items         repository.ShelfItemRepository
	Notifications *NotificationService
	Producer      queue.Producer
	Hub           EventPublisher
	Refresher     AvailabilityRefresher
	Fetcher       ShelfFetcher
	// JobTimeout 单条消息的执行上限；0 不限制
	JobTimeout time.Duration
}

// SyncRunService 创建、派发并执行后台同步任务
type SyncRunService struct {
	runs          repository.SyncRunRepository
	sources       repository.ShelfSourceRepository
	items         repository.ShelfItemRepository
	notifications *NotificationService
	producer      queue.Producer
	hub           EventPublisher
	refresher     AvailabilityRefresher
	fetcher       ShelfFetcher
	jobTimeout    time.Duration
	tracer        trace.Tracer
}

func NewSyncRunService(d SyncRunDeps) *SyncRunService {
	if d.Producer == nil {
		d.Producer = queue.Unavailable{}
	}
	if d.Refresher == nil {
		d.Refresher = NopRefresher{}
	}
	if d.Fetcher == nil {
		d.Fetcher = NopFetcher{}
	}
	return &SyncRunService{
		runs:          d.Runs,
		sources:       d.Sources,
		items:         d.Items,
		notifications: d.Notifications,
		producer:      d.Producer,
		hub:           d.Hub,
		refresher:     d.Refresher,
		fetcher:       d.Fetcher,
		jobTimeout:    d.JobTimeout,
		tracer:        otel.Tracer(tracerName),
	}
}

// StartRun 创建 run 并投递到队列。
// 入队失败时 run 立即置为 failed，返回该 run 以及包装了 queue.ErrUnavailable 的错误。
func (s *SyncRunService) StartRun(ctx context.Context, ownerID string, kind model.RunKind, opts StartOptions) (*model.SyncRun, error) {
	ctx, span := s.tracer.Start(ctx, "SyncRunService.StartRun",
		trace.WithAttributes(attribute.String("run.kind", string(kind))))
	defer span.End()

	if !kind.Valid() {
		return nil, spanError(span, ErrInvalidKind, "invalid kind")
	}

	var payload *queue.MessagePayload
	if kind == model.RunKindShelfSourceSync {
		if opts.SourceID == "" {
			return nil, spanError(span, ErrMissingSourceID, "missing source")
		}
		src, err := s.sources.Get(ctx, ownerID, opts.SourceID)
		if err != nil {
			return nil, spanError(span, err, "load source")
		}
		if src.SourceType != model.SourceTypeRSS {
			return nil, spanError(span, ErrSourceNotSyncable, "source not syncable")
		}
		s.markSource(ctx, src.ID, model.SourceSyncRunning, "")
		payload = &queue.MessagePayload{SourceID: src.ID}
	}

	run, err := s.runs.Create(ctx, ownerID, kind)
	if err != nil {
		if payload != nil {
			s.markSource(ctx, payload.SourceID, model.SourceSyncFailed, "failed to create run")
		}
		return nil, spanError(span, err, "create run")
	}
	span.SetAttributes(attribute.String("run.id", run.ID))
	s.publish(ctx, run.ID, hub.EventProgress, run.ProgressPayload())

	msg := queue.Message{RunID: run.ID, OwnerID: ownerID, Kind: kind, Payload: payload}
	if err := s.producer.Enqueue(ctx, msg); err != nil {
		logger.Warn("dispatch sync run failed",
			zap.String("run", run.ID),
			zap.String("kind", string(kind)),
			zap.Error(err))
		s.fail(ctx, msg, err.Error())
		_ = spanError(span, err, "enqueue")
		if failed, gErr := s.runs.Get(ctx, run.ID); gErr == nil {
			run = failed
		}
		return run, fmt.Errorf("dispatch run %s: %w", run.ID, err)
	}

	logger.Info("sync run accepted",
		zap.String("run", run.ID),
		zap.String("owner", ownerID),
		zap.String("kind", string(kind)))
	return run, nil
}

func spanError(span trace.Span, err error, desc string) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, desc)
	return err
}

// GetRun 仅返回属于 ownerID 的 run
func (s *SyncRunService) GetRun(ctx context.Context, ownerID, runID string) (*model.SyncRun, error) {
	run, err := s.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return run, nil
}

// HandleBatch 队列消费入口；每条消息独立执行，互不影响
func (s *SyncRunService) HandleBatch(ctx context.Context, batch []queue.Message) {
	var wg sync.WaitGroup
	for _, msg := range batch {
		wg.Add(1)
		go func(msg queue.Message) {
			defer wg.Done()
			_ = s.HandleMessage(ctx, msg)
		}(msg)
	}
	wg.Wait()
}

// HandleMessage 执行一条消息。失败时 run 置为 failed 并广播，返回 *JobExecutionError。
// 已处于终态的 run 直接跳过（重复投递）。
func (s *SyncRunService) HandleMessage(ctx context.Context, msg queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			sentry.CurrentHub().Recover(r)
			logger.Error("sync job panic",
				zap.String("run", msg.RunID),
				zap.String("kind", string(msg.Kind)),
				zap.Any("panic", r))
			err = &JobExecutionError{RunID: msg.RunID, Kind: msg.Kind, Err: fmt.Errorf("panic: %v", r)}
			s.fail(context.WithoutCancel(ctx), msg, "job failed")
		}
	}()

	ctx, span := s.tracer.Start(ctx, "SyncRunService.HandleMessage",
		trace.WithAttributes(
			attribute.String("run.id", msg.RunID),
			attribute.String("run.kind", string(msg.Kind))))
	defer span.End()

	if s.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.jobTimeout)
		defer cancel()
	}

	run, err := s.runs.Get(ctx, msg.RunID)
	if errors.Is(err, repository.ErrNotFound) {
		logger.Warn("sync run not found, drop message", zap.String("run", msg.RunID))
		return nil
	}
	if err != nil {
		logger.Error("load sync run failed", zap.String("run", msg.RunID), zap.Error(err))
		return err
	}
	if run.OwnerID != msg.OwnerID {
		logger.Warn("sync run owner mismatch, drop message",
			zap.String("run", msg.RunID),
			zap.String("owner", msg.OwnerID))
		return nil
	}
	if run.Terminal() {
		logger.Info("sync run already finished, skip", zap.String("run", run.ID), zap.String("status", string(run.Status)))
		return nil
	}

	err = s.execute(ctx, msg)
	if err == nil {
		return nil
	}

	var jobErr *JobExecutionError
	if !errors.As(err, &jobErr) {
		jobErr = &JobExecutionError{RunID: msg.RunID, Kind: msg.Kind, Err: err}
	}
	span.RecordError(jobErr)
	span.SetStatus(codes.Error, jobErr.Message())
	if errors.Is(jobErr, ErrUnknownJobKind) {
		logger.Error("unknown job kind", zap.String("run", msg.RunID), zap.String("kind", string(msg.Kind)))
		sentry.CaptureException(jobErr)
	} else {
		logger.Warn("sync job failed", zap.String("run", msg.RunID), zap.String("kind", string(msg.Kind)), zap.Error(jobErr.Err))
	}
	s.fail(context.WithoutCancel(ctx), msg, jobErr.Message())
	return jobErr
}

// execute 按 kind 分派到执行器
func (s *SyncRunService) execute(ctx context.Context, msg queue.Message) error {
	var err error
	switch msg.Kind {
	case model.RunKindAvailabilityRefresh:
		err = s.runAvailabilityRefresh(ctx, msg)
	case model.RunKindShelfSourceSync:
		err = s.runShelfSourceSync(ctx, msg)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownJobKind, msg.Kind)
	}
	if err != nil {
		return &JobExecutionError{RunID: msg.RunID, Kind: msg.Kind, Err: err}
	}
	return nil
}

// fail 写入失败状态、广播并同步到来源
func (s *SyncRunService) fail(ctx context.Context, msg queue.Message, message string) {
	if err := s.runs.MarkFailed(ctx, msg.RunID, message); err != nil {
		logger.Error("mark sync run failed", zap.String("run", msg.RunID), zap.Error(err))
		return
	}
	run, err := s.runs.Get(ctx, msg.RunID)
	if err != nil || run.Status != model.RunStatusFailed {
		// 已被其他投递置为 succeeded
		return
	}
	s.publish(ctx, run.ID, hub.EventFailed, run.FailurePayload())
	if msg.Kind == model.RunKindShelfSourceSync && msg.SourceID() != "" {
		s.markSource(ctx, msg.SourceID(), model.SourceSyncFailed, message)
	}
}

func (s *SyncRunService) markSource(ctx context.Context, sourceID string, status model.SourceSyncStatus, message string) {
	if err := s.sources.UpdateSyncStatus(ctx, sourceID, status, message); err != nil {
		logger.Warn("update shelf source status failed",
			zap.String("source", sourceID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

func (s *SyncRunService) publish(ctx context.Context, runID string, typ hub.EventType, payload map[string]any) {
	if s.hub == nil {
		return
	}
	if err := s.hub.Publish(ctx, runID, typ, payload); err != nil {
		logger.Warn("publish run event failed",
			zap.String("run", runID),
			zap.String("type", string(typ)),
			zap.Error(err))
	}
}
