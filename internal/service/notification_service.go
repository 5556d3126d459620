package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/d60-Lab/shelfsync/internal/cache"
	"github.com/d60-Lab/shelfsync/internal/hub"
	"github.com/d60-Lab/shelfsync/internal/model"
	"github.com/d60-Lab/shelfsync/internal/repository"
	"github.com/d60-Lab/shelfsync/pkg/logger"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

var (
	// ErrInvalidNotification 测试通知参数不完整
	ErrInvalidNotification = errors.New("format, old_status, and new_status are required")
	ErrTitleRequired       = errors.New("title is required when shelf_item_id is missing")
)

// NotificationPage 分页结果
type NotificationPage struct {
	Total  int64                    `json:"total"`
	Limit  int                      `json:"limit"`
	Offset int                      `json:"offset"`
	Items  []model.NotificationView `json:"-"`
}

// TestNotificationInput 手动触发一条通知（开发调试用）
type TestNotificationInput struct {
	ShelfItemID string  `json:"shelf_item_id"`
	Title       string  `json:"title"`
	Author      string  `json:"author"`
	Format      string  `json:"format"`
	OldStatus   string  `json:"old_status"`
	NewStatus   string  `json:"new_status"`
	DeepLink    *string `json:"deep_link"`
}

type NotificationService struct {
	repo   repository.NotificationRepository
	items  repository.ShelfItemRepository
	hub    EventPublisher
	unread *cache.UnreadCounter
}

// NewNotificationService hub 与 unread 均可为 nil
func NewNotificationService(repo repository.NotificationRepository, items repository.ShelfItemRepository, h EventPublisher, unread *cache.UnreadCounter) *NotificationService {
	return &NotificationService{repo: repo, items: items, hub: h, unread: unread}
}

// ClampListOptions limit 限制在 1..200，默认 50；offset 不小于 0
func ClampListOptions(opts repository.ListOptions) repository.ListOptions {
	if opts.Limit <= 0 {
		opts.Limit = DefaultListLimit
	}
	if opts.Limit > MaxListLimit {
		opts.Limit = MaxListLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	return opts
}

func (s *NotificationService) List(ctx context.Context, ownerID string, opts repository.ListOptions) (*NotificationPage, error) {
	opts = ClampListOptions(opts)
	total, items, err := s.repo.ListForOwner(ctx, ownerID, opts)
	if err != nil {
		return nil, err
	}
	return &NotificationPage{Total: total, Limit: opts.Limit, Offset: opts.Offset, Items: items}, nil
}

func (s *NotificationService) UnreadCount(ctx context.Context, ownerID string) (int64, error) {
	return s.unread.Get(ctx, ownerID, func(ctx context.Context) (int64, error) {
		return s.repo.CountUnread(ctx, ownerID)
	})
}

// MarkRead 不存在或不属于 owner 时返回 ErrNotFound
func (s *NotificationService) MarkRead(ctx context.Context, ownerID, id string) error {
	ok, err := s.repo.MarkRead(ctx, id, ownerID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	s.unread.Invalidate(ctx, ownerID)
	return nil
}

func (s *NotificationService) MarkAllRead(ctx context.Context, ownerID string) (int64, error) {
	n, err := s.repo.MarkAllRead(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.unread.Invalidate(ctx, ownerID)
	}
	return n, nil
}

// Record 写入一条通知并推送给该用户的订阅者
func (s *NotificationService) Record(ctx context.Context, ownerID string, change AvailabilityChange) (*model.NotificationEvent, error) {
	ev, err := s.repo.Insert(ctx, repository.NotificationInsert{
		OwnerID:     ownerID,
		ShelfItemID: change.ShelfItemID,
		Format:      change.Format,
		OldStatus:   change.OldStatus,
		NewStatus:   change.NewStatus,
		DeepLink:    change.DeepLink,
	})
	if err != nil {
		return nil, err
	}
	s.unread.Invalidate(ctx, ownerID)
	s.publish(ctx, ownerID, ev.EventPayload())
	return ev, nil
}

// SendTest 解析或创建书目后写入并推送通知
func (s *NotificationService) SendTest(ctx context.Context, ownerID string, in TestNotificationInput) (*model.NotificationEvent, error) {
	in.Format = strings.TrimSpace(in.Format)
	in.OldStatus = strings.TrimSpace(in.OldStatus)
	in.NewStatus = strings.TrimSpace(in.NewStatus)
	if in.Format == "" || in.OldStatus == "" || in.NewStatus == "" {
		return nil, ErrInvalidNotification
	}

	item, err := s.resolveItem(ctx, ownerID, in)
	if err != nil {
		return nil, err
	}

	ev, err := s.repo.Insert(ctx, repository.NotificationInsert{
		OwnerID:     ownerID,
		ShelfItemID: item.ID,
		Format:      in.Format,
		OldStatus:   in.OldStatus,
		NewStatus:   in.NewStatus,
		DeepLink:    in.DeepLink,
	})
	if err != nil {
		return nil, err
	}
	s.unread.Invalidate(ctx, ownerID)

	payload := ev.EventPayload()
	payload["title"] = item.Title
	payload["author"] = item.Author
	s.publish(ctx, ownerID, payload)
	return ev, nil
}

func (s *NotificationService) resolveItem(ctx context.Context, ownerID string, in TestNotificationInput) (*model.ShelfItem, error) {
	if in.ShelfItemID != "" {
		item, err := s.items.Get(ctx, ownerID, in.ShelfItemID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("shelf item not found: %w", ErrNotFound)
		}
		return item, err
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, ErrTitleRequired
	}
	item := &model.ShelfItem{OwnerID: ownerID, Title: title}
	if author := strings.TrimSpace(in.Author); author != "" {
		item.Author = &author
	}
	if err := s.items.Create(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

func (s *NotificationService) publish(ctx context.Context, ownerID string, payload map[string]any) {
	if s.hub == nil {
		return
	}
	if err := s.hub.Publish(ctx, ownerID, hub.EventNotification, payload); err != nil {
		logger.Warn("publish notification failed", zap.String("owner", ownerID), zap.Error(err))
	}
}
