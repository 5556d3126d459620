package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/d60-Lab/shelfsync/internal/model"
)

// ListOptions 通知分页参数
type ListOptions struct {
	Limit      int
	Offset     int
	UnreadOnly bool
}

// NotificationInsert 新通知
type NotificationInsert struct {
	OwnerID     string
	ShelfItemID string
	Format      string
	OldStatus   string
	NewStatus   string
	DeepLink    *string
}

// NotificationRepository 通知存储
type NotificationRepository interface {
	ListForOwner(ctx context.Context, ownerID string, opts ListOptions) (int64, []model.NotificationView, error)
	CountUnread(ctx context.Context, ownerID string) (int64, error)
	// MarkRead 不存在或不属于 owner 时返回 false；已读时返回 true 且不修改
	MarkRead(ctx context.Context, id, ownerID string) (bool, error)
	// MarkAllRead 返回本次实际置为已读的条数
	MarkAllRead(ctx context.Context, ownerID string) (int64, error)
	Insert(ctx context.Context, args NotificationInsert) (*model.NotificationEvent, error)
	// Latest 最新一条通知，无通知时返回 ErrNotFound
	Latest(ctx context.Context, ownerID string) (*model.NotificationEvent, error)
}

type notificationRepository struct{ db *gorm.DB }

func NewNotificationRepository(db *gorm.DB) NotificationRepository {
	return &notificationRepository{db: db}
}

func (r *notificationRepository) ownerScope(ownerID string, unreadOnly bool) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		db = db.Where("notification_events.owner_id = ?", ownerID)
		if unreadOnly {
			db = db.Where("notification_events.read_at IS NULL")
		}
		return db
	}
}

func (r *notificationRepository) ListForOwner(ctx context.Context, ownerID string, opts ListOptions) (int64, []model.NotificationView, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&model.NotificationEvent{}).
		Scopes(r.ownerScope(ownerID, opts.UnreadOnly)).
		Count(&total).Error; err != nil {
		return 0, nil, fmt.Errorf("count notifications: %w", err)
	}

	rows := make([]model.NotificationView, 0, opts.Limit)
	err := r.db.WithContext(ctx).Table("notification_events").
		Select(`notification_events.id, notification_events.created_at, notification_events.read_at,
			notification_events.shelf_item_id, notification_events.format, notification_events.old_status,
			notification_events.new_status, notification_events.deep_link,
			shelf_items.title, shelf_items.author`).
		Joins("LEFT JOIN shelf_items ON shelf_items.id = notification_events.shelf_item_id").
		Scopes(r.ownerScope(ownerID, opts.UnreadOnly)).
		Order("notification_events.created_at DESC, notification_events.id DESC").
		Offset(opts.Offset).
		Limit(opts.Limit).
		Scan(&rows).Error
	if err != nil {
		return 0, nil, fmt.Errorf("list notifications: %w", err)
	}
	return total, rows, nil
}

func (r *notificationRepository) CountUnread(ctx context.Context, ownerID string) (int64, error) {
	var cnt int64
	err := r.db.WithContext(ctx).Model(&model.NotificationEvent{}).
		Where("owner_id = ? AND read_at IS NULL", ownerID).
		Count(&cnt).Error
	return cnt, err
}

func (r *notificationRepository) MarkRead(ctx context.Context, id, ownerID string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.NotificationEvent{}).
		Where("id = ? AND owner_id = ? AND read_at IS NULL", id, ownerID).
		Update("read_at", time.Now().UTC())
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	// 已读也算成功（幂等）
	var cnt int64
	if err := r.db.WithContext(ctx).Model(&model.NotificationEvent{}).
		Where("id = ? AND owner_id = ?", id, ownerID).
		Count(&cnt).Error; err != nil {
		return false, err
	}
	return cnt > 0, nil
}

func (r *notificationRepository) MarkAllRead(ctx context.Context, ownerID string) (int64, error) {
	res := r.db.WithContext(ctx).Model(&model.NotificationEvent{}).
		Where("owner_id = ? AND read_at IS NULL", ownerID).
		Update("read_at", time.Now().UTC())
	return res.RowsAffected, res.Error
}

func (r *notificationRepository) Insert(ctx context.Context, args NotificationInsert) (*model.NotificationEvent, error) {
	ev := &model.NotificationEvent{
		ID:          uuid.New().String(),
		OwnerID:     args.OwnerID,
		ShelfItemID: args.ShelfItemID,
		Format:      args.Format,
		OldStatus:   args.OldStatus,
		NewStatus:   args.NewStatus,
		DeepLink:    args.DeepLink,
		CreatedAt:   time.Now().UTC(),
	}
	if err := r.db.WithContext(ctx).Create(ev).Error; err != nil {
		return nil, fmt.Errorf("insert notification: %w", err)
	}
	return ev, nil
}

func (r *notificationRepository) Latest(ctx context.Context, ownerID string) (*model.NotificationEvent, error) {
	var ev model.NotificationEvent
	err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC, id DESC").
		Take(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}
