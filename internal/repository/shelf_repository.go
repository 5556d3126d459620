package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/shelfsync/internal/model"
)

type ShelfSourceRepository interface {
	Create(ctx context.Context, src *model.ShelfSource) error
	// Get 仅返回属于 ownerID 的来源
	Get(ctx context.Context, ownerID, sourceID string) (*model.ShelfSource, error)
	UpdateSyncStatus(ctx context.Context, sourceID string, status model.SourceSyncStatus, errMsg string) error
}

type shelfSourceRepository struct{ db *gorm.DB }

func NewShelfSourceRepository(db *gorm.DB) ShelfSourceRepository {
	return &shelfSourceRepository{db: db}
}

func (r *shelfSourceRepository) Create(ctx context.Context, src *model.ShelfSource) error {
	if src.ID == "" {
		src.ID = uuid.New().String()
	}
	return r.db.WithContext(ctx).Create(src).Error
}

func (r *shelfSourceRepository) Get(ctx context.Context, ownerID, sourceID string) (*model.ShelfSource, error) {
	var src model.ShelfSource
	err := r.db.WithContext(ctx).Where("id = ? AND owner_id = ?", sourceID, ownerID).Take(&src).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &src, nil
}

func (r *shelfSourceRepository) UpdateSyncStatus(ctx context.Context, sourceID string, status model.SourceSyncStatus, errMsg string) error {
	now := time.Now().UTC()
	var lastErr any
	if errMsg != "" {
		lastErr = errMsg
	}
	return r.db.WithContext(ctx).Model(&model.ShelfSource{}).
		Where("id = ?", sourceID).
		Updates(map[string]any{
			"last_synced_at":   now,
			"last_sync_status": status,
			"last_sync_error":  lastErr,
			"updated_at":       now,
		}).Error
}

type ShelfItemRepository interface {
	Get(ctx context.Context, ownerID, itemID string) (*model.ShelfItem, error)
	Create(ctx context.Context, item *model.ShelfItem) error
	// Upsert 按 (owner_id, shelf_source_id, external_id) 幂等写入
	Upsert(ctx context.Context, items []model.ShelfItem) error
	CountBySource(ctx context.Context, ownerID, sourceID string) (int64, error)
}

type shelfItemRepository struct{ db *gorm.DB }

func NewShelfItemRepository(db *gorm.DB) ShelfItemRepository {
	return &shelfItemRepository{db: db}
}

func (r *shelfItemRepository) Get(ctx context.Context, ownerID, itemID string) (*model.ShelfItem, error) {
	var item model.ShelfItem
	err := r.db.WithContext(ctx).Where("id = ? AND owner_id = ?", itemID, ownerID).Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *shelfItemRepository) Create(ctx context.Context, item *model.ShelfItem) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	return r.db.WithContext(ctx).Create(item).Error
}

func (r *shelfItemRepository) Upsert(ctx context.Context, items []model.ShelfItem) error {
	if len(items) == 0 {
		return nil
	}
	for i := range items {
		if items[i].ID == "" {
			items[i].ID = uuid.New().String()
		}
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_id"}, {Name: "shelf_source_id"}, {Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "author", "isbn10", "isbn13", "asin", "shelf", "updated_at"}),
	}).CreateInBatches(&items, 500).Error
}

func (r *shelfItemRepository) CountBySource(ctx context.Context, ownerID, sourceID string) (int64, error) {
	var cnt int64
	err := r.db.WithContext(ctx).Model(&model.ShelfItem{}).
		Where("owner_id = ? AND shelf_source_id = ?", ownerID, sourceID).
		Count(&cnt).Error
	return cnt, err
}

// AutoMigrate 初始化表结构
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(model.All()...)
}
