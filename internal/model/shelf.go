package model

import "time"

const (
	SourceTypeRSS = "rss"
	SourceTypeCSV = "csv"
)

// SourceSyncStatus 书架来源最近一次同步状态
type SourceSyncStatus string

const (
	SourceSyncRunning   SourceSyncStatus = "running"
	SourceSyncSucceeded SourceSyncStatus = "succeeded"
	SourceSyncFailed    SourceSyncStatus = "failed"
)

// ShelfSource 书架来源（RSS 或 CSV）
type ShelfSource struct {
	ID             string            `json:"id" gorm:"primaryKey;type:varchar(36)"`
	OwnerID        string            `json:"-" gorm:"type:varchar(36);index;not null"`
	SourceType     string            `json:"source_type" gorm:"type:varchar(20);not null"`
	Provider       string            `json:"provider" gorm:"type:varchar(50);not null;default:goodreads"`
	SourceRef      string            `json:"source_ref" gorm:"type:varchar(2000);not null"`
	IsActive       bool              `json:"is_active" gorm:"not null;default:true"`
	LastSyncedAt   *time.Time        `json:"last_synced_at"`
	LastSyncStatus *SourceSyncStatus `json:"last_sync_status" gorm:"type:varchar(20)"`
	LastSyncError  *string           `json:"last_sync_error" gorm:"type:text"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

func (ShelfSource) TableName() string { return "shelf_sources" }

// ShelfItem 书架条目；(owner_id, shelf_source_id, external_id) 唯一，重复同步走 upsert
type ShelfItem struct {
	ID            string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	OwnerID       string    `json:"-" gorm:"type:varchar(36);uniqueIndex:ux_shelf_item_source_ext;not null"`
	ShelfSourceID *string   `json:"shelf_source_id" gorm:"type:varchar(36);uniqueIndex:ux_shelf_item_source_ext"`
	ExternalID    *string   `json:"external_id" gorm:"type:varchar(100);uniqueIndex:ux_shelf_item_source_ext"`
	Title         string    `json:"title" gorm:"type:varchar(500);not null"`
	Author        *string   `json:"author" gorm:"type:varchar(300)"`
	ISBN10        *string   `json:"isbn10" gorm:"column:isbn10;type:varchar(10)"`
	ISBN13        *string   `json:"isbn13" gorm:"column:isbn13;type:varchar(13)"`
	ASIN          *string   `json:"asin" gorm:"type:varchar(20)"`
	Shelf         *string   `json:"shelf" gorm:"type:varchar(50)"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (ShelfItem) TableName() string { return "shelf_items" }
