package model

import "time"

// NotificationEvent 可借阅状态变化通知（只追加，仅 read_at 可写一次）
type NotificationEvent struct {
	ID          string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	OwnerID     string     `json:"-" gorm:"type:varchar(36);index:idx_notification_owner_created;not null"`
	ShelfItemID string     `json:"shelf_item_id" gorm:"type:varchar(36);index;not null"`
	Format      string     `json:"format" gorm:"type:varchar(20);not null"`
	OldStatus   string     `json:"old_status" gorm:"type:varchar(20);not null"`
	NewStatus   string     `json:"new_status" gorm:"type:varchar(20);not null"`
	DeepLink    *string    `json:"deep_link" gorm:"type:varchar(500)"`
	CreatedAt   time.Time  `json:"created_at" gorm:"index:idx_notification_owner_created"`
	ReadAt      *time.Time `json:"read_at"`
}

func (NotificationEvent) TableName() string { return "notification_events" }

// NotificationView 列表展示用，附带书目标题/作者
type NotificationView struct {
	ID          string     `json:"id"`
	CreatedAt   time.Time  `json:"created_at"`
	ReadAt      *time.Time `json:"read_at"`
	ShelfItemID string     `json:"shelf_item_id"`
	Title       *string    `json:"title"`
	Author      *string    `json:"author"`
	Format      string     `json:"format"`
	OldStatus   string     `json:"old_status"`
	NewStatus   string     `json:"new_status"`
	DeepLink    *string    `json:"deep_link"`
}

// EventPayload 推送给订阅者的通知内容
func (n *NotificationEvent) EventPayload() map[string]any {
	return map[string]any{
		"id":            n.ID,
		"shelf_item_id": n.ShelfItemID,
		"format":        n.Format,
		"old_status":    n.OldStatus,
		"new_status":    n.NewStatus,
		"deep_link":     n.DeepLink,
		"ts":            n.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}
