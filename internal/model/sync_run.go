package model

import "time"

// RunKind 同步任务类型
type RunKind string

const (
	RunKindAvailabilityRefresh RunKind = "availability_refresh"
	RunKindShelfSourceSync     RunKind = "shelf_source_sync"
)

// Valid 是否为已知任务类型
func (k RunKind) Valid() bool {
	switch k {
	case RunKindAvailabilityRefresh, RunKindShelfSourceSync:
		return true
	}
	return false
}

// RunStatus 同步任务状态；running 之外均为终态
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

// SyncRun 一次后台同步任务（按 owner 查询，按 id 单写）
type SyncRun struct {
	ID              string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	OwnerID         string     `json:"-" gorm:"type:varchar(36);index:idx_sync_run_owner;not null"`
	Kind            RunKind    `json:"kind" gorm:"type:varchar(50);index;not null"`
	Status          RunStatus  `json:"status" gorm:"type:varchar(20);index;not null"`
	ProgressCurrent int        `json:"progress_current" gorm:"not null;default:0"`
	ProgressTotal   int        `json:"progress_total" gorm:"not null;default:0"`
	ErrorMessage    *string    `json:"error_message" gorm:"type:text"`
	StartedAt       *time.Time `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at"`
	CreatedAt       time.Time  `json:"created_at" gorm:"index:idx_sync_run_owner"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func (SyncRun) TableName() string { return "sync_runs" }

// Terminal 是否已结束
func (r *SyncRun) Terminal() bool { return r.Status.Terminal() }

// All 需要迁移的全部模型
func All() []any {
	return []any{&SyncRun{}, &NotificationEvent{}, &ShelfSource{}, &ShelfItem{}}
}

// ProgressPayload progress / succeeded 事件内容
func (r *SyncRun) ProgressPayload() map[string]any {
	return map[string]any{"current": r.ProgressCurrent, "total": r.ProgressTotal}
}

// FailurePayload failed 事件内容
func (r *SyncRun) FailurePayload() map[string]any {
	msg := "failed"
	if r.ErrorMessage != nil {
		msg = *r.ErrorMessage
	}
	return map[string]any{"message": msg, "current": r.ProgressCurrent, "total": r.ProgressTotal}
}
