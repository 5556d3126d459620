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

var ErrNotFound = errors.New("record not found")

// SyncRunRepository 同步任务存储。所有更新都是带 status = running 条件的单条 UPDATE，
// 终态重复写入为 no-op。
type SyncRunRepository interface {
	Create(ctx context.Context, ownerID string, kind model.RunKind) (*model.SyncRun, error)
	Get(ctx context.Context, runID string) (*model.SyncRun, error)
	// UpdateProgress total 为 nil 时保留原值
	UpdateProgress(ctx context.Context, runID string, current int, total *int) error
	MarkSucceeded(ctx context.Context, runID string) error
	MarkFailed(ctx context.Context, runID, message string) error
}

type syncRunRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewSyncRunRepository(db *gorm.DB) SyncRunRepository {
	return &syncRunRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (r *syncRunRepository) Create(ctx context.Context, ownerID string, kind model.RunKind) (*model.SyncRun, error) {
	now := r.now()
	run := &model.SyncRun{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Kind:      kind,
		Status:    model.RunStatusRunning,
		StartedAt: &now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, fmt.Errorf("create sync run: %w", err)
	}
	return run, nil
}

func (r *syncRunRepository) Get(ctx context.Context, runID string) (*model.SyncRun, error) {
	var run model.SyncRun
	err := r.db.WithContext(ctx).Where("id = ?", runID).Take(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *syncRunRepository) UpdateProgress(ctx context.Context, runID string, current int, total *int) error {
	if current < 0 {
		current = 0
	}
	updates := map[string]any{"updated_at": r.now()}
	q := r.db.WithContext(ctx).Model(&model.SyncRun{}).
		Where("id = ? AND status = ?", runID, model.RunStatusRunning)

	if total != nil {
		t := *total
		if t < 0 {
			t = 0
		}
		if current > t {
			current = t
		}
		updates["progress_total"] = t
	} else {
		// total 未知(0)时不限制；已知时不能超过
		q = q.Where("(progress_total = 0 OR progress_total >= ?)", current)
	}
	updates["progress_current"] = current

	// 进度单调不减
	return q.Where("progress_current <= ?", current).Updates(updates).Error
}

func (r *syncRunRepository) MarkSucceeded(ctx context.Context, runID string) error {
	now := r.now()
	return r.db.WithContext(ctx).Model(&model.SyncRun{}).
		Where("id = ? AND status = ?", runID, model.RunStatusRunning).
		Updates(map[string]any{
			"status":           model.RunStatusSucceeded,
			"progress_current": gorm.Expr("progress_total"),
			"finished_at":      now,
			"updated_at":       now,
		}).Error
}

func (r *syncRunRepository) MarkFailed(ctx context.Context, runID, message string) error {
	if message == "" {
		message = "job failed"
	}
	now := r.now()
	return r.db.WithContext(ctx).Model(&model.SyncRun{}).
		Where("id = ? AND status = ?", runID, model.RunStatusRunning).
		Updates(map[string]any{
			"status":        model.RunStatusFailed,
			"error_message": message,
			"finished_at":   now,
			"updated_at":    now,
		}).Error
}
