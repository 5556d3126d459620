package service

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/d60-Lab/shelfsync/internal/hub"
	"github.com/d60-Lab/shelfsync/internal/model"
	"github.com/d60-Lab/shelfsync/pkg/logger"
)

// EventPublisher *hub.Registry 实现该接口；nil registry 发布为 no-op
type EventPublisher interface {
	Publish(ctx context.Context, key string, typ hub.EventType, payload map[string]any) error
}

// AvailabilityChange 一条可借阅状态变化
type AvailabilityChange struct {
	ShelfItemID string
	Format      string
	OldStatus   string
	NewStatus   string
	DeepLink    *string
}

// AvailabilityRefresher 查询馆藏并返回状态变化（目录查询由外部实现）
type AvailabilityRefresher interface {
	Refresh(ctx context.Context, ownerID string) ([]AvailabilityChange, error)
}

// ShelfItemInput 从来源解析出的一条书目
type ShelfItemInput struct {
	ExternalID *string
	Title      string
	Author     *string
	ISBN10     *string
	ISBN13     *string
	ASIN       *string
	Shelf      *string
}

// ShelfFetcher 拉取并解析来源（RSS/CSV 解析由外部实现）
type ShelfFetcher interface {
	Fetch(ctx context.Context, src *model.ShelfSource) ([]ShelfItemInput, error)
}

// NopRefresher 未接入目录服务时使用，不产生变化
type NopRefresher struct{}

func (NopRefresher) Refresh(_ context.Context, ownerID string) ([]AvailabilityChange, error) {
	logger.Debug("availability refresher not configured", zap.String("owner", ownerID))
	return nil, nil
}

// NopFetcher 未接入来源解析时使用，返回空列表
type NopFetcher struct{}

func (NopFetcher) Fetch(_ context.Context, src *model.ShelfSource) ([]ShelfItemInput, error) {
	logger.Debug("shelf fetcher not configured", zap.String("source", src.ID))
	return nil, nil
}

// deriveExternalID 来源未提供 id 时按标题+作者生成稳定 id，保证重复同步不产生重复条目
func deriveExternalID(in ShelfItemInput) string {
	if in.ExternalID != nil && *in.ExternalID != "" {
		return *in.ExternalID
	}
	author := ""
	if in.Author != nil {
		author = *in.Author
	}
	key := normalize(in.Title) + "|" + normalize(author)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
