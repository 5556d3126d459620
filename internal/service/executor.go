package service

import (
	"context"
	"fmt"

	"github.com/d60-Lab/shelfsync/internal/hub"
	"github.com/d60-Lab/shelfsync/internal/model"
	"github.com/d60-Lab/shelfsync/internal/queue"
)

const upsertChunk = 50

func (s *SyncRunService) runAvailabilityRefresh(ctx context.Context, msg queue.Message) error {
	total := 1
	if err := s.progress(ctx, msg.RunID, 0, &total); err != nil {
		return err
	}
	changes, err := s.refresher.Refresh(ctx, msg.OwnerID)
	if err != nil {
		return fmt.Errorf("refresh availability: %w", err)
	}
	for _, change := range changes {
		if _, err := s.notifications.Record(ctx, msg.OwnerID, change); err != nil {
			return fmt.Errorf("record notification: %w", err)
		}
	}
	if err := s.progress(ctx, msg.RunID, 1, &total); err != nil {
		return err
	}
	return s.succeed(ctx, msg.RunID)
}

func (s *SyncRunService) runShelfSourceSync(ctx context.Context, msg queue.Message) error {
	sourceID := msg.SourceID()
	if sourceID == "" {
		return ErrMissingSourceID
	}
	src, err := s.sources.Get(ctx, msg.OwnerID, sourceID)
	if err != nil {
		return fmt.Errorf("load shelf source: %w", err)
	}
	s.markSource(ctx, src.ID, model.SourceSyncRunning, "")

	inputs, err := s.fetcher.Fetch(ctx, src)
	if err != nil {
		return fmt.Errorf("fetch shelf source: %w", err)
	}
	all := make([]model.ShelfItem, 0, len(inputs))
	for _, in := range inputs {
		extID := deriveExternalID(in)
		all = append(all, model.ShelfItem{
			OwnerID:       msg.OwnerID,
			ShelfSourceID: &src.ID,
			ExternalID:    &extID,
			Title:         in.Title,
			Author:        in.Author,
			ISBN10:        in.ISBN10,
			ISBN13:        in.ISBN13,
			ASIN:          in.ASIN,
			Shelf:         in.Shelf,
		})
	}
	all = dedupeByExternalID(all)
	total := len(all)
	if err := s.progress(ctx, msg.RunID, 0, &total); err != nil {
		return err
	}

	for start := 0; start < total; start += upsertChunk {
		end := min(start+upsertChunk, total)
		items := all[start:end]
		if err := s.items.Upsert(ctx, items); err != nil {
			return fmt.Errorf("upsert shelf items: %w", err)
		}
		if err := s.progress(ctx, msg.RunID, end, &total); err != nil {
			return err
		}
	}

	s.markSource(ctx, src.ID, model.SourceSyncSucceeded, "")
	return s.succeed(ctx, msg.RunID)
}

// dedupeByExternalID 同一 external_id 只保留最后一条，位置取首次出现处。
// 同一条 INSERT ... ON CONFLICT 中出现重复键时 Postgres 会报错
func dedupeByExternalID(items []model.ShelfItem) []model.ShelfItem {
	pos := make(map[string]int, len(items))
	out := items[:0:0]
	for _, it := range items {
		if i, ok := pos[*it.ExternalID]; ok {
			out[i] = it
			continue
		}
		pos[*it.ExternalID] = len(out)
		out = append(out, it)
	}
	return out
}

// progress 写入进度后按数据库中的实际值广播，保证推送的进度单调
func (s *SyncRunService) progress(ctx context.Context, runID string, current int, total *int) error {
	if err := s.runs.UpdateProgress(ctx, runID, current, total); err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	run, err := s.runs.Get(ctx, runID)
	if err != nil {
		return fmt.Errorf("reload run: %w", err)
	}
	if !run.Terminal() {
		s.publish(ctx, runID, hub.EventProgress, run.ProgressPayload())
	}
	return nil
}

func (s *SyncRunService) succeed(ctx context.Context, runID string) error {
	if err := s.runs.MarkSucceeded(ctx, runID); err != nil {
		return fmt.Errorf("mark succeeded: %w", err)
	}
	run, err := s.runs.Get(ctx, runID)
	if err != nil {
		return fmt.Errorf("reload run: %w", err)
	}
	if run.Status == model.RunStatusSucceeded {
		s.publish(ctx, runID, hub.EventSucceeded, run.ProgressPayload())
	}
	return nil
}
