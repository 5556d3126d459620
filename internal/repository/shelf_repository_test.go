package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/shelfsync/internal/model"
	"github.com/d60-Lab/shelfsync/internal/testutil"
)

func strPtr(s string) *string { return &s }

func TestShelfSourceOwnershipAndStatus(t *testing.T) {
	repo := NewShelfSourceRepository(testutil.NewDB(t))
	ctx := context.Background()

	src := &model.ShelfSource{OwnerID: "u1", SourceType: model.SourceTypeRSS, Provider: "goodreads", SourceRef: "https://example.com/rss"}
	require.NoError(t, repo.Create(ctx, src))
	require.NotEmpty(t, src.ID)

	_, err := repo.Get(ctx, "u2", src.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, repo.UpdateSyncStatus(ctx, src.ID, model.SourceSyncFailed, "sync queue is not configured"))
	got, err := repo.Get(ctx, "u1", src.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastSyncStatus)
	assert.Equal(t, model.SourceSyncFailed, *got.LastSyncStatus)
	require.NotNil(t, got.LastSyncError)
	assert.Equal(t, "sync queue is not configured", *got.LastSyncError)

	require.NoError(t, repo.UpdateSyncStatus(ctx, src.ID, model.SourceSyncSucceeded, ""))
	got, err = repo.Get(ctx, "u1", src.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SourceSyncSucceeded, *got.LastSyncStatus)
	assert.Nil(t, got.LastSyncError)
	assert.NotNil(t, got.LastSyncedAt)
}

func TestShelfItemUpsertIsIdempotent(t *testing.T) {
	repo := NewShelfItemRepository(testutil.NewDB(t))
	ctx := context.Background()

	batch := func(title string) []model.ShelfItem {
		return []model.ShelfItem{
			{OwnerID: "u1", ShelfSourceID: strPtr("s1"), ExternalID: strPtr("gr-1"), Title: title},
			{OwnerID: "u1", ShelfSourceID: strPtr("s1"), ExternalID: strPtr("gr-2"), Title: "Kindred"},
		}
	}

	require.NoError(t, repo.Upsert(ctx, batch("Dune")))
	require.NoError(t, repo.Upsert(ctx, batch("Dune (Deluxe)")))

	cnt, err := repo.CountBySource(ctx, "u1", "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), cnt)
}
