package repository

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/shelfsync/internal/model"
	"github.com/d60-Lab/shelfsync/internal/testutil"
)

func intPtr(v int) *int { return &v }

func TestSyncRunCreateAndGet(t *testing.T) {
	repo := NewSyncRunRepository(testutil.NewDB(t))
	ctx := context.Background()

	run, err := repo.Create(ctx, "u1", model.RunKindAvailabilityRefresh)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, run.Status)

	got, err := repo.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.OwnerID)
	assert.Equal(t, model.RunKindAvailabilityRefresh, got.Kind)
	assert.Equal(t, 0, got.ProgressCurrent)
	assert.Equal(t, 0, got.ProgressTotal)
	assert.NotNil(t, got.StartedAt)
	assert.Nil(t, got.FinishedAt)
	assert.Nil(t, got.ErrorMessage)

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSyncRunProgressIsMonotonic(t *testing.T) {
	repo := NewSyncRunRepository(testutil.NewDB(t))
	ctx := context.Background()
	run, err := repo.Create(ctx, "u1", model.RunKindShelfSourceSync)
	require.NoError(t, err)

	require.NoError(t, repo.UpdateProgress(ctx, run.ID, 0, intPtr(10)))
	require.NoError(t, repo.UpdateProgress(ctx, run.ID, 4, nil))
	// 回退被忽略
	require.NoError(t, repo.UpdateProgress(ctx, run.ID, 2, nil))

	got, err := repo.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.ProgressCurrent)
	assert.Equal(t, 10, got.ProgressTotal)

	// 超过 total 被截断
	require.NoError(t, repo.UpdateProgress(ctx, run.ID, 50, intPtr(10)))
	got, err = repo.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.ProgressCurrent)

	// total 已知时，不带 total 的越界更新不生效
	require.NoError(t, repo.UpdateProgress(ctx, run.ID, 11, nil))
	got, err = repo.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.ProgressCurrent)
}

func TestSyncRunMarkSucceededIsTerminal(t *testing.T) {
	repo := NewSyncRunRepository(testutil.NewDB(t))
	ctx := context.Background()
	run, err := repo.Create(ctx, "u1", model.RunKindAvailabilityRefresh)
	require.NoError(t, err)

	require.NoError(t, repo.UpdateProgress(ctx, run.ID, 0, intPtr(3)))
	require.NoError(t, repo.MarkSucceeded(ctx, run.ID))

	got, err := repo.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSucceeded, got.Status)
	assert.Equal(t, 3, got.ProgressCurrent)
	assert.Equal(t, got.ProgressTotal, got.ProgressCurrent)
	require.NotNil(t, got.FinishedAt)
	finished := *got.FinishedAt

	// 重复终态写入为 no-op
	require.NoError(t, repo.MarkSucceeded(ctx, run.ID))
	require.NoError(t, repo.MarkFailed(ctx, run.ID, "late failure"))
	require.NoError(t, repo.UpdateProgress(ctx, run.ID, 3, intPtr(9)))

	again, err := repo.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSucceeded, again.Status)
	assert.Nil(t, again.ErrorMessage)
	assert.Equal(t, 3, again.ProgressTotal)
	assert.True(t, finished.Equal(*again.FinishedAt))
}

func TestSyncRunMarkFailed(t *testing.T) {
	repo := NewSyncRunRepository(testutil.NewDB(t))
	ctx := context.Background()
	run, err := repo.Create(ctx, "u1", model.RunKindAvailabilityRefresh)
	require.NoError(t, err)

	require.NoError(t, repo.MarkFailed(ctx, run.ID, "sync queue is not configured"))
	require.NoError(t, repo.MarkFailed(ctx, run.ID, "second"))
	require.NoError(t, repo.MarkSucceeded(ctx, run.ID))

	got, err := repo.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "sync queue is not configured", *got.ErrorMessage)
	assert.NotNil(t, got.FinishedAt)
}

func TestSyncRunConcurrentTerminalWrites(t *testing.T) {
	repo := NewSyncRunRepository(testutil.NewDB(t))
	ctx := context.Background()
	run, err := repo.Create(ctx, "u1", model.RunKindAvailabilityRefresh)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				assert.NoError(t, repo.MarkSucceeded(ctx, run.ID))
			} else {
				assert.NoError(t, repo.MarkFailed(ctx, run.ID, "boom"))
			}
		}(i)
	}
	wg.Wait()

	got, err := repo.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, got.Terminal())
	if got.Status == model.RunStatusSucceeded {
		assert.Nil(t, got.ErrorMessage)
	} else {
		assert.NotNil(t, got.ErrorMessage)
	}
}
