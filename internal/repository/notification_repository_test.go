package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/shelfsync/internal/model"
	"github.com/d60-Lab/shelfsync/internal/testutil"
)

func seedNotifications(t *testing.T, repo NotificationRepository, ownerID string, n int) []*model.NotificationEvent {
	t.Helper()
	out := make([]*model.NotificationEvent, 0, n)
	for i := 0; i < n; i++ {
		ev, err := repo.Insert(context.Background(), NotificationInsert{
			OwnerID:     ownerID,
			ShelfItemID: "item-1",
			Format:      "ebook",
			OldStatus:   "hold",
			NewStatus:   "available",
		})
		require.NoError(t, err)
		out = append(out, ev)
		time.Sleep(2 * time.Millisecond)
	}
	return out
}

func TestNotificationListOrderAndPaging(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewNotificationRepository(db)
	items := NewShelfItemRepository(db)
	ctx := context.Background()

	author := "Ursula K. Le Guin"
	require.NoError(t, items.Create(ctx, &model.ShelfItem{ID: "item-1", OwnerID: "u1", Title: "The Dispossessed", Author: &author}))
	evs := seedNotifications(t, repo, "u1", 5)
	seedNotifications(t, repo, "u2", 2)

	total, page, err := repo.ListForOwner(ctx, "u1", ListOptions{Limit: 2, Offset: 0})
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	require.Len(t, page, 2)
	assert.Equal(t, evs[4].ID, page[0].ID)
	assert.Equal(t, evs[3].ID, page[1].ID)
	require.NotNil(t, page[0].Title)
	assert.Equal(t, "The Dispossessed", *page[0].Title)

	_, page, err = repo.ListForOwner(ctx, "u1", ListOptions{Limit: 10, Offset: 4})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, evs[0].ID, page[0].ID)
}

func TestNotificationMarkRead(t *testing.T) {
	repo := NewNotificationRepository(testutil.NewDB(t))
	ctx := context.Background()
	evs := seedNotifications(t, repo, "u1", 3)

	ok, err := repo.MarkRead(ctx, evs[0].ID, "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	// 第二次为 no-op
	ok, err = repo.MarkRead(ctx, evs[0].ID, "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.MarkRead(ctx, evs[0].ID, "u2")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.MarkRead(ctx, "missing", "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	unread, err := repo.CountUnread(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), unread)

	total, page, err := repo.ListForOwner(ctx, "u1", ListOptions{Limit: 10, UnreadOnly: true})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, page, 2)
}

func TestNotificationMarkAllRead(t *testing.T) {
	repo := NewNotificationRepository(testutil.NewDB(t))
	ctx := context.Background()
	evs := seedNotifications(t, repo, "u1", 4)
	seedNotifications(t, repo, "u2", 1)

	_, err := repo.MarkRead(ctx, evs[1].ID, "u1")
	require.NoError(t, err)

	n, err := repo.MarkAllRead(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = repo.MarkAllRead(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	other, err := repo.CountUnread(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), other)
}

func TestNotificationLatest(t *testing.T) {
	repo := NewNotificationRepository(testutil.NewDB(t))
	ctx := context.Background()

	_, err := repo.Latest(ctx, "u1")
	assert.ErrorIs(t, err, ErrNotFound)

	evs := seedNotifications(t, repo, "u1", 3)
	latest, err := repo.Latest(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, evs[2].ID, latest.ID)
}
