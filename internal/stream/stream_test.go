package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/shelfsync/internal/hub"
	"github.com/d60-Lab/shelfsync/internal/model"
	"github.com/d60-Lab/shelfsync/internal/repository"
	"github.com/d60-Lab/shelfsync/internal/testutil"
)

const tick = 20 * time.Millisecond

func next(t *testing.T, s Stream) (hub.Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		return ev, ok
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return hub.Event{}, false
	}
}

func intPtr(v int) *int { return &v }

func TestPollRunEmitsChangesAndClosesOnTerminal(t *testing.T) {
	runs := repository.NewSyncRunRepository(testutil.NewDB(t))
	ctx := context.Background()
	run, err := runs.Create(ctx, "u1", model.RunKindAvailabilityRefresh)
	require.NoError(t, err)

	p := PollRun(ctx, runs, run.ID, tick)
	defer p.Close()

	ev, ok := next(t, p)
	require.True(t, ok)
	assert.Equal(t, hub.EventProgress, ev.Type)
	assert.Equal(t, 0, ev.Payload["current"])

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, runs.UpdateProgress(ctx, run.ID, 1, intPtr(2)))
	ev, ok = next(t, p)
	require.True(t, ok)
	assert.Equal(t, hub.EventProgress, ev.Type)
	assert.Equal(t, 1, ev.Payload["current"])
	assert.Equal(t, 2, ev.Payload["total"])

	require.NoError(t, runs.MarkSucceeded(ctx, run.ID))
	ev, ok = next(t, p)
	require.True(t, ok)
	assert.Equal(t, hub.EventSucceeded, ev.Type)
	assert.Equal(t, 2, ev.Payload["current"])

	_, ok = next(t, p)
	assert.False(t, ok)
}

func TestPollRunTerminalUpFront(t *testing.T) {
	runs := repository.NewSyncRunRepository(testutil.NewDB(t))
	ctx := context.Background()
	run, err := runs.Create(ctx, "u1", model.RunKindAvailabilityRefresh)
	require.NoError(t, err)
	require.NoError(t, runs.MarkFailed(ctx, run.ID, "sync queue is not configured"))

	p := PollRun(ctx, runs, run.ID, tick)
	ev, ok := next(t, p)
	require.True(t, ok)
	assert.Equal(t, hub.EventFailed, ev.Type)
	assert.Equal(t, "sync queue is not configured", ev.Payload["message"])

	_, ok = next(t, p)
	assert.False(t, ok)
}

func TestPollRunStopsOnCancel(t *testing.T) {
	runs := repository.NewSyncRunRepository(testutil.NewDB(t))
	ctx, cancel := context.WithCancel(context.Background())
	run, err := runs.Create(ctx, "u1", model.RunKindAvailabilityRefresh)
	require.NoError(t, err)

	p := PollRun(ctx, runs, run.ID, tick)
	_, ok := next(t, p)
	require.True(t, ok)
	cancel()
	_, ok = next(t, p)
	assert.False(t, ok)
}

func TestPollNotifications(t *testing.T) {
	repo := repository.NewNotificationRepository(testutil.NewDB(t))
	ctx := context.Background()

	p := PollNotifications(ctx, repo, "u1", tick)
	defer p.Close()

	// 无通知时不发出事件
	select {
	case <-p.Events():
		t.Fatal("unexpected event")
	case <-time.After(3 * tick):
	}

	n, err := repo.Insert(ctx, repository.NotificationInsert{
		OwnerID: "u1", ShelfItemID: "item-1", Format: "ebook", OldStatus: "hold", NewStatus: "available",
	})
	require.NoError(t, err)

	ev, ok := next(t, p)
	require.True(t, ok)
	assert.Equal(t, hub.EventNotification, ev.Type)
	assert.Equal(t, n.ID, ev.Payload["id"])
	assert.Equal(t, "available", ev.Payload["new_status"])

	// 同一条不会重复发出
	select {
	case ev := <-p.Events():
		t.Fatalf("duplicate event %v", ev)
	case <-time.After(3 * tick):
	}
}
