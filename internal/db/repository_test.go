package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/tempo/backend/internal/models"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	conn, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	repo := NewRepository(conn.DB)
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	repo.SetClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	})
	return repo
}

func TestRepository_CreateLocalAndGet(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	due := time.Date(2026, 3, 5, 17, 0, 0, 0, time.UTC)
	goal := models.UUID("goal-1")
	task := &models.Task{Title: "Write report", DueAt: &due, Priority: 2, GoalID: &goal}
	require.NoError(t, repo.CreateLocal(ctx, task))
	require.NotEmpty(t, task.ID)

	got, err := repo.Get(ctx, models.KindTask, task.ID)
	require.NoError(t, err)
	loaded := got.(*models.Task)
	assert.Equal(t, models.StatusPendingCreate, loaded.Status)
	assert.Equal(t, "Write report", loaded.Title)
	assert.True(t, due.Equal(*loaded.DueAt))
	require.NotNil(t, loaded.GoalID)
	assert.Equal(t, goal, *loaded.GoalID)
	assert.Nil(t, loaded.ServerUpdatedAt)
	assert.Nil(t, loaded.CompletedAt)
	assert.False(t, loaded.Completed)
}

func TestRepository_GetMissing(t *testing.T) {
	repo := newTestRepo(t)

	_, err := repo.Get(context.Background(), models.KindGoal, "nope")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestRepository_UpdateLocalStatusTransitions(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	// never synced: stays pending_create
	fresh := &models.Goal{Title: "Run a marathon"}
	require.NoError(t, repo.CreateLocal(ctx, fresh))
	fresh.Progress = 10
	require.NoError(t, repo.UpdateLocal(ctx, fresh))
	assert.Equal(t, models.StatusPendingCreate, fresh.Status)

	// synced: becomes pending_update and keeps the server timestamp
	serverAt := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	synced := &models.Goal{SyncMeta: models.SyncMeta{ID: "g-synced", Status: models.StatusSynced, UpdatedAt: serverAt, ServerUpdatedAt: &serverAt}, Title: "Read"}
	require.NoError(t, repo.Upsert(ctx, synced))
	edit := &models.Goal{SyncMeta: models.SyncMeta{ID: "g-synced"}, Title: "Read more"}
	require.NoError(t, repo.UpdateLocal(ctx, edit))

	got, err := repo.Get(ctx, models.KindGoal, "g-synced")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingUpdate, got.Meta().Status)
	require.NotNil(t, got.Meta().ServerUpdatedAt)
	assert.True(t, serverAt.Equal(*got.Meta().ServerUpdatedAt))
	assert.True(t, got.Meta().UpdatedAt.After(serverAt))
}

func TestRepository_DeleteLocal(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	// pending_create is removed outright
	local := &models.Event{Title: "Standup", StartsAt: time.Now().UTC(), EndsAt: time.Now().UTC().Add(time.Hour)}
	require.NoError(t, repo.CreateLocal(ctx, local))
	require.NoError(t, repo.DeleteLocal(ctx, models.KindEvent, local.ID))
	_, err := repo.Get(ctx, models.KindEvent, local.ID)
	assert.True(t, IsNotFound(err))

	// a synced record is tombstoned
	synced := &models.Event{SyncMeta: models.SyncMeta{ID: "e-1", Status: models.StatusSynced, UpdatedAt: time.Now().UTC()}}
	require.NoError(t, repo.Upsert(ctx, synced))
	require.NoError(t, repo.DeleteLocal(ctx, models.KindEvent, "e-1"))
	got, err := repo.Get(ctx, models.KindEvent, "e-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingDelete, got.Meta().Status)

	// editing a tombstone is rejected
	assert.Error(t, repo.UpdateLocal(ctx, &models.Event{SyncMeta: models.SyncMeta{ID: "e-1"}}))
}

func TestRepository_ListDirtyAndCounts(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for id, status := range map[models.UUID]models.SyncStatus{
		"m-1": models.StatusSynced,
		"m-2": models.StatusPendingUpdate,
		"m-3": models.StatusSyncFailed,
		"m-4": models.StatusPendingDelete,
	} {
		require.NoError(t, repo.Upsert(ctx, &models.Milestone{SyncMeta: models.SyncMeta{ID: id, Status: status, UpdatedAt: now}, GoalID: "g"}))
	}

	dirty, err := repo.ListDirty(ctx, models.KindMilestone)
	require.NoError(t, err)
	assert.Len(t, dirty, 3)
	for _, r := range dirty {
		assert.NotEqual(t, models.StatusSynced, r.Meta().Status)
	}

	counts, err := repo.CountByStatus(ctx, models.KindMilestone)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.StatusSynced])
	assert.Equal(t, 1, counts[models.StatusSyncFailed])

	all, err := repo.List(ctx, models.KindMilestone)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestRepository_MarkFailedAndRetry(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	task := &models.Task{Title: "Pay rent"}
	require.NoError(t, repo.CreateLocal(ctx, task))
	require.NoError(t, repo.MarkFailed(ctx, models.KindTask, task.ID))
	// a second failure must not lose the original pending status
	require.NoError(t, repo.MarkFailed(ctx, models.KindTask, task.ID))

	got, err := repo.Get(ctx, models.KindTask, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSyncFailed, got.Meta().Status)
	assert.Equal(t, models.StatusPendingCreate, got.Meta().RetryStatus)

	n, err := repo.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err = repo.Get(ctx, models.KindTask, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingCreate, got.Meta().Status)
	assert.Empty(t, got.Meta().RetryStatus)

	assert.True(t, IsNotFound(repo.MarkFailed(ctx, models.KindTask, "missing")))
}

func TestRepository_Cursor(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	cursor, err := repo.GetCursor(ctx)
	require.NoError(t, err)
	assert.Nil(t, cursor)

	at := time.Date(2026, 3, 1, 12, 30, 0, 123000000, time.UTC)
	require.NoError(t, repo.SetCursor(ctx, at))
	require.NoError(t, repo.SetCursor(ctx, at.Add(time.Minute)))

	cursor, err = repo.GetCursor(ctx)
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.True(t, at.Add(time.Minute).Equal(*cursor))
}

func TestRepository_WithTxRollsBack(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := repo.WithTx(ctx, func(tx *Tx) error {
		require.NoError(t, tx.Upsert(ctx, &models.Goal{SyncMeta: models.SyncMeta{ID: "g-tx", Status: models.StatusSynced, UpdatedAt: time.Now()}}))
		require.NoError(t, tx.SetCursor(ctx, time.Now()))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = repo.Get(ctx, models.KindGoal, "g-tx")
	assert.True(t, IsNotFound(err))
	cursor, err := repo.GetCursor(ctx)
	require.NoError(t, err)
	assert.Nil(t, cursor)

	require.NoError(t, repo.WithTx(ctx, func(tx *Tx) error {
		return tx.Upsert(ctx, &models.Goal{SyncMeta: models.SyncMeta{ID: "g-tx", Status: models.StatusSynced, UpdatedAt: time.Now()}})
	}))
	_, err = repo.Get(ctx, models.KindGoal, "g-tx")
	assert.NoError(t, err)
}

func TestRepository_UpsertRejectsInvalid(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	assert.Error(t, repo.Upsert(ctx, &models.Goal{}))
	assert.Error(t, repo.Upsert(ctx, &models.Goal{SyncMeta: models.SyncMeta{ID: "g", Status: "weird"}}))
}

func TestRepository_ConflictLogs(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.CreateConflictLog(ctx, &models.ConflictLog{RecordID: "t-1", Kind: models.KindTask, LocalTimestamp: 1, RemoteTimestamp: 2}))
	require.NoError(t, repo.CreateConflictLog(ctx, &models.ConflictLog{RecordID: "t-2", Kind: models.KindTask, LocalTimestamp: 3, RemoteTimestamp: 4}))

	logs, err := repo.ListConflictLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, models.UUID("t-2"), logs[0].RecordID)
	assert.Equal(t, "server_wins", logs[0].Resolution)
}

func TestRepository_Actions(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	// same timestamp: insertion order breaks the tie
	require.NoError(t, repo.SaveAction(ctx, &models.OfflineAction{ID: "a-2", Kind: models.ActionCreateTask, Payload: []byte(`{"id":"t"}`), Timestamp: base}))
	require.NoError(t, repo.SaveAction(ctx, &models.OfflineAction{ID: "a-1", Kind: models.ActionCompleteTask, Payload: []byte(`{"id":"t"}`), Timestamp: base}))
	require.NoError(t, repo.SaveAction(ctx, &models.OfflineAction{ID: "a-0", Kind: models.ActionDeleteEvent, Timestamp: base.Add(-time.Minute)}))

	actions, err := repo.ListActions(ctx)
	require.NoError(t, err)
	require.Len(t, actions, 3)
	assert.Equal(t, []models.UUID{"a-0", "a-2", "a-1"}, []models.UUID{actions[0].ID, actions[1].ID, actions[2].ID})
	assert.JSONEq(t, `{"id":"t"}`, string(actions[1].Payload))

	actions[1].RetryCount = 2
	actions[1].LastError = "timeout"
	require.NoError(t, repo.UpdateAction(ctx, actions[1]))
	require.NoError(t, repo.DeleteAction(ctx, "a-0"))

	actions, err = repo.ListActions(ctx)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, 2, actions[0].RetryCount)
	assert.Equal(t, "timeout", actions[0].LastError)

	n, err := repo.CountActions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, repo.ClearActions(ctx))
	n, err = repo.CountActions(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRepository_RecordPushFailure(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	task := &models.Task{Title: "Rejected"}
	require.NoError(t, repo.CreateLocal(ctx, task))

	for i := 1; i < 3; i++ {
		marked, err := repo.RecordPushFailure(ctx, models.KindTask, task.ID, 3)
		require.NoError(t, err)
		assert.False(t, marked, "attempt %d", i)
	}
	marked, err := repo.RecordPushFailure(ctx, models.KindTask, task.ID, 3)
	require.NoError(t, err)
	assert.True(t, marked)

	got, err := repo.Get(ctx, models.KindTask, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSyncFailed, got.Meta().Status)

	n, err := repo.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	attempts, err := repo.PushAttempts(ctx, models.KindTask, task.ID)
	require.NoError(t, err)
	assert.Zero(t, attempts)

	_, err = repo.RecordPushFailure(ctx, models.KindTask, "missing", 3)
	assert.True(t, IsNotFound(err))
}

func TestRepository_MarkPushed(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	serverAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	task := &models.Task{Title: "Pushed"}
	require.NoError(t, repo.CreateLocal(ctx, task))
	pushedAt := task.UpdatedAt

	unchanged, err := repo.MarkPushed(ctx, models.KindTask, task.ID, pushedAt, &serverAt)
	require.NoError(t, err)
	assert.True(t, unchanged)
	got, err := repo.Get(ctx, models.KindTask, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSynced, got.Meta().Status)
	assert.True(t, serverAt.Equal(got.Meta().UpdatedAt))
	require.NotNil(t, got.Meta().ServerUpdatedAt)
	assert.True(t, serverAt.Equal(*got.Meta().ServerUpdatedAt))
}

func TestRepository_MarkPushedKeepsNewerEdit(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	serverAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	task := &models.Task{Title: "first"}
	require.NoError(t, repo.CreateLocal(ctx, task))
	pushedAt := task.UpdatedAt

	edit := &models.Task{SyncMeta: models.SyncMeta{ID: task.ID}, Title: "second"}
	require.NoError(t, repo.UpdateLocal(ctx, edit))

	unchanged, err := repo.MarkPushed(ctx, models.KindTask, task.ID, pushedAt, &serverAt)
	require.NoError(t, err)
	assert.False(t, unchanged)

	got, err := repo.Get(ctx, models.KindTask, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "second", got.(*models.Task).Title)
	assert.Equal(t, models.StatusPendingUpdate, got.Meta().Status)
	require.NotNil(t, got.Meta().ServerUpdatedAt)
	assert.True(t, serverAt.Equal(*got.Meta().ServerUpdatedAt))
}

func TestRepository_DeletePushed(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Upsert(ctx, &models.Goal{SyncMeta: models.SyncMeta{
		ID: "g-1", Status: models.StatusSynced, UpdatedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}}))
	require.NoError(t, repo.DeleteLocal(ctx, models.KindGoal, "g-1"))
	rec, err := repo.Get(ctx, models.KindGoal, "g-1")
	require.NoError(t, err)

	removed, err := repo.DeletePushed(ctx, models.KindGoal, "g-1", rec.Meta().UpdatedAt.Add(-time.Second))
	require.NoError(t, err)
	assert.False(t, removed)

	removed, err = repo.DeletePushed(ctx, models.KindGoal, "g-1", rec.Meta().UpdatedAt)
	require.NoError(t, err)
	assert.True(t, removed)
	_, err = repo.Get(ctx, models.KindGoal, "g-1")
	assert.True(t, IsNotFound(err))
}

func TestRepository_LocalEditsAdvanceUpdatedAt(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	frozen := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	repo.SetClock(func() time.Time { return frozen })

	task := &models.Task{Title: "same instant"}
	require.NoError(t, repo.CreateLocal(ctx, task))
	prev := task.UpdatedAt
	for i := 0; i < 3; i++ {
		edit := &models.Task{SyncMeta: models.SyncMeta{ID: task.ID}, Title: "edit"}
		require.NoError(t, repo.UpdateLocal(ctx, edit))
		assert.True(t, edit.UpdatedAt.After(prev), "edit %d", i)
		prev = edit.UpdatedAt
	}

	got, err := repo.Get(ctx, models.KindTask, task.ID)
	require.NoError(t, err)
	assert.True(t, prev.Equal(got.Meta().UpdatedAt))
}

func TestRepository_ConcurrentLocalEdits(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	task := &models.Task{Title: "start"}
	require.NoError(t, repo.CreateLocal(ctx, task))

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			return repo.UpdateLocal(ctx, &models.Task{SyncMeta: models.SyncMeta{ID: task.ID}, Title: "edit"})
		})
	}
	require.NoError(t, g.Wait())

	got, err := repo.Get(ctx, models.KindTask, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingCreate, got.Meta().Status)
	assert.Nil(t, got.Meta().ServerUpdatedAt)
}

func TestRepository_LocalEditsRollBackWithTx(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Upsert(ctx, &models.Goal{SyncMeta: models.SyncMeta{
		ID: "g-1", Status: models.StatusSynced, UpdatedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}, Title: "kept"}))

	boom := errors.New("boom")
	err := repo.WithTx(ctx, func(tx *Tx) error {
		if err := tx.UpdateLocal(ctx, &models.Goal{SyncMeta: models.SyncMeta{ID: "g-1"}, Title: "lost"}); err != nil {
			return err
		}
		if err := tx.DeleteLocal(ctx, models.KindGoal, "g-1"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := repo.Get(ctx, models.KindGoal, "g-1")
	require.NoError(t, err)
	assert.Equal(t, "kept", got.(*models.Goal).Title)
	assert.Equal(t, models.StatusSynced, got.Meta().Status)
}
