package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/tempo/backend/internal/db"
	apperrors "github.com/kimhsiao/tempo/backend/internal/errors"
	"github.com/kimhsiao/tempo/backend/internal/models"
	"github.com/kimhsiao/tempo/backend/internal/network"
	"github.com/kimhsiao/tempo/backend/internal/notify"
	"github.com/kimhsiao/tempo/backend/internal/remote"
	"github.com/kimhsiao/tempo/backend/internal/remote/remotetest"
)

var errOffline = errors.New("dial tcp: connection refused")

func newTestQueue(t *testing.T, cfg Config) (*OfflineQueue, *db.Repository) {
	t.Helper()
	conn, err := db.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	repo := db.NewRepository(conn.DB)
	return NewOfflineQueue(repo, cfg), repo
}

func eventPayload(id string) map[string]interface{} {
	return map[string]interface{}{
		"id":        id,
		"title":     "Dentist",
		"starts_at": "2026-03-02T09:00:00Z",
		"ends_at":   "2026-03-02T10:00:00Z",
	}
}

// TestEnqueue_persists verifies items survive a restart.
func TestEnqueue_persists(t *testing.T) {
	dir := t.TempDir()
	conn, err := db.Open(dir)
	require.NoError(t, err)
	q := NewOfflineQueue(db.NewRepository(conn.DB), Config{})

	item, err := q.Enqueue(context.Background(), models.ActionCreateEvent, eventPayload("evt-1"))
	require.NoError(t, err)
	assert.NotEmpty(t, item.ID)
	assert.Zero(t, item.RetryCount)
	assert.False(t, item.Timestamp.IsZero())
	require.NoError(t, conn.Close())

	conn, err = db.Open(dir)
	require.NoError(t, err)
	defer conn.Close()
	items, err := NewOfflineQueue(db.NewRepository(conn.DB), Config{}).List(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, item.ID, items[0].ID)
	assert.Equal(t, models.ActionCreateEvent, items[0].Kind)
	assert.JSONEq(t, `{"id":"evt-1","title":"Dentist","starts_at":"2026-03-02T09:00:00Z","ends_at":"2026-03-02T10:00:00Z"}`, string(items[0].Payload))
}

func TestEnqueue_full(t *testing.T) {
	q, _ := newTestQueue(t, Config{Capacity: 2})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, models.ActionDeleteTask, map[string]string{"id": "a"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, models.ActionDeleteTask, map[string]string{"id": "b"})
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, models.ActionDeleteTask, map[string]string{"id": "c"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrQueueFull))
	assert.True(t, apperrors.Is(err, apperrors.ErrQueueFull))
}

func TestEnqueue_invalid(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "", map[string]string{"id": "a"})
	assert.Error(t, err)

	_, err = q.Enqueue(ctx, models.ActionCreateTask, []byte("{not json"))
	assert.Error(t, err)

	_, err = q.Enqueue(ctx, models.ActionCreateTask, json.RawMessage(`{"id":"ok"}`))
	assert.NoError(t, err)
}

func TestReplay_successRemovesItems(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	var mu sync.Mutex
	var seen []string
	q.Register(models.ActionCreateTask, func(ctx context.Context, payload json.RawMessage) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, targetID(payload))
		return nil
	})
	for _, id := range []string{"t1", "t2", "t3"} {
		_, err := q.Enqueue(ctx, models.ActionCreateTask, map[string]string{"id": id})
		require.NoError(t, err)
	}

	report, err := q.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Attempted)
	assert.Equal(t, 3, report.Succeeded)
	assert.Zero(t, report.Remaining)
	assert.ElementsMatch(t, []string{"t1", "t2", "t3"}, seen)

	n, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// An offline event creation that fails three replays in a row is dropped,
// and no fourth attempt is made.
func TestReplay_evictsAfterThreeFailures(t *testing.T) {
	var rec notify.Recorder
	q, _ := newTestQueue(t, Config{Notifier: &rec})
	ctx := context.Background()

	var calls int32
	q.Register(models.ActionCreateEvent, func(context.Context, json.RawMessage) error {
		atomic.AddInt32(&calls, 1)
		return errOffline
	})
	_, err := q.Enqueue(ctx, models.ActionCreateEvent, eventPayload("evt-1"))
	require.NoError(t, err)

	for i := 1; i <= 2; i++ {
		report, err := q.Replay(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Failed, "replay %d", i)
		assert.Equal(t, 1, report.Remaining, "replay %d", i)
	}

	// two failures: still queued
	items, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 2, items[0].RetryCount)
	assert.Equal(t, errOffline.Error(), items[0].LastError)

	report, err := q.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Evicted)
	assert.Zero(t, report.Remaining)
	require.Len(t, report.Evictions, 1)
	assert.Equal(t, models.MaxOfflineRetries, report.Evictions[0].RetryCount)

	report, err = q.Replay(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Attempted)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
	assert.Contains(t, rec.Events(), notify.EventQueueEvicted)
}

func TestReplay_noHandlerEvicts(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	ctx := context.Background()
	_, err := q.Enqueue(ctx, models.ActionKind("archive_goal"), map[string]string{"id": "g1"})
	require.NoError(t, err)

	report, err := q.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Evicted)
	assert.Zero(t, report.Attempted)
	assert.Contains(t, report.Evictions[0].Reason, "no handler")
	assert.Zero(t, report.Remaining)
}

func TestReplay_sameEntityRunsInOrderAndWaits(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	var completed int32
	q.Register(models.ActionCreateTask, func(context.Context, json.RawMessage) error {
		return errOffline
	})
	q.Register(models.ActionCompleteTask, func(context.Context, json.RawMessage) error {
		atomic.AddInt32(&completed, 1)
		return nil
	})
	_, err := q.Enqueue(ctx, models.ActionCreateTask, map[string]string{"id": "t1"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, models.ActionCompleteTask, map[string]string{"id": "t1"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, models.ActionCompleteTask, map[string]string{"id": "t2"})
	require.NoError(t, err)

	report, err := q.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.Deferred)
	assert.Equal(t, 2, report.Remaining)
	// only t2's completion ran; t1's waits behind its failed create
	assert.EqualValues(t, 1, atomic.LoadInt32(&completed))

	items, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, models.ActionCreateTask, items[0].Kind)
	assert.Equal(t, models.ActionCompleteTask, items[1].Kind)
	assert.Zero(t, items[1].RetryCount)
}

func TestReplay_boundedConcurrency(t *testing.T) {
	q, _ := newTestQueue(t, Config{Workers: 2})
	ctx := context.Background()

	var running, peak int32
	q.Register(models.ActionDeleteTask, func(context.Context, json.RawMessage) error {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	})
	for i := 0; i < 6; i++ {
		_, err := q.Enqueue(ctx, models.ActionDeleteTask, map[string]string{"id": fmt.Sprintf("t%d", i)})
		require.NoError(t, err)
	}

	report, err := q.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, report.Succeeded)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestReplay_singleFlight(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	q.Register(models.ActionDeleteEvent, func(context.Context, json.RawMessage) error {
		close(entered)
		<-release
		return nil
	})
	_, err := q.Enqueue(ctx, models.ActionDeleteEvent, map[string]string{"id": "e1"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := q.Replay(ctx)
		done <- err
	}()
	<-entered

	_, err = q.Replay(ctx)
	assert.ErrorIs(t, err, ErrReplayInProgress)

	close(release)
	require.NoError(t, <-done)
}

func TestListen_replaysOnReconnect(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q.Register(models.ActionDeleteTask, func(context.Context, json.RawMessage) error { return nil })
	_, err := q.Enqueue(ctx, models.ActionDeleteTask, map[string]string{"id": "t1"})
	require.NoError(t, err)

	monitor := network.NewMonitor(network.Config{})
	go q.Listen(ctx, monitor)

	assert.Eventually(t, func() bool {
		monitor.Set(false)
		monitor.Set(true)
		n, err := q.Size(context.Background())
		return err == nil && n == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestReplay_restHandlers(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()
	client := remote.NewClient(remote.Config{BaseURL: srv.URL, Timeout: time.Second})

	q, _ := newTestQueue(t, Config{})
	q.RegisterAll(client.ActionHandlers())
	ctx := context.Background()

	_, err := q.Enqueue(ctx, models.ActionCreateEvent, eventPayload("evt-9"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, models.ActionCreateTask, map[string]interface{}{"id": "t9", "title": "Pack bags"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, models.ActionCompleteTask, map[string]interface{}{"id": "t9"})
	require.NoError(t, err)

	report, err := q.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Succeeded)
	require.NotNil(t, srv.Record("events", "evt-9"))
	assert.Equal(t, true, srv.Record("tasks", "t9")["completed"])
}

func TestStatsRemoveClear(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	a, err := q.Enqueue(ctx, models.ActionCreateTask, map[string]string{"id": "a"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, models.ActionCreateTask, map[string]string{"id": "b"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, models.ActionDeleteEvent, map[string]string{"id": "c"})
	require.NoError(t, err)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByKind[models.ActionCreateTask])
	assert.Zero(t, stats.Retrying)
	require.NotNil(t, stats.Oldest)

	require.NoError(t, q.Remove(ctx, a.ID))
	n, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, q.Clear(ctx))
	n, err = q.Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGroupByTarget(t *testing.T) {
	items := []*Item{
		{ID: "1", Payload: json.RawMessage(`{"id":"x"}`)},
		{ID: "2", Payload: json.RawMessage(`{"id":"y"}`)},
		{ID: "3", Payload: json.RawMessage(`{"id":"x"}`)},
		{ID: "4", Payload: json.RawMessage(`null`)},
	}
	groups := groupByTarget(items)
	require.Len(t, groups, 3)
	assert.Len(t, groups[0], 2)
	assert.Equal(t, models.UUID("3"), groups[0][1].ID)
	assert.Equal(t, models.UUID("4"), groups[2][0].ID)
}
