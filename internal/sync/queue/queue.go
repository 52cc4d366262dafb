// Package queue provides the durable offline action queue.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/tempo/backend/internal/db"
	apperrors "github.com/kimhsiao/tempo/backend/internal/errors"
	"github.com/kimhsiao/tempo/backend/internal/logging"
	"github.com/kimhsiao/tempo/backend/internal/models"
	"github.com/kimhsiao/tempo/backend/internal/network"
	"github.com/kimhsiao/tempo/backend/internal/notify"
	"github.com/kimhsiao/tempo/backend/internal/remote"
	"github.com/kimhsiao/tempo/backend/internal/telemetry"
)

const (
	DefaultCapacity = 1000
	DefaultWorkers  = 4
)

var (
	// ErrQueueFull is returned by Enqueue when the queue is at capacity.
	ErrQueueFull = errors.New("offline queue is full")

	// ErrReplayInProgress is returned by Replay while another replay runs.
	ErrReplayInProgress = errors.New("offline queue replay already running")
)

// Item is one queued action.
type Item = models.OfflineAction

// Handler performs a queued action.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Config configures an OfflineQueue. Zero values select defaults.
type Config struct {
	Capacity int
	Workers  int
	Notifier notify.Notifier
}

// OfflineQueue persists point operations issued while offline and replays
// them once the network returns.
type OfflineQueue struct {
	store    db.ActionStore
	capacity int
	workers  int
	notifier notify.Notifier

	enqueueMu sync.Mutex
	replaying atomic.Bool

	mu       sync.RWMutex
	handlers map[models.ActionKind]Handler
}

// Eviction describes an item dropped from the queue.
type Eviction struct {
	ID         models.UUID       `json:"id"`
	Kind       models.ActionKind `json:"kind"`
	RetryCount int               `json:"retry_count"`
	Reason     string            `json:"reason"`
}

// ReplayReport summarises one replay.
type ReplayReport struct {
	Attempted int        `json:"attempted"`
	Succeeded int        `json:"succeeded"`
	Failed    int        `json:"failed"`
	Evicted   int        `json:"evicted"`
	Deferred  int        `json:"deferred"`
	Remaining int        `json:"remaining"`
	Evictions []Eviction `json:"evictions,omitempty"`

	mu sync.Mutex
}

// Stats summarises the queue contents.
type Stats struct {
	Total    int                       `json:"total"`
	Retrying int                       `json:"retrying"`
	ByKind   map[models.ActionKind]int `json:"by_kind"`
	Oldest   *time.Time                `json:"oldest,omitempty"`
}

// NewOfflineQueue creates a queue backed by store.
func NewOfflineQueue(store db.ActionStore, cfg Config) *OfflineQueue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Discard
	}
	return &OfflineQueue{
		store:    store,
		capacity: cfg.Capacity,
		workers:  cfg.Workers,
		notifier: cfg.Notifier,
		handlers: make(map[models.ActionKind]Handler),
	}
}

// Register sets the handler for an action kind, replacing any previous one.
func (q *OfflineQueue) Register(kind models.ActionKind, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

// RegisterAll registers every handler in the map, typically
// (*remote.Client).ActionHandlers().
func (q *OfflineQueue) RegisterAll(handlers map[models.ActionKind]remote.ActionFunc) {
	for kind, fn := range handlers {
		q.Register(kind, Handler(fn))
	}
}

func (q *OfflineQueue) handler(kind models.ActionKind) (Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[kind]
	return h, ok
}

// Enqueue persists an action. payload may be a json.RawMessage, []byte or
// any value encodable as JSON. The item is on disk when Enqueue returns.
func (q *OfflineQueue) Enqueue(ctx context.Context, kind models.ActionKind, payload interface{}) (*Item, error) {
	if kind == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "action kind is required")
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid action payload", err)
	}

	q.enqueueMu.Lock()
	defer q.enqueueMu.Unlock()

	n, err := q.store.CountActions(ctx)
	if err != nil {
		return nil, err
	}
	if n >= q.capacity {
		return nil, apperrors.Wrap(apperrors.ErrQueueFull, fmt.Sprintf("max size: %d", q.capacity), ErrQueueFull)
	}

	item := &Item{Kind: kind, Payload: raw}
	if err := q.store.SaveAction(ctx, item); err != nil {
		return nil, err
	}

	logging.Debug("Enqueued offline action", map[string]interface{}{
		"id":   item.ID,
		"kind": item.Kind,
	})
	return item, nil
}

func encodePayload(payload interface{}) (json.RawMessage, error) {
	var raw []byte
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return raw, nil
}

// Replay runs every queued action. Actions on the same entity run in
// enqueue order; independent entities run concurrently. A failed action
// stays queued with its retry count raised, and the actions queued after it
// for the same entity wait for the next replay. An action reaching
// models.MaxOfflineRetries failures, or lacking a handler, is evicted.
func (q *OfflineQueue) Replay(ctx context.Context) (*ReplayReport, error) {
	if !q.replaying.CompareAndSwap(false, true) {
		return nil, ErrReplayInProgress
	}
	defer q.replaying.Store(false)

	items, err := q.store.ListActions(ctx)
	if err != nil {
		return nil, err
	}

	report := &ReplayReport{}
	g := new(errgroup.Group)
	g.SetLimit(q.workers)
	for _, group := range groupByTarget(items) {
		group := group
		g.Go(func() error {
			return q.replayGroup(ctx, group, report)
		})
	}
	waitErr := g.Wait()

	if report.Remaining, err = q.store.CountActions(ctx); err != nil && waitErr == nil {
		waitErr = err
	}

	telemetry.RecordCount("queue.succeeded", report.Succeeded, nil)
	telemetry.RecordCount("queue.failed", report.Failed, nil)
	telemetry.RecordCount("queue.evicted", report.Evicted, nil)

	if report.Attempted > 0 || report.Evicted > 0 {
		logging.Info("Offline queue replayed", map[string]interface{}{
			"attempted": report.Attempted,
			"succeeded": report.Succeeded,
			"failed":    report.Failed,
			"evicted":   report.Evicted,
			"remaining": report.Remaining,
		})
		q.notifier.Notify(notify.Notification{
			Level: notify.LevelInfo,
			Event: notify.EventQueueReplayed,
			Title: "Offline changes sent",
			Data: map[string]interface{}{
				"succeeded": report.Succeeded,
				"failed":    report.Failed,
				"remaining": report.Remaining,
			},
			Time: time.Now(),
		})
	}
	for _, ev := range report.Evictions {
		q.notifier.Notify(notify.Notification{
			Level:   notify.LevelWarning,
			Event:   notify.EventQueueEvicted,
			Title:   "An offline change was discarded",
			Message: ev.Reason,
			Data:    map[string]interface{}{"id": ev.ID, "kind": ev.Kind, "retry_count": ev.RetryCount},
			Time:    time.Now(),
		})
	}

	if waitErr != nil {
		return report, apperrors.WrapSync("queue", "replay aborted", waitErr)
	}
	return report, nil
}

// replayGroup processes one entity's actions in order. Only store failures
// are returned.
func (q *OfflineQueue) replayGroup(ctx context.Context, group []*Item, report *ReplayReport) error {
	for i, item := range group {
		if err := ctx.Err(); err != nil {
			report.add(func(r *ReplayReport) { r.Deferred += len(group) - i })
			return nil
		}

		h, ok := q.handler(item.Kind)
		if !ok {
			if err := q.evict(ctx, item, "no handler registered for "+string(item.Kind), report); err != nil {
				return err
			}
			continue
		}

		report.add(func(r *ReplayReport) { r.Attempted++ })
		herr := h(ctx, item.Payload)
		if herr == nil {
			if err := q.store.DeleteAction(ctx, item.ID); err != nil {
				return err
			}
			report.add(func(r *ReplayReport) { r.Succeeded++ })
			continue
		}

		item.RetryCount++
		item.LastError = herr.Error()
		logging.Warn("Offline action failed", map[string]interface{}{
			"id":          item.ID,
			"kind":        item.Kind,
			"retry_count": item.RetryCount,
			"error":       herr.Error(),
		})

		if item.Exhausted() {
			if err := q.evict(ctx, item, herr.Error(), report); err != nil {
				return err
			}
		} else {
			if err := q.store.UpdateAction(ctx, item); err != nil {
				return err
			}
			report.add(func(r *ReplayReport) { r.Failed++ })
		}
		report.add(func(r *ReplayReport) { r.Deferred += len(group) - i - 1 })
		return nil
	}
	return nil
}

func (q *OfflineQueue) evict(ctx context.Context, item *Item, reason string, report *ReplayReport) error {
	if err := q.store.DeleteAction(ctx, item.ID); err != nil {
		return err
	}
	logging.Warn("Evicted offline action", map[string]interface{}{
		"id":          item.ID,
		"kind":        item.Kind,
		"retry_count": item.RetryCount,
		"reason":      reason,
	})
	report.add(func(r *ReplayReport) {
		r.Evicted++
		r.Evictions = append(r.Evictions, Eviction{
			ID:         item.ID,
			Kind:       item.Kind,
			RetryCount: item.RetryCount,
			Reason:     reason,
		})
	})
	return nil
}

func (r *ReplayReport) add(fn func(r *ReplayReport)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r)
}

// groupByTarget splits items by the entity id in their payload, keeping
// enqueue order within and across groups. Items without an id form their
// own group.
func groupByTarget(items []*Item) [][]*Item {
	var groups [][]*Item
	index := make(map[string]int)
	for _, item := range items {
		key := "item:" + item.ID.String()
		if id := targetID(item.Payload); id != "" {
			key = "entity:" + id
		}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], item)
	}
	return groups
}

func targetID(payload json.RawMessage) string {
	var p struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(payload, &p) != nil {
		return ""
	}
	return p.ID
}

// Reconnector reports offline to online transitions; *network.Monitor
// implements it.
type Reconnector interface {
	Reconnected() (<-chan network.Transition, func())
}

// Listen replays the queue on every reconnect until ctx is done.
func (q *OfflineQueue) Listen(ctx context.Context, monitor Reconnector) {
	ch, cancel := monitor.Reconnected()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			if _, err := q.Replay(ctx); err != nil && !errors.Is(err, ErrReplayInProgress) {
				logging.Error("Offline queue replay failed", err, nil)
			}
		}
	}
}

// List returns queued items in enqueue order.
func (q *OfflineQueue) List(ctx context.Context) ([]*Item, error) {
	return q.store.ListActions(ctx)
}

// Size returns the number of queued items.
func (q *OfflineQueue) Size(ctx context.Context) (int, error) {
	return q.store.CountActions(ctx)
}

// Stats returns queue statistics.
func (q *OfflineQueue) Stats(ctx context.Context) (*Stats, error) {
	items, err := q.store.ListActions(ctx)
	if err != nil {
		return nil, err
	}
	s := &Stats{Total: len(items), ByKind: make(map[models.ActionKind]int)}
	for _, item := range items {
		s.ByKind[item.Kind]++
		if item.RetryCount > 0 {
			s.Retrying++
		}
		if s.Oldest == nil || item.Timestamp.Before(*s.Oldest) {
			t := item.Timestamp
			s.Oldest = &t
		}
	}
	return s, nil
}

// Remove drops one item.
func (q *OfflineQueue) Remove(ctx context.Context, id models.UUID) error {
	return q.store.DeleteAction(ctx, id)
}

// Clear removes all items from the queue.
func (q *OfflineQueue) Clear(ctx context.Context) error {
	if err := q.store.ClearActions(ctx); err != nil {
		return err
	}
	logging.Info("Offline queue cleared", nil)
	return nil
}
