// Package scheduler provides background sync scheduling.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/tempo/backend/internal/errors"
	"github.com/kimhsiao/tempo/backend/internal/logging"
	"github.com/kimhsiao/tempo/backend/internal/network"
	syncpkg "github.com/kimhsiao/tempo/backend/internal/sync"
	"github.com/kimhsiao/tempo/backend/internal/sync/queue"
)

// Replayer is the part of the offline queue the scheduler drives.
type Replayer interface {
	Replay(ctx context.Context) (*queue.ReplayReport, error)
	Size(ctx context.Context) (int, error)
}

var _ Replayer = (*queue.OfflineQueue)(nil)

// Scheduler manages background sync operations.
type Scheduler struct {
	engine        syncpkg.SyncEngineInterface
	queue         Replayer
	monitor       *network.Monitor
	syncInterval  time.Duration
	queueInterval time.Duration
	syncTimeout   time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu              sync.RWMutex
	ctx             context.Context
	isRunning       bool
	stopped         bool
	isOnline        bool
	lastSyncTime    time.Time
	syncInProgress  bool
	queueInProgress bool
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval  time.Duration // How often to sync when online (default: 15 minutes)
	QueueInterval time.Duration // How often to retry the offline queue when online (default: 1 minute)
	SyncTimeout   time.Duration // Upper bound for one background sync (default: 5 minutes)

	// Monitor, when set, drives the online status.
	Monitor *network.Monitor
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval:  15 * time.Minute,
		QueueInterval: 1 * time.Minute,
		SyncTimeout:   5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler. q may be nil when no offline queue
// is in use.
func NewScheduler(engine syncpkg.SyncEngineInterface, q Replayer, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	defaults := DefaultSchedulerConfig()
	if config.SyncInterval <= 0 {
		config.SyncInterval = defaults.SyncInterval
	}
	if config.QueueInterval <= 0 {
		config.QueueInterval = defaults.QueueInterval
	}
	if config.SyncTimeout <= 0 {
		config.SyncTimeout = defaults.SyncTimeout
	}

	online := true // Assume online initially
	if config.Monitor != nil {
		online = config.Monitor.Online()
	}

	return &Scheduler{
		engine:        engine,
		queue:         q,
		monitor:       config.Monitor,
		syncInterval:  config.SyncInterval,
		queueInterval: config.QueueInterval,
		syncTimeout:   config.SyncTimeout,
		stopCh:        make(chan struct{}),
		ctx:           context.Background(),
		isOnline:      online,
	}
}

// Start starts the background sync scheduler.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopped = false
	s.ctx = ctx
	s.stopCh = make(chan struct{})
	stop := s.stopCh
	s.wg.Add(2)
	if s.monitor != nil {
		s.wg.Add(1)
	}
	s.mu.Unlock()

	go s.every(ctx, stop, s.syncInterval, func() { s.periodicSync(ctx) })
	go s.every(ctx, stop, s.queueInterval, func() { s.spawn(func() { s.processQueue(ctx) }) })

	if s.monitor != nil {
		transitions, cancel := s.monitor.Subscribe()
		go s.monitorLoop(ctx, stop, transitions, cancel)
	}

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"sync_interval": s.syncInterval.String(),
	})
}

// Stop stops the background sync scheduler and waits for in-flight work.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	// no spawn may call wg.Add once Wait has started
	s.stopped = true
	stop := s.stopCh
	s.mu.Unlock()

	close(stop)
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// SetOnlineStatus changes the online status of the scheduler. Going from
// offline to online runs a silent sync followed by a queue replay.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	ctx := s.ctx
	running := s.isRunning
	s.mu.Unlock()

	if wasOnline == isOnline {
		return
	}
	logging.Info("Online status changed",
		map[string]interface{}{
			"was_online": wasOnline,
			"is_online":  isOnline,
		})

	if isOnline && running {
		s.spawn(func() { s.reconnect(ctx) })
	}
}

// spawn runs fn on a goroutine tracked by Stop. It returns false, without
// running fn, once the scheduler has been stopped.
func (s *Scheduler) spawn(fn func()) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		fn()
	}()
	return true
}

// detach returns a context that outlives ctx but ends when the scheduler
// stops. Work started on behalf of a request uses it.
func (s *Scheduler) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	s.mu.RLock()
	stop := s.stopCh
	s.mu.RUnlock()

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (s *Scheduler) reconnect(ctx context.Context) {
	s.runSync(ctx, true)
	s.processQueue(ctx)
}

func (s *Scheduler) monitorLoop(ctx context.Context, stop <-chan struct{}, transitions <-chan network.Transition, cancel func()) {
	defer s.wg.Done()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case t := <-transitions:
			s.SetOnlineStatus(t.Online)
		}
	}
}

// every calls fn on each tick while online, until ctx is done or Stop.
func (s *Scheduler) every(ctx context.Context, stop <-chan struct{}, interval time.Duration, fn func()) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if s.IsOnline() {
				fn()
			}
		}
	}
}

func (s *Scheduler) periodicSync(ctx context.Context) {
	if s.syncing() {
		logging.Debug("Sync already in progress, skipping", nil)
		return
	}
	s.spawn(func() { s.runSync(ctx, true) })
}

// claim sets flag and reports whether it was clear.
func (s *Scheduler) claim(flag *bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if *flag {
		return false
	}
	*flag = true
	return true
}

func (s *Scheduler) release(flag *bool) {
	s.mu.Lock()
	*flag = false
	s.mu.Unlock()
}

func (s *Scheduler) syncing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.syncInProgress || s.engine.Running()
}

// runSync executes one background sync unless offline or one is running.
func (s *Scheduler) runSync(ctx context.Context, silent bool) {
	if !s.IsOnline() {
		logging.Debug("Skipping sync - scheduler is offline", nil)
		return
	}
	if !s.claim(&s.syncInProgress) {
		return
	}
	defer s.release(&s.syncInProgress)

	if _, err := s.sync(ctx, silent); err != nil {
		logging.ErrorWithCode("Background sync failed", string(apperrors.ErrSyncFailed), err,
			map[string]interface{}{"silent": silent})
	}
}

// sync calls the engine under the sync timeout and records success.
func (s *Scheduler) sync(ctx context.Context, silent bool) (*syncpkg.SyncResult, error) {
	syncCtx, cancel := context.WithTimeout(ctx, s.syncTimeout)
	defer cancel()

	result, err := s.engine.Sync(syncCtx, silent)
	if err == nil && result != nil && result.Outcome == syncpkg.OutcomeSynced {
		s.mu.Lock()
		s.lastSyncTime = result.EndTime
		s.mu.Unlock()
	}
	return result, err
}

// processQueue replays the offline queue once.
func (s *Scheduler) processQueue(ctx context.Context) {
	if s.queue == nil || !s.claim(&s.queueInProgress) {
		return
	}
	defer s.release(&s.queueInProgress)

	n, err := s.queue.Size(ctx)
	if err != nil || n == 0 {
		return
	}

	report, err := s.queue.Replay(ctx)
	if err != nil {
		if !errors.Is(err, queue.ErrReplayInProgress) {
			logging.Error("Offline queue replay failed", err, nil)
		}
		return
	}
	logging.Debug("Queue processing completed",
		map[string]interface{}{"succeeded": report.Succeeded, "remaining": report.Remaining})
}

// TriggerSync starts a silent sync in the background and returns at once.
// The sync keeps ctx's values but not its cancellation, so it survives the
// request that asked for it; Stop still cancels it. Returns false if a sync
// is already in progress or the scheduler has been stopped.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	if s.engine.Running() || !s.claim(&s.syncInProgress) {
		return false
	}
	syncCtx, cancel := s.detach(ctx)
	started := s.spawn(func() {
		defer cancel()
		defer s.release(&s.syncInProgress)
		if !s.IsOnline() {
			return
		}
		if _, err := s.sync(syncCtx, true); err != nil {
			logging.ErrorWithCode("Triggered sync failed", string(apperrors.ErrSyncFailed), err, nil)
		}
	})
	if !started {
		cancel()
		s.release(&s.syncInProgress)
	}
	return started
}

// SyncNow runs a user-initiated sync and waits for it. A sync that is
// already running is reported through the result's Outcome.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.SyncResult, error) {
	if s.claim(&s.syncInProgress) {
		defer s.release(&s.syncInProgress)
	}

	result, err := s.sync(ctx, false)
	if err != nil {
		return result, err
	}
	logging.Info("Manual sync finished", map[string]interface{}{"outcome": result.Outcome})
	return result, nil
}

// SchedulerStatus is a snapshot of the scheduler.
type SchedulerStatus struct {
	IsRunning       bool               `json:"is_running"`
	IsOnline        bool               `json:"is_online"`
	LastSyncTime    *time.Time         `json:"last_sync_time,omitempty"`
	SyncInProgress  bool               `json:"sync_in_progress"`
	QueueInProgress bool               `json:"queue_in_progress"`
	PendingItems    int                `json:"pending_items"`
	EngineStatus    syncpkg.SyncStatus `json:"engine_status"`
	LastError       string             `json:"last_error,omitempty"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus(ctx context.Context) SchedulerStatus {
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning:       s.isRunning,
		IsOnline:        s.isOnline,
		SyncInProgress:  s.syncInProgress || s.engine.Running(),
		QueueInProgress: s.queueInProgress,
		EngineStatus:    s.engine.Status(),
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	s.mu.RUnlock()

	if err := s.engine.LastError(); err != nil {
		status.LastError = err.Error()
	}
	if s.queue != nil {
		if n, err := s.queue.Size(ctx); err == nil {
			status.PendingItems = n
		}
	}
	return status
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
