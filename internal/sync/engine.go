// Package sync provides the local-first synchronization engine.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/tempo/backend/internal/db"
	apperrors "github.com/kimhsiao/tempo/backend/internal/errors"
	"github.com/kimhsiao/tempo/backend/internal/logging"
	"github.com/kimhsiao/tempo/backend/internal/notify"
	"github.com/kimhsiao/tempo/backend/internal/remote"
	"github.com/kimhsiao/tempo/backend/internal/sync/conflict"
	"github.com/kimhsiao/tempo/backend/internal/telemetry"
)

// maxErrorHistory bounds the error history kept by an Engine.
const maxErrorHistory = 100

// SyncStatus represents the current engine status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
)

// Outcome is how a single Sync call ended.
type Outcome string

const (
	OutcomeSynced   Outcome = "synced"
	OutcomeFailed   Outcome = "failed"
	OutcomeInFlight Outcome = "in_flight"
	OutcomeNoUser   Outcome = "no_user"
)

// API is the remote surface the engine needs. *remote.Client satisfies it.
type API interface {
	Create(ctx context.Context, resource string, body []byte) ([]byte, error)
	Update(ctx context.Context, resource, id string, body []byte) ([]byte, error)
	Delete(ctx context.Context, resource, id string) error
	Changes(ctx context.Context, resource string, since *time.Time) (*remote.Changes, error)
	ServerTime(ctx context.Context) (time.Time, error)
}

var _ API = (*remote.Client)(nil)

// Session reports the signed-in user.
type Session interface {
	CurrentUser(ctx context.Context) (string, bool)
}

// StaticSession is a Session with a fixed user id. The empty value means
// nobody is signed in.
type StaticSession string

// CurrentUser implements Session.
func (s StaticSession) CurrentUser(context.Context) (string, bool) {
	return string(s), s != ""
}

// State is the single-flight guard for one engine.
type State struct {
	running atomic.Bool
}

// TryAcquire claims the guard. It returns false if a sync already holds it.
func (s *State) TryAcquire() bool {
	return s.running.CompareAndSwap(false, true)
}

// Release frees the guard.
func (s *State) Release() {
	s.running.Store(false)
}

// Running reports whether a sync holds the guard.
func (s *State) Running() bool {
	return s.running.Load()
}

// SyncResult represents the result of a sync operation.
type SyncResult struct {
	Outcome   Outcome       `json:"outcome"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Push      *PushReport   `json:"push,omitempty"`
	Pull      *PullReport   `json:"pull,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// ErrorRecord is one failed sync kept in the error history.
type ErrorRecord struct {
	Time    time.Time `json:"time"`
	Op      string    `json:"op"`
	Kind    string    `json:"kind"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
}

// Options configures an Engine. Zero values select defaults.
type Options struct {
	Session  Session
	Notifier notify.Notifier
	Resolver *conflict.Resolver
	State    *State
	Clock    func() time.Time

	// MaxPushAttempts bounds consecutive server errors per record before
	// it is marked sync_failed. Zero selects DefaultMaxPushAttempts.
	MaxPushAttempts int
}

// Engine sequences push and pull against one local store.
type Engine struct {
	repo     *db.Repository
	scanner  *Scanner
	pusher   *Pusher
	puller   *Puller
	session  Session
	notifier notify.Notifier
	state    *State
	now      func() time.Time

	mu           sync.RWMutex
	status       SyncStatus
	lastSync     *time.Time
	lastErr      error
	errorHistory []ErrorRecord
}

// NewEngine creates a new Engine. Without a Session the engine treats
// nobody as signed in and every Sync is a no-op.
func NewEngine(repo *db.Repository, api API, opts Options) *Engine {
	e := &Engine{
		repo:     repo,
		scanner:  NewScanner(repo),
		pusher:   NewPusher(repo, api, opts.Resolver),
		puller:   NewPuller(repo, api),
		session:  opts.Session,
		notifier: opts.Notifier,
		state:    opts.State,
		now:      opts.Clock,
		status:   SyncStatusIdle,
	}
	if opts.MaxPushAttempts > 0 {
		e.pusher.maxAttempts = opts.MaxPushAttempts
	}
	if e.session == nil {
		e.session = StaticSession("")
	}
	if e.notifier == nil {
		e.notifier = notify.Discard
	}
	if e.state == nil {
		e.state = &State{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Status returns the current sync status.
func (e *Engine) Status() SyncStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// Running reports whether a sync is in flight.
func (e *Engine) Running() bool {
	return e.state.Running()
}

// LastSync returns the timestamp of the last successful sync.
func (e *Engine) LastSync() *time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.lastSync == nil {
		return nil
	}
	t := *e.lastSync
	return &t
}

// LastError returns the error of the most recent sync, nil after a success.
func (e *Engine) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}

// ErrorHistory returns recorded failures, oldest first.
func (e *Engine) ErrorHistory() []ErrorRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]ErrorRecord(nil), e.errorHistory...)
}

// ClearErrorHistory forgets every recorded failure.
func (e *Engine) ClearErrorHistory() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errorHistory = nil
}

// Counts returns per-status record totals.
func (e *Engine) Counts(ctx context.Context) (*Counts, error) {
	return e.scanner.Counts(ctx)
}

// PendingChanges returns the number of records waiting to be pushed.
func (e *Engine) PendingChanges(ctx context.Context) (int, error) {
	c, err := e.scanner.Counts(ctx)
	if err != nil {
		return 0, err
	}
	return c.Pending, nil
}

// RetryFailed returns every sync_failed record to its pending status so the
// next sync pushes it again.
func (e *Engine) RetryFailed(ctx context.Context) (int, error) {
	n, err := e.repo.RetryFailed(ctx)
	if err != nil {
		return n, err
	}
	if n > 0 {
		logging.Info("Reset failed records for retry", map[string]interface{}{"count": n})
	}
	return n, nil
}

// Sync pushes local changes and then pulls remote ones. A call made while
// another sync runs, or with nobody signed in, returns immediately without
// touching the network. Failures are returned as *errors.SyncError.
func (e *Engine) Sync(ctx context.Context, silent bool) (*SyncResult, error) {
	result := &SyncResult{StartTime: e.now()}

	if !e.state.TryAcquire() {
		result.Outcome = OutcomeInFlight
		e.stamp(result)
		logging.Debug("Sync skipped, already running", map[string]interface{}{"silent": silent})
		if !silent {
			e.notifier.Notify(notify.Notification{
				Level: notify.LevelInfo,
				Event: notify.EventSyncInFlight,
				Title: "a sync is already running",
				Code:  string(apperrors.ErrSyncInProgress),
				Time:  result.EndTime,
			})
		}
		return result, nil
	}
	defer func() {
		if p := recover(); p != nil {
			e.mu.Lock()
			e.status = SyncStatusFailed
			e.mu.Unlock()
			e.state.Release()
			panic(p)
		}
		e.state.Release()
	}()

	user, ok := e.session.CurrentUser(ctx)
	if !ok {
		result.Outcome = OutcomeNoUser
		e.stamp(result)
		return result, nil
	}

	e.mu.Lock()
	e.status = SyncStatusSyncing
	e.mu.Unlock()

	logging.Info("Sync started", map[string]interface{}{"user": user, "silent": silent})
	if !silent {
		e.notifier.Notify(notify.Notification{
			Level: notify.LevelInfo,
			Event: notify.EventSyncStarted,
			Title: "Syncing",
			Time:  result.StartTime,
		})
	}

	// Step 1: push local changes
	records, err := e.scanner.Pushable(ctx)
	if err != nil {
		return e.fail(result, apperrors.WrapSync("sync", "failed to scan dirty records", err), silent)
	}
	result.Push, err = e.pusher.Push(ctx, records)
	if err != nil {
		return e.fail(result, err, silent)
	}

	// Step 2: pull remote changes
	result.Pull, err = e.puller.Pull(ctx)
	if err != nil {
		return e.fail(result, err, silent)
	}

	return e.succeed(result, silent), nil
}

// Start runs Sync in the background. The returned Job reports the outcome,
// including a panic inside the sync.
func (e *Engine) Start(ctx context.Context, silent bool) *Job {
	j := &Job{done: make(chan struct{})}
	go func() {
		defer close(j.done)
		defer func() {
			if p := recover(); p != nil {
				j.err = apperrors.NewSync(apperrors.KindInternal, "sync", fmt.Sprintf("sync panicked: %v", p))
			}
		}()
		j.result, j.err = e.Sync(ctx, silent)
	}()
	return j
}

func (e *Engine) stamp(result *SyncResult) {
	result.EndTime = e.now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	record(result)
}

func record(result *SyncResult) {
	telemetry.RecordCount("sync.runs", 1, map[string]string{"outcome": string(result.Outcome)})
	if result.Outcome == OutcomeInFlight || result.Outcome == OutcomeNoUser {
		return
	}
	telemetry.RecordTiming("sync.duration", result.Duration, nil)
	if p := result.Push; p != nil {
		telemetry.RecordCount("push.created", p.Created, nil)
		telemetry.RecordCount("push.updated", p.Updated, nil)
		telemetry.RecordCount("push.deleted", p.Deleted, nil)
		telemetry.RecordCount("push.conflicts", p.Conflicts, nil)
		telemetry.RecordCount("push.failed", p.Failed, nil)
	}
	if p := result.Pull; p != nil {
		telemetry.RecordCount("pull.changed", p.Changed, nil)
		telemetry.RecordCount("pull.deleted", p.Deleted, nil)
		telemetry.RecordCount("pull.skipped", p.Skipped, nil)
	}
}

func (e *Engine) succeed(result *SyncResult, silent bool) *SyncResult {
	result.Outcome = OutcomeSynced
	e.stamp(result)

	e.mu.Lock()
	e.status = SyncStatusIdle
	e.lastErr = nil
	end := result.EndTime
	e.lastSync = &end
	e.mu.Unlock()

	data := map[string]interface{}{
		"pushed":    result.Push.Attempted,
		"conflicts": result.Push.Conflicts,
		"changed":   result.Pull.Changed,
		"deleted":   result.Pull.Deleted,
		"skipped":   result.Pull.Skipped,
	}
	logging.Info("Sync completed", mergeFields(data, map[string]interface{}{"duration_ms": result.Duration.Milliseconds()}))

	if silent {
		return result
	}
	if result.Push.Conflicts > 0 {
		e.notifier.Notify(notify.Notification{
			Level:   notify.LevelInfo,
			Event:   notify.EventSyncConflicts,
			Title:   "Server changes replaced local edits",
			Message: fmt.Sprintf("%d record(s) were updated from the server", result.Push.Conflicts),
			Data:    map[string]interface{}{"conflicts": result.Push.Conflicts},
			Time:    end,
		})
	}
	e.notifier.Notify(notify.Notification{
		Level: notify.LevelSuccess,
		Event: notify.EventSyncCompleted,
		Title: "Sync complete",
		Data:  data,
		Time:  end,
	})
	return result
}

func (e *Engine) fail(result *SyncResult, err error, silent bool) (*SyncResult, error) {
	var se *apperrors.SyncError
	if !errors.As(err, &se) {
		se = apperrors.WrapSync("sync", "sync failed", err)
		err = se
	}

	result.Outcome = OutcomeFailed
	result.Error = err.Error()
	e.stamp(result)

	e.mu.Lock()
	e.status = SyncStatusFailed
	e.lastErr = err
	e.errorHistory = append(e.errorHistory, ErrorRecord{
		Time:    result.EndTime,
		Op:      se.Op,
		Kind:    se.Kind.String(),
		Code:    string(se.Code),
		Message: err.Error(),
	})
	if over := len(e.errorHistory) - maxErrorHistory; over > 0 {
		e.errorHistory = append([]ErrorRecord(nil), e.errorHistory[over:]...)
	}
	e.mu.Unlock()

	logging.ErrorWithCode("Sync failed", string(se.Code), err, map[string]interface{}{
		"kind":   se.Kind.String(),
		"silent": silent,
	})

	if se.Kind.Surfaced(silent) {
		e.notifier.Notify(notify.Notification{
			Level:   notify.LevelError,
			Event:   notify.EventSyncFailed,
			Title:   "Sync failed",
			Message: se.Kind.UserMessage(),
			Code:    string(se.Code),
			Data:    map[string]interface{}{"kind": se.Kind.String()},
			Time:    result.EndTime,
		})
	}
	return result, err
}

func mergeFields(a, b map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

// Job is a sync running in the background.
type Job struct {
	done   chan struct{}
	result *SyncResult
	err    error
}

// Done is closed once the sync has finished.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the sync finishes and returns its outcome.
func (j *Job) Wait() (*SyncResult, error) {
	<-j.done
	return j.result, j.err
}
