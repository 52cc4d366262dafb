// Package notify delivers user-facing sync notifications.
package notify

import (
	"sync"
	"time"

	"github.com/kimhsiao/tempo/backend/internal/logging"
)

// Level is the severity shown to the user.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Event types delivered to clients.
const (
	EventSyncStarted   = "sync.started"
	EventSyncCompleted = "sync.completed"
	EventSyncFailed    = "sync.failed"
	EventSyncInFlight  = "sync.in_flight"
	EventSyncConflicts = "sync.conflict_detected"

	EventQueueReplayed = "queue.replayed"
	EventQueueEvicted  = "queue.evicted"

	EventNetworkChanged = "network.changed"
)

// Notification is one user-facing message.
type Notification struct {
	Level   Level                  `json:"level"`
	Event   string                 `json:"event"`
	Title   string                 `json:"title"`
	Message string                 `json:"message,omitempty"`
	Code    string                 `json:"code,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Time    time.Time              `json:"time"`
}

// Notifier delivers notifications. Implementations must not block for long.
type Notifier interface {
	Notify(n Notification)
}

// Func adapts a function to Notifier.
type Func func(n Notification)

// Notify implements Notifier.
func (f Func) Notify(n Notification) { f(n) }

// Discard drops every notification.
var Discard Notifier = Func(func(Notification) {})

// Multi fans a notification out to several notifiers.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(n Notification) {
	for _, target := range m {
		if target != nil {
			target.Notify(n)
		}
	}
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct{}

// Notify implements Notifier.
func (LogNotifier) Notify(n Notification) {
	fields := map[string]interface{}{
		"event": n.Event,
		"title": n.Title,
	}
	if n.Code != "" {
		fields["code"] = n.Code
	}
	for k, v := range n.Data {
		fields[k] = v
	}
	switch n.Level {
	case LevelError:
		logging.Warn("notification: "+n.Message, fields)
	default:
		logging.Info("notification: "+n.Message, fields)
	}
}

// Recorder keeps every notification in memory.
type Recorder struct {
	mu    sync.Mutex
	items []Notification
}

// Notify implements Notifier.
func (r *Recorder) Notify(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
}

// Notifications returns a copy of everything recorded.
func (r *Recorder) Notifications() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.items...)
}

// Events returns the event names recorded, in order.
func (r *Recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	events := make([]string, len(r.items))
	for i, n := range r.items {
		events[i] = n.Event
	}
	return events
}

// Reset forgets everything recorded.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = nil
}
