package models

import (
	"encoding/json"
	"time"
)

// ActionKind names a point operation recorded while offline.
type ActionKind string

const (
	ActionCreateEvent  ActionKind = "create_event"
	ActionUpdateEvent  ActionKind = "update_event"
	ActionDeleteEvent  ActionKind = "delete_event"
	ActionCreateTask   ActionKind = "create_task"
	ActionUpdateTask   ActionKind = "update_task"
	ActionDeleteTask   ActionKind = "delete_task"
	ActionCompleteTask ActionKind = "complete_task"
)

// ActionKinds lists every known offline action.
func ActionKinds() []ActionKind {
	return []ActionKind{
		ActionCreateEvent, ActionUpdateEvent, ActionDeleteEvent,
		ActionCreateTask, ActionUpdateTask, ActionDeleteTask, ActionCompleteTask,
	}
}

// MaxOfflineRetries is the failure count at which a queued action is evicted.
const MaxOfflineRetries = 3

// OfflineAction is a durable queued point operation.
type OfflineAction struct {
	ID         UUID            `db:"id" json:"id"`
	Kind       ActionKind      `db:"kind" json:"kind"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	Timestamp  time.Time       `db:"timestamp" json:"timestamp"`
	RetryCount int             `db:"retry_count" json:"retry_count"`
	LastError  string          `db:"last_error" json:"last_error,omitempty"`
}

// TableName returns the table name for OfflineAction.
func (OfflineAction) TableName() string {
	return "offline_queue"
}

// Exhausted reports whether the action has reached the eviction threshold.
func (a *OfflineAction) Exhausted() bool {
	return a.RetryCount >= MaxOfflineRetries
}
