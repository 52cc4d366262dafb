package models

import "time"

// Task is a to-do item, optionally attached to a goal.
type Task struct {
	SyncMeta
	Title       string     `db:"title" json:"title"`
	Notes       string     `db:"notes" json:"notes,omitempty"`
	DueAt       *time.Time `db:"due_at" json:"due_at,omitempty"`
	Priority    int        `db:"priority" json:"priority"`
	GoalID      *UUID      `db:"goal_id" json:"goal_id,omitempty"`
	Completed   bool       `db:"completed" json:"completed"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// Kind implements Record.
func (*Task) Kind() EntityKind { return KindTask }

// TableName returns the table name for Task.
func (Task) TableName() string { return "tasks" }

// Complete marks the task done at now.
func (t *Task) Complete(now time.Time) {
	at := now.UTC()
	t.Completed = true
	t.CompletedAt = &at
}

// Goal is a long-running objective.
type Goal struct {
	SyncMeta
	Title       string     `db:"title" json:"title"`
	Description string     `db:"description" json:"description,omitempty"`
	TargetDate  *time.Time `db:"target_date" json:"target_date,omitempty"`
	Progress    int        `db:"progress" json:"progress"` // 0..100
}

// Kind implements Record.
func (*Goal) Kind() EntityKind { return KindGoal }

// TableName returns the table name for Goal.
func (Goal) TableName() string { return "goals" }

// Event is a calendar entry.
type Event struct {
	SyncMeta
	Title    string    `db:"title" json:"title"`
	Location string    `db:"location" json:"location,omitempty"`
	StartsAt time.Time `db:"starts_at" json:"starts_at"`
	EndsAt   time.Time `db:"ends_at" json:"ends_at"`
	AllDay   bool      `db:"all_day" json:"all_day"`
}

// Kind implements Record.
func (*Event) Kind() EntityKind { return KindEvent }

// TableName returns the table name for Event.
func (Event) TableName() string { return "events" }

// Duration returns the event length.
func (e *Event) Duration() time.Duration {
	return e.EndsAt.Sub(e.StartsAt)
}

// Milestone is a checkpoint on the way to a goal.
type Milestone struct {
	SyncMeta
	GoalID   UUID       `db:"goal_id" json:"goal_id"`
	Title    string     `db:"title" json:"title"`
	DueAt    *time.Time `db:"due_at" json:"due_at,omitempty"`
	Achieved bool       `db:"achieved" json:"achieved"`
}

// Kind implements Record.
func (*Milestone) Kind() EntityKind { return KindMilestone }

// TableName returns the table name for Milestone.
func (Milestone) TableName() string { return "milestones" }
