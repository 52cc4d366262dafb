// Package models provides data model definitions for the Tempo sync core.
package models

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// UUID is a wrapper around string for record identifiers.
// Locally created records carry a UUID v4; records first seen on pull keep
// whatever id the server assigned.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*u = ""
	case []byte:
		*u = UUID(v)
	case string:
		*u = UUID(v)
	default:
		return fmt.Errorf("cannot scan %T into UUID", value)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// SyncStatus is the sole authority for whether a record is dirty.
type SyncStatus string

const (
	StatusPendingCreate SyncStatus = "pending_create"
	StatusPendingUpdate SyncStatus = "pending_update"
	StatusPendingDelete SyncStatus = "pending_delete"
	StatusSynced        SyncStatus = "synced"
	StatusSyncFailed    SyncStatus = "sync_failed"
)

// Valid reports whether s is one of the known statuses.
func (s SyncStatus) Valid() bool {
	switch s {
	case StatusPendingCreate, StatusPendingUpdate, StatusPendingDelete, StatusSynced, StatusSyncFailed:
		return true
	}
	return false
}

// Dirty reports whether a record in this status still needs to reach the server.
func (s SyncStatus) Dirty() bool {
	return s != StatusSynced
}

// Pending reports whether the status is one of the pending_* values.
func (s SyncStatus) Pending() bool {
	return s == StatusPendingCreate || s == StatusPendingUpdate || s == StatusPendingDelete
}

// EntityKind identifies a tracked record type.
type EntityKind string

const (
	KindTask      EntityKind = "task"
	KindGoal      EntityKind = "goal"
	KindEvent     EntityKind = "event"
	KindMilestone EntityKind = "milestone"
)

// Kinds lists every tracked kind in sync order. Goals precede milestones and
// tasks so that parents reach the server before the records that point at them.
func Kinds() []EntityKind {
	return []EntityKind{KindGoal, KindMilestone, KindTask, KindEvent}
}

// SyncMeta is shared by every syncable record.
type SyncMeta struct {
	ID              UUID       `db:"id" json:"id"`
	Status          SyncStatus `db:"status" json:"status"`
	RetryStatus     SyncStatus `db:"retry_status" json:"retry_status,omitempty"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
	ServerUpdatedAt *time.Time `db:"server_updated_at" json:"server_updated_at,omitempty"`
}

// Meta returns the record's sync metadata.
func (m *SyncMeta) Meta() *SyncMeta {
	return m
}

// Touch records a local mutation at now.
func (m *SyncMeta) Touch(now time.Time) {
	m.UpdatedAt = now.UTC()
}

// MarkSynced adopts the canonical server timestamp, if any, and clears dirtiness.
func (m *SyncMeta) MarkSynced(serverUpdatedAt *time.Time) {
	m.Status = StatusSynced
	m.RetryStatus = ""
	if serverUpdatedAt != nil {
		t := serverUpdatedAt.UTC()
		m.ServerUpdatedAt = &t
		m.UpdatedAt = t
	}
}

// Record is any syncable entity, regardless of concrete type.
type Record interface {
	Kind() EntityKind
	Meta() *SyncMeta
}

// New returns an empty record of the given kind.
func New(kind EntityKind) (Record, error) {
	switch kind {
	case KindTask:
		return &Task{}, nil
	case KindGoal:
		return &Goal{}, nil
	case KindEvent:
		return &Event{}, nil
	case KindMilestone:
		return &Milestone{}, nil
	}
	return nil, fmt.Errorf("unknown entity kind %q", kind)
}
