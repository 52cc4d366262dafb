package models

import "time"

// ConflictLog records a resolved concurrent edit for user awareness.
type ConflictLog struct {
	ID              UUID       `db:"id" json:"id"`
	RecordID        UUID       `db:"record_id" json:"record_id"`
	Kind            EntityKind `db:"kind" json:"kind"`
	LocalTimestamp  int64      `db:"local_timestamp" json:"local_timestamp"`   // unix ms
	RemoteTimestamp int64      `db:"remote_timestamp" json:"remote_timestamp"` // unix ms
	Resolution      string     `db:"resolution" json:"resolution"`             // server_wins
	DetectedAt      int64      `db:"detected_at" json:"detected_at"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}
