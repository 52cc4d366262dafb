package db

import (
	"context"
	"time"

	"github.com/kimhsiao/tempo/backend/internal/models"
)

// RecordStore defines persistence of syncable records.
// Both *Repository and *Tx implement it, so callers can run the same code
// inside or outside a transaction.
type RecordStore interface {
	// Get retrieves a record by kind and ID. Missing records satisfy IsNotFound.
	Get(ctx context.Context, kind models.EntityKind, id models.UUID) (models.Record, error)

	// List returns all records of a kind.
	List(ctx context.Context, kind models.EntityKind) ([]models.Record, error)

	// ListDirty returns records of a kind that still need to reach the server.
	ListDirty(ctx context.Context, kind models.EntityKind) ([]models.Record, error)

	// Upsert writes a record as given.
	Upsert(ctx context.Context, r models.Record) error

	// Delete removes a record permanently.
	Delete(ctx context.Context, kind models.EntityKind, id models.UUID) error

	// MarkFailed moves a record to sync_failed.
	MarkFailed(ctx context.Context, kind models.EntityKind, id models.UUID) error
}

// LocalWriter defines the mutations the application makes on this device.
type LocalWriter interface {
	CreateLocal(ctx context.Context, r models.Record) error
	UpdateLocal(ctx context.Context, r models.Record) error
	DeleteLocal(ctx context.Context, kind models.EntityKind, id models.UUID) error
}

// CursorStore defines persistence of the pull cursor.
type CursorStore interface {
	GetCursor(ctx context.Context) (*time.Time, error)
	SetCursor(ctx context.Context, t time.Time) error
}

// ConflictLogRepository defines operations for conflict log persistence.
type ConflictLogRepository interface {
	// CreateConflictLog creates a new conflict log entry.
	CreateConflictLog(ctx context.Context, log *models.ConflictLog) error
}

// ActionStore defines persistence of the offline action queue.
type ActionStore interface {
	SaveAction(ctx context.Context, a *models.OfflineAction) error
	UpdateAction(ctx context.Context, a *models.OfflineAction) error
	DeleteAction(ctx context.Context, id models.UUID) error
	ListActions(ctx context.Context) ([]*models.OfflineAction, error)
	CountActions(ctx context.Context) (int, error)
	ClearActions(ctx context.Context) error
}

// SyncRepository combines the stores a sync pass touches.
type SyncRepository interface {
	RecordStore
	CursorStore
	ConflictLogRepository
}

// Ensure *Repository and *Tx implement the interfaces at compile time.
var (
	_ RecordStore           = (*Repository)(nil)
	_ LocalWriter           = (*Repository)(nil)
	_ CursorStore           = (*Repository)(nil)
	_ ConflictLogRepository = (*Repository)(nil)
	_ ActionStore           = (*Repository)(nil)
	_ SyncRepository        = (*Repository)(nil)
	_ SyncRepository        = (*Tx)(nil)
)
