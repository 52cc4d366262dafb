package sync

import (
	"context"
	"time"
)

// SyncEngineInterface defines the interface for sync engine operations.
// The scheduler and the daemon handlers depend on it so tests can swap in
// a fake.
type SyncEngineInterface interface {
	// Sync performs a push followed by a pull.
	Sync(ctx context.Context, silent bool) (*SyncResult, error)

	// Status returns the current sync status.
	Status() SyncStatus

	// Running reports whether a sync is in flight.
	Running() bool

	// LastSync returns the timestamp of the last successful sync.
	LastSync() *time.Time

	// LastError returns the last error that occurred during sync.
	LastError() error
}

var _ SyncEngineInterface = (*Engine)(nil)
