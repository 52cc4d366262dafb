// Package conflict provides conflict resolution for multi-device synchronization.
// The server is authoritative: a rejected local edit is replaced by the
// server's version.
package conflict

import (
	"context"
	"time"

	"github.com/kimhsiao/tempo/backend/internal/logging"
	"github.com/kimhsiao/tempo/backend/internal/models"
)

// ResolutionStrategy defines how conflicts are resolved.
type ResolutionStrategy string

// ResolutionServerWins replaces the local record with the server's.
const ResolutionServerWins ResolutionStrategy = "server_wins"

// Store is the subset of the Record Store a resolution writes to.
type Store interface {
	Upsert(ctx context.Context, r models.Record) error
	CreateConflictLog(ctx context.Context, log *models.ConflictLog) error
}

// Resolver handles conflict resolution during synchronization.
type Resolver struct {
	strategy ResolutionStrategy
	now      func() time.Time
}

// NewResolver creates a server-wins Resolver.
func NewResolver() *Resolver {
	return &Resolver{
		strategy: ResolutionServerWins,
		now:      time.Now,
	}
}

// Conflict represents a 409 returned for a local change.
type Conflict struct {
	LocalItem  models.Record
	RemoteItem models.Record
}

// ResolveResult represents the outcome of conflict resolution.
type ResolveResult struct {
	WinningItem models.Record // stored locally
	LosingItem  models.Record // discarded local version
	Strategy    ResolutionStrategy
	ConflictLog *models.ConflictLog
}

// Resolve overwrites the local record with the server version, marks it
// synced and records a ConflictLog entry. Both writes go through store, so
// callers pass a transaction to make them atomic.
func (r *Resolver) Resolve(ctx context.Context, store Store, conflict *Conflict) (*ResolveResult, error) {
	if conflict == nil || conflict.LocalItem == nil || conflict.RemoteItem == nil {
		return nil, ErrInvalidConflict
	}
	local, remote := conflict.LocalItem, conflict.RemoteItem
	if local.Kind() != remote.Kind() {
		return nil, ErrKindMismatch
	}
	if local.Meta().ID != remote.Meta().ID {
		return nil, ErrItemIDMismatch
	}

	meta := remote.Meta()
	meta.MarkSynced(meta.ServerUpdatedAt)

	log := &models.ConflictLog{
		RecordID:        meta.ID,
		Kind:            remote.Kind(),
		LocalTimestamp:  local.Meta().UpdatedAt.UnixMilli(),
		RemoteTimestamp: meta.UpdatedAt.UnixMilli(),
		Resolution:      string(r.strategy),
		DetectedAt:      r.now().UnixMilli(),
	}

	if err := store.Upsert(ctx, remote); err != nil {
		return nil, err
	}
	if err := store.CreateConflictLog(ctx, log); err != nil {
		return nil, err
	}

	logging.Info("Conflict resolved, server version kept",
		map[string]interface{}{
			"record_id":        meta.ID,
			"kind":             remote.Kind(),
			"local_timestamp":  log.LocalTimestamp,
			"remote_timestamp": log.RemoteTimestamp,
			"resolution":       log.Resolution,
		})

	return &ResolveResult{
		WinningItem: remote,
		LosingItem:  local,
		Strategy:    r.strategy,
		ConflictLog: log,
	}, nil
}

// Errors
var (
	ErrInvalidConflict = &ConflictError{Message: "invalid conflict: both records must be non-nil"}
	ErrItemIDMismatch  = &ConflictError{Message: "record ID mismatch"}
	ErrKindMismatch    = &ConflictError{Message: "record kind mismatch"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}
