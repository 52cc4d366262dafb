package sync

import (
	"context"

	"github.com/kimhsiao/tempo/backend/internal/models"
)

// DirtyStore is the part of the Record Store the scanner reads.
type DirtyStore interface {
	ListDirty(ctx context.Context, kind models.EntityKind) ([]models.Record, error)
	CountByStatus(ctx context.Context, kind models.EntityKind) (map[models.SyncStatus]int, error)
}

// Scanner enumerates records that have not reached the server.
type Scanner struct {
	store DirtyStore
	kinds []models.EntityKind
}

// Counts summarises record statuses across every tracked kind.
type Counts struct {
	ByStatus map[models.SyncStatus]int            `json:"by_status"`
	ByKind   map[models.EntityKind]map[string]int `json:"by_kind"`
	Pending  int                                  `json:"pending"`
	Failed   int                                  `json:"failed"`
}

// NewScanner creates a Scanner over every tracked kind.
func NewScanner(store DirtyStore) *Scanner {
	return &Scanner{store: store, kinds: models.Kinds()}
}

// DirtySet returns every record whose status is not synced, ordered by kind
// registration order, then updated_at, then id.
func (s *Scanner) DirtySet(ctx context.Context) ([]models.Record, error) {
	var dirty []models.Record
	for _, kind := range s.kinds {
		records, err := s.store.ListDirty(ctx, kind)
		if err != nil {
			return nil, err
		}
		dirty = append(dirty, records...)
	}
	return dirty, nil
}

// Pushable returns the dirty set minus sync_failed records, which wait for
// an explicit retry.
func (s *Scanner) Pushable(ctx context.Context) ([]models.Record, error) {
	dirty, err := s.DirtySet(ctx)
	if err != nil {
		return nil, err
	}
	pushable := dirty[:0]
	for _, r := range dirty {
		if r.Meta().Status.Pending() {
			pushable = append(pushable, r)
		}
	}
	return pushable, nil
}

// Counts returns per-status totals.
func (s *Scanner) Counts(ctx context.Context) (*Counts, error) {
	c := &Counts{
		ByStatus: make(map[models.SyncStatus]int),
		ByKind:   make(map[models.EntityKind]map[string]int),
	}
	for _, kind := range s.kinds {
		byStatus, err := s.store.CountByStatus(ctx, kind)
		if err != nil {
			return nil, err
		}
		perKind := make(map[string]int, len(byStatus))
		for status, n := range byStatus {
			c.ByStatus[status] += n
			perKind[string(status)] = n
			switch {
			case status.Pending():
				c.Pending += n
			case status == models.StatusSyncFailed:
				c.Failed += n
			}
		}
		c.ByKind[kind] = perKind
	}
	return c, nil
}
