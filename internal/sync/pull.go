package sync

import (
	"context"
	"time"

	"github.com/kimhsiao/tempo/backend/internal/db"
	apperrors "github.com/kimhsiao/tempo/backend/internal/errors"
	"github.com/kimhsiao/tempo/backend/internal/logging"
	"github.com/kimhsiao/tempo/backend/internal/models"
	"github.com/kimhsiao/tempo/backend/internal/sync/wire"
)

// PullReport summarises one pull pass.
type PullReport struct {
	Changed int        `json:"changed"`
	Deleted int        `json:"deleted"`
	Skipped int        `json:"skipped"`
	Cursor  *time.Time `json:"cursor,omitempty"`
}

// Puller applies server deltas to the local store.
type Puller struct {
	repo *db.Repository
	api  API
}

// NewPuller creates a new Puller.
func NewPuller(repo *db.Repository, api API) *Puller {
	return &Puller{repo: repo, api: api}
}

type deletion struct {
	kind models.EntityKind
	id   models.UUID
}

// Pull fetches every change since the stored cursor and applies it in one
// transaction. The cursor only advances when the whole delta is applied.
// Records the server sends overwrite local ones whatever their status.
func (p *Puller) Pull(ctx context.Context) (*PullReport, error) {
	report := &PullReport{}

	cursor, err := p.repo.GetCursor(ctx)
	if err != nil {
		return report, apperrors.WrapSync("pull", "failed to read cursor", err)
	}
	report.Cursor = cursor

	// taken before the fetch so changes made during it are fetched again next time
	serverTime, err := p.api.ServerTime(ctx)
	if err != nil {
		return report, apperrors.WrapSync("pull", "failed to fetch server time", err)
	}

	var (
		upserts   []models.Record
		deletions []deletion
	)
	for _, codec := range wire.Codecs() {
		changes, err := p.api.Changes(ctx, codec.Resource(), cursor)
		if err != nil {
			return report, apperrors.WrapSync("pull", "failed to fetch "+codec.Resource(), err)
		}
		for _, raw := range changes.Changed {
			r, err := codec.Decode(raw)
			if err != nil {
				report.Skipped++
				logging.Warn("Skipping undecodable server record", map[string]interface{}{
					"resource": codec.Resource(),
					"error":    err.Error(),
				})
				continue
			}
			upserts = append(upserts, r)
		}
		for _, id := range changes.Deleted {
			if id == "" {
				report.Skipped++
				continue
			}
			deletions = append(deletions, deletion{kind: codec.Kind(), id: models.UUID(id)})
		}
	}

	err = p.repo.WithTx(ctx, func(tx *db.Tx) error {
		for _, d := range deletions {
			if err := tx.Delete(ctx, d.kind, d.id); err != nil {
				return err
			}
		}
		for _, r := range upserts {
			if err := tx.Upsert(ctx, r); err != nil {
				return err
			}
		}
		return tx.SetCursor(ctx, serverTime)
	})
	if err != nil {
		return report, apperrors.WrapSync("pull", "failed to apply server changes", err)
	}

	report.Changed = len(upserts)
	report.Deleted = len(deletions)
	report.Cursor = &serverTime

	logging.Debug("Pull applied", map[string]interface{}{
		"changed": report.Changed,
		"deleted": report.Deleted,
		"skipped": report.Skipped,
		"cursor":  wire.FormatTimestamp(serverTime),
	})
	return report, nil
}
