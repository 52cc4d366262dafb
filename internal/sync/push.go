package sync

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/kimhsiao/tempo/backend/internal/db"
	apperrors "github.com/kimhsiao/tempo/backend/internal/errors"
	"github.com/kimhsiao/tempo/backend/internal/logging"
	"github.com/kimhsiao/tempo/backend/internal/models"
	"github.com/kimhsiao/tempo/backend/internal/remote"
	"github.com/kimhsiao/tempo/backend/internal/sync/conflict"
	"github.com/kimhsiao/tempo/backend/internal/sync/wire"
)

// RecordFailure describes one record that did not reach the server.
type RecordFailure struct {
	ID     models.UUID       `json:"id"`
	Kind   models.EntityKind `json:"kind"`
	Status models.SyncStatus `json:"status"`
	Class  apperrors.Kind    `json:"-"`
	Err    error             `json:"-"`
	Error  string            `json:"error"`
}

// PushReport summarises one push pass.
type PushReport struct {
	Attempted    int             `json:"attempted"`
	Created      int             `json:"created"`
	Updated      int             `json:"updated"`
	Deleted      int             `json:"deleted"`
	Conflicts    int             `json:"conflicts"`
	Failed       int             `json:"failed"`
	AuthFailures int             `json:"auth_failures"`
	Failures     []RecordFailure `json:"failures,omitempty"`
}

// DefaultMaxPushAttempts is the number of consecutive server errors after
// which a record is moved to sync_failed.
const DefaultMaxPushAttempts = 3

// Pusher sends local changes to the server, one record at a time.
type Pusher struct {
	repo        *db.Repository
	api         API
	resolver    *conflict.Resolver
	maxAttempts int
}

// NewPusher creates a new Pusher.
func NewPusher(repo *db.Repository, api API, resolver *conflict.Resolver) *Pusher {
	if resolver == nil {
		resolver = conflict.NewResolver()
	}
	return &Pusher{repo: repo, api: api, resolver: resolver, maxAttempts: DefaultMaxPushAttempts}
}

// Push sends every pending record in order. Records that are synced or
// sync_failed are ignored. The report is always returned; the error is a
// *errors.SyncError when any record failed.
func (p *Pusher) Push(ctx context.Context, records []models.Record) (*PushReport, error) {
	report := &PushReport{}

	for _, r := range records {
		if !r.Meta().Status.Pending() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, apperrors.WrapSync("push", "push cancelled", err)
		}
		report.Attempted++

		if err := p.pushOne(ctx, r, report); err != nil {
			// local store failure, nothing later can succeed either
			return report, apperrors.WrapSync("push", "failed to record push outcome", err)
		}
	}

	report.Failed = len(report.Failures)
	if err := p.markFailed(ctx, report); err != nil {
		return report, apperrors.WrapSync("push", "failed to mark records as failed", err)
	}

	if report.AuthFailures > 0 {
		var authErr error
		for _, f := range report.Failures {
			if f.Class == apperrors.KindAuth {
				authErr = f.Err
				break
			}
		}
		return report, &apperrors.SyncError{
			Kind:    apperrors.KindAuth,
			Code:    apperrors.ErrSyncAuthFailed,
			Op:      "push",
			Message: "authentication failed",
			Err:     authErr,
		}
	}

	if report.Failed > 0 {
		kind := report.Failures[0].Class
		for _, f := range report.Failures[1:] {
			kind = apperrors.MoreSevere(kind, f.Class)
		}
		return report, &apperrors.SyncError{
			Kind:    kind,
			Code:    apperrors.ErrPushIncomplete,
			Op:      "push",
			Message: fmt.Sprintf("push incomplete: %d of %d records failed", report.Failed, report.Attempted),
			Err:     report.Failures[0].Err,
		}
	}

	return report, nil
}

// pushOne dispatches a record by status. Remote failures are recorded in the
// report; only local store failures are returned.
func (p *Pusher) pushOne(ctx context.Context, r models.Record, report *PushReport) error {
	meta := r.Meta()
	codec, err := wire.For(r.Kind())
	if err != nil {
		p.fail(report, r, apperrors.KindValidation, err)
		return nil
	}

	var resp []byte
	switch meta.Status {
	case models.StatusPendingCreate, models.StatusPendingUpdate:
		body, encErr := codec.Encode(r)
		if encErr != nil {
			p.fail(report, r, apperrors.KindValidation, encErr)
			return nil
		}
		if meta.Status == models.StatusPendingCreate {
			resp, err = p.api.Create(ctx, codec.Resource(), body)
		} else {
			resp, err = p.api.Update(ctx, codec.Resource(), meta.ID.String(), body)
		}
	case models.StatusPendingDelete:
		err = p.api.Delete(ctx, codec.Resource(), meta.ID.String())
	}

	if err != nil {
		return p.handleError(ctx, codec, r, err, report)
	}

	switch meta.Status {
	case models.StatusPendingCreate:
		report.Created++
	case models.StatusPendingUpdate:
		report.Updated++
	case models.StatusPendingDelete:
		report.Deleted++
		return p.repo.WithTx(ctx, func(tx *db.Tx) error {
			_, err := tx.DeletePushed(ctx, r.Kind(), meta.ID, meta.UpdatedAt)
			return err
		})
	}

	serverAt, tsErr := wire.ServerUpdatedAt(resp)
	if tsErr != nil {
		// keep the local timestamp rather than store an unparseable one
		logging.Warn("Ignoring server updated_at in push response", map[string]interface{}{
			"record_id": meta.ID,
			"kind":      r.Kind(),
			"error":     tsErr.Error(),
		})
		serverAt = nil
	}

	var unchanged bool
	err = p.repo.WithTx(ctx, func(tx *db.Tx) error {
		var markErr error
		unchanged, markErr = tx.MarkPushed(ctx, r.Kind(), meta.ID, meta.UpdatedAt, serverAt)
		return markErr
	})
	if err != nil || unchanged {
		return err
	}
	logging.Debug("Record changed during push, keeping local edit", map[string]interface{}{
		"record_id": meta.ID,
		"kind":      r.Kind(),
	})
	if meta.Status == models.StatusPendingCreate {
		return p.dropOrphan(ctx, codec, r)
	}
	return nil
}

// dropOrphan deletes a just-created server copy when the local record was
// discarded while the create was in flight.
func (p *Pusher) dropOrphan(ctx context.Context, codec wire.Codec, r models.Record) error {
	id := r.Meta().ID
	if _, err := p.repo.Get(ctx, r.Kind(), id); !db.IsNotFound(err) {
		return err
	}
	if err := p.api.Delete(ctx, codec.Resource(), id.String()); err != nil {
		logging.Warn("Failed to delete server copy of discarded record", map[string]interface{}{
			"record_id": id,
			"kind":      r.Kind(),
			"error":     err.Error(),
		})
	}
	return nil
}

func (p *Pusher) handleError(ctx context.Context, codec wire.Codec, r models.Record, err error, report *PushReport) error {
	kind := apperrors.Classify(err)
	if kind != apperrors.KindConflict {
		if kind == apperrors.KindAuth {
			report.AuthFailures++
		}
		p.fail(report, r, kind, err)
		return nil
	}

	var se *remote.StatusError
	if !stderrors.As(err, &se) || len(se.ServerRecord) == 0 {
		p.fail(report, r, apperrors.KindValidation, fmt.Errorf("conflict without server record: %w", err))
		return nil
	}
	serverRecord, decErr := codec.Decode(se.ServerRecord)
	if decErr != nil {
		p.fail(report, r, apperrors.KindValidation, fmt.Errorf("undecodable conflict record: %w", decErr))
		return nil
	}

	txErr := p.repo.WithTx(ctx, func(tx *db.Tx) error {
		_, resolveErr := p.resolver.Resolve(ctx, tx, &conflict.Conflict{LocalItem: r, RemoteItem: serverRecord})
		return resolveErr
	})
	if conflict.IsConflictError(txErr) {
		p.fail(report, r, apperrors.KindValidation, txErr)
		return nil
	}
	if txErr != nil {
		return txErr
	}
	report.Conflicts++
	return nil
}

func (p *Pusher) fail(report *PushReport, r models.Record, kind apperrors.Kind, err error) {
	meta := r.Meta()
	report.Failures = append(report.Failures, RecordFailure{
		ID:     meta.ID,
		Kind:   r.Kind(),
		Status: meta.Status,
		Class:  kind,
		Err:    err,
		Error:  err.Error(),
	})
	logging.Warn("Failed to push record", map[string]interface{}{
		"record_id": meta.ID,
		"kind":      r.Kind(),
		"status":    meta.Status,
		"class":     kind.String(),
		"error":     err.Error(),
	})
}

// markFailed moves records with non-retryable failures to sync_failed in
// one transaction. Server errors count toward maxAttempts and mark the
// record once the bound is reached. Network and auth failures stay pending.
func (p *Pusher) markFailed(ctx context.Context, report *PushReport) error {
	var failed []RecordFailure
	for _, f := range report.Failures {
		if f.Class == apperrors.KindServer || (!f.Class.Retryable() && f.Class != apperrors.KindAuth) {
			failed = append(failed, f)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return p.repo.WithTx(ctx, func(tx *db.Tx) error {
		for _, f := range failed {
			if f.Class != apperrors.KindServer {
				if err := tx.MarkFailed(ctx, f.Kind, f.ID); err != nil {
					return err
				}
				continue
			}
			marked, err := tx.RecordPushFailure(ctx, f.Kind, f.ID, p.maxAttempts)
			if db.IsNotFound(err) {
				continue
			}
			if err != nil {
				return err
			}
			if marked {
				logging.Warn("Giving up on record after repeated server errors", map[string]interface{}{
					"record_id": f.ID,
					"kind":      f.Kind,
					"attempts":  p.maxAttempts,
				})
			}
		}
		return nil
	})
}
