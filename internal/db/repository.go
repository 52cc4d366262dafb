package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/tempo/backend/internal/errors"
	"github.com/kimhsiao/tempo/backend/internal/models"
	"github.com/kimhsiao/tempo/backend/internal/uuid"
)

// cursorKey is the sync_state key holding the pull cursor.
const cursorKey = "pull_cursor"

// ErrNotFound is wrapped by every missing-record error.
var ErrNotFound = stderrors.New("record not found")

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// store implements every record operation against a querier, so the same
// code runs inside and outside a transaction.
type store struct {
	q   querier
	now func() time.Time
}

// Repository is the local Record Store.
type Repository struct {
	store
	db *sql.DB
}

// Tx is a Repository view bound to one SQLite transaction.
type Tx struct {
	store
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{
		store: store{q: db, now: time.Now},
		db:    db,
	}
}

// SetClock replaces the time source used for local mutations.
func (r *Repository) SetClock(now func() time.Time) {
	r.now = now
}

// WithTx runs fn inside a single transaction. Any error returned by fn, or a
// panic, rolls back every write fn made.
func (r *Repository) WithTx(ctx context.Context, fn func(tx *Tx) error) (err error) {
	sqlTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to begin transaction", err)
	}
	defer func() {
		if p := recover(); p != nil {
			sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			sqlTx.Rollback()
		}
	}()

	if err = fn(&Tx{store: store{q: sqlTx, now: r.now}}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to commit transaction", err)
	}
	return nil
}

// IsNotFound reports whether err is a missing-record error.
func IsNotFound(err error) bool {
	return stderrors.Is(err, ErrNotFound)
}

func notFound(kind models.EntityKind, id models.UUID) error {
	return apperrors.Wrap(apperrors.ErrNotFound, fmt.Sprintf("%s %s", kind, id), ErrNotFound)
}

// =====================================================
// Record Operations
// =====================================================

// Get retrieves a record of the given kind by ID.
func (s *store) Get(ctx context.Context, kind models.EntityKind, id models.UUID) (models.Record, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	rec, _ := models.New(kind)

	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", t.selectList(), t.name)
	err = s.q.QueryRowContext(ctx, query, id).Scan(t.scanTargets(rec)...)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, notFound(kind, id)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to get record", err)
	}
	return rec, nil
}

// List returns every record of the given kind, including pending deletes.
func (s *store) List(ctx context.Context, kind models.EntityKind) ([]models.Record, error) {
	return s.query(ctx, kind, "")
}

// ListDirty returns records of the given kind whose status is not synced,
// oldest local change first.
func (s *store) ListDirty(ctx context.Context, kind models.EntityKind) ([]models.Record, error) {
	return s.query(ctx, kind, "WHERE status != 'synced'")
}

func (s *store) query(ctx context.Context, kind models.EntityKind, where string, args ...interface{}) ([]models.Record, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s %s ORDER BY updated_at, id", t.selectList(), t.name, where)
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list records", err)
	}
	defer rows.Close()

	var records []models.Record
	for rows.Next() {
		rec, _ := models.New(kind)
		if err := rows.Scan(t.scanTargets(rec)...); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan record", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Upsert writes r exactly as given, inserting or replacing by ID.
func (s *store) Upsert(ctx context.Context, r models.Record) error {
	t, err := tableFor(r.Kind())
	if err != nil {
		return err
	}
	meta := r.Meta()
	if meta.ID == "" {
		return apperrors.New(apperrors.ErrInvalid, "record has no id")
	}
	if !meta.Status.Valid() {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("invalid sync status %q", meta.Status))
	}

	cols := t.allColumns()
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	updates := make([]string, 0, len(cols)-1)
	for _, c := range cols[1:] {
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", c, c))
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(id) DO UPDATE SET %s",
		t.name, strings.Join(cols, ", "), placeholders, strings.Join(updates, ", "))
	if _, err := s.q.ExecContext(ctx, query, t.row(r)...); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to upsert record", err)
	}
	return nil
}

// Delete removes a record permanently. Deleting a missing record is not an error.
func (s *store) Delete(ctx context.Context, kind models.EntityKind, id models.UUID) error {
	t, err := tableFor(kind)
	if err != nil {
		return err
	}
	if _, err := s.q.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", t.name), id); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to delete record", err)
	}
	return nil
}

// MarkFailed moves a record to sync_failed, remembering the pending status
// it held so RetryFailed can restore it.
func (s *store) MarkFailed(ctx context.Context, kind models.EntityKind, id models.UUID) error {
	t, err := tableFor(kind)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET
		retry_status = CASE WHEN status = 'sync_failed' THEN retry_status ELSE status END,
		status = 'sync_failed'
		WHERE id = ?`, t.name)
	res, err := s.q.ExecContext(ctx, query, id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to mark record failed", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(kind, id)
	}
	return nil
}

// RecordPushFailure counts one more consecutive server-side push failure and
// moves the record to sync_failed once limit failures have accumulated. It
// reports whether the record was marked failed.
func (s *store) RecordPushFailure(ctx context.Context, kind models.EntityKind, id models.UUID, limit int) (bool, error) {
	t, err := tableFor(kind)
	if err != nil {
		return false, err
	}
	var attempts int
	query := fmt.Sprintf("UPDATE %s SET push_attempts = push_attempts + 1 WHERE id = ? RETURNING push_attempts", t.name)
	err = s.q.QueryRowContext(ctx, query, id).Scan(&attempts)
	if stderrors.Is(err, sql.ErrNoRows) {
		return false, notFound(kind, id)
	}
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "failed to count push attempt", err)
	}
	if attempts < limit {
		return false, nil
	}
	return true, s.MarkFailed(ctx, kind, id)
}

// PushAttempts returns the consecutive server-side push failures of a record.
func (s *store) PushAttempts(ctx context.Context, kind models.EntityKind, id models.UUID) (int, error) {
	t, err := tableFor(kind)
	if err != nil {
		return 0, err
	}
	var attempts int
	err = s.q.QueryRowContext(ctx, fmt.Sprintf("SELECT push_attempts FROM %s WHERE id = ?", t.name), id).Scan(&attempts)
	if stderrors.Is(err, sql.ErrNoRows) {
		return 0, notFound(kind, id)
	}
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to read push attempts", err)
	}
	return attempts, nil
}

// MarkPushed records that the server accepted the version of a record whose
// local updated_at was pushedAt. If the row still carries pushedAt it
// becomes synced and adopts serverAt. If it was edited in the meantime it
// stays pending, keeping the newer edit; a pending_create becomes
// pending_update since the server now has it. The result reports whether the
// row was unchanged.
func (s *store) MarkPushed(ctx context.Context, kind models.EntityKind, id models.UUID, pushedAt time.Time, serverAt *time.Time) (bool, error) {
	t, err := tableFor(kind)
	if err != nil {
		return false, err
	}
	server := toNullMillis(serverAt)

	query := fmt.Sprintf(`UPDATE %s SET
		status = 'synced',
		retry_status = '',
		push_attempts = 0,
		server_updated_at = COALESCE(?, server_updated_at),
		updated_at = COALESCE(?, updated_at)
		WHERE id = ? AND updated_at = ?`, t.name)
	res, err := s.q.ExecContext(ctx, query, server, server, id, toMillis(pushedAt))
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "failed to mark record synced", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}

	query = fmt.Sprintf(`UPDATE %s SET
		status = CASE WHEN status = 'pending_create' THEN 'pending_update' ELSE status END,
		retry_status = CASE WHEN retry_status = 'pending_create' THEN 'pending_update' ELSE retry_status END,
		push_attempts = 0,
		server_updated_at = COALESCE(?, server_updated_at)
		WHERE id = ?`, t.name)
	if _, err := s.q.ExecContext(ctx, query, server, id); err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "failed to keep newer local edit", err)
	}
	return false, nil
}

// DeletePushed removes a record whose delete the server confirmed, unless
// the row changed after pushedAt. It reports whether the row was removed.
func (s *store) DeletePushed(ctx context.Context, kind models.EntityKind, id models.UUID, pushedAt time.Time) (bool, error) {
	t, err := tableFor(kind)
	if err != nil {
		return false, err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE id = ? AND updated_at = ? AND status = 'pending_delete'", t.name)
	res, err := s.q.ExecContext(ctx, query, id, toMillis(pushedAt))
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "failed to delete record", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// RetryFailed returns every sync_failed record to the pending status it held
// before failing, and reports how many records were reset.
func (s *store) RetryFailed(ctx context.Context) (int, error) {
	total := 0
	for _, kind := range models.Kinds() {
		t := tables[kind]
		query := fmt.Sprintf(`UPDATE %s SET
			status = CASE WHEN retry_status IN ('pending_create', 'pending_update', 'pending_delete')
				THEN retry_status ELSE 'pending_update' END,
			retry_status = '',
			push_attempts = 0
			WHERE status = 'sync_failed'`, t.name)
		res, err := s.q.ExecContext(ctx, query)
		if err != nil {
			return total, apperrors.Wrap(apperrors.ErrDatabase, "failed to reset failed records", err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	return total, nil
}

// CountByStatus returns the number of records of a kind in each status.
func (s *store) CountByStatus(ctx context.Context, kind models.EntityKind) (map[models.SyncStatus]int, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	rows, err := s.q.QueryContext(ctx, fmt.Sprintf("SELECT status, COUNT(*) FROM %s GROUP BY status", t.name))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to count records", err)
	}
	defer rows.Close()

	counts := make(map[models.SyncStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[models.SyncStatus(status)] = n
	}
	return counts, rows.Err()
}

// =====================================================
// Local Mutations
// =====================================================

// CreateLocal stores a record created on this device. A missing ID is
// assigned a new UUID v4.
func (s *store) CreateLocal(ctx context.Context, r models.Record) error {
	meta := r.Meta()
	if meta.ID == "" {
		meta.ID = uuid.NewRecordID()
	}
	meta.Status = models.StatusPendingCreate
	meta.RetryStatus = ""
	meta.ServerUpdatedAt = nil
	meta.Touch(s.now())
	return s.Upsert(ctx, r)
}

// UpdateLocal stores a local edit in one transaction.
func (r *Repository) UpdateLocal(ctx context.Context, rec models.Record) error {
	return r.WithTx(ctx, func(tx *Tx) error {
		return tx.UpdateLocal(ctx, rec)
	})
}

// DeleteLocal records a local delete in one transaction.
func (r *Repository) DeleteLocal(ctx context.Context, kind models.EntityKind, id models.UUID) error {
	return r.WithTx(ctx, func(tx *Tx) error {
		return tx.DeleteLocal(ctx, kind, id)
	})
}

// UpdateLocal stores a local edit. A record the server has never seen stays
// pending_create; anything else becomes pending_update.
func (s *store) UpdateLocal(ctx context.Context, r models.Record) error {
	meta := r.Meta()
	existing, err := s.Get(ctx, r.Kind(), meta.ID)
	if err != nil {
		return err
	}
	prev := existing.Meta()
	if effectiveStatus(prev) == models.StatusPendingDelete {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("%s %s is pending deletion", r.Kind(), meta.ID))
	}

	meta.Status = models.StatusPendingUpdate
	if effectiveStatus(prev) == models.StatusPendingCreate {
		meta.Status = models.StatusPendingCreate
	}
	meta.RetryStatus = ""
	meta.ServerUpdatedAt = prev.ServerUpdatedAt
	meta.Touch(s.after(prev.UpdatedAt))
	return s.Upsert(ctx, r)
}

// DeleteLocal records a local delete. A record that never reached the server
// is removed outright; otherwise it is tombstoned as pending_delete until the
// server confirms.
func (s *store) DeleteLocal(ctx context.Context, kind models.EntityKind, id models.UUID) error {
	rec, err := s.Get(ctx, kind, id)
	if err != nil {
		return err
	}
	meta := rec.Meta()
	if effectiveStatus(meta) == models.StatusPendingCreate {
		return s.Delete(ctx, kind, id)
	}

	meta.Status = models.StatusPendingDelete
	meta.RetryStatus = ""
	meta.Touch(s.after(meta.UpdatedAt))
	return s.Upsert(ctx, rec)
}

// after returns the current time, moved past prev when the clock has not
// advanced a full millisecond, so every local edit changes updated_at.
func (s *store) after(prev time.Time) time.Time {
	now := s.now()
	if now.UnixMilli() <= prev.UnixMilli() {
		return time.UnixMilli(prev.UnixMilli() + 1)
	}
	return now
}

// effectiveStatus resolves sync_failed to the pending status it replaced.
func effectiveStatus(m *models.SyncMeta) models.SyncStatus {
	if m.Status == models.StatusSyncFailed && m.RetryStatus.Pending() {
		return m.RetryStatus
	}
	return m.Status
}

// =====================================================
// Sync Cursor Operations
// =====================================================

// GetCursor returns the timestamp of the last successful pull, or nil when
// the device has never pulled.
func (s *store) GetCursor(ctx context.Context) (*time.Time, error) {
	var value string
	err := s.q.QueryRowContext(ctx, "SELECT value FROM sync_state WHERE key = ?", cursorKey).Scan(&value)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read sync cursor", err)
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "corrupt sync cursor", err)
	}
	return &t, nil
}

// SetCursor stores the pull cursor.
func (s *store) SetCursor(ctx context.Context, t time.Time) error {
	query := `INSERT INTO sync_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	_, err := s.q.ExecContext(ctx, query, cursorKey, t.UTC().Format(time.RFC3339Nano), s.now().UnixMilli())
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to write sync cursor", err)
	}
	return nil
}

// =====================================================
// ConflictLog Operations
// =====================================================

// CreateConflictLog creates a new conflict log entry.
func (s *store) CreateConflictLog(ctx context.Context, log *models.ConflictLog) error {
	if log.ID == "" {
		log.ID = uuid.NewRecordID()
	}
	if log.DetectedAt == 0 {
		log.DetectedAt = s.now().UnixMilli()
	}
	if log.Resolution == "" {
		log.Resolution = "server_wins"
	}

	query := `
	INSERT INTO conflict_log (id, record_id, kind, local_timestamp, remote_timestamp, resolution, detected_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.q.ExecContext(ctx, query, log.ID, log.RecordID, string(log.Kind),
		log.LocalTimestamp, log.RemoteTimestamp, log.Resolution, log.DetectedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to create conflict log", err)
	}
	return nil
}

// ListConflictLogs returns the most recent conflict log entries.
func (s *store) ListConflictLogs(ctx context.Context, limit int) ([]*models.ConflictLog, error) {
	query := `
	SELECT id, record_id, kind, local_timestamp, remote_timestamp, resolution, detected_at
	FROM conflict_log ORDER BY detected_at DESC, rowid DESC LIMIT ?
	`
	rows, err := s.q.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list conflict logs", err)
	}
	defer rows.Close()

	var logs []*models.ConflictLog
	for rows.Next() {
		var log models.ConflictLog
		var kind string
		if err := rows.Scan(&log.ID, &log.RecordID, &kind, &log.LocalTimestamp,
			&log.RemoteTimestamp, &log.Resolution, &log.DetectedAt); err != nil {
			return nil, err
		}
		log.Kind = models.EntityKind(kind)
		logs = append(logs, &log)
	}
	return logs, rows.Err()
}

// =====================================================
// Offline Queue Operations
// =====================================================

// SaveAction persists a queued offline action.
func (s *store) SaveAction(ctx context.Context, a *models.OfflineAction) error {
	if a.ID == "" {
		a.ID = uuid.NewRecordID()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = s.now().UTC()
	}
	payload := string(a.Payload)
	if payload == "" {
		payload = "null"
	}

	query := `
	INSERT INTO offline_queue (id, kind, payload, timestamp, retry_count, last_error)
	VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.q.ExecContext(ctx, query, a.ID, string(a.Kind), payload,
		a.Timestamp.UnixMilli(), a.RetryCount, a.LastError)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to save offline action", err)
	}
	return nil
}

// UpdateAction stores a new retry count and last error for a queued action.
func (s *store) UpdateAction(ctx context.Context, a *models.OfflineAction) error {
	_, err := s.q.ExecContext(ctx, "UPDATE offline_queue SET retry_count = ?, last_error = ? WHERE id = ?",
		a.RetryCount, a.LastError, a.ID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to update offline action", err)
	}
	return nil
}

// DeleteAction removes a queued action.
func (s *store) DeleteAction(ctx context.Context, id models.UUID) error {
	if _, err := s.q.ExecContext(ctx, "DELETE FROM offline_queue WHERE id = ?", id); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to delete offline action", err)
	}
	return nil
}

// ListActions returns queued actions in enqueue order.
func (s *store) ListActions(ctx context.Context) ([]*models.OfflineAction, error) {
	query := `
	SELECT id, kind, payload, timestamp, retry_count, last_error
	FROM offline_queue ORDER BY timestamp, rowid
	`
	rows, err := s.q.QueryContext(ctx, query)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list offline actions", err)
	}
	defer rows.Close()

	var actions []*models.OfflineAction
	for rows.Next() {
		var a models.OfflineAction
		var kind, payload string
		var ts int64
		if err := rows.Scan(&a.ID, &kind, &payload, &ts, &a.RetryCount, &a.LastError); err != nil {
			return nil, err
		}
		a.Kind = models.ActionKind(kind)
		a.Payload = []byte(payload)
		a.Timestamp = time.UnixMilli(ts).UTC()
		actions = append(actions, &a)
	}
	return actions, rows.Err()
}

// CountActions returns the number of queued actions.
func (s *store) CountActions(ctx context.Context) (int, error) {
	var n int
	if err := s.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM offline_queue").Scan(&n); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to count offline actions", err)
	}
	return n, nil
}

// ClearActions removes every queued action.
func (s *store) ClearActions(ctx context.Context) error {
	if _, err := s.q.ExecContext(ctx, "DELETE FROM offline_queue"); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to clear offline queue", err)
	}
	return nil
}
