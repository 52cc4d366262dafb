package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// ErrMigrationChanged is returned when an applied migration file no longer
// matches the checksum recorded when it ran.
var ErrMigrationChanged = errors.New("applied migration was modified")

// Migrations returns the embedded migration set.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		// the embed pattern guarantees the directory exists
		panic(err)
	}
	return sub
}

// Migration is one row of schema_migrations.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// Migrator applies V<version>__<description>.up.sql files from an fs.FS and
// rolls back with the matching .down.sql.
type Migrator struct {
	db   *sql.DB
	fsys fs.FS
	now  func() time.Time
}

// NewMigrator creates a Migrator reading migration files from fsys.
func NewMigrator(db *sql.DB, fsys fs.FS) *Migrator {
	return &Migrator{db: db, fsys: fsys, now: time.Now}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`)
	return err
}

// CurrentVersion returns the highest applied version, or 0.
func (m *Migrator) CurrentVersion(ctx context.Context) (int, error) {
	var version int
	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// Applied returns the applied migrations in version order.
func (m *Migrator) Applied(ctx context.Context) ([]Migration, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Migration
	for rows.Next() {
		var mig Migration
		var appliedAt int64
		if err := rows.Scan(&mig.Version, &appliedAt, &mig.Description, &mig.Checksum); err != nil {
			return nil, err
		}
		mig.AppliedAt = time.Unix(appliedAt, 0).UTC()
		out = append(out, mig)
	}
	return out, rows.Err()
}

// script is an up or down file loaded from the migration set.
type script struct {
	version     int
	description string
	body        []byte
}

func (s script) checksum() string {
	sum := sha256.Sum256(s.body)
	return hex.EncodeToString(sum[:])
}

// parseName splits V<version>__<description><suffix>.
func parseName(name, suffix string) (int, string, bool) {
	if !strings.HasSuffix(name, suffix) {
		return 0, "", false
	}
	version, desc, ok := strings.Cut(strings.TrimSuffix(name, suffix), "__")
	if !ok || desc == "" || !strings.HasPrefix(version, "V") {
		return 0, "", false
	}
	n, err := strconv.Atoi(version[1:])
	if err != nil || n <= 0 {
		return 0, "", false
	}
	return n, desc, true
}

// scripts loads every file with suffix, keyed and sorted by version.
func (m *Migrator) scripts(suffix string) ([]script, error) {
	entries, err := fs.ReadDir(m.fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	var out []script
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version, desc, ok := parseName(entry.Name(), suffix)
		if !ok {
			continue
		}
		body, err := fs.ReadFile(m.fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}
		out = append(out, script{version: version, description: desc, body: body})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// pending returns the up migrations not yet applied. An applied migration
// whose file changed since it ran fails with ErrMigrationChanged.
func (m *Migrator) pending(ctx context.Context) ([]script, error) {
	applied, err := m.Applied(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}
	recorded := make(map[int]string, len(applied))
	for _, mig := range applied {
		recorded[mig.Version] = mig.Checksum
	}

	ups, err := m.scripts(".up.sql")
	if err != nil {
		return nil, err
	}
	var pending []script
	for _, s := range ups {
		sum, ok := recorded[s.version]
		if !ok {
			pending = append(pending, s)
			continue
		}
		if sum != s.checksum() {
			return nil, fmt.Errorf("V%d__%s: %w", s.version, s.description, ErrMigrationChanged)
		}
	}
	return pending, nil
}

// Up applies every pending migration, each in its own transaction.
func (m *Migrator) Up(ctx context.Context) error {
	pending, err := m.pending(ctx)
	if err != nil {
		return err
	}
	for _, s := range pending {
		err := m.inTx(ctx, s.body, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)`,
				s.version, m.now().Unix(), s.description, s.checksum())
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to apply migration V%d: %w", s.version, err)
		}
	}
	return nil
}

// Down rolls back the latest applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return err
	}
	if current == 0 {
		return errors.New("no migrations to rollback")
	}

	downs, err := m.scripts(".down.sql")
	if err != nil {
		return err
	}
	for _, s := range downs {
		if s.version != current {
			continue
		}
		return m.inTx(ctx, s.body, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", current)
			return err
		})
	}
	return fmt.Errorf("no rollback migration found for version %d", current)
}

// inTx runs body and then record in one transaction.
func (m *Migrator) inTx(ctx context.Context, body []byte, record func(tx *sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(body)); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}
	if err := record(tx); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}
