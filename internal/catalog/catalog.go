// bitcalm - Host Backup Agent
// Copyright 2026 The bitcalm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bitcalm/agent

// Package catalog wraps the SQLite "backup" table (spec.md §3,
// "BackupCatalog") that doubles as the incremental-baseline oracle and the
// per-backup manifest uploaded to the object store on completion. Opened
// via database/sql + modernc.org/sqlite. A DB handle stays open until
// Close; the daemon opens one at startup and closes it at exit, so the
// file is not reopened per operation. Concurrent cross-process access is
// not handled.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"

	json "github.com/goccy/go-json"
	_ "modernc.org/sqlite"
)

// HashKeyMarker is the catalog's hash_key column value for rows written by
// the current (hash-key) object layout. The original source used this
// column to distinguish compression/versioning variants; the Go port only
// ever writes HashKeyMarker (spec.md 4.3 phase 1 step 4: "Insert (path,
// hash_key=1, ...)").
const HashKeyMarker = 1

// Entry is one row of the backup catalog (spec.md §3).
type Entry struct {
	Path     string
	HashKey  int
	MTime    float64 // unix seconds, fractional
	Size     int64
	Mode     uint32
	UID      int
	GID      int
	Compress bool
	BackupID int
}

// DB wraps a *sql.DB opened against the catalog file, applying schema
// creation/upgrade on Open (spec.md §6, "schema upgrades are idempotent
// ADD COLUMN attempts, ignoring already-exists errors").
type DB struct {
	sql *sql.DB
}

// Open opens (creating if necessary) the catalog at path and ensures its
// schema is current.
func Open(ctx context.Context, path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("catalog: opening %s: %w", path, err)
	}
	d := &DB{sql: sqlDB}
	if err := d.migrate(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return d, nil
}

// Close closes the underlying connection pool.
func (d *DB) Close() error { return d.sql.Close() }

func (d *DB) migrate(ctx context.Context) error {
	_, err := d.sql.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS backup (
		path TEXT PRIMARY KEY,
		hash_key INTEGER,
		mtime REAL,
		size INTEGER,
		mode INTEGER,
		uid INTEGER,
		gid INTEGER,
		compress INTEGER,
		backup_id INTEGER
	)`)
	if err != nil {
		return fmt.Errorf("catalog: creating table: %w", err)
	}

	// Idempotent ADD COLUMN attempts for schema upgrades between releases
	// (spec.md §6). SQLite has no "ADD COLUMN IF NOT EXISTS"; ignore the
	// "duplicate column name" error it returns instead.
	for _, stmt := range []string{
		`ALTER TABLE backup ADD COLUMN backup_id INTEGER`,
	} {
		if _, err := d.sql.ExecContext(ctx, stmt); err != nil && !isDuplicateColumn(err) {
			return fmt.Errorf("catalog: schema upgrade %q: %w", stmt, err)
		}
	}
	return nil
}

func isDuplicateColumn(err error) bool {
	// modernc.org/sqlite reports this as a plain error string; matching by
	// substring is the only portable option without importing its error
	// codes package solely for this one check.
	return err != nil && (strings.Contains(err.Error(), "duplicate column name") || strings.Contains(err.Error(), "already exists"))
}

// Upsert inserts or replaces e by its path (spec.md 4.3 phase 1 step 4;
// 4.3 "Idempotence": "catalog insertion is upsert").
func (d *DB) Upsert(ctx context.Context, e Entry) error {
	compress := 0
	if e.Compress {
		compress = 1
	}
	_, err := d.sql.ExecContext(ctx, `INSERT INTO backup
		(path, hash_key, mtime, size, mode, uid, gid, compress, backup_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			hash_key=excluded.hash_key, mtime=excluded.mtime, size=excluded.size,
			mode=excluded.mode, uid=excluded.uid, gid=excluded.gid,
			compress=excluded.compress, backup_id=excluded.backup_id`,
		e.Path, e.HashKey, e.MTime, e.Size, e.Mode, e.UID, e.GID, compress, e.BackupID)
	if err != nil {
		return fmt.Errorf("catalog: upserting %s: %w", e.Path, err)
	}
	return nil
}

// Lookup returns the catalog row for path, and whether it exists — the
// incremental-baseline oracle of spec.md §3.
func (d *DB) Lookup(ctx context.Context, path string) (Entry, bool, error) {
	var e Entry
	var compress int
	row := d.sql.QueryRowContext(ctx, `SELECT path, hash_key, mtime, size, mode, uid, gid, compress, backup_id
		FROM backup WHERE path = ?`, path)
	err := row.Scan(&e.Path, &e.HashKey, &e.MTime, &e.Size, &e.Mode, &e.UID, &e.GID, &compress, &e.BackupID)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("catalog: looking up %s: %w", path, err)
	}
	e.Compress = compress != 0
	return e, true, nil
}

// Truncate empties the catalog — performed when the controller designates
// the current backup as full (spec.md 4.3 phase 0->1).
func (d *DB) Truncate(ctx context.Context) error {
	if _, err := d.sql.ExecContext(ctx, `DELETE FROM backup`); err != nil {
		return fmt.Errorf("catalog: truncating: %w", err)
	}
	return nil
}

// HasRows reports whether the catalog contains at least one entry, used as
// the has_info flag sent with set_backup_info('filesystem', ...) (spec.md
// 4.3 phase 0->1).
func (d *DB) HasRows(ctx context.Context) (bool, error) {
	var exists int
	err := d.sql.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM backup LIMIT 1)`).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("catalog: checking rows: %w", err)
	}
	return exists != 0, nil
}

// All returns every row in the catalog, for manifest upload (spec.md 4.3
// phase 3) and restore's local-catalog lookup (spec.md 4.4 step 1).
func (d *DB) All(ctx context.Context) ([]Entry, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT path, hash_key, mtime, size, mode, uid, gid, compress, backup_id FROM backup`)
	if err != nil {
		return nil, fmt.Errorf("catalog: listing: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var compress int
		if err := rows.Scan(&e.Path, &e.HashKey, &e.MTime, &e.Size, &e.Mode, &e.UID, &e.GID, &compress, &e.BackupID); err != nil {
			return nil, fmt.Errorf("catalog: scanning row: %w", err)
		}
		e.Compress = compress != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// EncodeManifest writes entries to w as the JSON array format uploaded at
// the end of a backup (spec.md 4.3 phase 3) and downloaded as the
// incremental baseline for the next one (spec.md 4.3 phase 0->1).
func EncodeManifest(w io.Writer, entries []Entry) error {
	if err := json.NewEncoder(w).Encode(entries); err != nil {
		return fmt.Errorf("catalog: encoding manifest: %w", err)
	}
	return nil
}

// DecodeManifest reads back the array EncodeManifest produced.
func DecodeManifest(r io.Reader) ([]Entry, error) {
	var entries []Entry
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return nil, fmt.Errorf("catalog: decoding manifest: %w", err)
	}
	return entries, nil
}

// ByBackupID returns every row written by a specific backup_id, used by
// restore when the local catalog already has the target backup's rows
// (spec.md 4.4 step 1, "first try the local catalog for that backup_id").
func (d *DB) ByBackupID(ctx context.Context, backupID int) ([]Entry, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT path, hash_key, mtime, size, mode, uid, gid, compress, backup_id
		FROM backup WHERE backup_id = ?`, backupID)
	if err != nil {
		return nil, fmt.Errorf("catalog: listing backup %d: %w", backupID, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var compress int
		if err := rows.Scan(&e.Path, &e.HashKey, &e.MTime, &e.Size, &e.Mode, &e.UID, &e.GID, &compress, &e.BackupID); err != nil {
			return nil, fmt.Errorf("catalog: scanning row: %w", err)
		}
		e.Compress = compress != 0
		out = append(out, e)
	}
	return out, rows.Err()
}
