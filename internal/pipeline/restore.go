// bitcalm - Host Backup Agent
// Copyright 2026 The bitcalm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bitcalm/agent

package pipeline

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/bitcalm/agent/internal/catalog"
	"github.com/bitcalm/agent/internal/mysqlutil"
	"github.com/bitcalm/agent/internal/objectstore"
)

// RestoreTask is one {id, backup_id} unit of work (spec.md 4.4).
type RestoreTask struct {
	ID       string
	BackupID int
}

// restoreEntry is one manifest row regardless of which of the three
// sources (local catalog, remote catalog, API file list) produced it
// (spec.md 4.4 step 1). Size is 0 when the source could not report it
// (the API file-list fallback), in which case the pre-write space check
// is skipped for that entry.
type restoreEntry struct {
	Path           string
	SourceBackupID int
	HashKey        bool
	Compressed     bool
	Size           int64
}

// Restorer implements the restore flow of spec.md §4.4.
type Restorer struct {
	Controller Controller
	Store      objectstore.Store
	Catalog    *catalog.DB
	User       string
}

// Run restores every task in order, stopping at the first failing task
// (spec.md 4.4, "A partial failure stops at the failing task — earlier
// complete tasks are still reported"). It returns the ids that completed
// and reports them to the controller before returning, success or not.
func (r *Restorer) Run(ctx context.Context, tasks []RestoreTask, lookupCred CredentialLookup) ([]string, error) {
	var complete []string
	var taskErr error
	for _, task := range tasks {
		if err := r.runOne(ctx, task, lookupCred); err != nil {
			taskErr = fmt.Errorf("pipeline: restore task %s (backup %d): %w", task.ID, task.BackupID, err)
			break
		}
		complete = append(complete, task.ID)
	}

	if len(complete) > 0 {
		if err := r.Controller.ReportRestoreComplete(ctx, complete); err != nil && taskErr == nil {
			return complete, err
		}
	}
	return complete, taskErr
}

func (r *Restorer) runOne(ctx context.Context, task RestoreTask, lookupCred CredentialLookup) error {
	entries, err := r.manifest(ctx, task.BackupID)
	if err != nil {
		return err
	}

	for _, e := range entries {
		if err := r.restoreFile(ctx, e); err != nil {
			return err
		}
	}

	if err := r.restoreDatabases(ctx, task.BackupID, lookupCred); err != nil {
		return err
	}
	return nil
}

// manifest obtains the file list for backupID, trying the local catalog,
// then the remote catalog, then the API file list, in that order (spec.md
// 4.4 step 1).
func (r *Restorer) manifest(ctx context.Context, backupID int) ([]restoreEntry, error) {
	if r.Catalog != nil {
		rows, err := r.Catalog.ByBackupID(ctx, backupID)
		if err == nil && len(rows) > 0 {
			return entriesFromCatalog(rows), nil
		}
	}

	key := CatalogKey(r.User, backupID, CatalogBasename)
	if exists, err := r.Store.Exists(ctx, key); err == nil && exists {
		if entries, err := r.remoteCatalogManifest(ctx, key); err == nil {
			return entries, nil
		}
	}

	remote, err := r.Controller.Files(ctx, backupID)
	if err != nil {
		return nil, fmt.Errorf("pipeline: no manifest source available for backup %d: %w", backupID, err)
	}
	out := make([]restoreEntry, 0, len(remote))
	for _, m := range remote {
		out = append(out, restoreEntry{
			Path:           m.Path,
			SourceBackupID: m.SourceBackupID,
			HashKey:        m.HashKey,
			Compressed:     m.Compressed,
		})
	}
	return out, nil
}

func entriesFromCatalog(rows []catalog.Entry) []restoreEntry {
	out := make([]restoreEntry, 0, len(rows))
	for _, e := range rows {
		out = append(out, restoreEntry{
			Path:           e.Path,
			SourceBackupID: e.BackupID,
			HashKey:        e.HashKey == catalog.HashKeyMarker,
			Compressed:     e.Compress,
			Size:           e.Size,
		})
	}
	return out
}

func (r *Restorer) remoteCatalogManifest(ctx context.Context, key string) ([]restoreEntry, error) {
	body, err := r.Store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	gz, err := gzip.NewReader(body)
	if err != nil {
		return nil, fmt.Errorf("pipeline: ungzipping remote catalog: %w", err)
	}
	defer gz.Close()

	rows, err := catalog.DecodeManifest(gz)
	if err != nil {
		return nil, err
	}
	return entriesFromCatalog(rows), nil
}

// restoreFile implements spec.md 4.4 step 2 for one manifest entry.
func (r *Restorer) restoreFile(ctx context.Context, e restoreEntry) error {
	key := e.key(r.User)
	body, err := r.Store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("pipeline: fetching %s: %w", key, err)
	}
	defer body.Close()

	var reader io.Reader = body
	if e.Compressed {
		gz, err := gzip.NewReader(body)
		if err != nil {
			return fmt.Errorf("pipeline: ungzipping %s: %w", key, err)
		}
		defer gz.Close()
		reader = gz
	}

	if e.Size > 0 {
		ok, err := hasEnoughSpace(filepath.Dir(e.Path), e.Path, e.Size)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("pipeline: insufficient space to restore %s (%d bytes)", e.Path, e.Size)
		}
	}

	if err := os.MkdirAll(filepath.Dir(e.Path), 0o755); err != nil {
		return fmt.Errorf("pipeline: creating parent of %s: %w", e.Path, err)
	}
	out, err := os.Create(e.Path)
	if err != nil {
		return fmt.Errorf("pipeline: creating %s: %w", e.Path, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, reader); err != nil {
		return fmt.Errorf("pipeline: writing %s: %w", e.Path, err)
	}
	return nil
}

func (e restoreEntry) key(user string) string {
	if e.HashKey {
		return HashKey(user, e.SourceBackupID, e.Path)
	}
	return LegacyKey(user+"/", e.Path)
}

// hasEnoughSpace reports whether dir's free space, plus any space already
// occupied by an existing file at path, is at least needed (spec.md 4.4
// step 2, "check available space (statvfs) ... plus any existing size at
// the path").
func hasEnoughSpace(dir, path string, needed int64) (bool, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return false, fmt.Errorf("pipeline: statvfs %s: %w", dir, err)
	}
	available := int64(st.Bavail) * int64(st.Bsize)

	var existing int64
	if info, err := os.Stat(path); err == nil {
		existing = info.Size()
	}
	return available+existing >= needed, nil
}

// restoreDatabases implements spec.md 4.4 step 3: every object under the
// backup's databases/ prefix is parsed as host_port_name_timestamp,
// decompressed, and fed into mysql on that host.
func (r *Restorer) restoreDatabases(ctx context.Context, backupID int, lookupCred CredentialLookup) error {
	prefix := fmt.Sprintf("%s/backup_%d/databases/", r.User, backupID)
	keys, err := r.Store.List(ctx, prefix)
	if err != nil {
		return fmt.Errorf("pipeline: listing database dumps: %w", err)
	}

	for _, key := range keys {
		basename := filepath.Base(key)
		host, port, name, ok := parseDumpBasename(basename)
		if !ok {
			continue
		}
		hostPort := fmt.Sprintf("%s:%d", host, port)
		cred, ok := lookupCred(hostPort)
		if !ok {
			continue // spec.md 7, "Credential / missing-database: log and skip"
		}

		body, err := r.Store.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("pipeline: fetching database dump %s: %w", key, err)
		}
		gz, err := gzip.NewReader(body)
		if err != nil {
			body.Close()
			return fmt.Errorf("pipeline: ungzipping database dump %s: %w", key, err)
		}
		err = mysqlutil.Restore(ctx, cred, name, gz)
		gz.Close()
		body.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// parseDumpBasename reverses DumpBasename's
// "<host>_<port>_<name>_<timestamp>.sql.gz" layout.
func parseDumpBasename(basename string) (host string, port int, name string, ok bool) {
	trimmed := strings.TrimSuffix(basename, ".sql.gz")
	if trimmed == basename {
		return "", 0, "", false
	}
	parts := strings.SplitN(trimmed, "_", 4)
	if len(parts) != 4 {
		return "", 0, "", false
	}
	p, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, "", false
	}
	return parts[0], p, parts[2], true
}
