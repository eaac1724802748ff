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
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/bitcalm/agent/internal/bcerr"
	"github.com/bitcalm/agent/internal/catalog"
	"github.com/bitcalm/agent/internal/fswalk"
	"github.com/bitcalm/agent/internal/metrics"
	"github.com/bitcalm/agent/internal/mysqlutil"
	"github.com/bitcalm/agent/internal/objectstore"
	"github.com/bitcalm/agent/internal/schedule"
	"github.com/bitcalm/agent/internal/status"
)

// CatalogBasename is the filename the catalog is uploaded and downloaded
// under (spec.md 4.3 phase 3 and 4.3 phase 0->1, "download that backup's
// catalog").
const CatalogBasename = "backup.db.gz"

// Phase values match spec.md §3, "BackupState".
const (
	PhasePrepare = iota
	PhaseFilesystem
	PhaseDatabase
	PhaseComplete
)

// CredentialLookup resolves a host:port to MySQL login, merging the
// install config's static entries with the Status record's dynamically
// pushed ones (spec.md 4.3 phase 2).
type CredentialLookup func(hostPort string) (mysqlutil.Credential, bool)

// TopLevelDirs lists the top-level directories of "/" for Schedule's
// clean_files expansion (spec.md 4.2).
type TopLevelDirs func() []string

// Pipeline drives the resumable backup state machine of spec.md §4.3.
type Pipeline struct {
	Controller         Controller
	Store              objectstore.Store
	Catalog            *catalog.DB
	User               string // key namespace for object-store paths (spec.md §6)
	StatsFlushInterval int
	Logger             zerolog.Logger
}

// Run advances st.Backup through as many phases as possible in one call,
// persisting after every transition via save. It returns true once the
// backup reaches PhaseComplete, false if it stops on a recoverable
// condition (the caller's Action.Func should then return false so the
// action pool delays and retries per spec.md 4.1).
func (p *Pipeline) Run(ctx context.Context, st *status.Status, save func() error, sched *schedule.Schedule, topDirs TopLevelDirs, lookupCred CredentialLookup, now time.Time) (bool, error) {
	if st.Backup == nil {
		st.Backup = &status.BackupState{Phase: PhasePrepare}
	}

	for {
		metrics.PipelinePhase.Set(float64(st.Backup.Phase))
		switch st.Backup.Phase {
		case PhasePrepare:
			if err := p.runPrepare(ctx, st, sched, topDirs, now); err != nil {
				return false, err
			}
			if err := save(); err != nil {
				return false, err
			}
		case PhaseFilesystem:
			done, err := p.runFilesystem(ctx, st, sched, topDirs, save)
			if err != nil {
				return false, err
			}
			if !done {
				return false, nil
			}
		case PhaseDatabase:
			done, err := p.runDatabase(ctx, st, lookupCred, save)
			if err != nil {
				return false, err
			}
			if !done {
				return false, nil
			}
		case PhaseComplete:
			if err := p.runComplete(ctx, st, sched, now, save); err != nil {
				return false, err
			}
			metrics.PipelinePhase.Set(-1)
			return true, nil
		default:
			return false, fmt.Errorf("pipeline: unknown phase %d", st.Backup.Phase)
		}
	}
}

// runPrepare implements spec.md 4.3 "Phase 0 -> 1": set_backup_info
// prepare/filesystem, catalog truncation or incremental-baseline
// download, items computation, then commit phase=1.
func (p *Pipeline) runPrepare(ctx context.Context, st *status.Status, sched *schedule.Schedule, topDirs TopLevelDirs, now time.Time) error {
	if st.Backup.BackupID == 0 {
		backupID, err := p.Controller.Prepare(ctx, sched.ID)
		if err != nil {
			return err
		}
		st.Backup.BackupID = backupID
	}

	hasInfo, err := p.Catalog.HasRows(ctx)
	if err != nil {
		return err
	}
	isFull, prevID, hasPrev, err := p.Controller.Filesystem(ctx, st.Backup.BackupID, hasInfo)
	if err != nil {
		return err
	}
	st.Backup.IsFull = isFull

	if isFull {
		if err := p.Catalog.Truncate(ctx); err != nil {
			return err
		}
	} else if hasPrev {
		if err := p.downloadBaseline(ctx, prevID); err != nil {
			return err
		}
	}

	sched.CleanFiles(topDirsOrEmpty(topDirs))
	items := computeItems(sched.Files)
	st.Backup.Dirs = items.Dirs
	st.Backup.Files = items.Files
	st.Backup.Phase = PhaseFilesystem
	return nil
}

func topDirsOrEmpty(f TopLevelDirs) func() []string {
	if f == nil {
		return func() []string { return nil }
	}
	return f
}

type items struct {
	Dirs  []string
	Files []string
}

// computeItems splits schedule.Files by kind: {dirs: [p for p in
// schedule.files if isdir(p)], files: [p for p in schedule.files if
// isfile(p)]} (spec.md 4.3 "Phase 1 files").
func computeItems(paths []string) items {
	var it items
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if info.IsDir() {
			it.Dirs = append(it.Dirs, p)
		} else {
			it.Files = append(it.Files, p)
		}
	}
	return it
}

// downloadBaseline fetches the previous backup's catalog from the object
// store and opens it as the incremental baseline (spec.md 4.3 phase 0->1)
// by replaying its rows into the local catalog, tagged with the previous
// backup_id so Lookup still finds them as the "was this backed up"
// oracle.
func (p *Pipeline) downloadBaseline(ctx context.Context, prevBackupID int) error {
	key := CatalogKey(p.User, prevBackupID, CatalogBasename)
	body, err := p.Store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("pipeline: downloading baseline catalog %s: %w", key, err)
	}
	defer body.Close()

	gz, err := gzip.NewReader(body)
	if err != nil {
		return fmt.Errorf("pipeline: ungzipping baseline catalog: %w", err)
	}
	defer gz.Close()

	entries, err := catalog.DecodeManifest(gz)
	if err != nil {
		return fmt.Errorf("pipeline: decoding baseline catalog: %w", err)
	}
	for _, e := range entries {
		if err := p.Catalog.Upsert(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// runFilesystem implements spec.md 4.3 "Phase 1 files". Re-walking the
// full item list on every call (rather than tracking a per-file cursor)
// is safe: a file already uploaded this phase has its catalog mtime
// refreshed to the stat'd mtime, so the incremental filter naturally
// excludes it from re-upload on the next call — the same mechanism that
// makes an ordinary incremental run skip unchanged files (spec.md 8
// invariant 6, "Crash-safe pipeline"). In a full backup (IsFull)
// shouldInclude bypasses the filter, so a re-walk uploads every file again.
func (p *Pipeline) runFilesystem(ctx context.Context, st *status.Status, sched *schedule.Schedule, topDirs TopLevelDirs, save func() error) (bool, error) {
	roots := append(append([]string{}, st.Backup.Dirs...), st.Backup.Files...)
	sinceLastFlush := 0

	walkErr := fswalk.Walk(roots, func(path string) error {
		include, err := p.shouldInclude(ctx, st.Backup.IsFull, path)
		if err != nil {
			return err
		}
		if !include {
			return nil
		}
		if err := p.uploadFile(ctx, st.Backup.BackupID, path); err != nil {
			return err
		}
		sinceLastFlush++
		if p.StatsFlushInterval > 0 && sinceLastFlush >= p.StatsFlushInterval {
			sinceLastFlush = 0
			// Best-effort: failure does not halt the loop (spec.md 4.3
			// phase 1 step 5).
			_ = p.Controller.FlushStats(ctx, st.Backup.BackupID, st.Backup.Size, st.Backup.FilesCount)
		}
		return nil
	})
	if walkErr != nil {
		return false, walkErr
	}

	st.Backup.Phase = PhaseDatabase
	st.Backup.Databases = computeDatabaseTargets(sched)
	if err := save(); err != nil {
		return false, err
	}
	return true, nil
}

func computeDatabaseTargets(sched *schedule.Schedule) []status.DatabaseTarget {
	var out []status.DatabaseTarget
	for hostPort, names := range sched.Databases {
		host, port := splitHostPort(hostPort)
		for _, name := range names {
			out = append(out, status.DatabaseTarget{Host: host, Port: port, Name: name})
		}
	}
	return out
}

func splitHostPort(hostPort string) (string, int) {
	for i := len(hostPort) - 1; i >= 0; i-- {
		if hostPort[i] == ':' {
			port := 0
			for _, c := range hostPort[i+1:] {
				if c < '0' || c > '9' {
					return hostPort, 3306
				}
				port = port*10 + int(c-'0')
			}
			return hostPort[:i], port
		}
	}
	return hostPort, 3306
}

// shouldInclude implements the incremental filter of spec.md 4.3: "yield a
// file only if absent from the catalog or catalog.mtime < stat.mtime".
func (p *Pipeline) shouldInclude(ctx context.Context, isFull bool, path string) (bool, error) {
	if isFull {
		return true, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		// Vanished between walk and stat: skip gracefully (spec.md 4.3
		// phase 1 step 4, "retrying gracefully if it has vanished").
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	entry, ok, err := p.Catalog.Lookup(ctx, path)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return float64(info.ModTime().Unix()) > entry.MTime, nil
}

// uploadFile implements spec.md 4.3 phase 1 steps 1-4 for a single file.
func (p *Pipeline) uploadFile(ctx context.Context, backupID int, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // vanished; skip (spec.md 4.3 phase 1 step 4)
		}
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	key := HashKey(p.User, backupID, path)
	precompressed := IsPrecompressed(path)

	var body io.Reader = f
	var size int64 = info.Size()
	var pr *io.PipeReader
	if !precompressed {
		var pw *io.PipeWriter
		pr, pw = io.Pipe()
		go func() {
			gz := gzip.NewWriter(pw)
			_, copyErr := io.Copy(gz, f)
			closeErr := gz.Close()
			if copyErr != nil {
				pw.CloseWithError(copyErr)
				return
			}
			pw.CloseWithError(closeErr)
		}()
		body = pr
		size = 0 // unknown ahead of streaming compression; forces multipart sizing to be size-agnostic below
	}

	putSize := size
	if !precompressed {
		// The streamed-gzip path cannot know the compressed size up
		// front; route it through the multipart uploader unconditionally
		// by reporting a size above the threshold, matching the original
		// client's behavior of never buffering a file fully in memory to
		// measure its compressed size.
		putSize = objectstore.MultipartThreshold + 1
	}

	if err := p.Store.Put(ctx, key, body, putSize); err != nil {
		if pr != nil {
			pr.Close()
		}
		return &bcerr.TransientRemote{Op: "upload " + path, Err: err}
	}

	mode, uid, gid := statOwnership(info)
	if err := p.Catalog.Upsert(ctx, catalog.Entry{
		Path:     path,
		HashKey:  catalog.HashKeyMarker,
		MTime:    float64(info.ModTime().Unix()),
		Size:     info.Size(),
		Mode:     mode,
		UID:      uid,
		GID:      gid,
		Compress: !precompressed,
		BackupID: backupID,
	}); err != nil {
		return err
	}
	metrics.FilesUploaded.Inc()
	metrics.BytesUploaded.Add(float64(info.Size()))
	return nil
}

func statOwnership(info os.FileInfo) (mode uint32, uid, gid int) {
	mode = uint32(info.Mode().Perm())
	if sys, ok := info.Sys().(*syscall.Stat_t); ok {
		uid = int(sys.Uid)
		gid = int(sys.Gid)
	}
	return mode, uid, gid
}

// runDatabase implements spec.md 4.3 "Phase 2 (databases)".
func (p *Pipeline) runDatabase(ctx context.Context, st *status.Status, lookupCred CredentialLookup, save func() error) (bool, error) {
	if err := p.Controller.Database(ctx, st.Backup.BackupID); err != nil {
		return false, err
	}

	for len(st.Backup.Databases) > 0 {
		target := st.Backup.Databases[0]
		hostPort := fmt.Sprintf("%s:%d", target.Host, target.Port)
		cred, ok := lookupCred(hostPort)
		if !ok {
			p.Logger.Warn().Str("host_port", hostPort).Str("database", target.Name).
				Msg("no credential for database target, skipping")
			st.Backup.Databases = st.Backup.Databases[1:]
			if err := save(); err != nil {
				return false, err
			}
			continue
		}

		if err := p.dumpAndUploadOne(ctx, st.Backup.BackupID, target, cred); err != nil {
			return false, err
		}
		st.Backup.Databases = st.Backup.Databases[1:]
		if err := save(); err != nil {
			return false, err
		}
	}

	st.Backup.Phase = PhaseComplete
	if err := save(); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Pipeline) dumpAndUploadOne(ctx context.Context, backupID int, target status.DatabaseTarget, cred mysqlutil.Credential) error {
	timestamp := time.Now().UTC().Format("2006.01.02_1504")
	basename := DumpBasename(target.Host, target.Port, target.Name, timestamp)
	tmpPath := "/tmp/" + basename

	tmp, err := os.Create(tmpPath)
	if err != nil {
		return &bcerr.ResourceExhausted{Op: "creating dump temp file", Err: err}
	}
	defer os.Remove(tmpPath)

	gz := gzip.NewWriter(tmp)
	dumpErr := mysqlutil.Dump(ctx, cred, target.Name, gz)
	closeGZErr := gz.Close()
	closeTmpErr := tmp.Close()
	if dumpErr != nil {
		return dumpErr
	}
	if closeGZErr != nil || closeTmpErr != nil {
		return &bcerr.ResourceExhausted{Op: "writing dump", Err: firstNonNil(closeGZErr, closeTmpErr)}
	}

	f, err := os.Open(tmpPath)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	key := DatabaseKey(p.User, backupID, basename)
	if err := p.Store.Put(ctx, key, f, info.Size()); err != nil {
		return &bcerr.TransientRemote{Op: "upload database dump " + target.Name, Err: err}
	}
	metrics.DatabasesDumped.Inc()
	return nil
}

func firstNonNil(errs ...error) error {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}

// runComplete implements spec.md 4.3 "Phase 3 (complete)".
func (p *Pipeline) runComplete(ctx context.Context, st *status.Status, sched *schedule.Schedule, now time.Time, save func() error) error {
	if err := p.uploadCatalog(ctx, st.Backup.BackupID); err != nil {
		return err
	}
	if err := p.Controller.Complete(ctx, st.Backup.BackupID); err != nil {
		return err
	}
	sched.Done(now)
	st.Backup = nil
	return save()
}

func (p *Pipeline) uploadCatalog(ctx context.Context, backupID int) error {
	entries, err := p.Catalog.All(ctx)
	if err != nil {
		return err
	}
	pr, pw := io.Pipe()
	go func() {
		gz := gzip.NewWriter(pw)
		encErr := catalog.EncodeManifest(gz, entries)
		closeErr := gz.Close()
		if encErr != nil {
			pw.CloseWithError(encErr)
			return
		}
		pw.CloseWithError(closeErr)
	}()

	key := CatalogKey(p.User, backupID, CatalogBasename)
	if err := p.Store.Put(ctx, key, pr, objectstore.MultipartThreshold+1); err != nil {
		return &bcerr.TransientRemote{Op: "upload catalog", Err: err}
	}
	return nil
}
