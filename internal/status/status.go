// bitcalm - Host Backup Agent
// Copyright 2026 The bitcalm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bitcalm/agent

// Package status persists the agent's single mutable state record: the
// install key, registration flag, schedules, dynamic database credentials,
// in-flight BackupState, object-store access, and the resumable filesystem
// upload cursor (spec.md 3, "Status record").
//
// Serialization is encoding/gob rather than a third-party codec: this blob
// is private to one process across restarts of the same binary, never read
// by another language or service, and never persisted by version — it is
// the closest Go analogue to the original client's single pickled object
// (see DESIGN.md for why no library replaces this).
package status

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bitcalm/agent/internal/fswalk"
	"github.com/bitcalm/agent/internal/schedule"
)

// DefaultPath and DefaultBackupSuffix match spec.md §6 "Status file".
const (
	DefaultPath         = "/var/lib/bitcalm/data"
	DefaultBackupSuffix = ".bak"
)

// DatabaseCredential is a dynamically-pushed MySQL credential, keyed by
// host[:port] at the call site (spec.md 4.3 phase 2 credential lookup).
type DatabaseCredential struct {
	User     string
	Password string
}

// S3Access is the object-store access the controller pushes via
// get_s3_access / check_changes (spec.md 4.5). JSON tags match the
// controller's wire format; encoding/gob ignores them and uses the
// field names directly when persisting the Status record.
type S3Access struct {
	Bucket          string `json:"bucket"`
	Region          string `json:"region"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	SessionToken    string `json:"session_token"`
}

// BackupState is the persisted in-flight backup checkpoint (spec.md 3).
type BackupState struct {
	BackupID   int
	Phase      int // 0 prepare, 1 filesystem, 2 database, 3 complete
	IsFull     bool
	Dirs       []string
	Files      []string
	Databases  []DatabaseTarget
	Size       int64
	FilesCount int
}

// DatabaseTarget is one pending (host, port, name) triple awaiting dump in
// phase 2 (spec.md 4.3).
type DatabaseTarget struct {
	Host string
	Port int
	Name string
}

// Status is the single persisted record described in spec.md §3.
type Status struct {
	Key          string // per-install UUID
	IsRegistered bool

	Schedules []*schedule.Schedule
	Database  map[string]DatabaseCredential // host:port -> credential

	Backup *BackupState // nil when no backup is in flight

	Amazon S3Access

	LastVerCheck string
	UploadDirs   *fswalk.Cursor
	LastFSUpload string
}

// New returns a freshly-registered, empty Status for a given install key.
func New(key string) *Status {
	return &Status{
		Key:      key,
		Database: make(map[string]DatabaseCredential),
	}
}

// Store loads and saves a Status at a fixed path with a ".bak" sibling
// (spec.md 3 "Status record" lifecycle; 7 "Corrupt local state").
type Store struct {
	path       string
	backupPath string
}

// NewStore returns a Store rooted at path, with the backup sibling at
// path+".bak".
func NewStore(path string) *Store {
	return &Store{path: path, backupPath: path + DefaultBackupSuffix}
}

// ErrCorrupt wraps a decode failure from both the primary file and its
// ".bak" fallback (spec.md 7, "Corrupt local state ... if still corrupt,
// propagate").
var ErrCorrupt = errors.New("status: primary and backup files are both unreadable")

// Load reads the Status from the primary path. On decode failure it falls
// back to the ".bak" sibling; if that also fails to decode, it returns
// ErrCorrupt. After a successful primary load the record is copied to the
// ".bak" sibling (spec.md's "a copy is written to .bak on successful
// load"); after a recovery from ".bak" the recovered record is written
// back to the primary path instead.
func (s *Store) Load() (*Status, error) {
	primary, primaryErr := decodeFile(s.path)
	if primaryErr == nil {
		if err := writeFile(s.backupPath, primary); err != nil {
			return nil, fmt.Errorf("status: writing .bak after primary load: %w", err)
		}
		return primary, nil
	}
	if errors.Is(primaryErr, os.ErrNotExist) {
		return nil, primaryErr
	}

	backup, backupErr := decodeFile(s.backupPath)
	if backupErr != nil {
		return nil, ErrCorrupt
	}
	if err := writeFile(s.path, backup); err != nil {
		return nil, fmt.Errorf("status: restoring primary from .bak: %w", err)
	}
	return backup, nil
}

// Save persists st to the primary path, then mirrors it to the ".bak"
// sibling. Called on every semantically observable mutation (spec.md 3).
func (s *Store) Save(st *Status) error {
	if err := writeFile(s.path, st); err != nil {
		return err
	}
	return writeFile(s.backupPath, st)
}

func decodeFile(path string) (*Status, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var st Status
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&st); err != nil {
		return nil, err
	}
	return &st, nil
}

// writeFile encodes st and writes it to path via a temp-file-then-rename so
// a crash mid-write never leaves a half-written primary or backup (spec.md
// 5, "save() is atomic-append: write whole blob, then overwrite").
func writeFile(path string, st *Status) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(st); err != nil {
		return fmt.Errorf("status: encoding: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("status: creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".status-*.tmp")
	if err != nil {
		return fmt.Errorf("status: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("status: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("status: closing temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return fmt.Errorf("status: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("status: renaming into place: %w", err)
	}
	return nil
}
