// bitcalm - Host Backup Agent
// Copyright 2026 The bitcalm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bitcalm/agent

package pipeline

import (
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/bitcalm/agent/internal/catalog"
	"github.com/bitcalm/agent/internal/mysqlutil"
)

func TestRestorer_RestoresFileFromLocalCatalog(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "restored.txt")

	cat := newTestCatalog(t)
	if err := cat.Upsert(context.Background(), catalog.Entry{
		Path:     target,
		HashKey:  catalog.HashKeyMarker,
		BackupID: 5,
		Size:     11,
		Compress: true,
	}); err != nil {
		t.Fatal(err)
	}

	store := newFakeStore()
	var gz bytes.Buffer
	w := gzipWriter(&gz)
	w.Write([]byte("hello world"))
	w.Close()
	store.objs[HashKey("acme", 5, target)] = gz.Bytes()

	r := &Restorer{Controller: &fakeController{}, Store: store, Catalog: cat, User: "acme"}
	complete, err := r.Run(context.Background(), []RestoreTask{{ID: "t1", BackupID: 5}}, noCred)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(complete) != 1 || complete[0] != "t1" {
		t.Fatalf("Run() complete = %v", complete)
	}

	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("reading restored file: %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("restored content = %q", got)
	}
}

func TestRestorer_StopsAtFirstFailingTask(t *testing.T) {
	cat := newTestCatalog(t)
	store := newFakeStore()
	r := &Restorer{Controller: &fakeController{}, Store: store, Catalog: cat, User: "acme"}

	// Task "ok" has no rows anywhere, so manifest() falls through to the
	// API fallback, which fakeController.Files reports as empty — trivially
	// "complete" with zero files. Task "bad" references a backup_id with a
	// local-catalog row pointing at an object that was never stored, so
	// fetching it fails.
	badPath := filepath.Join(t.TempDir(), "missing.txt")
	if err := cat.Upsert(context.Background(), catalog.Entry{
		Path: badPath, HashKey: catalog.HashKeyMarker, BackupID: 9,
	}); err != nil {
		t.Fatal(err)
	}

	complete, err := r.Run(context.Background(), []RestoreTask{
		{ID: "ok", BackupID: 1},
		{ID: "bad", BackupID: 9},
	}, noCred)
	if err == nil {
		t.Fatalf("Run() expected error from failing task")
	}
	if len(complete) != 1 || complete[0] != "ok" {
		t.Fatalf("Run() complete = %v, want [ok]", complete)
	}
}

func TestParseDumpBasename(t *testing.T) {
	host, port, name, ok := parseDumpBasename("db1.internal_3306_appdb_2026.07.31_1200.sql.gz")
	if !ok || host != "db1.internal" || port != 3306 || name != "appdb" {
		t.Fatalf("parseDumpBasename() = (%q, %d, %q, %v)", host, port, name, ok)
	}

	if _, _, _, ok := parseDumpBasename("not-a-dump.txt"); ok {
		t.Fatalf("parseDumpBasename() accepted a non-dump filename")
	}
}

func gzipWriter(buf *bytes.Buffer) *gzip.Writer { return gzip.NewWriter(buf) }

func noCred(string) (mysqlutil.Credential, bool) { return mysqlutil.Credential{}, false }
