// bitcalm - Host Backup Agent
// Copyright 2026 The bitcalm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bitcalm/agent

package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bitcalm/agent/internal/apiclient"
)

func newTestController(t *testing.T, handler http.HandlerFunc) (*HTTPController, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	u := srv.URL[len("http://"):]
	host, port := splitHostPort(u)
	client := apiclient.New(apiclient.Config{Host: host, Port: port, UUID: "u", Key: "k"}, time.Second, time.Second)
	return NewHTTPController(client), srv.Close
}

func TestHTTPController_Prepare(t *testing.T) {
	c, closeSrv := newTestController(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/"+apiclient.EndpointBackupPrepare {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"backup_id": 42}`))
	})
	defer closeSrv()

	id, err := c.Prepare(context.Background(), "sched-1")
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if id != 42 {
		t.Fatalf("Prepare() = %d, want 42", id)
	}
}

func TestHTTPController_Filesystem(t *testing.T) {
	c, closeSrv := newTestController(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"is_full": false, "prev": 7}`))
	})
	defer closeSrv()

	isFull, prev, hasPrev, err := c.Filesystem(context.Background(), 42, true)
	if err != nil {
		t.Fatalf("Filesystem() error = %v", err)
	}
	if isFull || !hasPrev || prev != 7 {
		t.Fatalf("Filesystem() = (%v, %d, %v)", isFull, prev, hasPrev)
	}
}

func TestHTTPController_FilesystemNoPrev(t *testing.T) {
	c, closeSrv := newTestController(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"is_full": true}`))
	})
	defer closeSrv()

	isFull, _, hasPrev, err := c.Filesystem(context.Background(), 42, false)
	if err != nil {
		t.Fatalf("Filesystem() error = %v", err)
	}
	if !isFull || hasPrev {
		t.Fatalf("Filesystem() = (%v, hasPrev=%v)", isFull, hasPrev)
	}
}

func TestHTTPController_Files(t *testing.T) {
	c, closeSrv := newTestController(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"path": "/etc/hosts", "source_backup_id": 1, "hash_key": true, "compressed": true}]`))
	})
	defer closeSrv()

	entries, err := c.Files(context.Background(), 1)
	if err != nil {
		t.Fatalf("Files() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Path != "/etc/hosts" {
		t.Fatalf("Files() = %+v", entries)
	}
}

func TestHTTPController_CompleteAndDatabase(t *testing.T) {
	var gotComplete, gotDatabase bool
	c, closeSrv := newTestController(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/" + apiclient.EndpointBackupComplete:
			gotComplete = true
		case "/" + apiclient.EndpointBackupDatabase:
			gotDatabase = true
		}
		w.Write([]byte(`{}`))
	})
	defer closeSrv()

	if err := c.Database(context.Background(), 1); err != nil {
		t.Fatalf("Database() error = %v", err)
	}
	if err := c.Complete(context.Background(), 1); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if !gotComplete || !gotDatabase {
		t.Fatalf("expected both endpoints hit: complete=%v database=%v", gotComplete, gotDatabase)
	}
}
