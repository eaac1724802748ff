// bitcalm - Host Backup Agent
// Copyright 2026 The bitcalm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bitcalm/agent

package agent

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitcalm/agent/internal/action"
	"github.com/bitcalm/agent/internal/status"
)

func TestWorker_Serve_RunsDueActionAndStopsOnCancel(t *testing.T) {
	a, closeSrv := newTestAgent(t, func(w http.ResponseWriter, r *http.Request) {})
	defer closeSrv()

	var ran atomic.Int32
	pool := action.NewPool()
	a.Pool = pool
	pool.Add(action.New("probe", time.Hour, nil, func(...any) bool {
		ran.Add(1)
		return true
	}), time.Now().Add(-2*time.Hour)) // armed at add time + period: already due

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{Agent: a}
	done := make(chan error, 1)
	go func() { done <- w.Serve(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for ran.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	if got := ran.Load(); got == 0 {
		t.Fatalf("probe action never ran")
	}
}

func TestBuildPool_WithoutAmazonAccess_InstallsGetS3AccessNotBackup(t *testing.T) {
	a, closeSrv := newTestAgent(t, func(w http.ResponseWriter, r *http.Request) {})
	defer closeSrv()

	pool, err := a.BuildPool(time.Now(), "/")
	if err != nil {
		t.Fatalf("BuildPool() error = %v", err)
	}

	tags := pool.Tags()
	want := map[string]bool{
		TagCheckChanges: true,
		TagCheckDB:      true,
		TagUploadLog:    true,
		TagUpdateFS:     true,
		TagReportCrash:  true,
		TagGetS3Access:  true,
	}
	for _, tag := range tags {
		delete(want, tag)
		if tag == TagBackup {
			t.Fatalf("BuildPool() installed %q with no Amazon access on file", TagBackup)
		}
	}
	for missing := range want {
		t.Errorf("BuildPool() pool missing expected tag %q (got %v)", missing, tags)
	}
}

func TestBuildPool_WithAmazonAccess_InstallsBackupInsteadOfGetS3Access(t *testing.T) {
	a, closeSrv := newTestAgent(t, func(w http.ResponseWriter, r *http.Request) {})
	defer closeSrv()

	st, err := a.StatusStore.Load()
	if err != nil {
		// No status on disk yet: start from a fresh record carrying the
		// bucket the test wants BuildPool to pick up.
		st = status.New("test-key")
	}
	st.Amazon.Bucket = "example-bucket"
	if err := a.StatusStore.Save(st); err != nil {
		t.Fatalf("StatusStore.Save() error = %v", err)
	}

	pool, err := a.BuildPool(time.Now(), "/")
	if err != nil {
		t.Fatalf("BuildPool() error = %v", err)
	}

	var sawBackup, sawGetAccess bool
	for _, tag := range pool.Tags() {
		if tag == TagBackup {
			sawBackup = true
		}
		if tag == TagGetS3Access {
			sawGetAccess = true
		}
	}
	if !sawBackup {
		t.Errorf("BuildPool() with Amazon.Bucket set did not install %q", TagBackup)
	}
	if sawGetAccess {
		t.Errorf("BuildPool() with Amazon.Bucket set should not also install %q", TagGetS3Access)
	}
}
