// bitcalm - Host Backup Agent
// Copyright 2026 The bitcalm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bitcalm/agent

package agent

import (
	"io"
	"net/http"
	"testing"
)

func TestUploadLog_EmptyBufferIsNoRequest(t *testing.T) {
	called := false
	a, closeSrv := newTestAgent(t, func(w http.ResponseWriter, r *http.Request) { called = true })
	defer closeSrv()

	if !a.uploadLog() {
		t.Fatalf("uploadLog() with empty buffer = false, want true")
	}
	if called {
		t.Fatalf("uploadLog() posted a request for an empty buffer")
	}
}

func TestUploadLog_FlushesAndRemovesPrefix(t *testing.T) {
	var gotBody string
	a, closeSrv := newTestAgent(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
	})
	defer closeSrv()

	a.Log.Append("one")
	a.Log.Append("two")

	if !a.uploadLog() {
		t.Fatalf("uploadLog() = false, want true")
	}
	if gotBody == "" {
		t.Fatalf("uploadLog() never posted a body")
	}
	if got := a.Log.snapshot(); len(got) != 0 {
		t.Fatalf("snapshot() after flush = %v, want empty", got)
	}
}

func TestUploadLog_AppendedDuringFlushSurvives(t *testing.T) {
	a, closeSrv := newTestAgent(t, func(w http.ResponseWriter, r *http.Request) {})
	defer closeSrv()

	a.Log.Append("one")
	snap := a.Log.snapshot()
	a.Log.Append("two") // appended after the snapshot upload_log would have taken
	a.Log.removePrefix(len(snap))

	if got := a.Log.snapshot(); len(got) != 1 || got[0] != "two" {
		t.Fatalf("snapshot() after removePrefix = %v, want [two]", got)
	}
}

func TestUploadLog_RequestFailureKeepsBuffer(t *testing.T) {
	a, closeSrv := newTestAgent(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	defer closeSrv()

	a.Log.Append("one")
	if a.uploadLog() {
		t.Fatalf("uploadLog() = true on server error, want false")
	}
	if got := a.Log.snapshot(); len(got) != 1 {
		t.Fatalf("snapshot() after failed flush = %v, want [one]", got)
	}
}
