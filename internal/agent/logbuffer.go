// bitcalm - Host Backup Agent
// Copyright 2026 The bitcalm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bitcalm/agent

package agent

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/bitcalm/agent/internal/action"
	"github.com/bitcalm/agent/internal/apiclient"
)

// LogBuffer accumulates error-log lines in memory for upload_log to flush
// (spec.md 4.5, "upload_log: flushes an in-memory error-log buffer to the
// API; on success removes the flushed prefix"). zerolog hooks into it via
// Append so every Warn()-level and higher event the daemon logs is also queued for
// upload, independent of where stderr itself is directed.
type LogBuffer struct {
	mu    sync.Mutex
	lines []string
}

// NewLogBuffer returns an empty LogBuffer.
func NewLogBuffer() *LogBuffer { return &LogBuffer{} }

// logBufferHook implements zerolog.Hook, appending warn-and-above events
// to the enclosing LogBuffer so upload_log has something to flush
// (spec.md 4.5).
type logBufferHook struct {
	buf *LogBuffer
}

func (h logBufferHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	if level < zerolog.WarnLevel {
		return
	}
	h.buf.Append(level.String() + ": " + msg)
}

// Hook returns a zerolog.Hook that appends every Warn()-and-above event to
// b, independent of wherever the logger's own output is directed.
func (b *LogBuffer) Hook() zerolog.Hook {
	return logBufferHook{buf: b}
}

// Append queues one line.
func (b *LogBuffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
}

// snapshot returns a copy of the buffered lines without clearing them.
func (b *LogBuffer) snapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.lines))
	copy(out, b.lines)
	return out
}

// removePrefix drops the first n lines, keeping anything appended since the
// snapshot was taken (spec.md 4.5, "on success removes the flushed prefix").
func (b *LogBuffer) removePrefix(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n >= len(b.lines) {
		b.lines = nil
		return
	}
	b.lines = append([]string(nil), b.lines[n:]...)
}

// UploadLog builds the upload_log action (spec.md 4.5).
func (a *Agent) UploadLog() *action.Action {
	return action.New(TagUploadLog, a.Runtime.ChangesPollInterval, nil, a.uploadLog)
}

func (a *Agent) uploadLog(...any) bool {
	lines := a.Log.snapshot()
	if len(lines) == 0 {
		return true
	}
	body := strings.Join(lines, "\n")
	_, err := a.Client.Post(context.Background(), apiclient.EndpointLog, url.Values{"body": {body}})
	if err != nil {
		a.Logger.Warn().Err(err).Msg("upload_log failed")
		return false
	}
	a.Log.removePrefix(len(lines))
	return true
}
