// bitcalm - Host Backup Agent
// Copyright 2026 The bitcalm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bitcalm/agent

package agent

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bitcalm/agent/internal/action"
	"github.com/bitcalm/agent/internal/apiclient"
	"github.com/bitcalm/agent/internal/fswalk"
)

// fsResult distinguishes update_fs's three outcomes (spec.md 4.5): the
// walk finished (reschedule on the ordinary period), a slice's budget ran
// out with more work pending (reschedule immediately), or an upload failed
// (delay, the ordinary action.Func false path).
type fsResult int

const (
	fsDone fsResult = iota
	fsBudgetExhausted
)

// fsWalker drives update_fs: it owns the tri-state result action.New's
// plain bool Func cannot express on its own, communicated to the
// companion NextProvider via lastResult (spec.md 9, "coroutine-like step
// actions").
type fsWalker struct {
	agent  *Agent
	period time.Duration

	mu         sync.Mutex
	lastResult fsResult
}

// UpdateFS builds the update_fs action (spec.md 4.5). period is the
// ordinary reschedule interval once a walk has fully completed; a slice
// that exhausts its time budget mid-walk instead reschedules immediately.
func (a *Agent) UpdateFS(root string, period time.Duration) *action.Action {
	w := &fsWalker{agent: a, period: period}
	act := action.New(TagUpdateFS, 0, w.next, w.run)
	act.Args = []any{root}
	return act
}

func (w *fsWalker) next(now time.Time) *time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lastResult == fsBudgetExhausted {
		t := now
		return &t
	}
	t := now.Add(w.period)
	return &t
}

func (w *fsWalker) setResult(r fsResult) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastResult = r
}

func (w *fsWalker) run(args ...any) bool {
	root, _ := args[0].(string)
	a := w.agent

	st, err := a.StatusStore.Load()
	if err != nil {
		a.Logger.Warn().Err(err).Msg("update_fs: loading status")
		return false
	}

	cursor := st.UploadDirs
	if cursor == nil {
		cursor = fswalk.NewCursor(root)
	}

	deadline := time.Now().Add(a.Runtime.FSUpdateSliceBudget)
	for {
		if cursor.Done() {
			st.UploadDirs = nil
			if err := a.save(st); err != nil {
				a.Logger.Warn().Err(err).Msg("update_fs: saving completed cursor")
				return false
			}
			w.setResult(fsDone)
			return true
		}

		level, ok, err := cursor.Step()
		if err != nil {
			a.Logger.Warn().Err(err).Msg("update_fs: stepping walk")
			return false
		}
		if ok {
			kind := "append"
			if st.LastFSUpload == "" {
				kind = "start"
			}
			if err := a.postLevel(level, kind, cursor.Done()); err != nil {
				a.Logger.Warn().Err(err).Msg("update_fs: posting level")
				return false
			}
			st.LastFSUpload = level.Parent
		}

		if time.Now().After(deadline) {
			st.UploadDirs = cursor
			if err := a.save(st); err != nil {
				a.Logger.Warn().Err(err).Msg("update_fs: saving cursor")
				return false
			}
			w.setResult(fsBudgetExhausted)
			return true
		}
	}
}

func (a *Agent) postLevel(level fswalk.Level, kind string, waitMore bool) error {
	fields := url.Values{
		"action":    {kind},
		"parent":    {level.Parent},
		"subdirs":   {strings.Join(level.Subdirs, "\n")},
		"files":     {strings.Join(level.Files, "\n")},
		"wait_more": {strconv.FormatBool(!waitMore)},
	}
	endpoint := apiclient.EndpointFSAppend
	if kind == "start" {
		endpoint = apiclient.EndpointFSStart
	}
	_, err := a.Client.Post(context.Background(), endpoint, fields)
	return err
}
