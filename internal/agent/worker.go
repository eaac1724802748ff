// bitcalm - Host Backup Agent
// Copyright 2026 The bitcalm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bitcalm/agent

package agent

import (
	"context"
	"time"

	"github.com/bitcalm/agent/internal/action"
)

// idlePoll bounds how long the worker sleeps when the pool is empty or
// every Action's due_time is nil (spec.md 4.1 edge case: a delegated
// schedule with no foreseeable occurrence). The loop re-checks Next()
// on this cadence rather than blocking forever, since a check_changes run
// can add a new Action at any time.
const idlePoll = 5 * time.Second

// Worker drives the single-threaded cooperative scheduling loop of
// spec.md §5: "pick next, sleep until due, run it". It is the unit the
// supervisor restarts on crash (spec.md 4.6) — Serve runs until ctx is
// canceled or a Fn panics, in which case the panic propagates to the
// caller (the supervisor recovers it, per spec.md 7 "exceptions escaping
// an action terminate only the worker thread, not the process").
type Worker struct {
	Agent *Agent
}

// Serve implements suture.Service so the supervisor can wrap it directly
// (SPEC_FULL.md §4.6).
func (w *Worker) Serve(ctx context.Context) error {
	pool := w.Agent.Pool
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		next := pool.Next()
		if next == nil {
			if !sleepCtx(ctx, idlePoll) {
				return ctx.Err()
			}
			continue
		}

		due := next.DueTime()
		if due == nil {
			if !sleepCtx(ctx, idlePoll) {
				return ctx.Err()
			}
			continue
		}

		if wait := time.Until(*due); wait > 0 {
			if !sleepCtx(ctx, wait) {
				return ctx.Err()
			}
		}

		next.Run(time.Now())
	}
}

// sleepCtx sleeps for d or until ctx is done, whichever comes first. It
// returns false if ctx ended the wait.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// BuildPool installs every periodic action of spec.md §4.5 plus the
// startup one-shots (report_crash, and get_s3_access when object-store
// access has not yet been granted) into a fresh action.Pool, and wires it
// onto the Agent so check_changes and check_changes-triggered restores
// can mutate it (spec.md 4.1, 4.5). The caller is expected to have
// already loaded Status so the decision about get_s3_access can be made;
// BuildPool reloads it itself to stay self-contained.
func (a *Agent) BuildPool(now time.Time, fsRoot string) (*action.Pool, error) {
	pool := action.NewPool()
	a.Pool = pool

	st, err := a.StatusStore.Load()
	if err != nil {
		return nil, err
	}

	pool.Add(a.CheckChanges(a.Runtime.ChangesPollInterval), now)
	pool.Add(a.CheckDB(a.Runtime.ChangesPollInterval*10), now)
	pool.Add(a.UploadLog(), now)
	pool.Add(a.UpdateFS(fsRoot, a.Runtime.ChangesPollInterval*20), now)

	// report_crash runs once at startup, not on a recurring cadence
	// (spec.md 4.5, "on start, if the crash file exists and is
	// non-empty ...").
	pool.Add(a.ReportCrash(), now)

	if st.Amazon.Bucket != "" {
		store, err := NewObjectStore(context.Background(), st.Amazon, a.Logger)
		if err != nil {
			a.Logger.Warn().Err(err).Msg("worker: rebuilding object-store client from persisted access")
		} else {
			a.SetStore(store)
			pool.Add(a.BackupAction(), now)
		}
	} else {
		pool.Add(a.GetS3Access(), now)
	}

	return pool, nil
}
