// bitcalm - Host Backup Agent
// Copyright 2026 The bitcalm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bitcalm/agent

// Package action implements the scheduler substrate: a priority-ordered set
// of named tasks with period, next-due time, and success/failure
// post-conditions.
//
// Identity is always explicit. The original bitcalm client dispatched on
// Python callable identity (a bound method or bare function object); Go has
// no equivalent notion of comparable callable identity, so every Action
// here carries a string Tag and the pool indexes by it. Followers and
// cancels are resolved against the pool by Ref (ByTag or a literal Action)
// at execution time rather than held as direct pointers, which keeps the
// follower/cancel graph acyclic dataflow instead of an ownership cycle.
package action

import (
	"sync"
	"time"

	"github.com/bitcalm/agent/internal/metrics"
)

// DefaultFailureDelay is the delay applied to due_time when a Func returns
// false (spec.md 3, "Action" invariants).
const DefaultFailureDelay = 10 * time.Minute

// NextProvider computes the next absolute due instant for an Action whose
// schedule is delegated rather than a fixed period. A nil return means "no
// foreseeable occurrence" (e.g. no schedules configured); such an Action is
// skipped by Pool.Next.
type NextProvider func(now time.Time) *time.Time

// Func is the work an Action performs. A truthy (true) return reschedules
// via the period/next-provider; a falsy return delays by Delay.
type Func func(args ...any) bool

// Ref identifies an Action for the purposes of pool lookup, follower
// activation, and cancellation. Exactly one of Tag or Literal is set.
type Ref struct {
	// Tag resolves against the pool by identity string.
	Tag string
	// Literal is a fully-built Action added directly, bypassing lookup.
	// Used for ActionSeed materialization: a follower that does not yet
	// exist anywhere is built fresh at activation time.
	Literal *Action
}

// ByTag returns a Ref that resolves to the Action currently registered
// under tag, if any.
func ByTag(tag string) Ref { return Ref{Tag: tag} }

// Literal returns a Ref wrapping a pre-built Action, materialized at
// add-time rather than looked up.
func Literal(a *Action) Ref { return Ref{Literal: a} }

func (r Ref) tagOf() string {
	if r.Literal != nil {
		return r.Literal.Tag
	}
	return r.Tag
}

// Seed is a builder closure for a follower Action that does not exist yet.
// It is materialized into a live Action only when its OneTimeAction parent
// succeeds — the Python original's ActionSeed placeholder.
type Seed func() *Action

// Action is a scheduled unit of work with identity, due-time, and
// success/failure post-conditions (spec.md 3).
type Action struct {
	Tag    string
	Period time.Duration // zero means NextFn drives scheduling
	NextFn NextProvider
	Fn     Func
	Args   []any

	// Delay overrides DefaultFailureDelay when set (zero means default).
	Delay time.Duration

	// OneTime actions are removed from the pool on success (or re-armed,
	// for the Python original's one-shot delay-and-retry) rather than
	// rescheduled by period/NextFn.
	OneTime bool

	// Followers and Cancel are only consulted when OneTime is true and the
	// run succeeds: the action itself and its cancel targets are removed
	// from the pool, then followers are materialized from their Seeds and
	// added.
	Followers []Seed
	Cancel    []Ref

	mu           sync.Mutex
	lastExecTime time.Time
	dueTime      *time.Time
	pool         *Pool
	hasLastExec  bool
}

// New constructs a periodic or delegated Action. period == 0 means next is
// used instead (a delegated schedule, e.g. the backup Schedule's
// next_backup).
func New(tag string, period time.Duration, next NextProvider, fn Func, args ...any) *Action {
	return &Action{Tag: tag, Period: period, NextFn: next, Fn: fn, Args: args}
}

// NewOneTime constructs a one-shot Action with followers and cancel
// targets activated on success (spec.md 4.1, OneTimeAction).
func NewOneTime(tag string, fn Func, followers []Seed, cancel []Ref, args ...any) *Action {
	a := New(tag, 0, nil, fn, args...)
	a.OneTime = true
	a.Followers = followers
	a.Cancel = cancel
	return a
}

// DueTime returns the action's current due instant, or nil if it has none
// (a delegated schedule with no foreseeable next occurrence).
func (a *Action) DueTime() *time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dueTime
}

// arm computes the initial due_time immediately after the Action is added
// to a pool, mirroring the Python original calling next() to re-arm a
// follower the moment it is installed.
func (a *Action) arm(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.computeNextLocked(now)
}

func (a *Action) computeNextLocked(now time.Time) {
	if a.NextFn != nil {
		a.dueTime = a.NextFn(now)
		return
	}
	base := now
	if a.hasLastExec {
		base = a.lastExecTime
	}
	t := base.Add(a.Period)
	a.dueTime = &t
}

func (a *Action) delay(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d := a.Delay
	if d <= 0 {
		d = DefaultFailureDelay
	}
	t := now.Add(d)
	a.dueTime = &t
}

// Run executes the Action's Func, records last_exec_time, and reschedules
// or delays the due_time according to the return value (spec.md 4.1).
// now is accepted explicitly rather than read from the wall clock so tests
// can drive it deterministically (spec.md 8 "monotone rescheduling").
func (a *Action) Run(now time.Time) bool {
	a.mu.Lock()
	a.lastExecTime = now
	a.hasLastExec = true
	pool := a.pool
	a.mu.Unlock()

	start := time.Now()
	ok := a.Fn(a.Args...)
	metrics.ActionRunDuration.WithLabelValues(a.Tag).Observe(time.Since(start).Seconds())
	outcome := "delay"
	if ok {
		outcome = "success"
	}
	metrics.ActionRuns.WithLabelValues(a.Tag, outcome).Inc()

	if a.OneTime {
		a.finishOneTime(now, ok, pool)
		return ok
	}

	a.mu.Lock()
	if ok {
		a.computeNextLocked(now)
	} else {
		d := a.Delay
		if d <= 0 {
			d = DefaultFailureDelay
		}
		t := now.Add(d)
		a.dueTime = &t
	}
	a.mu.Unlock()
	return ok
}

func (a *Action) finishOneTime(now time.Time, ok bool, pool *Pool) {
	if !ok {
		// Re-arm: a failed one-time action is retried later, not dropped.
		a.delay(now)
		return
	}
	if pool == nil {
		a.mu.Lock()
		a.dueTime = nil
		a.mu.Unlock()
		return
	}
	pool.applyOneTimeSuccess(a, now)
}
