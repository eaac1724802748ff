// bitcalm - Host Backup Agent
// Copyright 2026 The bitcalm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bitcalm/agent

package action

import (
	"testing"
	"time"
)

func TestPool_AtMostOnePerIdentity(t *testing.T) {
	p := NewPool()
	now := time.Unix(0, 0).UTC()

	a1 := New("dup", time.Minute, nil, func(args ...any) bool { return true })
	a2 := New("dup", time.Minute, nil, func(args ...any) bool { return true })

	if !p.Add(a1, now) {
		t.Fatalf("expected first add of tag %q to succeed", a1.Tag)
	}
	if p.Add(a2, now) {
		t.Fatalf("expected second add of duplicate tag %q to be a no-op returning false", a2.Tag)
	}
	if p.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", p.Len())
	}
	if p.Get("dup") != a1 {
		t.Fatalf("Get(%q) did not return the first-added Action", "dup")
	}
}

func TestPool_Next_EmptyIsNil(t *testing.T) {
	p := NewPool()
	if got := p.Next(); got != nil {
		t.Fatalf("Next() on empty pool = %v, want nil", got)
	}
}

func TestPool_Next_MinimumDueTime(t *testing.T) {
	p := NewPool()
	now := time.Unix(0, 0).UTC()

	far := New("far", 0, func(now time.Time) *time.Time {
		t := now.Add(time.Hour)
		return &t
	}, func(args ...any) bool { return true })
	near := New("near", 0, func(now time.Time) *time.Time {
		t := now.Add(time.Minute)
		return &t
	}, func(args ...any) bool { return true })
	nope := New("nope", 0, func(now time.Time) *time.Time {
		return nil
	}, func(args ...any) bool { return true })

	p.Extend([]*Action{far, near, nope}, now)

	got := p.Next()
	if got != near {
		t.Fatalf("Next() = %v, want the action with the soonest due_time", got)
	}
}

func TestPool_Next_SkipsNilDueTime(t *testing.T) {
	p := NewPool()
	now := time.Unix(0, 0).UTC()

	nope := New("nope", 0, func(now time.Time) *time.Time { return nil }, func(args ...any) bool { return true })
	p.Add(nope, now)

	if got := p.Next(); got != nil {
		t.Fatalf("Next() = %v, want nil when every due_time is nil", got)
	}
}

func TestAction_MonotoneReschedulingOnSuccess(t *testing.T) {
	p := NewPool()
	t0 := time.Unix(0, 0).UTC()
	period := 60 * time.Second

	a := New("periodic", period, nil, func(args ...any) bool { return true })
	p.Add(a, t0)

	ok := a.Run(t0)
	if !ok {
		t.Fatalf("Run() = false, want true")
	}

	want := t0.Add(period)
	got := a.DueTime()
	if got == nil || !got.Equal(want) {
		t.Fatalf("DueTime() after success = %v, want %v", got, want)
	}

	// A second success run measures the period from the new last_exec_time.
	t1 := t0.Add(period)
	a.Run(t1)
	want2 := t1.Add(period)
	got2 := a.DueTime()
	if got2 == nil || !got2.Equal(want2) {
		t.Fatalf("DueTime() after second success = %v, want %v", got2, want2)
	}
}

func TestAction_FailureDelay(t *testing.T) {
	p := NewPool()
	now := time.Unix(0, 0).UTC()

	a := New("flaky", time.Minute, nil, func(args ...any) bool { return false })
	p.Add(a, now)

	ok := a.Run(now)
	if ok {
		t.Fatalf("Run() = true, want false")
	}

	want := now.Add(DefaultFailureDelay)
	got := a.DueTime()
	if got == nil || !got.Equal(want) {
		t.Fatalf("DueTime() after failure = %v, want %v (default 10m delay)", got, want)
	}
}

func TestAction_FailureDelay_CustomDelay(t *testing.T) {
	now := time.Unix(0, 0).UTC()
	custom := 45 * time.Second

	a := New("flaky-custom", time.Minute, nil, func(args ...any) bool { return false })
	a.Delay = custom
	p := NewPool()
	p.Add(a, now)

	a.Run(now)
	want := now.Add(custom)
	got := a.DueTime()
	if got == nil || !got.Equal(want) {
		t.Fatalf("DueTime() after failure with custom delay = %v, want %v", got, want)
	}
}

func TestOneTimeAction_FollowerActivation(t *testing.T) {
	p := NewPool()
	now := time.Unix(0, 0).UTC()

	cancelTarget := New("B", time.Hour, nil, func(args ...any) bool { return true })
	p.Add(cancelTarget, now)

	var followerDue *time.Time
	followerSeed := func() *Action {
		return New("g", 300*time.Second, nil, func(args ...any) bool { return true })
	}

	oneTime := NewOneTime("A", func(args ...any) bool { return true },
		[]Seed{followerSeed},
		[]Ref{ByTag("B")},
	)
	p.Add(oneTime, now)

	ok := oneTime.Run(now)
	if !ok {
		t.Fatalf("Run() = false, want true")
	}

	if p.Get("A") != nil {
		t.Fatalf("pool still contains self %q after successful one-time run", "A")
	}
	if p.Get("B") != nil {
		t.Fatalf("pool still contains cancel target %q after successful one-time run", "B")
	}
	g := p.Get("g")
	if g == nil {
		t.Fatalf("pool does not contain follower %q after successful one-time run", "g")
	}
	followerDue = g.DueTime()
	want := now.Add(300 * time.Second)
	if followerDue == nil || !followerDue.Equal(want) {
		t.Fatalf("follower due_time = %v, want %v", followerDue, want)
	}
	if p.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (only the follower remains)", p.Len())
	}
}

func TestOneTimeAction_FailureReArms(t *testing.T) {
	p := NewPool()
	now := time.Unix(0, 0).UTC()

	a := NewOneTime("retry-me", func(args ...any) bool { return false }, nil, nil)
	p.Add(a, now)

	ok := a.Run(now)
	if ok {
		t.Fatalf("Run() = true, want false")
	}
	if p.Get("retry-me") == nil {
		t.Fatalf("one-time action removed from pool after failure, want re-armed in place")
	}
	want := now.Add(DefaultFailureDelay)
	got := a.DueTime()
	if got == nil || !got.Equal(want) {
		t.Fatalf("DueTime() after one-time failure = %v, want %v", got, want)
	}
}

// Scenario S1 (spec): empty pool -> Next() is nil; Add(period=60, f); at t=0
// it is due at t=60; executing returns true -> next due at t=120.
func TestScenario_S1(t *testing.T) {
	p := NewPool()
	if p.Next() != nil {
		t.Fatalf("Next() on empty pool = %v, want nil", p.Next())
	}

	t0 := time.Unix(0, 0).UTC()
	a := New("f", 60*time.Second, nil, func(args ...any) bool { return true })
	p.Add(a, t0)

	due := a.DueTime()
	wantDue := t0.Add(60 * time.Second)
	if due == nil || !due.Equal(wantDue) {
		t.Fatalf("due_time after add at t=0 = %v, want %v", due, wantDue)
	}

	ok := a.Run(wantDue)
	if !ok {
		t.Fatalf("Run() = false, want true")
	}
	want2 := wantDue.Add(60 * time.Second)
	got2 := a.DueTime()
	if got2 == nil || !got2.Equal(want2) {
		t.Fatalf("due_time after running at t=60 = %v, want %v (t=120)", got2, want2)
	}
}

// Scenario S2 (spec): OneTimeAction A with follower g (period=300) and
// cancel=["B"], in a pool also containing B. Run A successfully -> pool =
// {g}; g's due_time = now + 300.
func TestScenario_S2(t *testing.T) {
	p := NewPool()
	now := time.Unix(1000, 0).UTC()

	b := New("B", time.Hour, nil, func(args ...any) bool { return true })
	p.Add(b, now)

	g := func() *Action {
		return New("g", 300*time.Second, nil, func(args ...any) bool { return true })
	}
	a := NewOneTime("A", func(args ...any) bool { return true }, []Seed{g}, []Ref{ByTag("B")})
	p.Add(a, now)

	a.Run(now)

	if p.Len() != 1 {
		t.Fatalf("pool size after A succeeds = %d, want 1", p.Len())
	}
	got := p.Get("g")
	if got == nil {
		t.Fatalf("pool does not contain follower %q", "g")
	}
	want := now.Add(300 * time.Second)
	due := got.DueTime()
	if due == nil || !due.Equal(want) {
		t.Fatalf("g due_time = %v, want %v", due, want)
	}
}
