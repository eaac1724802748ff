// bitcalm - Host Backup Agent
// Copyright 2026 The bitcalm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bitcalm/agent

package action

import (
	"sync"
	"time"

	"github.com/bitcalm/agent/internal/metrics"
)

// Pool is an ordered set of Actions keyed by tag, at most one Action per
// tag. It is re-scanned on every Next call rather than held as a heap: the
// contract (spec.md 4.1) is that mutating the pool from inside a running
// Action's Func must be observed by the very next Next call, which a
// cached/stale heap entry could not guarantee.
type Pool struct {
	mu      sync.Mutex
	actions map[string]*Action
	order   []string // insertion order, for deterministic iteration in tests
}

// NewPool returns an empty Pool.
func NewPool() *Pool {
	return &Pool{actions: make(map[string]*Action)}
}

// Add inserts a into the pool and arms its due_time. Returns false without
// modifying the pool if an Action with the same Tag already exists
// (spec.md 4.1 edge case: prevents duplicate periodic tasks).
func (p *Pool) Add(a *Action, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addLocked(a, now)
}

func (p *Pool) addLocked(a *Action, now time.Time) bool {
	if _, exists := p.actions[a.Tag]; exists {
		return false
	}
	a.pool = p
	p.actions[a.Tag] = a
	p.order = append(p.order, a.Tag)
	a.arm(now)
	metrics.ActionPoolSize.Set(float64(len(p.actions)))
	return true
}

// Extend adds every Action in as, skipping (without error) any whose tag
// already exists. Returns the tags that were actually added.
func (p *Pool) Extend(as []*Action, now time.Time) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	added := make([]string, 0, len(as))
	for _, a := range as {
		if p.addLocked(a, now) {
			added = append(added, a.Tag)
		}
	}
	return added
}

// Remove deletes the Action identified by tag, if present.
func (p *Pool) Remove(tag string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(tag)
}

func (p *Pool) removeLocked(tag string) {
	if _, ok := p.actions[tag]; !ok {
		return
	}
	delete(p.actions, tag)
	for i, t := range p.order {
		if t == tag {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	metrics.ActionPoolSize.Set(float64(len(p.actions)))
}

// Get returns the Action registered under tag, or nil.
func (p *Pool) Get(tag string) *Action {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.actions[tag]
}

// Len returns the number of Actions currently in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.actions)
}

// Tags returns the tags currently registered, in insertion order.
func (p *Pool) Tags() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

// applyOneTimeSuccess removes self, removes every cancel target, then adds
// every materialized follower and arms it — all under a single lock so a
// concurrent Next() never observes a half-applied transition (spec.md 4.1,
// 8 invariant 5).
func (p *Pool) applyOneTimeSuccess(self *Action, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.removeLocked(self.Tag)
	for _, ref := range self.Cancel {
		p.removeLocked(ref.tagOf())
	}
	for _, seed := range self.Followers {
		follower := seed()
		if follower == nil {
			continue
		}
		p.addLocked(follower, now)
	}
}

// Next returns the Action with the smallest non-nil due_time, or nil if the
// pool is empty or every Action's due_time is nil (spec.md 4.1).
func (p *Pool) Next() *Action {
	p.mu.Lock()
	defer p.mu.Unlock()

	var best *Action
	var bestDue time.Time
	for _, tag := range p.order {
		a := p.actions[tag]
		due := a.DueTime()
		if due == nil {
			continue
		}
		if best == nil || due.Before(bestDue) {
			best = a
			bestDue = *due
		}
	}
	return best
}
