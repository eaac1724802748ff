// bitcalm - Host Backup Agent
// Copyright 2026 The bitcalm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bitcalm/agent

// Package fswatch is the optional filesystem-event producer/consumer
// named in spec.md §5 and DESIGN NOTES: a producer appends changed paths,
// a consumer drains them. No watcher or update_fs code in this module
// uses it; update_fs walks the whole tree every run. It is a small
// mutex-guarded bounded deque, not a message broker — the spec explicitly
// calls for a single-process bounded channel/deque with a "coalesce to
// full re-scan" overflow policy, which a broker like NATS (present in the
// teacher's go.mod) would be the wrong tool for; see DESIGN.md.
package fswatch

import "sync"

// Changelog is an append-only-from-producer, drain-from-consumer buffer of
// changed paths, bounded at Capacity. Once full, further appends set
// Overflowed instead of growing: a full re-scan is cheaper and simpler
// than the precision a second bounding policy would buy.
type Changelog struct {
	mu         sync.Mutex
	capacity   int
	paths      []string
	overflowed bool
}

// NewChangelog returns a Changelog bounded at capacity entries.
func NewChangelog(capacity int) *Changelog {
	if capacity <= 0 {
		capacity = 4096
	}
	return &Changelog{capacity: capacity}
}

// Append records path as changed.
func (c *Changelog) Append(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.overflowed {
		return
	}
	if len(c.paths) >= c.capacity {
		c.overflowed = true
		c.paths = nil
		return
	}
	c.paths = append(c.paths, path)
}

// Drain returns and clears the buffered paths along with whether the
// buffer overflowed since the last Drain — the caller's cue to fall back
// to a full re-scan instead of trusting the (now incomplete) path list.
func (c *Changelog) Drain() (paths []string, overflowed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	paths = c.paths
	overflowed = c.overflowed
	c.paths = nil
	c.overflowed = false
	return paths, overflowed
}
