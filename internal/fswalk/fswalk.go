// bitcalm - Host Backup Agent
// Copyright 2026 The bitcalm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bitcalm/agent

// Package fswalk implements the two filesystem traversals spec.md names:
// the post-order walker driving backup phase 1 (spec.md 4.3, "Enumerate
// files via a post-order walker skipping symlinks"), and the BFS
// level-at-a-time walker backing update_fs (spec.md 4.5), whose cursor is
// small enough to persist between time-budgeted slices.
package fswalk

import (
	"os"
	"path/filepath"
	"sort"
)

// Walk enumerates every regular file reachable from roots (a mix of
// directory and file paths, as produced by schedule.CleanFiles and
// BackupState.Items), visiting files in post-order and skipping symlinks
// (spec.md 4.3 phase 1). visit is called once per regular file with its
// absolute path; a non-nil return from visit aborts the walk.
func Walk(roots []string, visit func(path string) error) error {
	for _, root := range roots {
		if err := walkOne(root, visit); err != nil {
			return err
		}
	}
	return nil
}

func walkOne(root string, visit func(path string) error) error {
	info, err := os.Lstat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return nil
	}
	if !info.IsDir() {
		return visit(root)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, entry := range entries {
		if err := walkOne(filepath.Join(root, entry.Name()), visit); err != nil {
			return err
		}
	}
	return nil
}

// Level is one BFS level of the update_fs walk: the parent directory plus
// its immediate subdirectories and files (spec.md 4.5, "(parent, subdirs,
// files) triples").
type Level struct {
	Parent  string
	Subdirs []string
	Files   []string
}

// Cursor is the persisted position of an in-progress BFS walk (spec.md
// 4.5, "the cursor (remaining level + depth) is persisted between
// slices"). Pending holds directories not yet visited at the current
// Depth; once Pending is drained, the walk advances to Depth+1 using the
// subdirectories discovered during this depth.
type Cursor struct {
	Depth   int
	Pending []string
	Next    []string // subdirectories discovered at this depth, queued for Depth+1
}

// NewCursor starts a fresh walk rooted at root.
func NewCursor(root string) *Cursor {
	return &Cursor{Depth: 0, Pending: []string{root}}
}

// Done reports whether the walk has no more work at any depth.
func (c *Cursor) Done() bool {
	return len(c.Pending) == 0 && len(c.Next) == 0
}

// Step lists one pending directory's immediate children and returns the
// Level describing it, advancing the cursor. It performs at most one
// directory listing, so callers can budget slices by wall-clock time
// across repeated Step calls (spec.md 4.5, "soft time budget ... per
// slice"). Returns (Level{}, false, nil) when the walk is Done.
func (c *Cursor) Step() (Level, bool, error) {
	if len(c.Pending) == 0 {
		if len(c.Next) == 0 {
			return Level{}, false, nil
		}
		c.Depth++
		c.Pending = c.Next
		c.Next = nil
	}

	parent := c.Pending[0]
	c.Pending = c.Pending[1:]

	entries, err := os.ReadDir(parent)
	if err != nil {
		if os.IsNotExist(err) {
			return Level{Parent: parent}, true, nil
		}
		return Level{}, false, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	level := Level{Parent: parent}
	for _, entry := range entries {
		full := filepath.Join(parent, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.Mode()&os.ModeSymlink != 0 {
			continue
		}
		if entry.IsDir() {
			level.Subdirs = append(level.Subdirs, full)
			c.Next = append(c.Next, full)
		} else {
			level.Files = append(level.Files, full)
		}
	}
	return level, true, nil
}
