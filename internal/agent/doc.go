// bitcalm - Host Backup Agent
// Copyright 2026 The bitcalm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bitcalm/agent

// Package agent builds the periodic action.Action values that make up the
// worker's pool: filesystem-listing upload, log flushing, the
// server-pushed changes long-poll, database enumeration, startup crash
// reporting, and object-store access bootstrap (spec.md §4.5). Each
// constructor closes over an *Agent and returns a ready-to-add *action.Action;
// wiring them into a action.Pool is the caller's job (cmd/bitcalmd).
package agent
