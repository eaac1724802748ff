// bitcalm - Host Backup Agent
// Copyright 2026 The bitcalm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bitcalm/agent

// Package pipeline drives the resumable multi-phase backup state machine
// of spec.md §4.3 (prepare -> filesystem -> database -> complete) and its
// companion restore flow of spec.md §4.4. Every phase transition is
// persisted to the Status record (internal/status) before any externally
// visible side effect of the next phase, so a crash mid-phase resumes
// cleanly on restart (spec.md 4.3, "Idempotence").
package pipeline
