// bitcalm - Host Backup Agent
// Copyright 2026 The bitcalm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bitcalm/agent

// Package metrics exposes Prometheus gauges and counters for the action
// pool, backup pipeline, and supervisor (spec.md §2 component table,
// "Metrics" ambient component added by SPEC_FULL.md §2). Every metric is
// registered at package init via promauto, the same pattern the teacher's
// internal/metrics package uses for its own (much larger) surface.
package metrics
