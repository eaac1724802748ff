// bitcalm - Host Backup Agent
// Copyright 2026 The bitcalm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bitcalm/agent

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActionPoolSize tracks how many Actions are currently registered
	// (spec.md 4.1 ActionPool).
	ActionPoolSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bitcalm_action_pool_size",
			Help: "Number of Actions currently registered in the pool",
		},
	)

	// ActionRuns counts every Action.Run invocation, labeled by tag and
	// outcome ("success" or "delay"), spec.md 4.1.
	ActionRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bitcalm_action_runs_total",
			Help: "Total number of Action runs, by tag and outcome",
		},
		[]string{"tag", "outcome"},
	)

	// ActionRunDuration measures wall time spent inside an Action's Func
	// (spec.md 5, "long operations ... run to completion in the worker
	// thread").
	ActionRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bitcalm_action_run_duration_seconds",
			Help:    "Duration of one Action.Run call",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 12),
		},
		[]string{"tag"},
	)

	// PipelinePhase reports the backup pipeline's current phase (spec.md
	// 3 BackupState, 0 prepare .. 3 complete), -1 when idle.
	PipelinePhase = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bitcalm_backup_phase",
			Help: "Current backup pipeline phase (-1 idle, 0 prepare, 1 filesystem, 2 database, 3 complete)",
		},
	)

	// FilesUploaded counts filesystem-phase uploads (spec.md 4.3 phase 1).
	FilesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bitcalm_files_uploaded_total",
			Help: "Total number of files uploaded by the backup pipeline",
		},
	)

	// BytesUploaded accumulates the filesystem-phase byte count (spec.md
	// 3 BackupState.size).
	BytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bitcalm_bytes_uploaded_total",
			Help: "Total bytes uploaded by the backup pipeline",
		},
	)

	// DatabasesDumped counts completed database dumps (spec.md 4.3 phase 2).
	DatabasesDumped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bitcalm_databases_dumped_total",
			Help: "Total number of database dumps uploaded",
		},
	)

	// SupervisorCrashes counts worker crashes, labeled by whether the
	// crash was "fast" (< FastCrashWindow) and therefore counts toward
	// escalation (spec.md 4.6).
	SupervisorCrashes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bitcalm_supervisor_crashes_total",
			Help: "Total number of worker crashes observed by the supervisor",
		},
		[]string{"fast"},
	)

	// SupervisorConsecutiveFastCrashes mirrors the supervisor's escalation
	// counter (spec.md 4.6: 3 -> backoff, 10 -> emergency).
	SupervisorConsecutiveFastCrashes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bitcalm_supervisor_consecutive_fast_crashes",
			Help: "Current consecutive fast-crash count tracked by the supervisor",
		},
	)

	// EmergencyActivations counts transitions into the emergency worker
	// (spec.md 4.6).
	EmergencyActivations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bitcalm_emergency_activations_total",
			Help: "Total number of times the supervisor switched to the emergency worker",
		},
	)
)
