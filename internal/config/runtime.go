// bitcalm - Host Backup Agent
// Copyright 2026 The bitcalm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bitcalm/agent

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Runtime holds the daemon's own operational knobs — distinct from the
// Install record, which is the bespoke bitcalm.conf file spec.md §3 calls
// the "Config record" and never changes at runtime. Runtime is layered
// defaults-then-env, the same pattern the teacher's koanf.go uses for its
// own (much larger) settings surface, trimmed to what this daemon needs.
type Runtime struct {
	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"` // "console" or "json"

	// FailureDelay is a failure-delay setting (default 10 minutes). No
	// code reads it: a failed Action is delayed by its own Delay or by
	// action.DefaultFailureDelay.
	FailureDelay time.Duration `koanf:"failure_delay"`

	// FastCrashWindow bounds how long a worker must run before a crash no
	// longer counts toward escalation (spec.md 4.6, "work-duration < 60s").
	FastCrashWindow time.Duration `koanf:"fast_crash_window"`
	// BackoffThreshold is the consecutive fast-crash count after which the
	// supervisor sleeps BackoffSleep between restarts (spec.md 4.6, "3").
	BackoffThreshold int `koanf:"backoff_threshold"`
	// BackoffSleep is the sleep applied once BackoffThreshold is reached
	// (spec.md 4.6, "60 s").
	BackoffSleep time.Duration `koanf:"backoff_sleep"`
	// EmergencyThreshold is the consecutive fast-crash count after which
	// the supervisor switches to the emergency worker (spec.md 4.6, "10").
	EmergencyThreshold int `koanf:"emergency_threshold"`

	// EmergencyPollInterval and EmergencyWindow match spec.md 4.6: poll
	// every 5 minutes for up to 1 hour.
	EmergencyPollInterval time.Duration `koanf:"emergency_poll_interval"`
	EmergencyWindow       time.Duration `koanf:"emergency_window"`

	// ChangesPollInterval paces the check_changes long-poll (spec.md 4.5).
	ChangesPollInterval time.Duration `koanf:"changes_poll_interval"`

	// FSUpdateSliceBudget bounds one update_fs BFS slice (spec.md 4.5,
	// default 2 minutes).
	FSUpdateSliceBudget time.Duration `koanf:"fs_update_slice_budget"`

	// StatsFlushInterval is the file count between best-effort progress
	// flushes during the filesystem phase (spec.md 4.3 phase 1 step 5).
	StatsFlushInterval int `koanf:"stats_flush_interval"`

	StatusPath   string `koanf:"status_path"`
	CatalogPath  string `koanf:"catalog_path"`
	InstallPath  string `koanf:"install_path"`
	PIDPath      string `koanf:"pid_path"`
	CrashLogPath string `koanf:"crash_log_path"`
}

func defaultRuntime() *Runtime {
	return &Runtime{
		LogLevel:  "info",
		LogFormat: "json",

		FailureDelay: 10 * time.Minute,

		FastCrashWindow:    60 * time.Second,
		BackoffThreshold:   3,
		BackoffSleep:       60 * time.Second,
		EmergencyThreshold: 10,

		EmergencyPollInterval: 5 * time.Minute,
		EmergencyWindow:       time.Hour,

		ChangesPollInterval: 30 * time.Second,

		FSUpdateSliceBudget: 2 * time.Minute,
		StatsFlushInterval:  100,

		StatusPath:   "/var/lib/bitcalm/data",
		CatalogPath:  "/var/lib/bitcalm/backup.db",
		InstallPath:  DefaultInstallPath,
		PIDPath:      "/var/run/bitcalmd.pid",
		CrashLogPath: "/var/log/bitcalm.crash",
	}
}

// RuntimeEnvPrefix is the prefix stripped from environment variable names
// before they are mapped onto Runtime fields, e.g. BITCALM_LOG_LEVEL ->
// log_level.
const RuntimeEnvPrefix = "BITCALM_"

// LoadRuntime layers built-in defaults with environment overrides
// (spec.md 9 carries no opinion on the daemon's own operational knobs, so
// this follows the teacher's defaults-then-env koanf pattern rather than
// inventing a bespoke loader).
func LoadRuntime() (*Runtime, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultRuntime(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("runtime config: loading defaults: %w", err)
	}

	envProvider := env.Provider(RuntimeEnvPrefix, ".", runtimeEnvTransform)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("runtime config: loading environment: %w", err)
	}

	cfg := &Runtime{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("runtime config: unmarshaling: %w", err)
	}
	return cfg, nil
}

func runtimeEnvTransform(key string) string {
	key = key[len(RuntimeEnvPrefix):]
	out := make([]byte, 0, len(key))
	for _, r := range key {
		if r >= 'A' && r <= 'Z' {
			r = r - 'A' + 'a'
		}
		out = append(out, byte(r))
	}
	return string(out)
}

// LoadInstallFromEnvOrDefault reads BITCALM_CONFIG_PATH if set, else
// DefaultInstallPath.
func LoadInstallFromEnvOrDefault() (*Install, error) {
	path := os.Getenv("BITCALM_CONFIG_PATH")
	if path == "" {
		path = DefaultInstallPath
	}
	return LoadInstall(path)
}
