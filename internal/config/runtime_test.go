// bitcalm - Host Backup Agent
// Copyright 2026 The bitcalm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bitcalm/agent

package config

import (
	"testing"
	"time"
)

func TestLoadRuntime_Defaults(t *testing.T) {
	cfg, err := LoadRuntime()
	if err != nil {
		t.Fatalf("LoadRuntime: %v", err)
	}
	if cfg.FailureDelay != 10*time.Minute {
		t.Fatalf("FailureDelay = %v, want 10m", cfg.FailureDelay)
	}
	if cfg.BackoffThreshold != 3 || cfg.EmergencyThreshold != 10 {
		t.Fatalf("unexpected thresholds: %+v", cfg)
	}
	if cfg.EmergencyPollInterval != 5*time.Minute || cfg.EmergencyWindow != time.Hour {
		t.Fatalf("unexpected emergency cadence: %+v", cfg)
	}
}

func TestLoadRuntime_EnvOverride(t *testing.T) {
	t.Setenv("BITCALM_LOG_LEVEL", "debug")
	t.Setenv("BITCALM_BACKOFF_THRESHOLD", "7")

	cfg, err := LoadRuntime()
	if err != nil {
		t.Fatalf("LoadRuntime: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.BackoffThreshold != 7 {
		t.Fatalf("BackoffThreshold = %d, want 7", cfg.BackoffThreshold)
	}
}
