// bitcalm - Host Backup Agent
// Copyright 2026 The bitcalm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bitcalm/agent

// Package config holds the two configuration surfaces named in spec.md §3
// and §6: the immutable install Config record parsed from
// /etc/bitcalm.conf (bitcalmconf.go), and the daemon's own runtime
// operational knobs layered via koanf (runtime.go) — log level/format,
// supervisor backoff tuning, and poll cadence. The install record is
// never reloaded at runtime; the runtime knobs are layered
// defaults-then-env with koanf (no config file layer), covering the
// handful of settings this daemon actually has.
package config
