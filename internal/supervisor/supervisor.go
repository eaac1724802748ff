// bitcalm - Host Backup Agent
// Copyright 2026 The bitcalm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bitcalm/agent

// Package supervisor implements the crash-counting restart policy of
// spec.md §4.6: it runs the worker in a loop, escalating repeated fast
// crashes into a sleep-before-restart backoff and, past a second
// threshold, into the emergency worker. A hand-rolled loop carries this
// policy (not suture's own backoff, which has no notion of "emergency
// fallback") inside one suture.Service, so the policy itself sits under
// the process-level suture.v4 tree built in tree.go (SPEC_FULL.md §4.6).
package supervisor

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/bitcalm/agent/internal/bcerr"
	"github.com/bitcalm/agent/internal/metrics"
)

// Service is the subset of suture.Service the Supervisor drives both for
// the worker and the emergency fallback.
type Service interface {
	Serve(ctx context.Context) error
}

// Config tunes the escalation policy (spec.md §4.6). Zero values are
// replaced by DefaultConfig's values when Serve starts.
type Config struct {
	// FastCrashWindow is the work-duration below which a crash counts
	// toward escalation ("work-duration < 60s").
	FastCrashWindow time.Duration
	// BackoffThreshold is the consecutive fast-crash count after which
	// the supervisor sleeps BackoffSleep between restarts (default 3).
	BackoffThreshold int
	// BackoffSleep is applied once BackoffThreshold is reached (default 60s).
	BackoffSleep time.Duration
	// EmergencyThreshold is the consecutive fast-crash count after which
	// the supervisor switches to the Emergency service (default 10).
	EmergencyThreshold int
}

// DefaultConfig matches spec.md §4.6 verbatim.
func DefaultConfig() Config {
	return Config{
		FastCrashWindow:    60 * time.Second,
		BackoffThreshold:   3,
		BackoffSleep:       60 * time.Second,
		EmergencyThreshold: 10,
	}
}

// Supervisor wraps Worker in the restart policy of spec.md §4.6. It is
// itself a suture.Service (Serve(ctx) error), letting tree.go supervise
// the policy loop at the process level independent of the policy's own
// internal restart counting.
type Supervisor struct {
	Worker    Service
	Emergency Service
	Config    Config
	Logger    zerolog.Logger

	// OnCrash, if set, is invoked with the recovered value (or returned
	// error) every time Worker.Serve ends abnormally — used to drive
	// report_crash-style crash-file writes (spec.md 4.6, "file-logs it").
	OnCrash func(err error)

	consecutiveFastCrashes int
}

// Serve runs Worker, restarting it per the escalation policy, until ctx is
// canceled or Worker returns nil or a context-cancellation error (clean shutdown,
// spec.md §5 "Signal handling ... is the only mechanism for clean
// termination").
func (s *Supervisor) Serve(ctx context.Context) error {
	cfg := s.applyDefaults()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		start := time.Now()
		err := s.Worker.Serve(ctx)
		duration := time.Since(start)

		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}

		s.recordCrash(cfg, err, duration)

		if s.consecutiveFastCrashes >= cfg.EmergencyThreshold {
			s.Logger.Warn().Int("consecutive_fast_crashes", s.consecutiveFastCrashes).Msg("supervisor: escalating to emergency worker")
			metrics.EmergencyActivations.Inc()
			emErr := s.runEmergency(ctx)
			s.consecutiveFastCrashes = 0
			metrics.SupervisorConsecutiveFastCrashes.Set(0)
			if emErr != nil && (errors.Is(emErr, context.Canceled) || errors.Is(emErr, context.DeadlineExceeded)) {
				return nil
			}
			continue
		}

		if s.consecutiveFastCrashes >= cfg.BackoffThreshold {
			if !sleepCtx(ctx, cfg.BackoffSleep) {
				return ctx.Err()
			}
		}
	}
}

func (s *Supervisor) runEmergency(ctx context.Context) error {
	if s.Emergency == nil {
		return nil
	}
	return s.Emergency.Serve(ctx)
}

func (s *Supervisor) recordCrash(cfg Config, err error, duration time.Duration) {
	fast := duration < cfg.FastCrashWindow
	if fast {
		s.consecutiveFastCrashes++
	} else {
		s.consecutiveFastCrashes = 0
	}
	metrics.SupervisorCrashes.WithLabelValues(strconv.FormatBool(fast)).Inc()
	metrics.SupervisorConsecutiveFastCrashes.Set(float64(s.consecutiveFastCrashes))

	s.Logger.Error().Err(err).Dur("duration", duration).Bool("fast", fast).
		Int("consecutive_fast_crashes", s.consecutiveFastCrashes).Msg("supervisor: worker crashed")

	if s.OnCrash != nil {
		s.OnCrash(err)
	}
}

func (s *Supervisor) applyDefaults() Config {
	cfg := s.Config
	def := DefaultConfig()
	if cfg.FastCrashWindow <= 0 {
		cfg.FastCrashWindow = def.FastCrashWindow
	}
	if cfg.BackoffThreshold <= 0 {
		cfg.BackoffThreshold = def.BackoffThreshold
	}
	if cfg.BackoffSleep <= 0 {
		cfg.BackoffSleep = def.BackoffSleep
	}
	if cfg.EmergencyThreshold <= 0 {
		cfg.EmergencyThreshold = def.EmergencyThreshold
	}
	return cfg
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// RecoveringService adapts a Service whose Serve may panic into one that
// converts the panic into a *bcerr.WorkerCrash error instead of crashing
// the process (spec.md §7, "exceptions escaping an action terminate only
// the worker thread").
type RecoveringService struct {
	Inner Service
}

func (r RecoveringService) Serve(ctx context.Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &bcerr.WorkerCrash{Recovered: rec}
		}
	}()
	return r.Inner.Serve(ctx)
}
