// bitcalm - Host Backup Agent
// Copyright 2026 The bitcalm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bitcalm/agent

package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// crashingWorker returns an error immediately every time Serve is called,
// simulating a worker that "raises immediately on start" (spec.md §8 S6).
type crashingWorker struct {
	runs atomic.Int32
}

func (w *crashingWorker) Serve(ctx context.Context) error {
	w.runs.Add(1)
	return errors.New("simulated crash")
}

// countingEmergency blocks until ctx is canceled, so the supervisor's
// Serve loop can never re-enter escalation after the first activation —
// making "exactly once" deterministic regardless of goroutine scheduling.
type countingEmergency struct {
	activations atomic.Int32
}

func (e *countingEmergency) Serve(ctx context.Context) error {
	e.activations.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func TestSupervisor_EscalatesToEmergencyAfterTenFastCrashes(t *testing.T) {
	worker := &crashingWorker{}
	emergency := &countingEmergency{}

	s := &Supervisor{
		Worker:    worker,
		Emergency: emergency,
		Config: Config{
			FastCrashWindow:    time.Hour, // every crash below this counts as fast
			BackoffThreshold:   1000,      // disable backoff sleep for this test
			BackoffSleep:       time.Millisecond,
			EmergencyThreshold: 10,
		},
		Logger: zerolog.Nop(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for emergency.activations.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	if got := emergency.activations.Load(); got != 1 {
		t.Fatalf("emergency activations = %d, want exactly 1", got)
	}
	if got := worker.runs.Load(); got < 10 {
		t.Fatalf("worker runs = %d, want at least 10 before escalation", got)
	}
}

func TestSupervisor_SlowCrashDoesNotCountTowardEscalation(t *testing.T) {
	var calls atomic.Int32
	slowWorker := serviceFunc(func(ctx context.Context) error {
		calls.Add(1)
		if calls.Load() > 3 {
			<-ctx.Done()
			return ctx.Err()
		}
		return errors.New("slow crash")
	})

	s := &Supervisor{
		Worker: slowWorker,
		Config: Config{
			FastCrashWindow:    1, // 1ns: any real work duration exceeds it, so nothing is "fast"
			BackoffThreshold:   1,
			BackoffSleep:       time.Millisecond,
			EmergencyThreshold: 2,
		},
		Logger: zerolog.Nop(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_ = s.Serve(ctx)

	if s.consecutiveFastCrashes != 0 {
		t.Fatalf("consecutiveFastCrashes = %d, want 0 (every crash's duration exceeded the 1ns FastCrashWindow)", s.consecutiveFastCrashes)
	}
}

func TestRecoveringService_ConvertsPanicToError(t *testing.T) {
	svc := RecoveringService{Inner: serviceFunc(func(ctx context.Context) error {
		panic("boom")
	})}

	err := svc.Serve(context.Background())
	if err == nil {
		t.Fatal("expected an error from a panicking Serve")
	}
}

type serviceFunc func(ctx context.Context) error

func (f serviceFunc) Serve(ctx context.Context) error { return f(ctx) }
