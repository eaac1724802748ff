// bitcalm - Host Backup Agent
// Copyright 2026 The bitcalm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bitcalm/agent

// Package procfile manages the daemon's PID file, held under an exclusive
// flock for the daemon's lifetime (spec.md §6, "PID file"). start refuses
// to run while a live lock is held; stop signals the holder.
package procfile

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/gofrs/flock"
)

// DefaultPath is where the daemon's PID file lives (spec.md §6).
const DefaultPath = "/var/run/bitcalmd.pid"

// Lock is a held exclusive lock on the PID file, written with the current
// process's PID. Call Release on clean shutdown.
type Lock struct {
	flock *flock.Flock
	path  string
}

// Acquire takes an exclusive, non-blocking lock on path and writes the
// current PID into it. Returns an error if the lock is already held by a
// live process (spec.md §6, "start refuses to run if a live pid is held").
func Acquire(path string) (*Lock, error) {
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("procfile: locking %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("procfile: %s is held by a running process", path)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		fl.Unlock()
		return nil, fmt.Errorf("procfile: writing pid to %s: %w", path, err)
	}
	return &Lock{flock: fl, path: path}, nil
}

// Release unlocks and removes the PID file.
func (l *Lock) Release() error {
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("procfile: unlocking %s: %w", l.path, err)
	}
	return os.Remove(l.path)
}

// ReadPID reads the PID recorded at path.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("procfile: reading %s: %w", path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("procfile: parsing pid in %s: %w", path, err)
	}
	return pid, nil
}

// IsAlive probes whether pid refers to a live process by sending signal 0
// (spec.md §6, "verified via signal 0") — no signal is actually delivered,
// only existence/permission is checked.
func IsAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Stop sends SIGTERM to the pid recorded at path (spec.md §6, CLI "stop").
func Stop(path string) error {
	pid, err := ReadPID(path)
	if err != nil {
		return err
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("procfile: finding process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("procfile: signaling %d: %w", pid, err)
	}
	return nil
}
