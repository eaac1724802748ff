// bitcalm - Host Backup Agent
// Copyright 2026 The bitcalm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bitcalm/agent

// Package bcerr names the error taxonomy the core must distinguish
// (spec.md 7), as a small typed hierarchy callers can errors.As against
// instead of matching on strings.
package bcerr

import "fmt"

// TransientRemote wraps an HTTP non-2xx/304, object-store 5xx, or network
// I/O error. Actions convert it into a false return, letting the action
// pool's own delay-and-retry policy handle it (spec.md 7).
type TransientRemote struct {
	Op  string
	Err error
}

func (e *TransientRemote) Error() string {
	return fmt.Sprintf("transient remote error during %s: %v", e.Op, e.Err)
}

func (e *TransientRemote) Unwrap() error { return e.Err }

// ResourceExhausted signals insufficient free space or a gzip I/O error.
// The caller disables the current schedule and arms a check_free_space
// one-shot (spec.md 7).
type ResourceExhausted struct {
	Op  string
	Err error
}

func (e *ResourceExhausted) Error() string {
	return fmt.Sprintf("resource exhausted during %s: %v", e.Op, e.Err)
}

func (e *ResourceExhausted) Unwrap() error { return e.Err }

// MissingCredential signals a database that does not exist, or for which
// no credential was found. The caller logs and skips the item, continuing
// the batch (spec.md 7).
type MissingCredential struct {
	Host string
	Port int
	Name string
}

func (e *MissingCredential) Error() string {
	return fmt.Sprintf("no credential for %s:%d/%s", e.Host, e.Port, e.Name)
}

// CorruptState signals that both the primary status file and its .bak
// sibling failed to decode. This is propagated, not recovered from
// (spec.md 7).
type CorruptState struct {
	Err error
}

func (e *CorruptState) Error() string {
	return fmt.Sprintf("corrupt local state: %v", e.Err)
}

func (e *CorruptState) Unwrap() error { return e.Err }

// WorkerCrash wraps a panic (or terminal error) that escaped the worker's
// action loop. The supervisor records it toward emergency escalation
// (spec.md 7, 4.6).
type WorkerCrash struct {
	Recovered any
}

func (e *WorkerCrash) Error() string {
	return fmt.Sprintf("worker crashed: %v", e.Recovered)
}

// Fatal signals a startup-time condition the process cannot run past:
// config validation failure, or the PID lock held by a live process
// (spec.md 7). Callers print the diagnostic and exit non-zero.
type Fatal struct {
	Op  string
	Err error
}

func (e *Fatal) Error() string {
	return fmt.Sprintf("fatal: %s: %v", e.Op, e.Err)
}

func (e *Fatal) Unwrap() error { return e.Err }
