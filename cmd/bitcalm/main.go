// bitcalm - Host Backup Agent
// Copyright 2026 The bitcalm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bitcalm/agent

// Command bitcalm is the operator-facing control surface: start, stop,
// restart, and uninstall the bitcalmd daemon (spec.md §6, "CLI").
// Daemonization itself is an external collaborator (spec.md §1's
// out-of-scope list) — this just execs bitcalmd detached from the
// controlling terminal and lets it take its own PID lock.
package main

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bitcalm/agent/internal/procfile"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var pidPath string
	var daemonPath string

	root := &cobra.Command{
		Use:           "bitcalm",
		Short:         "Control the bitcalmd backup agent daemon",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&pidPath, "pid-file", procfile.DefaultPath, "path to the daemon's PID file")
	root.PersistentFlags().StringVar(&daemonPath, "daemon", "bitcalmd", "path to the bitcalmd binary")

	root.AddCommand(
		newStartCmd(&pidPath, &daemonPath),
		newStopCmd(&pidPath),
		newRestartCmd(&pidPath, &daemonPath),
		newUninstallCmd(&pidPath),
	)
	return root
}

// newStartCmd launches bitcalmd detached from this process's session,
// refusing if a live pid is already on file (spec.md §6).
func newStartCmd(pidPath, daemonPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if pid, err := procfile.ReadPID(*pidPath); err == nil && procfile.IsAlive(pid) {
				return fmt.Errorf("bitcalm: already running (pid %d)", pid)
			}

			proc := exec.Command(*daemonPath)
			proc.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
			proc.Stdout = nil
			proc.Stderr = nil
			if err := proc.Start(); err != nil {
				return fmt.Errorf("bitcalm: starting %s: %w", *daemonPath, err)
			}
			if err := proc.Process.Release(); err != nil {
				return fmt.Errorf("bitcalm: releasing %s: %w", *daemonPath, err)
			}
			fmt.Println("bitcalmd started")
			return nil
		},
	}
}

// newStopCmd sends SIGTERM to the pid recorded at pidPath (spec.md §6).
func newStopCmd(pidPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return stopDaemon(*pidPath)
		},
	}
}

func newRestartCmd(pidPath, daemonPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Stop then start the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := stopDaemon(*pidPath); err != nil {
				fmt.Fprintln(os.Stderr, "bitcalm:", err)
			}
			if !waitForStop(*pidPath, 10*time.Second) {
				return fmt.Errorf("bitcalm: daemon did not stop within 10s")
			}

			proc := exec.Command(*daemonPath)
			proc.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
			if err := proc.Start(); err != nil {
				return fmt.Errorf("bitcalm: starting %s: %w", *daemonPath, err)
			}
			if err := proc.Process.Release(); err != nil {
				return fmt.Errorf("bitcalm: releasing %s: %w", *daemonPath, err)
			}
			fmt.Println("bitcalmd restarted")
			return nil
		},
	}
}

// newUninstallCmd stops the daemon and removes its pid file, leaving the
// install config, status blob, and catalog in place for a future reinstall
// (nothing in spec.md §6 calls for wiping persisted state on uninstall).
func newUninstallCmd(pidPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Stop the daemon and clear its PID file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if pid, err := procfile.ReadPID(*pidPath); err == nil && procfile.IsAlive(pid) {
				if err := stopDaemon(*pidPath); err != nil {
					return err
				}
				if !waitForStop(*pidPath, 10*time.Second) {
					return fmt.Errorf("bitcalm: daemon did not stop within 10s")
				}
			}
			if err := os.Remove(*pidPath); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("bitcalm: removing %s: %w", *pidPath, err)
			}
			fmt.Println("bitcalmd uninstalled")
			return nil
		},
	}
}

func stopDaemon(pidPath string) error {
	if err := procfile.Stop(pidPath); err != nil {
		return fmt.Errorf("bitcalm: %w", err)
	}
	fmt.Println("bitcalmd stopped")
	return nil
}

// waitForStop polls until the pid on file is no longer alive, or timeout
// elapses. The daemon itself removes its pid file on clean shutdown
// (procfile.Lock.Release), so a missing file also counts as stopped.
func waitForStop(pidPath string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		pid, err := procfile.ReadPID(pidPath)
		if err != nil {
			return true
		}
		if !procfile.IsAlive(pid) {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}
