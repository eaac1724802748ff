// bitcalm - Host Backup Agent
// Copyright 2026 The bitcalm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bitcalm/agent

// Package update implements agent.Updater: it fetches a pushed binary and
// atomically swaps it in for the currently running executable (spec.md
// §1, "update installation" is named as an external collaborator invoked
// through a narrow interface — this is that narrow implementation, not a
// full release/rollback system).
package update

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
)

// Installer fetches url and replaces the binary at TargetPath with it.
// The daemon's own entrypoint is expected to exit (or exec itself) after
// a successful Install, per spec.md §4.5's "version" check_changes key
// and §4.6's emergency "update" command, both of which request a restart
// once Install returns (internal/agent requestRestart).
type Installer struct {
	TargetPath string
	HTTPClient *http.Client
}

// NewInstaller returns an Installer targeting the currently running
// executable (os.Executable), using a default *http.Client if none is
// supplied.
func NewInstaller() (*Installer, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("update: resolving current executable: %w", err)
	}
	return &Installer{TargetPath: exe, HTTPClient: http.DefaultClient}, nil
}

// Install downloads url to a temporary file alongside TargetPath, makes it
// executable, and renames it over TargetPath — rename is atomic on the
// same filesystem, so a crash mid-download never leaves a half-written
// binary in place.
func (u *Installer) Install(ctx context.Context, url string) error {
	client := u.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("update: building request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("update: fetching %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("update: fetching %s: unexpected status %d", url, resp.StatusCode)
	}

	dir := filepath.Dir(u.TargetPath)
	tmp, err := os.CreateTemp(dir, ".bitcalmd-update-*")
	if err != nil {
		return fmt.Errorf("update: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("update: writing %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("update: closing %s: %w", tmpPath, err)
	}
	if err := os.Chmod(tmpPath, 0o755); err != nil {
		return fmt.Errorf("update: chmod %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, u.TargetPath); err != nil {
		return fmt.Errorf("update: installing over %s: %w", u.TargetPath, err)
	}
	return nil
}
