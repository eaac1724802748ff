// bitcalm - Host Backup Agent
// Copyright 2026 The bitcalm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bitcalm/agent

package pipeline

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	json "github.com/goccy/go-json"

	"github.com/bitcalm/agent/internal/apiclient"
)

// Controller is the narrow slice of the API client the pipeline needs:
// the set_backup_info exchanges of spec.md §4.3 and the restore_complete
// report of §4.4. Production code uses HTTPController; tests provide a
// fake.
type Controller interface {
	Prepare(ctx context.Context, scheduleID string) (backupID int, err error)
	Filesystem(ctx context.Context, backupID int, hasInfo bool) (isFull bool, prevBackupID int, hasPrev bool, err error)
	Database(ctx context.Context, backupID int) error
	Complete(ctx context.Context, backupID int) error
	FlushStats(ctx context.Context, backupID int, size int64, filesCount int) error
	Files(ctx context.Context, backupID int) ([]ManifestEntry, error)
	ReportRestoreComplete(ctx context.Context, ids []string) error
}

// ManifestEntry is one file the API file-list fallback reports for a
// given backup (spec.md 4.4 step 1, "ask the API for a file list").
type ManifestEntry struct {
	Path           string `json:"path"`
	SourceBackupID int    `json:"source_backup_id"`
	HashKey        bool   `json:"hash_key"`
	Compressed     bool   `json:"compressed"`
}

// HTTPController implements Controller over apiclient.Client.
type HTTPController struct {
	client *apiclient.Client
}

// NewHTTPController wraps client.
func NewHTTPController(client *apiclient.Client) *HTTPController {
	return &HTTPController{client: client}
}

func (h *HTTPController) Prepare(ctx context.Context, scheduleID string) (int, error) {
	resp, err := h.client.Post(ctx, apiclient.EndpointBackupPrepare, url.Values{"schedule": {scheduleID}})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	var body struct {
		BackupID int `json:"backup_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("pipeline: decoding prepare response: %w", err)
	}
	return body.BackupID, nil
}

func (h *HTTPController) Filesystem(ctx context.Context, backupID int, hasInfo bool) (bool, int, bool, error) {
	fields := url.Values{
		"backup_id": {strconv.Itoa(backupID)},
		"has_info":  {strconv.FormatBool(hasInfo)},
	}
	resp, err := h.client.Post(ctx, apiclient.EndpointBackupFilesystem, fields)
	if err != nil {
		return false, 0, false, err
	}
	defer resp.Body.Close()
	var body struct {
		IsFull bool `json:"is_full"`
		Prev   *int `json:"prev"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, 0, false, fmt.Errorf("pipeline: decoding filesystem response: %w", err)
	}
	if body.Prev != nil {
		return body.IsFull, *body.Prev, true, nil
	}
	return body.IsFull, 0, false, nil
}

func (h *HTTPController) Database(ctx context.Context, backupID int) error {
	_, err := h.client.Post(ctx, apiclient.EndpointBackupDatabase, url.Values{"backup_id": {strconv.Itoa(backupID)}})
	return err
}

func (h *HTTPController) Complete(ctx context.Context, backupID int) error {
	_, err := h.client.Post(ctx, apiclient.EndpointBackupComplete, url.Values{"backup_id": {strconv.Itoa(backupID)}})
	return err
}

// FlushStats is best-effort (spec.md 4.3 phase 1 step 5): callers ignore
// its error rather than halting the upload loop.
func (h *HTTPController) FlushStats(ctx context.Context, backupID int, size int64, filesCount int) error {
	fields := url.Values{
		"backup_id":   {strconv.Itoa(backupID)},
		"size":        {strconv.FormatInt(size, 10)},
		"files_count": {strconv.Itoa(filesCount)},
	}
	_, err := h.client.Post(ctx, fmt.Sprintf(apiclient.EndpointBackupFiles, backupID), fields)
	return err
}

func (h *HTTPController) Files(ctx context.Context, backupID int) ([]ManifestEntry, error) {
	resp, err := h.client.Post(ctx, fmt.Sprintf(apiclient.EndpointBackupFiles, backupID), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var entries []ManifestEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("pipeline: decoding file list: %w", err)
	}
	return entries, nil
}

func (h *HTTPController) ReportRestoreComplete(ctx context.Context, ids []string) error {
	fields := url.Values{}
	for _, id := range ids {
		fields.Add("id", id)
	}
	_, err := h.client.Post(ctx, apiclient.EndpointRestoreComplete, fields)
	return err
}
