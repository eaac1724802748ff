// bitcalm - Host Backup Agent
// Copyright 2026 The bitcalm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bitcalm/agent

package agent

import (
	"context"

	json "github.com/goccy/go-json"

	"github.com/bitcalm/agent/internal/action"
	"github.com/bitcalm/agent/internal/apiclient"
	"github.com/bitcalm/agent/internal/status"
)

// GetS3Access builds the get_s3_access one-shot (spec.md 4.5): on success
// it persists the pushed credentials and installs BackupAction as its
// follower, materialized fresh so it is only ever added once.
func (a *Agent) GetS3Access() *action.Action {
	return action.NewOneTime(TagGetS3Access, a.getS3Access,
		[]action.Seed{func() *action.Action { return a.BackupAction() }}, nil)
}

func (a *Agent) getS3Access(...any) bool {
	resp, err := a.Client.Post(context.Background(), apiclient.EndpointGetAccess, nil)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("get_s3_access: request failed")
		return false
	}
	defer resp.Body.Close()

	var access status.S3Access
	if err := json.NewDecoder(resp.Body).Decode(&access); err != nil {
		a.Logger.Warn().Err(err).Msg("get_s3_access: decoding response")
		return false
	}

	st, err := a.StatusStore.Load()
	if err != nil {
		a.Logger.Warn().Err(err).Msg("get_s3_access: loading status")
		return false
	}
	st.Amazon = access
	if err := a.save(st); err != nil {
		a.Logger.Warn().Err(err).Msg("get_s3_access: saving status")
		return false
	}

	store, err := NewObjectStore(context.Background(), access, a.Logger)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("get_s3_access: building object-store client")
		return false
	}
	a.SetStore(store)
	return true
}
