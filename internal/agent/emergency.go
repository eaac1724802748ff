// bitcalm - Host Backup Agent
// Copyright 2026 The bitcalm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bitcalm/agent

package agent

import (
	"context"
	"time"

	json "github.com/goccy/go-json"

	"github.com/bitcalm/agent/internal/apiclient"
)

// emergencyResponse is the /emergency endpoint's recognized command
// fields (spec.md 4.6).
type emergencyResponse struct {
	Update string `json:"update"`
	Log    bool   `json:"log"`
	// Worker is -1 (don't run main), 0 (try again), or 1 (run main now).
	Worker int `json:"worker"`
}

// RunEmergency implements the emergency worker (spec.md §4.6): it tails
// the local log and uploads it, then polls /emergency every
// Runtime.EmergencyPollInterval for up to Runtime.EmergencyWindow. It
// returns nil when the controller says worker=1 or the window elapses —
// either way the supervisor re-attempts the main worker next (spec.md
// 4.6, "On worker=1 or hour timeout the supervisor re-attempts the main
// worker").
func (a *Agent) RunEmergency(ctx context.Context) error {
	a.uploadLog()

	deadline := time.Now().Add(a.Runtime.EmergencyWindow)
	for {
		if time.Now().After(deadline) {
			return nil
		}

		if err := a.Client.EmergencyLimiter().Wait(ctx); err != nil {
			return ctx.Err()
		}

		resp, err := a.Client.Post(ctx, apiclient.EndpointEmergency, nil)
		if err == nil {
			var cmd emergencyResponse
			decodeErr := json.NewDecoder(resp.Body).Decode(&cmd)
			resp.Body.Close()
			if decodeErr != nil {
				a.Logger.Warn().Err(decodeErr).Msg("emergency: decoding response")
			} else {
				if cmd.Update != "" && a.Updater != nil {
					if err := a.Updater.Install(ctx, cmd.Update); err != nil {
						a.Logger.Warn().Err(err).Msg("emergency: update install failed")
					} else {
						a.requestRestart()
					}
				}
				if cmd.Log {
					a.uploadLog()
				}
				if cmd.Worker == 1 {
					return nil
				}
			}
		} else {
			a.Logger.Warn().Err(err).Msg("emergency: poll failed")
		}

		if !sleepCtx(ctx, a.Runtime.EmergencyPollInterval) {
			return ctx.Err()
		}
	}
}
