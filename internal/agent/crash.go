// bitcalm - Host Backup Agent
// Copyright 2026 The bitcalm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bitcalm/agent

package agent

import (
	"context"
	"net/url"
	"os"

	"github.com/bitcalm/agent/internal/action"
	"github.com/bitcalm/agent/internal/apiclient"
)

// crashTailSize is the amount of the crash file uploaded on start (spec.md
// 4.5, "upload its last 1 KiB").
const crashTailSize = 1024

// ReportCrash builds the report_crash one-shot: on success of a single
// run it has nothing left to do, so it is wired with no followers and no
// cancels. BuildPool adds it to the pool at startup, due immediately, and
// it leaves the pool after its first successful run (spec.md 4.5).
func (a *Agent) ReportCrash() *action.Action {
	return action.NewOneTime(TagReportCrash, a.reportCrash, nil, nil)
}

func (a *Agent) reportCrash(...any) bool {
	path := a.Runtime.CrashLogPath
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return true
		}
		a.Logger.Warn().Err(err).Msg("report_crash: stat")
		return false
	}
	if info.Size() == 0 {
		return true
	}

	data, err := os.ReadFile(path)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("report_crash: reading crash file")
		return false
	}
	if int64(len(data)) > crashTailSize {
		data = data[len(data)-crashTailSize:]
	}

	_, err = a.Client.Post(context.Background(), apiclient.EndpointCrash, url.Values{"body": {string(data)}})
	if err != nil {
		a.Logger.Warn().Err(err).Msg("report_crash: upload")
		return false
	}

	if err := os.Truncate(path, 0); err != nil {
		a.Logger.Warn().Err(err).Msg("report_crash: truncating crash file")
		return false
	}
	return true
}
