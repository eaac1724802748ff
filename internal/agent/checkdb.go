// bitcalm - Host Backup Agent
// Copyright 2026 The bitcalm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bitcalm/agent

package agent

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/bitcalm/agent/internal/action"
	"github.com/bitcalm/agent/internal/apiclient"
	"github.com/bitcalm/agent/internal/mysqlutil"
)

// CheckDB builds the check_db action: enumerate databases on every
// configured MySQL host and upload the name list, reporting per-host
// failures separately so one misconfigured host does not block the others
// (spec.md 4.5).
func (a *Agent) CheckDB(period time.Duration) *action.Action {
	return action.New(TagCheckDB, period, nil, a.checkDB)
}

func (a *Agent) checkDB(...any) bool {
	st, err := a.StatusStore.Load()
	if err != nil {
		a.Logger.Warn().Err(err).Msg("check_db: loading status")
		return false
	}

	credLookup := CredentialLookup(st, a.Install)
	allOK := true
	for _, entry := range a.Install.Databases {
		hostPort := entry.HostPort()
		cred, ok := credLookup(hostPort)
		if !ok {
			continue
		}
		names, err := mysqlutil.ListDatabases(context.Background(), cred)
		if err != nil {
			a.Logger.Warn().Err(err).Str("host", hostPort).Msg("check_db: enumeration failed")
			allOK = false
			continue
		}
		if err := a.uploadDatabaseNames(hostPort, names); err != nil {
			a.Logger.Warn().Err(err).Str("host", hostPort).Msg("check_db: upload failed")
			allOK = false
		}
	}
	return allOK
}

func (a *Agent) uploadDatabaseNames(hostPort string, names []string) error {
	fields := url.Values{
		"host": {hostPort},
		"dbs":  {strings.Join(names, "\n")},
	}
	_, err := a.Client.Post(context.Background(), apiclient.EndpointDatabases, fields)
	return err
}
