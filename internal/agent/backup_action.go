// bitcalm - Host Backup Agent
// Copyright 2026 The bitcalm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bitcalm/agent

package agent

import (
	"context"
	"time"

	"github.com/bitcalm/agent/internal/action"
	"github.com/bitcalm/agent/internal/pipeline"
	"github.com/bitcalm/agent/internal/schedule"
)

// BackupAction builds the backup driver: a delegated-schedule Action whose
// due time tracks whichever configured Schedule is soonest due (spec.md
// §5, "One task runs at a time; the loop picks the soonest-due action").
// It is installed as get_s3_access's follower the first time object-store
// credentials arrive (spec.md 4.5, "on success installs the backup action
// as its follower").
func (a *Agent) BackupAction() *action.Action {
	return action.New(TagBackup, 0, a.nextBackupDue, a.runBackup)
}

func (a *Agent) nextBackupDue(now time.Time) *time.Time {
	st, err := a.StatusStore.Load()
	if err != nil {
		return nil
	}
	cur := schedule.Current(st.Schedules)
	if cur == nil {
		return nil
	}
	return cur.NextBackup
}

func (a *Agent) runBackup(...any) bool {
	st, err := a.StatusStore.Load()
	if err != nil {
		a.Logger.Warn().Err(err).Msg("backup: loading status")
		return false
	}

	sched := schedule.Current(st.Schedules)
	if sched == nil {
		return true // nothing due; NextProvider will return nil until one is
	}

	store := a.Store()
	if store == nil {
		a.Logger.Warn().Msg("backup: object-store access not yet available")
		return false
	}

	p := &pipeline.Pipeline{
		Controller:         pipeline.NewHTTPController(a.Client),
		Store:              store,
		Catalog:            a.Catalog,
		User:               st.Key,
		StatsFlushInterval: a.Runtime.StatsFlushInterval,
		Logger:             a.Logger,
	}

	done, err := p.Run(context.Background(), st, func() error { return a.save(st) }, sched,
		TopLevelDirs, CredentialLookup(st, a.Install), time.Now())
	if err != nil {
		a.Logger.Warn().Err(err).Msg("backup: phase failed")
		return false
	}
	return done
}
