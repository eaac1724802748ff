// bitcalm - Host Backup Agent
// Copyright 2026 The bitcalm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bitcalm/agent

package agent

import (
	"context"
	"time"

	json "github.com/goccy/go-json"

	"github.com/bitcalm/agent/internal/action"
	"github.com/bitcalm/agent/internal/apiclient"
	"github.com/bitcalm/agent/internal/pipeline"
	"github.com/bitcalm/agent/internal/schedule"
	"github.com/bitcalm/agent/internal/status"
)

// Updater installs a pushed binary and hands control back to the daemon's
// own restart mechanism (spec.md §1, "update installation" is an external
// collaborator invoked through a narrow interface, not reimplemented here).
type Updater interface {
	Install(ctx context.Context, url string) error
}

// versionPush is the `version={ver,url}` key of a check_changes response.
type versionPush struct {
	Version string `json:"ver"`
	URL     string `json:"url"`
}

// dbPush is one entry of the `db` key: a dynamically pushed MySQL
// credential, keyed by "host:port" in the enclosing map.
type dbPush struct {
	User     string `json:"user"`
	Password string `json:"password"`
}

// wireSchedule is the controller's JSON form of a schedule.Schedule. Field
// names mirror the install-config vocabulary (cadence as a lowercase
// string) rather than the Go Cadence enum's zero-indexed int, since this
// crosses a wire boundary the controller owns.
type wireSchedule struct {
	ID         string              `json:"id"`
	Cadence    string              `json:"cadence"`     // "daily" | "weekly" | "monthly"
	TimeOfDay  int                 `json:"time_of_day"` // seconds into the day, UTC
	Period     int                 `json:"period"`
	Days       uint8               `json:"days"`
	DayOfMonth int                 `json:"day_of_month"`
	Files      []string            `json:"files"`
	Databases  map[string][]string `json:"databases"`
}

func (w wireSchedule) toSchedule() *schedule.Schedule {
	cadence := schedule.Daily
	switch w.Cadence {
	case "weekly":
		cadence = schedule.Weekly
	case "monthly":
		cadence = schedule.Monthly
	}
	return &schedule.Schedule{
		ID:         w.ID,
		Cadence:    cadence,
		TimeOfDay:  time.Duration(w.TimeOfDay) * time.Second,
		Period:     w.Period,
		Days:       w.Days,
		DayOfMonth: w.DayOfMonth,
		Files:      w.Files,
		Databases:  w.Databases,
	}
}

// changesResponse is the full set of keys check_changes recognizes
// (spec.md 4.5). Every field is optional; an absent key leaves the
// corresponding state untouched.
type changesResponse struct {
	Uninstall bool                   `json:"uninstall"`
	Version   *versionPush           `json:"version"`
	Access    *status.S3Access       `json:"access"`
	DB        map[string]dbPush      `json:"db"`
	Schedules []wireSchedule         `json:"schedules"`
	Restore   []pipeline.RestoreTask `json:"restore"`
	LogTail   bool                   `json:"log_tail"`
	SendFS    bool                   `json:"send_fs"`
}

// CheckChanges builds the check_changes long-poll action (spec.md 4.5):
// it ingests server-pushed schedules, credentials, S3 access, restore
// tasks, and self-update/uninstall requests, applying each to the pool or
// the persisted Status per the add/extend/remove semantics of §4.1.
func (a *Agent) CheckChanges(period time.Duration) *action.Action {
	return action.New(TagCheckChanges, period, nil, a.checkChanges)
}

func (a *Agent) checkChanges(...any) bool {
	ctx := context.Background()
	if err := a.Client.ChangesLimiter().Wait(ctx); err != nil {
		return false
	}

	resp, err := a.Client.Post(ctx, apiclient.EndpointChanges, nil)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("check_changes: request failed")
		return false
	}
	defer resp.Body.Close()

	var changes changesResponse
	if err := json.NewDecoder(resp.Body).Decode(&changes); err != nil {
		a.Logger.Warn().Err(err).Msg("check_changes: decoding response")
		return false
	}

	st, err := a.StatusStore.Load()
	if err != nil {
		a.Logger.Warn().Err(err).Msg("check_changes: loading status")
		return false
	}

	now := time.Now()
	dirty := false

	if len(changes.Schedules) > 0 {
		st.Schedules = applySchedules(st.Schedules, changes.Schedules, now)
		dirty = true
	}

	if len(changes.DB) > 0 {
		if st.Database == nil {
			st.Database = make(map[string]status.DatabaseCredential)
		}
		for hostPort, cred := range changes.DB {
			st.Database[hostPort] = status.DatabaseCredential{User: cred.User, Password: cred.Password}
		}
		dirty = true
	}

	if changes.Access != nil {
		st.Amazon = *changes.Access
		dirty = true
	}

	if dirty {
		if err := a.save(st); err != nil {
			a.Logger.Warn().Err(err).Msg("check_changes: saving status")
			return false
		}
	}

	if changes.Access != nil {
		store, err := NewObjectStore(ctx, *changes.Access, a.Logger)
		if err != nil {
			a.Logger.Warn().Err(err).Msg("check_changes: building object-store client")
		} else {
			a.SetStore(store)
			if a.Pool != nil {
				a.Pool.Add(a.BackupAction(), now)
			}
		}
	}

	if changes.LogTail {
		if act := a.poolGet(TagUploadLog); act != nil {
			act.Run(now)
		}
	}
	if changes.SendFS {
		if act := a.poolGet(TagUpdateFS); act != nil {
			act.Run(now)
		}
	}

	if len(changes.Restore) > 0 {
		a.runRestore(ctx, changes.Restore)
	}

	if changes.Version != nil && a.Updater != nil {
		if err := a.Updater.Install(ctx, changes.Version.URL); err != nil {
			a.Logger.Warn().Err(err).Str("version", changes.Version.Version).Msg("check_changes: update install failed")
		} else {
			a.requestRestart()
		}
	}

	if changes.Uninstall {
		a.requestShutdown()
	}

	return true
}

// applySchedules replaces the persisted schedule set with the pushed one,
// carrying forward PrevBackup/Exclude for schedules whose id survives
// (spec.md 4.1, "add/extend/remove semantics" applied to the persisted
// schedule list rather than the action pool, since a Schedule is data the
// backup action's NextProvider reads fresh every call, not a pool entry).
func applySchedules(prior []*schedule.Schedule, pushed []wireSchedule, now time.Time) []*schedule.Schedule {
	byID := make(map[string]*schedule.Schedule, len(prior))
	for _, s := range prior {
		byID[s.ID] = s
	}

	out := make([]*schedule.Schedule, 0, len(pushed))
	for _, w := range pushed {
		s := w.toSchedule()
		if old, ok := byID[s.ID]; ok {
			s.PrevBackup = old.PrevBackup
			s.Exclude = old.Exclude
		}
		s.Recompute(now)
		out = append(out, s)
	}
	return out
}

func (a *Agent) poolGet(tag string) *action.Action {
	if a.Pool == nil {
		return nil
	}
	return a.Pool.Get(tag)
}

// runRestore adds a one-time action to the pool that drives the restore
// pipeline and removes itself on completion, so the potentially long
// restore run never blocks check_changes' own return (spec.md 4.4).
func (a *Agent) runRestore(ctx context.Context, tasks []pipeline.RestoreTask) {
	if a.Pool == nil {
		a.Logger.Warn().Msg("check_changes: restore requested but no action pool wired")
		return
	}
	store := a.Store()
	if store == nil {
		a.Logger.Warn().Msg("check_changes: restore requested but object-store access not yet available")
		return
	}

	st, err := a.StatusStore.Load()
	if err != nil {
		a.Logger.Warn().Err(err).Msg("check_changes: loading status for restore")
		return
	}

	r := &pipeline.Restorer{
		Controller: pipeline.NewHTTPController(a.Client),
		Store:      store,
		Catalog:    a.Catalog,
		User:       st.Key,
	}
	lookup := CredentialLookup(st, a.Install)

	restoreAction := action.NewOneTime(TagRestore, func(...any) bool {
		_, err := r.Run(ctx, tasks, lookup)
		if err != nil {
			a.Logger.Warn().Err(err).Msg("restore: run failed")
			return false
		}
		return true
	}, nil, nil)
	a.Pool.Add(restoreAction, time.Now())
}
