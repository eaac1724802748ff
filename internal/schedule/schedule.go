// bitcalm - Host Backup Agent
// Copyright 2026 The bitcalm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bitcalm/agent

// Package schedule computes when a backup should next run, and what it
// should include. All instants are UTC: several iterations of the original
// client disagreed on wall time vs UTC for next_daily, and this package
// settles it as UTC throughout (spec.md 9, open question).
package schedule

import (
	"time"
)

// Cadence selects which of the three policies a Schedule follows. The
// original source left undefined what happens when a schedule configures
// more than one cadence simultaneously; this package resolves that by
// making Cadence a single discriminant set at construction, so only one
// policy can ever be active per Schedule instance (spec.md 9, open
// question).
type Cadence int

const (
	// Daily repeats every Period days.
	Daily Cadence = iota
	// Weekly repeats on the weekdays set in Days.
	Weekly
	// Monthly repeats on a fixed day of month, clamped to month length.
	Monthly
)

// pseudoFilesystems are directories excluded when "/" is expanded into its
// top-level children (spec.md 4.2, clean_files).
var pseudoFilesystems = map[string]bool{
	"sys": true, "dev": true, "root": true, "cdrom": true, "boot": true,
	"lost+found": true, "proc": true, "tmp": true, "sbin": true, "bin": true,
}

// Schedule is a policy object producing next_backup timestamps, plus the
// scope of what a backup running under it should include (spec.md 3).
type Schedule struct {
	ID         string
	Cadence    Cadence
	TimeOfDay  time.Duration // offset into the day, UTC
	Period     int           // Daily: repeat interval in days
	Days       uint8         // Weekly: bitmask, bit i = weekday i, Sunday=0
	DayOfMonth int           // Monthly: 1-31, clamped to month length

	Files     []string
	Databases map[string][]string // host[:port] -> database names

	PrevBackup *time.Time
	NextBackup *time.Time

	// Exclude is the resource-exhaustion circuit breaker (spec.md 7): set
	// true to pull this schedule out of "current schedule" selection until
	// a check_free_space one-shot clears it.
	Exclude bool
}

// Recompute sets s.NextBackup from s.Cadence, s.PrevBackup, and now
// (spec.md 4.2). Call after construction and after Done.
func (s *Schedule) Recompute(now time.Time) {
	switch s.Cadence {
	case Weekly:
		s.NextBackup = s.nextWeekly(now)
	case Monthly:
		s.NextBackup = s.nextMonthly(now)
	default:
		s.NextBackup = s.nextDaily(now)
	}
}

func (s *Schedule) atTimeOfDay(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Add(s.TimeOfDay)
}

// nextDaily: if prev_backup is null, return today's time-of-day; otherwise
// prev_backup.date() + period days at time-of-day (spec.md 4.2).
func (s *Schedule) nextDaily(now time.Time) *time.Time {
	now = now.UTC()
	if s.PrevBackup == nil {
		t := s.atTimeOfDay(now)
		return &t
	}
	period := s.Period
	if period <= 0 {
		period = 1
	}
	t := s.atTimeOfDay(s.PrevBackup.UTC().AddDate(0, 0, period))
	return &t
}

// nextWeekly: from today's weekday index t (0=Sun), the first configured
// day d >= t (strictly greater if a backup already happened today); else
// wrap to the first configured day + 7 (spec.md 4.2).
func (s *Schedule) nextWeekly(now time.Time) *time.Time {
	now = now.UTC()
	today := int(now.Weekday())
	ranToday := s.PrevBackup != nil && sameUTCDate(*s.PrevBackup, now)

	best := -1
	for offset := 0; offset < 14; offset++ {
		day := (today + offset) % 7
		if offset == 0 && ranToday {
			continue
		}
		if s.Days&(1<<uint(day)) != 0 {
			best = offset
			break
		}
	}
	if best == -1 {
		return nil
	}
	t := s.atTimeOfDay(now.AddDate(0, 0, best))
	return &t
}

// nextMonthly: if day >= today.day, this month; else next month (carrying
// the year). Clamp to the month's last day when day >= 29 (spec.md 4.2).
func (s *Schedule) nextMonthly(now time.Time) *time.Time {
	now = now.UTC()
	y, m, today := now.Date()

	targetMonth := m
	targetYear := y
	if s.DayOfMonth < today {
		targetMonth++
		if targetMonth > time.December {
			targetMonth = time.January
			targetYear++
		}
	}

	day := s.DayOfMonth
	last := lastDayOfMonth(targetYear, targetMonth)
	if day >= 29 || day > last {
		day = last
	}

	t := s.atTimeOfDay(time.Date(targetYear, targetMonth, day, 0, 0, 0, 0, time.UTC))
	return &t
}

func lastDayOfMonth(year int, month time.Month) int {
	firstOfNext := time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC)
	lastOfThis := firstOfNext.AddDate(0, 0, -1)
	return lastOfThis.Day()
}

func sameUTCDate(a, b time.Time) bool {
	a, b = a.UTC(), b.UTC()
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// Done marks the schedule as having just completed successfully: sets
// PrevBackup to now and recomputes NextBackup (spec.md 4.2).
func (s *Schedule) Done(now time.Time) {
	t := now.UTC()
	s.PrevBackup = &t
	s.Recompute(now)
}

// CleanFiles normalizes s.Files in place: a literal "/" entry is replaced
// by its children as returned by topLevelDirs, excluding pseudoFilesystems
// and bootstrap directories (spec.md 4.2). topLevelDirs is injected so
// callers can supply the real directory listing without this package
// touching the filesystem directly.
func (s *Schedule) CleanFiles(topLevelDirs func() []string) {
	out := make([]string, 0, len(s.Files))
	for _, f := range s.Files {
		if f != "/" {
			out = append(out, f)
			continue
		}
		for _, child := range topLevelDirs() {
			if pseudoFilesystems[child] {
				continue
			}
			out = append(out, "/"+child)
		}
	}
	s.Files = out
}

// Current returns the schedule with the smallest NextBackup among those
// not excluded, or nil if every schedule is excluded or the slice is empty
// (spec.md 3, "the current schedule").
func Current(schedules []*Schedule) *Schedule {
	var best *Schedule
	for _, s := range schedules {
		if s.Exclude || s.NextBackup == nil {
			continue
		}
		if best == nil || s.NextBackup.Before(*best.NextBackup) {
			best = s
		}
	}
	return best
}
