package scheduler

import (
	"sort"
	"time"
)

// NextRun returns the first fire time strictly after from for a recurring
// schedule, computed in from's location. ok is false for one-time schedules and
// unknown types, which never recur.
//
// Weekly and monthly rules only look at days strictly after from's day, so a
// weekly schedule configured for today's weekday does not fire again today even
// when the configured time is still ahead. Monthly days past the end of a month
// are clamped to its last day.
func NextRun(t ScheduleType, cfg Config, from time.Time) (next time.Time, ok bool) {
	y, m, d := from.Date()
	loc := from.Location()

	switch t {
	case ScheduleTypeDaily:
		next = at(y, m, d, cfg, loc)
		if !next.After(from) {
			next = at(y, m, d+1, cfg, loc)
		}
		return next, true

	case ScheduleTypeWeekly:
		today := mondayIndex(from.Weekday())
		days := sortedDays(cfg.weekdays())
		for _, day := range days {
			if day > today {
				return at(y, m, d+(day-today), cfg, loc), true
			}
		}
		return at(y, m, d+(7-today)+days[0], cfg, loc), true

	case ScheduleTypeMonthly:
		days := sortedDays(cfg.monthDays())
		last := daysIn(y, m, loc)
		for _, day := range days {
			if day = min(day, last); day > d {
				return at(y, m, day, cfg, loc), true
			}
		}
		firstOfNext := time.Date(y, m+1, 1, 0, 0, 0, 0, loc)
		ny, nm, _ := firstOfNext.Date()
		day := min(days[0], daysIn(ny, nm, loc))
		return at(ny, nm, day, cfg, loc), true
	}

	return time.Time{}, false
}

// FirstRun returns the initial next_run_at for a new schedule. One-time
// schedules fire exactly at start. Recurring schedules fire at the configured
// time on start's date when that date qualifies and the time is not before
// start; otherwise at NextRun(start).
func FirstRun(t ScheduleType, cfg Config, start time.Time) (time.Time, bool) {
	if t == ScheduleTypeOneTime {
		return start, true
	}
	if !t.Valid() {
		return time.Time{}, false
	}

	y, m, d := start.Date()
	candidate := at(y, m, d, cfg, start.Location())

	qualifies := false
	switch t {
	case ScheduleTypeDaily:
		qualifies = true
	case ScheduleTypeWeekly:
		qualifies = contains(cfg.weekdays(), mondayIndex(start.Weekday()))
	case ScheduleTypeMonthly:
		last := daysIn(y, m, start.Location())
		for _, day := range cfg.monthDays() {
			if min(day, last) == d {
				qualifies = true
			}
		}
	}

	if qualifies && !candidate.Before(start) {
		return candidate, true
	}
	return NextRun(t, cfg, start)
}

func at(y int, m time.Month, d int, cfg Config, loc *time.Location) time.Time {
	return time.Date(y, m, d, cfg.Hour, cfg.Minute, 0, 0, loc)
}

// daysIn returns the number of days in the given month.
func daysIn(y int, m time.Month, loc *time.Location) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, loc).Day()
}

// mondayIndex converts time.Weekday (Sunday=0) to 0=Monday ... 6=Sunday.
func mondayIndex(wd time.Weekday) int {
	return (int(wd) + 6) % 7
}

func sortedDays(days []int) []int {
	out := append([]int(nil), days...)
	sort.Ints(out)
	return out
}

func contains(days []int, day int) bool {
	for _, d := range days {
		if d == day {
			return true
		}
	}
	return false
}
