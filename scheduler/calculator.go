// Package scheduler computes when recurring workflows fire and drives them
// from a cron loop.
package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/songzhibin97/automation-engine/types"
)

// ErrInvalidSchedule is returned by ValidateSchedule.
var ErrInvalidSchedule = errors.New("invalid schedule")

// DefaultTimezone is used when a schedule names none.
const DefaultTimezone = "UTC"

// fallbackDelay is used for custom schedules whose cron expression cannot be parsed.
const fallbackDelay = 24 * time.Hour

// Location loads the schedule timezone, falling back to UTC.
func Location(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// NextRun returns the first fire time of s strictly after now. Wall-clock
// times are built in the schedule's timezone; a time that falls in a DST
// gap moves forward past the gap.
func NextRun(s types.WorkflowSchedule, now time.Time) time.Time {
	loc := Location(s.Timezone)
	local := now.In(loc)
	y, m, d := local.Date()

	switch s.Frequency {
	case types.FrequencyHourly:
		// Step in absolute time from the start of the current local hour so
		// a repeated hour at the end of DST does not map back to its first
		// occurrence.
		hourStart := now.Add(-time.Duration(local.Minute())*time.Minute -
			time.Duration(local.Second())*time.Second -
			time.Duration(local.Nanosecond()))
		next := hourStart.Add(time.Duration(s.RunAtMinute) * time.Minute)
		for !next.After(now) {
			next = next.Add(time.Hour)
		}
		return next.In(loc)

	case types.FrequencyDaily:
		next := wallClock(y, m, d, s.RunAtHour, s.RunAtMinute, loc)
		if !next.After(now) {
			next = wallClock(y, m, d+1, s.RunAtHour, s.RunAtMinute, loc)
		}
		return next

	case types.FrequencyWeekly:
		return nextWeekly(s, now, local, loc)

	case types.FrequencyMonthly:
		return nextMonthly(s, now, local, loc)

	case types.FrequencyCustom:
		sched, err := cron.ParseStandard(s.CronExpression)
		if err != nil {
			return now.Add(fallbackDelay)
		}
		return sched.Next(local)
	}
	return now.Add(fallbackDelay)
}

// nextWeekly scans the next seven days for a configured weekday, 0 being
// Monday. An empty day list means Monday.
func nextWeekly(s types.WorkflowSchedule, now, local time.Time, loc *time.Location) time.Time {
	days := map[int]bool{}
	for _, day := range s.RunOnDays {
		days[day] = true
	}
	if len(days) == 0 {
		days[0] = true
	}

	y, m, d := local.Date()
	offset := 0
	if !wallClock(y, m, d, s.RunAtHour, s.RunAtMinute, loc).After(now) {
		offset = 1
	}
	for i := 0; i < 7; i++ {
		candidate := wallClock(y, m, d+offset+i, s.RunAtHour, s.RunAtMinute, loc)
		if days[mondayIndex(candidate.Weekday())] {
			return candidate
		}
	}

	start := wallClock(y, m, d+offset, s.RunAtHour, s.RunAtMinute, loc)
	return wallClock(y, m, d+offset+7-mondayIndex(start.Weekday()), s.RunAtHour, s.RunAtMinute, loc)
}

// nextMonthly clamps the configured day to the length of the month.
func nextMonthly(s types.WorkflowSchedule, now, local time.Time, loc *time.Location) time.Time {
	day := s.RunOnDayOfMonth
	if day < 1 {
		day = 1
	}
	y, m, _ := local.Date()
	for i := 0; i < 2; i++ {
		first := wallClock(y, m+time.Month(i), 1, 0, 0, loc)
		use := day
		if last := daysIn(first.Year(), first.Month(), loc); use > last {
			use = last
		}
		next := wallClock(first.Year(), first.Month(), use, s.RunAtHour, s.RunAtMinute, loc)
		if next.After(now) {
			return next
		}
	}
	return now.Add(fallbackDelay)
}

// wallClock is time.Date that resolves a nonexistent local time forward.
func wallClock(y int, m time.Month, d, h, min int, loc *time.Location) time.Time {
	t := time.Date(y, m, d, h, min, 0, 0, loc)
	want := time.Date(y, m, d, h, min, 0, 0, time.UTC)
	got := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC)
	if got.Before(want) {
		t = t.Add(want.Sub(got))
	}
	return t
}

func mondayIndex(wd time.Weekday) int {
	return (int(wd) + 6) % 7
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return wallClock(year, month+1, 0, 0, 0, loc).Day()
}

// ValidateSchedule checks that s names a workflow and that its timing
// fields are usable.
func ValidateSchedule(s types.WorkflowSchedule) error {
	if s.WorkflowID == 0 {
		return fmt.Errorf("%w: workflow id is required", ErrInvalidSchedule)
	}
	return ValidateTiming(s)
}

// ValidateTiming checks the fields the calculator relies on.
func ValidateTiming(s types.WorkflowSchedule) error {
	if s.RunAtHour < 0 || s.RunAtHour > 23 {
		return fmt.Errorf("%w: run_at_hour must be between 0 and 23", ErrInvalidSchedule)
	}
	if s.RunAtMinute < 0 || s.RunAtMinute > 59 {
		return fmt.Errorf("%w: run_at_minute must be between 0 and 59", ErrInvalidSchedule)
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return fmt.Errorf("%w: unknown timezone %q", ErrInvalidSchedule, s.Timezone)
		}
	}

	switch s.Frequency {
	case types.FrequencyHourly, types.FrequencyDaily:
	case types.FrequencyWeekly:
		if len(s.RunOnDays) == 0 {
			return fmt.Errorf("%w: weekly schedules need at least one day", ErrInvalidSchedule)
		}
		for _, day := range s.RunOnDays {
			if day < 0 || day > 6 {
				return fmt.Errorf("%w: day %d must be between 0 (Monday) and 6 (Sunday)", ErrInvalidSchedule, day)
			}
		}
	case types.FrequencyMonthly:
		if s.RunOnDayOfMonth < 1 || s.RunOnDayOfMonth > 31 {
			return fmt.Errorf("%w: run_on_day_of_month must be between 1 and 31", ErrInvalidSchedule)
		}
	case types.FrequencyCustom:
		if s.CronExpression == "" {
			return fmt.Errorf("%w: custom schedules need a cron expression", ErrInvalidSchedule)
		}
		if _, err := cron.ParseStandard(s.CronExpression); err != nil {
			return fmt.Errorf("%w: cron expression: %v", ErrInvalidSchedule, err)
		}
	default:
		return fmt.Errorf("%w: unknown frequency %q", ErrInvalidSchedule, s.Frequency)
	}
	return nil
}
