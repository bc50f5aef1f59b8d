// Package recurrence computes execution instants for recurring schedules.
// Both entry points are pure so they can be tested against fixed clocks.
package recurrence

import (
	"fmt"
	"time"
)

// Kind selects the recurrence rule.
type Kind string

const (
	KindDaily   Kind = "daily"
	KindWeekly  Kind = "weekly"
	KindMonthly Kind = "monthly"
	KindCustom  Kind = "custom"
)

const (
	// Tolerance is the due window width: a schedule whose slot passed more
	// than this long ago is skipped for the cycle rather than fired late.
	// Note the scheduler's recurring poll interval equals this window, so a
	// delayed tick can legitimately skip one firing.
	Tolerance = 5 * time.Minute

	// MinReexecInterval guards against duplicate firing when poll ticks
	// overlap: a schedule never fires twice within this interval, whatever
	// the nominal rule says.
	MinReexecInterval = time.Minute
)

// Spec is a parsed recurrence rule. Only the fields relevant to Kind are
// meaningful.
type Spec struct {
	Kind Kind

	// Daily, weekly, monthly: time of day.
	Hour   int
	Minute int

	// Weekly only.
	Weekday time.Weekday

	// Monthly only; clamped to the month's last day when shorter.
	Day int

	// Custom only: fixed interval between executions.
	Interval time.Duration

	// Anchor for custom schedules that have never executed.
	CreatedAt time.Time
}

// Validate rejects specs that could never produce an execution instant.
func (s Spec) Validate() error {
	if s.Hour < 0 || s.Hour > 23 || s.Minute < 0 || s.Minute > 59 {
		return fmt.Errorf("recurrence: invalid time of day %02d:%02d", s.Hour, s.Minute)
	}
	switch s.Kind {
	case KindDaily:
	case KindWeekly:
		if s.Weekday < time.Sunday || s.Weekday > time.Saturday {
			return fmt.Errorf("recurrence: invalid weekday %d", s.Weekday)
		}
	case KindMonthly:
		if s.Day < 1 || s.Day > 31 {
			return fmt.Errorf("recurrence: invalid day of month %d", s.Day)
		}
	case KindCustom:
		if s.Interval < time.Minute {
			return fmt.Errorf("recurrence: custom interval %s below 1m", s.Interval)
		}
	default:
		return fmt.Errorf("recurrence: unknown kind %q", s.Kind)
	}
	return nil
}

// NextExecution returns the execution instant the schedule is currently
// aiming at: the earliest candidate instant not older than now-Tolerance.
// A slot that passed within the tolerance window is still returned (it is
// due); older slots roll forward to the next occurrence.
func NextExecution(s Spec, now, lastExecuted time.Time) time.Time {
	switch s.Kind {
	case KindDaily:
		cand := time.Date(now.Year(), now.Month(), now.Day(), s.Hour, s.Minute, 0, 0, now.Location())
		if now.Sub(cand) > Tolerance {
			cand = cand.AddDate(0, 0, 1)
		}
		return cand

	case KindWeekly:
		days := (int(s.Weekday) - int(now.Weekday()) + 7) % 7
		cand := time.Date(now.Year(), now.Month(), now.Day(), s.Hour, s.Minute, 0, 0, now.Location()).AddDate(0, 0, days)
		if now.Sub(cand) > Tolerance {
			cand = cand.AddDate(0, 0, 7)
		}
		return cand

	case KindMonthly:
		cand := monthlyCandidate(now.Year(), now.Month(), s, now.Location())
		if now.Sub(cand) > Tolerance {
			y, m := now.Year(), now.Month()+1
			cand = monthlyCandidate(y, m, s, now.Location())
		}
		return cand

	case KindCustom:
		anchor := lastExecuted
		if anchor.IsZero() {
			anchor = s.CreatedAt
		}
		if anchor.IsZero() {
			return now
		}
		cand := anchor.Add(s.Interval)
		// A missed window rolls forward by whole intervals so the schedule
		// resumes instead of starving behind an unreachable instant.
		if delta := now.Sub(cand); delta > Tolerance && s.Interval > 0 {
			cand = cand.Add(delta / s.Interval * s.Interval)
			if now.Sub(cand) > Tolerance {
				cand = cand.Add(s.Interval)
			}
		}
		return cand

	default:
		return time.Time{}
	}
}

// monthlyCandidate builds the instant for the given month, clamping the
// configured day to the month's last day (e.g. day 31 in February).
func monthlyCandidate(year int, month time.Month, s Spec, loc *time.Location) time.Time {
	day := s.Day
	if last := lastDayOfMonth(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, s.Hour, s.Minute, 0, 0, loc)
}

func lastDayOfMonth(year int, month time.Month) int {
	// Day 0 of the next month normalizes to this month's last day.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// IsDue reports whether the schedule should fire now: the target instant has
// arrived, the tolerance window has not closed, and the minimum re-execution
// interval since the last firing has elapsed.
func IsDue(s Spec, now, lastExecuted time.Time) bool {
	if !lastExecuted.IsZero() && now.Sub(lastExecuted) < MinReexecInterval {
		return false
	}
	next := NextExecution(s, now, lastExecuted)
	if next.IsZero() || now.Before(next) {
		return false
	}
	return now.Sub(next) <= Tolerance
}
