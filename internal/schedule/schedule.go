// Package schedule implements the recurrence algebra of spec.md §4.7: pure,
// side-effect-free next-fire computation for once/interval/daily/weekly/monthly
// recurrences, plus clock-aligned tick computation for the autonomous loop.
// Grounded line-for-line on original_source/bbclaw/core/scheduler.py.
package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/loopworks/conductor/internal/errkind"
)

// Type identifies a recurrence kind.
type Type string

const (
	Once     Type = "once"
	Interval Type = "interval"
	Daily    Type = "daily"
	Weekly   Type = "weekly"
	Monthly  Type = "monthly"
)

var weekdays = map[string]time.Weekday{
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
	"sunday":    time.Sunday,
}

// Spec is a tagged recurrence record. Only the fields relevant to Type are
// populated; callers build one via the New* constructors below.
type Spec struct {
	Type Type

	At time.Time // once

	Minutes int // interval

	Time string // daily, weekly, monthly — "HH:MM" 24h UTC

	Day string // weekly — one of weekdays' keys

	DayOfMonth int // monthly — [1, 28]
}

// Validate checks a Spec's type-dependent required fields, per spec.md §4.7.
func Validate(s Spec) error {
	switch s.Type {
	case Once:
		if s.At.IsZero() {
			return errkind.New(errkind.ScheduleValidation, "once recurrence requires 'at'")
		}
	case Interval:
		if s.Minutes <= 0 {
			return errkind.New(errkind.ScheduleValidation, "interval recurrence requires minutes > 0")
		}
	case Daily:
		if err := validateTime(s.Time); err != nil {
			return err
		}
	case Weekly:
		if err := validateTime(s.Time); err != nil {
			return err
		}
		if _, ok := weekdays[strings.ToLower(s.Day)]; !ok {
			return errkind.New(errkind.ScheduleValidation, fmt.Sprintf("weekly recurrence has invalid day %q", s.Day))
		}
	case Monthly:
		if err := validateTime(s.Time); err != nil {
			return err
		}
		if s.DayOfMonth < 1 || s.DayOfMonth > 28 {
			return errkind.New(errkind.ScheduleValidation, "monthly recurrence requires day_of_month in [1, 28]")
		}
	default:
		return errkind.New(errkind.ScheduleValidation, fmt.Sprintf("unknown recurrence type %q", s.Type))
	}
	return nil
}

func validateTime(hhmm string) error {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return errkind.New(errkind.ScheduleValidation, fmt.Sprintf("invalid HH:MM time %q", hhmm))
	}
	if t.Hour() < 0 || t.Hour() > 23 || t.Minute() < 0 || t.Minute() > 59 {
		return errkind.New(errkind.ScheduleValidation, fmt.Sprintf("time %q out of range", hhmm))
	}
	return nil
}

// ComputeNextRun returns the next fire timestamp strictly after 'after', or
// the zero Time if the recurrence has no future fire (an expired "once").
// Pure: equal (spec, after) always yields an equal result.
func ComputeNextRun(s Spec, after time.Time) (time.Time, error) {
	if err := Validate(s); err != nil {
		return time.Time{}, err
	}
	after = after.UTC()

	switch s.Type {
	case Once:
		at := s.At.UTC()
		if at.After(after) {
			return at, nil
		}
		return time.Time{}, nil

	case Interval:
		return after.Add(time.Duration(s.Minutes) * time.Minute), nil

	case Daily:
		hh, mm := mustParseHHMM(s.Time)
		candidate := time.Date(after.Year(), after.Month(), after.Day(), hh, mm, 0, 0, time.UTC)
		if candidate.After(after) {
			return candidate, nil
		}
		return candidate.AddDate(0, 0, 1), nil

	case Weekly:
		hh, mm := mustParseHHMM(s.Time)
		target := weekdays[strings.ToLower(s.Day)]
		candidate := time.Date(after.Year(), after.Month(), after.Day(), hh, mm, 0, 0, time.UTC)
		for {
			if candidate.Weekday() == target && candidate.After(after) {
				return candidate, nil
			}
			candidate = candidate.AddDate(0, 0, 1)
		}

	case Monthly:
		hh, mm := mustParseHHMM(s.Time)
		candidate := time.Date(after.Year(), after.Month(), s.DayOfMonth, hh, mm, 0, 0, time.UTC)
		if candidate.After(after) {
			return candidate, nil
		}
		year, month := after.Year(), after.Month()+1
		if month > 12 {
			month = 1
			year++
		}
		return time.Date(year, month, s.DayOfMonth, hh, mm, 0, 0, time.UTC), nil
	}
	return time.Time{}, errkind.New(errkind.ScheduleValidation, fmt.Sprintf("unknown recurrence type %q", s.Type))
}

func mustParseHHMM(hhmm string) (int, int) {
	t, _ := time.Parse("15:04", hhmm)
	return t.Hour(), t.Minute()
}

// IsDue reports whether nextRunAt has arrived relative to now.
func IsDue(nextRunAt, now time.Time) bool {
	return !nextRunAt.IsZero() && !nextRunAt.After(now)
}

// NextAlignedTick returns the next wall-clock instant whose minute component
// is a multiple of tickMinutes, with seconds and sub-seconds zeroed; correct
// across hour/day rollover. Result is always >= now.
func NextAlignedTick(tickMinutes int, now time.Time) time.Time {
	now = now.UTC()
	base := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), now.Minute(), 0, 0, time.UTC)
	if base.Equal(now) && base.Minute()%tickMinutes == 0 {
		return base
	}
	next := base.Add(time.Minute)
	if rem := next.Minute() % tickMinutes; rem != 0 {
		next = next.Add(time.Duration(tickMinutes-rem) * time.Minute)
	}
	return next
}

// Describe renders a human-readable description of a recurrence, used by the
// CLI's /schedule list and upcoming commands. Grounded on
// original_source/bbclaw/core/scheduler.py's describe_schedule, a feature
// the distillation dropped but the CLI surface still needs.
func Describe(s Spec) string {
	switch s.Type {
	case Once:
		return fmt.Sprintf("once at %s", s.At.UTC().Format(time.RFC3339))
	case Interval:
		return fmt.Sprintf("every %d minutes", s.Minutes)
	case Daily:
		return fmt.Sprintf("daily at %s UTC", s.Time)
	case Weekly:
		return fmt.Sprintf("every %s at %s UTC", capitalize(s.Day), s.Time)
	case Monthly:
		return fmt.Sprintf("monthly on day %d at %s UTC", s.DayOfMonth, s.Time)
	default:
		return "unknown schedule"
	}
}

func capitalize(s string) string {
	s = strings.ToLower(s)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
