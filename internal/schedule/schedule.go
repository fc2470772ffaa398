// Package schedule translates the user-facing cadence configuration
// (every N weeks, on weekday D, at HH:MM local time) into a deterministic
// recurring trigger.
package schedule

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidScheduleConfig is returned by Translate for out-of-range cadence
// parameters. It is a configuration-time error; the caller surfaces it to the
// user rather than the log stream.
var ErrInvalidScheduleConfig = errors.New("invalid schedule config")

// Config is the user-chosen cadence. Weekday is ISO numbering: 1=Monday .. 7=Sunday.
type Config struct {
	IntervalWeeks int  `json:"interval_weeks" validate:"min=1,max=4"`
	Weekday       int  `json:"weekday" validate:"min=1,max=7"`
	Hour          int  `json:"hour" validate:"min=0,max=23"`
	Minute        int  `json:"minute" validate:"min=0,max=59"`
	AutoStart     bool `json:"auto_start"`
}

// anchor is the reference Monday the week index counts from. It is a fixed
// epoch, not process start time, so stopping and restarting the job never
// shifts which weeks qualify.
var anchor = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// TriggerSpec is a validated, immutable recurring trigger: it fires when the
// week index since the anchor is divisible by IntervalWeeks, the local
// weekday matches, and the local time is exactly Hour:Minute.
type TriggerSpec struct {
	IntervalWeeks int
	Weekday       time.Weekday
	Hour          int
	Minute        int
}

// Translate validates cfg and produces the trigger rule.
func Translate(cfg Config) (TriggerSpec, error) {
	if cfg.IntervalWeeks < 1 || cfg.IntervalWeeks > 4 {
		return TriggerSpec{}, fmt.Errorf("%w: interval_weeks %d not in 1..4", ErrInvalidScheduleConfig, cfg.IntervalWeeks)
	}
	if cfg.Weekday < 1 || cfg.Weekday > 7 {
		return TriggerSpec{}, fmt.Errorf("%w: weekday %d not in 1..7", ErrInvalidScheduleConfig, cfg.Weekday)
	}
	if cfg.Hour < 0 || cfg.Hour > 23 {
		return TriggerSpec{}, fmt.Errorf("%w: hour %d not in 0..23", ErrInvalidScheduleConfig, cfg.Hour)
	}
	if cfg.Minute < 0 || cfg.Minute > 59 {
		return TriggerSpec{}, fmt.Errorf("%w: minute %d not in 0..59", ErrInvalidScheduleConfig, cfg.Minute)
	}
	return TriggerSpec{
		IntervalWeeks: cfg.IntervalWeeks,
		Weekday:       isoWeekday(cfg.Weekday),
		Hour:          cfg.Hour,
		Minute:        cfg.Minute,
	}, nil
}

// Next computes the first fire time strictly after now, in now's location.
// A qualifying day whose HH:MM already passed rolls over to the next
// qualifying cycle, never into the past.
func (t TriggerSpec) Next(now time.Time) time.Time {
	loc := now.Location()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)

	// The matching weekday recurs within 7 days and the week index cycles
	// within IntervalWeeks weeks, so scanning one full cycle plus a week
	// always finds the answer.
	limit := 7 * (t.IntervalWeeks + 1)
	for i := 0; i <= limit; i++ {
		d := day.AddDate(0, 0, i)
		if d.Weekday() != t.Weekday {
			continue
		}
		if weekIndex(d)%t.IntervalWeeks != 0 {
			continue
		}
		fire := time.Date(d.Year(), d.Month(), d.Day(), t.Hour, t.Minute, 0, 0, loc)
		if fire.After(now) {
			return fire
		}
	}
	// Unreachable for a validated spec.
	return time.Time{}
}

// weekIndex returns whole Monday-based weeks elapsed between the anchor and
// the calendar day of d. The count goes through UTC-normalized civil dates so
// DST transitions cannot skew the day arithmetic.
func weekIndex(d time.Time) int {
	civil := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	days := int(civil.Sub(anchor).Hours() / 24)
	if days < 0 {
		days -= 6 // floor division for pre-anchor dates
	}
	return days / 7
}

// isoWeekday maps 1=Monday..7=Sunday onto time.Weekday.
func isoWeekday(n int) time.Weekday {
	if n == 7 {
		return time.Sunday
	}
	return time.Weekday(n)
}

func (t TriggerSpec) String() string {
	return fmt.Sprintf("every %d week(s) on %s at %02d:%02d", t.IntervalWeeks, t.Weekday, t.Hour, t.Minute)
}
