// Package recurrence implements the recurrence engine (spec §4.1): a
// composition of interval descriptors and a cron evaluator that produce the
// next valid future instant for a recurring task.
package recurrence

import "time"

// Kind selects which interval descriptor a Spec carries. At most one is set,
// mirroring spec §3's "composition of at-most-one of" rule.
type Kind string

const (
	KindCron   Kind = "cron"
	KindSecond Kind = "second"
	KindMinute Kind = "minute"
	KindHour   Kind = "hour"
	KindDay    Kind = "day"
	KindWeek   Kind = "week"
	KindMonth  Kind = "month"
)

// InitialTrigger selects the first-run rule (spec §4.1 "First-run semantics").
type InitialTrigger string

const (
	InitialNone    InitialTrigger = ""
	InitialRunNow  InitialTrigger = "run_now"
	InitialDelay   InitialTrigger = "initial_delay"
	InitialSpecific InitialTrigger = "specific_run_time"
)

// ClockTime is a time-of-day used by OnTimes (DayInterval/WeekInterval/
// MonthInterval).
type ClockTime struct {
	Hour   int
	Minute int
	Second int
}

func (c ClockTime) onDate(ref time.Time) time.Time {
	return time.Date(ref.Year(), ref.Month(), ref.Day(), c.Hour, c.Minute, c.Second, 0, ref.Location())
}

func (c ClockTime) less(o ClockTime) bool {
	if c.Hour != o.Hour {
		return c.Hour < o.Hour
	}
	if c.Minute != o.Minute {
		return c.Minute < o.Minute
	}
	return c.Second < o.Second
}

// Spec is the full recurrence descriptor: one cadence, an optional initial
// trigger, and optional terminators.
type Spec struct {
	Kind     Kind
	CronExpr string // CronInterval{expression}

	Every int // SecondInterval/MinuteInterval/HourInterval/DayInterval/WeekInterval/MonthInterval's n

	OnSecond *int // MinuteInterval.onSecond, HourInterval.onSecond
	OnMinute *int // HourInterval.onMinute
	OnHours  []int // HourInterval.onHours

	OnTimes []ClockTime // DayInterval/WeekInterval/MonthInterval.onTimes

	OnDays []time.Weekday // DayInterval.onDays, WeekInterval.onDays

	OnMonthDay     *int            // MonthInterval.onDay
	OnMonthDays    []int           // MonthInterval.onDays
	OnFirstWeekday *time.Weekday   // MonthInterval.onFirst(weekday)
	OnMonths       []time.Month    // MonthInterval.onMonths

	Initial         InitialTrigger
	InitialDelay    time.Duration
	SpecificRunTime time.Time

	MaxRuns  *int64
	RunUntil *time.Time
}

// terminatedAt reports whether currentRunIndex/candidate already satisfy a
// terminator (spec §4.1 "Termination").
func (s Spec) terminatedAt(currentRunIndex int64, candidate time.Time) bool {
	if s.MaxRuns != nil && currentRunIndex >= *s.MaxRuns {
		return true
	}
	if s.RunUntil != nil && !candidate.Before(*s.RunUntil) {
		return true
	}
	return false
}
