package recurrence

import (
	"fmt"
	"time"

	"github.com/evertask/evertask/internal/task"
	"github.com/robfig/cron/v3"
)

// cronParser accepts both the 5-field (minute granularity) and 6-field
// (seconds-first) grammars, plus the @every/@daily descriptors. The seconds
// field is optional, so a 5-field expression fires at second 0.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func parseCron(expr string) (cron.Schedule, error) {
	fields := len(splitFields(expr))
	if fields != 5 && fields != 6 && fields != 1 { // 1 covers @descriptors
		return nil, fmt.Errorf("%w: cron expression must have 5 or 6 fields, got %d", task.ErrInvalidSpec, fields)
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", task.ErrInvalidSpec, err)
	}
	return sched, nil
}

func splitFields(expr string) []string {
	var fields []string
	start := -1
	for i, r := range expr {
		if r == ' ' || r == '\t' {
			if start >= 0 {
				fields = append(fields, expr[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		fields = append(fields, expr[start:])
	}
	return fields
}

// validate rejects internally-inconsistent specs (spec §4.1 "Fails with
// InvalidSpec").
func (s Spec) validate() error {
	switch s.Kind {
	case KindCron:
		if _, err := parseCron(s.CronExpr); err != nil {
			return err
		}
	case KindSecond, KindMinute, KindHour:
		if s.Every < 1 {
			return fmt.Errorf("%w: interval must be >= 1", task.ErrInvalidSpec)
		}
	case KindDay, KindWeek:
		if s.Every < 1 && len(s.OnDays) == 0 {
			return fmt.Errorf("%w: zero interval with no OnDays", task.ErrInvalidSpec)
		}
	case KindMonth:
		if s.Every < 1 && s.OnMonthDay == nil && len(s.OnMonthDays) == 0 && s.OnFirstWeekday == nil {
			return fmt.Errorf("%w: zero interval with no day constraint", task.ErrInvalidSpec)
		}
		if s.OnMonthDay != nil && (*s.OnMonthDay < 1 || *s.OnMonthDay > 31) {
			return fmt.Errorf("%w: onDay out of range 1..31", task.ErrInvalidSpec)
		}
		for _, d := range s.OnMonthDays {
			if d < 1 || d > 31 {
				return fmt.Errorf("%w: onDays entry out of range 1..31", task.ErrInvalidSpec)
			}
		}
		for _, m := range s.OnMonths {
			if m < 1 || m > 12 {
				return fmt.Errorf("%w: onMonths entry out of range 1..12", task.ErrInvalidSpec)
			}
		}
	default:
		return fmt.Errorf("%w: unknown interval kind %q", task.ErrInvalidSpec, s.Kind)
	}
	for _, h := range s.OnHours {
		if h < 0 || h > 23 {
			return fmt.Errorf("%w: onHours entry out of range 0..23", task.ErrInvalidSpec)
		}
	}
	return nil
}

// fixedDuration reports the cadence's period as a fixed time.Duration when
// the cadence is a simple, calendar-independent interval — the case in
// which CalculateNextValidRun can skip forward in O(1) (spec §4.1
// "O(1): skipped = ⌈(now − nextRun)/interval⌉"). Day/Week intervals that add
// a weekday or time-of-day constraint, and Month/Cron cadences, are
// calendar-dependent and fall back to iterative advancement.
func (s Spec) fixedDuration() (time.Duration, bool) {
	switch s.Kind {
	case KindSecond:
		return time.Duration(s.Every) * time.Second, true
	case KindMinute:
		return time.Duration(s.Every) * time.Minute, true
	case KindHour:
		if len(s.OnHours) > 0 {
			return 0, false
		}
		return time.Duration(s.Every) * time.Hour, true
	case KindDay:
		if len(s.OnDays) > 0 || len(s.OnTimes) > 0 {
			return 0, false
		}
		return time.Duration(s.Every) * 24 * time.Hour, true
	case KindWeek:
		if len(s.OnDays) > 0 || len(s.OnTimes) > 0 {
			return 0, false
		}
		return time.Duration(s.Every) * 7 * 24 * time.Hour, true
	default:
		return 0, false
	}
}

// computeCadence returns the single next cadence instant strictly after
// current, per spec §4.1 "Cadence" and "refinement order".
func (s Spec) computeCadence(current time.Time) (time.Time, error) {
	if s.Kind == KindCron {
		sched, err := parseCron(s.CronExpr)
		if err != nil {
			return time.Time{}, err
		}
		return sched.Next(current), nil
	}

	switch s.Kind {
	case KindSecond:
		return current.Add(time.Duration(s.Every) * time.Second), nil
	case KindMinute:
		next := current.Add(time.Duration(s.Every) * time.Minute)
		return applySecond(next, s.OnSecond), nil
	case KindHour:
		next := current.Add(time.Duration(s.Every) * time.Hour)
		next = applyMinuteSecond(next, s.OnMinute, s.OnSecond)
		if len(s.OnHours) > 0 {
			next = nextHourIn(next, s.OnHours)
		}
		return next, nil
	case KindDay:
		return s.nextDayLike(current, time.Duration(s.Every)*24*time.Hour, s.OnDays)
	case KindWeek:
		return s.nextDayLike(current, time.Duration(s.Every)*7*24*time.Hour, s.OnDays)
	case KindMonth:
		return s.nextMonth(current)
	default:
		return time.Time{}, fmt.Errorf("%w: unknown interval kind %q", task.ErrInvalidSpec, s.Kind)
	}
}

func applySecond(t time.Time, onSecond *int) time.Time {
	if onSecond == nil {
		return t
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), *onSecond, 0, t.Location())
}

func applyMinuteSecond(t time.Time, onMinute, onSecond *int) time.Time {
	minute := t.Minute()
	if onMinute != nil {
		minute = *onMinute
	}
	second := t.Second()
	if onSecond != nil {
		second = *onSecond
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), minute, second, 0, t.Location())
}

func nextHourIn(t time.Time, hours []int) time.Time {
	sorted := append([]int(nil), hours...)
	sortInts(sorted)
	for _, h := range sorted {
		if h >= t.Hour() {
			return time.Date(t.Year(), t.Month(), t.Day(), h, t.Minute(), t.Second(), 0, t.Location())
		}
	}
	// wrap to the smallest hour on the next day
	next := t.AddDate(0, 0, 1)
	return time.Date(next.Year(), next.Month(), next.Day(), sorted[0], t.Minute(), t.Second(), 0, t.Location())
}

func sortInts(xs []int) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j-1] > xs[j]; j-- {
			xs[j-1], xs[j] = xs[j], xs[j-1]
		}
	}
}

// nextDayLike advances current by step (the base interval) and, if onDays is
// set, by whole additional days until landing on an allowed weekday; OnTimes
// is then applied to pick the smallest time-of-day strictly after the
// resulting instant on that day, or the first OnTime on the next valid day.
func (s Spec) nextDayLike(current time.Time, step time.Duration, onDays []time.Weekday) (time.Time, error) {
	candidate := current.Add(step)
	if len(onDays) > 0 {
		for !weekdayAllowed(candidate.Weekday(), onDays) {
			candidate = candidate.AddDate(0, 0, 1)
		}
	}
	if len(s.OnTimes) == 0 {
		return candidate, nil
	}
	return s.applyOnTimes(candidate, onDays)
}

func (s Spec) applyOnTimes(from time.Time, onDays []time.Weekday) (time.Time, error) {
	times := append([]ClockTime(nil), s.OnTimes...)
	sortClockTimes(times)

	day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, from.Location())
	for iter := 0; iter < 400; iter++ {
		if len(onDays) == 0 || weekdayAllowed(day.Weekday(), onDays) {
			for _, ct := range times {
				candidate := ct.onDate(day)
				if candidate.After(from) {
					return candidate, nil
				}
			}
		}
		day = day.AddDate(0, 0, 1)
	}
	return time.Time{}, fmt.Errorf("%w: no OnTimes candidate found within 400 days", task.ErrInvalidSpec)
}

func weekdayAllowed(w time.Weekday, allowed []time.Weekday) bool {
	for _, a := range allowed {
		if a == w {
			return true
		}
	}
	return false
}

func sortClockTimes(ts []ClockTime) {
	for i := 1; i < len(ts); i++ {
		for j := i; j > 0 && ts[j].less(ts[j-1]); j-- {
			ts[j-1], ts[j] = ts[j], ts[j-1]
		}
	}
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func (s Spec) nextMonth(current time.Time) (time.Time, error) {
	base := current.AddDate(0, s.Every, 0)
	if base.Day() != current.Day() {
		// AddDate carried a day the target month lacks into the month after
		// it (Mar 31 + 1 month = May 1); use the target month's last day.
		base = time.Date(current.Year(), current.Month()+time.Month(s.Every)+1, 0,
			current.Hour(), current.Minute(), current.Second(), current.Nanosecond(), current.Location())
	}
	for iter := 0; iter < 120; iter++ {
		if len(s.OnMonths) > 0 && !monthAllowed(base.Month(), s.OnMonths) {
			base = time.Date(base.Year(), base.Month()+1, 1, 0, 0, 0, 0, base.Location())
			continue
		}
		day := base.Day()
		switch {
		case s.OnMonthDay != nil:
			day = clamp(*s.OnMonthDay, 1, daysInMonth(base.Year(), base.Month()))
		case len(s.OnMonthDays) > 0:
			day = clamp(smallestGE(s.OnMonthDays, base.Day()), 1, daysInMonth(base.Year(), base.Month()))
		case s.OnFirstWeekday != nil:
			d := firstWeekdayOfMonth(base.Year(), base.Month(), *s.OnFirstWeekday)
			base = time.Date(base.Year(), base.Month(), d, base.Hour(), base.Minute(), base.Second(), 0, base.Location())
			day = d
		}
		candidate := time.Date(base.Year(), base.Month(), day, base.Hour(), base.Minute(), base.Second(), 0, base.Location())
		if len(s.OnTimes) > 0 {
			times := append([]ClockTime(nil), s.OnTimes...)
			sortClockTimes(times)
			for _, ct := range times {
				t := ct.onDate(candidate)
				if t.After(current) {
					return t, nil
				}
			}
			// no time today works; move to next month
			base = time.Date(base.Year(), base.Month()+1, 1, 0, 0, 0, 0, base.Location())
			continue
		}
		if candidate.After(current) {
			return candidate, nil
		}
		base = time.Date(base.Year(), base.Month()+1, 1, 0, 0, 0, 0, base.Location())
	}
	return time.Time{}, fmt.Errorf("%w: no month candidate found within 120 iterations", task.ErrInvalidSpec)
}

func monthAllowed(m time.Month, allowed []time.Month) bool {
	for _, a := range allowed {
		if a == m {
			return true
		}
	}
	return false
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func smallestGE(xs []int, v int) int {
	best := xs[0]
	found := false
	for _, x := range xs {
		if x >= v && (!found || x < best) {
			best = x
			found = true
		}
	}
	if found {
		return best
	}
	// none this month >= v: wrap to smallest (caller will clamp/continue)
	min := xs[0]
	for _, x := range xs {
		if x < min {
			min = x
		}
	}
	return min
}

func firstWeekdayOfMonth(year int, month time.Month, weekday time.Weekday) int {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	offset := (int(weekday) - int(first.Weekday()) + 7) % 7
	return 1 + offset
}
