package recurrence

import (
	"math"
	"time"
)

// gapThreshold is the "30-second gap rule" window (spec §4.1).
const gapThreshold = 30 * time.Second

// NextRun computes the next UTC instant at which a recurring task should
// fire, or reports ok=false if a terminator holds (spec §4.1 "Contract").
func (s Spec) NextRun(current time.Time, currentRunIndex int64) (next time.Time, ok bool, err error) {
	if err := s.validate(); err != nil {
		return time.Time{}, false, err
	}
	if s.MaxRuns != nil && currentRunIndex >= *s.MaxRuns {
		return time.Time{}, false, nil
	}

	if currentRunIndex == 0 {
		if candidate, has := s.firstRunCandidate(current); has {
			cadence, err := s.computeCadence(current)
			if err != nil {
				return time.Time{}, false, err
			}
			// 30-second gap rule: if the candidate falls within 30s before
			// the cadence instant, emit the cadence instant instead, to
			// avoid a near-immediate double fire.
			if cadence.After(candidate) && cadence.Sub(candidate) <= gapThreshold {
				candidate = cadence
			}
			if s.terminatedAt(currentRunIndex, candidate) {
				return time.Time{}, false, nil
			}
			return candidate, true, nil
		}
	}

	cadence, err := s.computeCadence(current)
	if err != nil {
		return time.Time{}, false, err
	}
	if s.terminatedAt(currentRunIndex, cadence) {
		return time.Time{}, false, nil
	}
	return cadence, true, nil
}

// firstRunCandidate implements the first-run priority order: RunNow,
// SpecificRunTime, InitialDelay, each accepted only if no later than
// current+1s (spec §4.1 "First-run semantics").
func (s Spec) firstRunCandidate(current time.Time) (time.Time, bool) {
	var candidate time.Time
	switch s.Initial {
	case InitialRunNow:
		candidate = current
	case InitialSpecific:
		candidate = s.SpecificRunTime
	case InitialDelay:
		candidate = current.Add(s.InitialDelay)
	default:
		return time.Time{}, false
	}
	if candidate.After(current.Add(time.Second)) {
		return time.Time{}, false
	}
	return candidate, true
}

// CalculateNextValidRun returns the next occurrence after scheduled. When that
// naive instant lies more than 1s before referenceNow, it skips every elapsed
// occurrence (the naive one included, each counted in skipped) and returns
// the first instant strictly after referenceNow — the "post-downtime skip"
// rule (spec §4.1). next is nil when a terminator holds.
func (s Spec) CalculateNextValidRun(scheduled time.Time, currentRunIndex int64, referenceNow time.Time) (next *time.Time, skipped int, err error) {
	naive, ok, err := s.NextRun(scheduled, currentRunIndex)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 0, nil
	}
	if referenceNow.Sub(naive) <= time.Second {
		return &naive, 0, nil
	}
	// naive itself has already elapsed, so it is the first skipped occurrence.
	skipped = 1

	if s.Kind == KindCron {
		sched, err := parseCron(s.CronExpr)
		if err != nil {
			return nil, 0, err
		}
		cursor := naive
		for {
			cursor = sched.Next(cursor)
			if cursor.After(referenceNow) {
				break
			}
			skipped++
		}
		if s.terminatedAt(currentRunIndex+int64(skipped), cursor) {
			return nil, skipped, nil
		}
		return &cursor, skipped, nil
	}

	if interval, fixed := s.fixedDuration(); fixed && interval > 0 {
		behind := referenceNow.Sub(naive)
		n := int(math.Ceil(float64(behind) / float64(interval)))
		if n < 0 {
			n = 0
		}
		candidate := naive.Add(time.Duration(n) * interval)
		for !candidate.After(referenceNow) {
			candidate = candidate.Add(interval)
			n++
		}
		skipped = n
		if s.terminatedAt(currentRunIndex+int64(skipped), candidate) {
			return nil, skipped, nil
		}
		return &candidate, skipped, nil
	}

	// Calendar-dependent cadence (Day/Week with weekday or time-of-day
	// refinement, or Month): no closed-form period, so advance one
	// occurrence at a time. Bounded iteration guards against a
	// misconfigured spec that never reaches the future.
	cursor := naive
	for i := 0; i < 100000; i++ {
		next, err := s.computeCadence(cursor)
		if err != nil {
			return nil, skipped, err
		}
		if next.After(referenceNow) {
			if s.terminatedAt(currentRunIndex+int64(skipped), next) {
				return nil, skipped, nil
			}
			return &next, skipped, nil
		}
		cursor = next
		skipped++
	}
	return nil, skipped, nil
}
