package recurrence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, layout, value string) time.Time {
	t.Helper()
	tm, err := time.Parse(layout, value)
	require.NoError(t, err)
	return tm
}

func TestNextRun_RunNowThenEveryMinute_GapRule(t *testing.T) {
	spec := Spec{Kind: KindMinute, Every: 1, Initial: InitialRunNow}
	current := mustParse(t, "15:04:05.000", "10:00:29.500")

	first, ok, err := spec.NextRun(current, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, current, first)

	second, ok, err := spec.NextRun(first, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.Add(time.Minute), second)
	assert.NotEqual(t, "10:01:00", second.Format("15:04:05"))
}

func TestCalculateNextValidRun_CronReconciliation(t *testing.T) {
	spec := Spec{Kind: KindCron, CronExpr: "*/5 * * * *"}
	base := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	lastFired := base
	now := time.Date(2026, 7, 30, 10, 23, 0, 0, time.UTC)

	next, skipped, err := spec.CalculateNextValidRun(lastFired, 1, now)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, time.Date(2026, 7, 30, 10, 25, 0, 0, time.UTC), *next)
	assert.Equal(t, 4, skipped)
}

func TestNextRun_MaxRunsTerminates(t *testing.T) {
	max := int64(3)
	spec := Spec{Kind: KindSecond, Every: 1, MaxRuns: &max}
	current := time.Now()

	_, ok, err := spec.NextRun(current, 3)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNextRun_RunUntilTerminates(t *testing.T) {
	until := time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC)
	spec := Spec{Kind: KindSecond, Every: 1, RunUntil: &until}
	current := time.Date(2026, 1, 1, 0, 0, 0, 500000000, time.UTC)

	_, ok, err := spec.NextRun(current, 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidate_ZeroIntervalNoOnDaysIsInvalidSpec(t *testing.T) {
	spec := Spec{Kind: KindSecond, Every: 0}
	_, _, err := spec.NextRun(time.Now(), 0)
	require.Error(t, err)
}

func TestValidate_MalformedCronFieldCount(t *testing.T) {
	for _, expr := range []string{"* * * *", "* * * * * * *"} {
		spec := Spec{Kind: KindCron, CronExpr: expr}
		_, _, err := spec.NextRun(time.Now(), 0)
		require.Error(t, err, expr)
	}
}

func TestMonthInterval_Day31ClampsToLastValidDay(t *testing.T) {
	day := 31
	spec := Spec{Kind: KindMonth, Every: 1, OnMonthDay: &day}
	current := time.Date(2026, 3, 31, 9, 0, 0, 0, time.UTC) // April has 30 days

	next, ok, err := spec.NextRun(current, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 4, 30, 9, 0, 0, 0, time.UTC), next)
}

func TestNextRun_SpecificRunTimeBeyondOneSecondFallsThroughToCadence(t *testing.T) {
	current := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	specific := current.Add(10 * time.Minute)
	spec := Spec{Kind: KindMinute, Every: 1, Initial: InitialSpecific, SpecificRunTime: specific}

	next, ok, err := spec.NextRun(current, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, current.Add(time.Minute), next)
}
