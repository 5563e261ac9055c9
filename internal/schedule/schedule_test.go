package schedule_test

import (
	"testing"
	"time"

	"github.com/loopworks/conductor/internal/schedule"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustUTC(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestComputeNextRunOnce(t *testing.T) {
	spec := schedule.Spec{Type: schedule.Once, At: mustUTC("2020-01-01T00:00:00Z")}
	got, err := schedule.ComputeNextRun(spec, mustUTC("2025-01-01T00:00:00Z"))
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}

func TestComputeNextRunMonthlyRollover(t *testing.T) {
	spec := schedule.Spec{Type: schedule.Monthly, DayOfMonth: 15, Time: "10:00"}

	got, err := schedule.ComputeNextRun(spec, mustUTC("2024-01-20T11:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, mustUTC("2024-02-15T10:00:00Z"), got)

	got, err = schedule.ComputeNextRun(spec, mustUTC("2024-12-20T11:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, mustUTC("2025-01-15T10:00:00Z"), got)
}

func TestComputeNextRunInterval(t *testing.T) {
	spec := schedule.Spec{Type: schedule.Interval, Minutes: 30}
	after := mustUTC("2025-06-01T00:00:00Z")
	got, err := schedule.ComputeNextRun(spec, after)
	require.NoError(t, err)
	assert.Equal(t, after.Add(30*time.Minute), got)
}

func TestComputeNextRunDeterministic(t *testing.T) {
	spec := schedule.Spec{Type: schedule.Daily, Time: "09:00"}
	after := mustUTC("2025-06-01T08:00:00Z")
	a, err := schedule.ComputeNextRun(spec, after)
	require.NoError(t, err)
	b, err := schedule.ComputeNextRun(spec, after)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.True(t, a.After(after))
}

func TestComputeNextRunWeeklyNearestFuture(t *testing.T) {
	// 2025-06-02 is a Monday.
	spec := schedule.Spec{Type: schedule.Weekly, Day: "friday", Time: "12:00"}
	got, err := schedule.ComputeNextRun(spec, mustUTC("2025-06-02T00:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, time.Friday, got.Weekday())
	assert.True(t, got.After(mustUTC("2025-06-02T00:00:00Z")))
}

func TestValidateRejectsMissingFields(t *testing.T) {
	require.Error(t, schedule.Validate(schedule.Spec{Type: schedule.Once}))
	require.Error(t, schedule.Validate(schedule.Spec{Type: schedule.Interval, Minutes: 0}))
	require.Error(t, schedule.Validate(schedule.Spec{Type: schedule.Monthly, Time: "10:00", DayOfMonth: 29}))
	require.Error(t, schedule.Validate(schedule.Spec{Type: schedule.Weekly, Time: "10:00", Day: "someday"}))
}

func TestNextAlignedTick(t *testing.T) {
	now := mustUTC("2025-06-01T10:07:12Z")
	got := schedule.NextAlignedTick(5, now)
	assert.Equal(t, 0, got.Minute()%5)
	assert.Equal(t, 0, got.Second())
	assert.False(t, got.Before(now))

	// Hour rollover: 10:58 with a 5-minute tick rounds into the next hour.
	now = mustUTC("2025-06-01T10:58:00Z")
	got = schedule.NextAlignedTick(5, now)
	assert.Equal(t, 11, got.Hour())
	assert.Equal(t, 0, got.Minute())
}

func TestIsDue(t *testing.T) {
	now := mustUTC("2025-06-01T00:00:00Z")
	assert.True(t, schedule.IsDue(now.Add(-time.Second), now))
	assert.True(t, schedule.IsDue(now, now))
	assert.False(t, schedule.IsDue(now.Add(time.Second), now))
	assert.False(t, schedule.IsDue(time.Time{}, now))
}
