package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/courierd/courierd/internal/user/models"
)

func localTime(hour, minute int) time.Time {
	return time.Date(2025, 6, 16, hour, minute, 0, 0, time.UTC) // a Monday
}

func TestInQuietHours(t *testing.T) {
	t.Run("wrapping window covers late night", func(t *testing.T) {
		assert.True(t, InQuietHours(localTime(23, 30), 22, 8))
		assert.True(t, InQuietHours(localTime(3, 0), 22, 8))
		assert.True(t, InQuietHours(localTime(22, 0), 22, 8))
	})

	t.Run("wrapping window excludes daytime", func(t *testing.T) {
		assert.False(t, InQuietHours(localTime(8, 0), 22, 8))
		assert.False(t, InQuietHours(localTime(12, 0), 22, 8))
		assert.False(t, InQuietHours(localTime(21, 59), 22, 8))
	})

	t.Run("non-wrapping window", func(t *testing.T) {
		assert.True(t, InQuietHours(localTime(14, 0), 13, 17))
		assert.False(t, InQuietHours(localTime(17, 0), 13, 17))
		assert.False(t, InQuietHours(localTime(12, 59), 13, 17))
	})

	t.Run("equal start and end disables quiet hours", func(t *testing.T) {
		assert.False(t, InQuietHours(localTime(0, 0), 9, 9))
		assert.False(t, InQuietHours(localTime(9, 0), 9, 9))
	})
}

func TestNextQuietEnd(t *testing.T) {
	t.Run("same day when end is still ahead", func(t *testing.T) {
		got := NextQuietEnd(localTime(3, 15), 8)
		assert.Equal(t, localTime(8, 0), got)
	})

	t.Run("next day when end already passed", func(t *testing.T) {
		got := NextQuietEnd(localTime(23, 30), 8)
		assert.Equal(t, localTime(8, 0).AddDate(0, 0, 1), got)
	})

	t.Run("exactly at end rolls to next day", func(t *testing.T) {
		got := NextQuietEnd(localTime(8, 0), 8)
		assert.Equal(t, localTime(8, 0).AddDate(0, 0, 1), got)
	})
}

func TestNextLocalDayAt(t *testing.T) {
	got := NextLocalDayAt(localTime(14, 45), 8)
	assert.Equal(t, localTime(8, 0).AddDate(0, 0, 1), got)

	// Late evening still targets tomorrow, not the day after.
	got = NextLocalDayAt(localTime(23, 59), 8)
	assert.Equal(t, localTime(8, 0).AddDate(0, 0, 1), got)
}

func TestOptimalSendTime(t *testing.T) {
	t.Run("no pattern defaults to 10:00", func(t *testing.T) {
		got := OptimalSendTime(localTime(8, 0), nil, 22, 8)
		assert.Equal(t, localTime(10, 0), got)
	})

	t.Run("no pattern keeps afternoon times", func(t *testing.T) {
		got := OptimalSendTime(localTime(14, 3), nil, 22, 8)
		assert.Equal(t, localTime(14, 5), got)
	})

	t.Run("earliest inside quiet hours is clipped to quiet end", func(t *testing.T) {
		got := OptimalSendTime(localTime(23, 0), nil, 22, 8)
		// Clipped to 08:00 next day, then walked to the 10:00 default.
		assert.Equal(t, localTime(10, 0).AddDate(0, 0, 1), got)
	})

	t.Run("best hours are honoured", func(t *testing.T) {
		pattern := &models.ResponsePattern{BestHours: []int{18}}
		got := OptimalSendTime(localTime(9, 0), pattern, 22, 8)
		assert.Equal(t, localTime(18, 0), got)
	})

	t.Run("best days push to the matching weekday", func(t *testing.T) {
		pattern := &models.ResponsePattern{BestDays: []time.Weekday{time.Wednesday}}
		got := OptimalSendTime(localTime(9, 0), pattern, 22, 8)
		assert.Equal(t, time.Wednesday, got.Weekday())
	})

	t.Run("pattern never lands inside quiet hours", func(t *testing.T) {
		pattern := &models.ResponsePattern{BestHours: []int{23}}
		got := OptimalSendTime(localTime(9, 0), pattern, 22, 8)
		assert.False(t, InQuietHours(got, 22, 8))
	})

	t.Run("unmatchable pattern falls back to earliest", func(t *testing.T) {
		pattern := &models.ResponsePattern{BestHours: []int{25}}
		earliest := localTime(9, 0)
		got := OptimalSendTime(earliest, pattern, 22, 8)
		assert.Equal(t, earliest, got)
	})
}
