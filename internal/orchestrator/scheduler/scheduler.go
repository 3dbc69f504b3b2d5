// Package scheduler computes send windows from quiet hours and user
// response patterns. All calculations work in the user's local time.
package scheduler

import (
	"time"

	"github.com/courierd/courierd/internal/user/models"
)

// walkStep is the resolution of the optimal-send-time walk.
const walkStep = 5 * time.Minute

// maxWalk bounds the walk to a week so bad pattern data cannot spin forever.
const maxWalk = 7 * 24 * time.Hour

// InQuietHours reports whether local time t falls inside [start, end) hours.
// A window wrapping midnight (start > end, e.g. 22 to 8) is handled.
func InQuietHours(t time.Time, start, end int) bool {
	if start == end {
		return false
	}
	h := t.Hour()
	if start < end {
		return h >= start && h < end
	}
	return h >= start || h < end
}

// NextQuietEnd returns the next occurrence of the quiet_end hour at or after
// local time t.
func NextQuietEnd(t time.Time, end int) time.Time {
	candidate := time.Date(t.Year(), t.Month(), t.Day(), end, 0, 0, 0, t.Location())
	if !candidate.After(t) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

// NextLocalDayAt returns hour o'clock on the day after local time t.
func NextLocalDayAt(t time.Time, hour int) time.Time {
	next := t.AddDate(0, 0, 1)
	return time.Date(next.Year(), next.Month(), next.Day(), hour, 0, 0, 0, t.Location())
}

// OptimalSendTime picks the first candidate at or after earliest that fits
// the user's response pattern, clipped outside quiet hours. Without pattern
// data it defaults to the next 10:00 local inside the allowed window.
// earliest must be in the user's location.
func OptimalSendTime(earliest time.Time, pattern *models.ResponsePattern, quietStart, quietEnd int) time.Time {
	hasPattern := pattern != nil && (len(pattern.BestHours) > 0 || len(pattern.BestDays) > 0)

	candidate := earliest.Truncate(walkStep)
	if candidate.Before(earliest) {
		candidate = candidate.Add(walkStep)
	}

	deadline := candidate.Add(maxWalk)
	for candidate.Before(deadline) {
		if InQuietHours(candidate, quietStart, quietEnd) {
			candidate = NextQuietEnd(candidate, quietEnd)
			continue
		}
		if !hasPattern {
			if candidate.Hour() >= 10 {
				return candidate
			}
			candidate = time.Date(candidate.Year(), candidate.Month(), candidate.Day(),
				10, 0, 0, 0, candidate.Location())
			continue
		}
		if matchesPattern(candidate, pattern) {
			return candidate
		}
		candidate = candidate.Add(walkStep)
	}
	return earliest
}

func matchesPattern(t time.Time, pattern *models.ResponsePattern) bool {
	if len(pattern.BestDays) > 0 {
		found := false
		for _, d := range pattern.BestDays {
			if t.Weekday() == d {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(pattern.BestHours) > 0 {
		found := false
		for _, h := range pattern.BestHours {
			if t.Hour() == h {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
