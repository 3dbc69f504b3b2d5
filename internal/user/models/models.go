// Package models defines the user domain types.
package models

import "time"

// User represents a platform user reachable over SMS.
type User struct {
	ID       string `json:"id"`
	Phone    string `json:"phone"`    // E.164
	Timezone string `json:"timezone"` // IANA name, e.g. "America/Chicago"

	// Quiet hours in user-local time, [start, end) as hours of day.
	// The window may wrap midnight (e.g. 22 -> 8).
	QuietHoursStart int `json:"quiet_hours_start"`
	QuietHoursEnd   int `json:"quiet_hours_end"`

	Verified            bool   `json:"verified"`
	OnboardingCompleted bool   `json:"onboarding_completed"`
	PointOfContact      string `json:"point_of_contact"` // agent label owning the relationship

	ResponsePattern *ResponsePattern `json:"response_pattern,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ResponsePattern captures when a user historically engages.
// Empty slices mean "no preference observed".
type ResponsePattern struct {
	BestHours          []int          `json:"best_hours"` // hours of day, user-local
	BestDays           []time.Weekday `json:"best_days"`
	AvgResponseMinutes int            `json:"avg_response_minutes"`
	EngagementScore    float64        `json:"engagement_score"` // 0..1
}

// Location resolves the user's timezone, falling back to UTC.
func (u *User) Location() *time.Location {
	if u.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(u.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
