// Package window decides whether an SMS may be sent at a given instant.
//
// All conversions go through time.Location so daylight-saving shifts move
// the window with the wall clock instead of staying at a fixed UTC offset.
package window

import (
	"fmt"
	"time"
)

// Gate is a business-hours interval [StartHour, EndHour) in Location.
type Gate struct {
	StartHour int
	EndHour   int
	Location  *time.Location
}

// New loads tz and validates the hours.
func New(startHour, endHour int, tz string) (Gate, error) {
	if startHour < 0 || endHour > 24 || startHour >= endHour {
		return Gate{}, fmt.Errorf("invalid window %d-%d", startHour, endHour)
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Gate{}, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	return Gate{StartHour: startHour, EndHour: endHour, Location: loc}, nil
}

// IsWithinWindow reports whether now falls inside the window.
func (g Gate) IsWithinWindow(now time.Time) bool {
	return IsWithinWindow(now, g.StartHour, g.EndHour, g.Location)
}

// NextWindowStart returns now when inside the window, otherwise the next
// local StartHour in UTC.
func (g Gate) NextWindowStart(now time.Time) time.Time {
	return NextWindowStart(now, g.StartHour, g.EndHour, g.Location)
}

// IsWithinWindow reports whether the local hour of now in tz is in [startHour, endHour).
func IsWithinWindow(now time.Time, startHour, endHour int, tz *time.Location) bool {
	h := now.In(tz).Hour()
	return h >= startHour && h < endHour
}

// NextWindowStart returns now if it is inside the window. Otherwise it
// returns today's startHour when that is still ahead, else tomorrow's.
func NextWindowStart(now time.Time, startHour, endHour int, tz *time.Location) time.Time {
	if IsWithinWindow(now, startHour, endHour, tz) {
		return now.UTC()
	}
	local := now.In(tz)
	day := local.Day()
	if local.Hour() >= startHour {
		day++
	}
	return time.Date(local.Year(), local.Month(), day, startHour, 0, 0, 0, tz).UTC()
}
