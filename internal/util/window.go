package util

import (
	"fmt"
	"time"
)

// ParseClock parses an HH:MM wall-clock time into minutes past midnight.
func ParseClock(v string) (int, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, fmt.Errorf("parse clock %q: %w", v, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// InWindow reports whether now falls inside the daily [start, end] window
// evaluated in tz (now's own location when tz is empty). An empty bound is
// open; both empty means scheduled backups may run at any time. A window whose
// end is earlier than its start spans midnight.
func InWindow(now time.Time, start, end, tz string) (bool, error) {
	if start == "" && end == "" {
		return true, nil
	}
	if tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return false, fmt.Errorf("schedule timezone: %w", err)
		}
		now = now.In(loc)
	}
	minute := now.Hour()*60 + now.Minute()

	from, to := 0, 24*60-1
	var err error
	if start != "" {
		if from, err = ParseClock(start); err != nil {
			return false, fmt.Errorf("schedule window start: %w", err)
		}
	}
	if end != "" {
		if to, err = ParseClock(end); err != nil {
			return false, fmt.Errorf("schedule window end: %w", err)
		}
	}

	if from <= to {
		return minute >= from && minute <= to, nil
	}
	return minute >= from || minute <= to, nil
}
