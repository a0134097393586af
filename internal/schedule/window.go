package schedule

import "time"

// Window relates an instant to the interval between two times of day.
// It is produced fresh per evaluation and never stored.
type Window struct {
	ActiveNow bool
	Start     time.Time
	End       time.Time
	// Full is End - Start.
	Full time.Duration
	// Elapsed is now - Start. Negative when now precedes the window.
	Elapsed time.Duration
	// Remaining is End - now. Negative when now is past the window.
	Remaining time.Duration
}

// WindowAt resolves start and end against now's calendar date.
//
// A window whose end precedes its start spans midnight: the end moves to
// the next day, and a now that precedes both bounds is treated as the
// next day's occurrence. Both ends are inclusive.
func WindowAt(start, end TimeOfDay, now time.Time) Window {
	startDate := start.On(now)
	endDate := end.On(now)

	if endDate.Before(startDate) {
		if now.Before(startDate) && now.Before(endDate) {
			now = now.AddDate(0, 0, 1)
		}
		endDate = endDate.AddDate(0, 0, 1)
	}

	return Window{
		ActiveNow: !now.Before(startDate) && !now.After(endDate),
		Start:     startDate,
		End:       endDate,
		Full:      endDate.Sub(startDate),
		Elapsed:   now.Sub(startDate),
		Remaining: endDate.Sub(now),
	}
}
