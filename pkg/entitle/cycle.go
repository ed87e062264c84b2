package entitle

import "time"

// CurrentCycle returns the monthly billing cycle containing now for a subscription
// that started at start. The anniversary day is kept across months and clipped to
// the last day of shorter months, so a Jan 31 start yields:
//   - Jan 31 - Feb 28 (Feb 29 in leap years)
//   - Feb 28 - Mar 31
//   - Mar 31 - Apr 30
func CurrentCycle(start, now time.Time) Period {
	s := startOfDayUTC(start)
	n := now.UTC()
	if n.Before(s) {
		// Clock skew or future start: clamp to the first cycle.
		return Period{Start: s, End: addMonthsClipped(s, 1, s.Day())}
	}

	anniversary := s.Day()

	// Jump close to the answer instead of walking month by month from the start.
	months := (n.Year()-s.Year())*12 + int(n.Month()) - int(s.Month()) - 1
	if months < 0 {
		months = 0
	}
	for {
		cycleStart := addMonthsClipped(s, months, anniversary)
		cycleEnd := addMonthsClipped(s, months+1, anniversary)
		if cycleEnd.After(n) {
			return Period{Start: cycleStart, End: cycleEnd}
		}
		months++
	}
}

// addMonthsClipped adds months to base and sets the day to targetDay,
// using the last day of the month when targetDay does not exist in it.
func addMonthsClipped(base time.Time, months, targetDay int) time.Time {
	year, month, _ := base.Date()
	first := time.Date(year, month+time.Month(months), 1, 0, 0, 0, 0, time.UTC)

	// day 0 of the following month is the last day of this one
	lastDay := time.Date(first.Year(), first.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()

	day := targetDay
	if day > lastDay {
		day = lastDay
	}
	return time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, time.UTC)
}

// startOfDayUTC returns 00:00:00 UTC of t's day.
func startOfDayUTC(t time.Time) time.Time {
	tt := t.UTC()
	return time.Date(tt.Year(), tt.Month(), tt.Day(), 0, 0, 0, 0, time.UTC)
}
