package types

import "time"

// MonthWindow returns the [start, end) boundaries of a calendar month in the
// given location. End is the first instant of the following month.
func MonthWindow(year int, month time.Month, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	start := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 1, 0)
}

// DaysInMonth returns the number of calendar days in a month.
func DaysInMonth(year int, month time.Month) int {
	// day 0 of the next month is the last day of this one
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
