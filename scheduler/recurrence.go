package scheduler

import (
	"fmt"
	"time"

	"pricelab-backend/models"
)

// NextRunTime computes when a recurring task runs next, counting from
// the given time. Monthly recurrence lands on the same day of month in
// the next calendar month; when that month is shorter, the day clamps
// to its last valid day (Jan 31 -> Feb 28, or Feb 29 in a leap year).
// One-shot tasks have no next run and yield an error.
func NextRunTime(frequency models.TaskFrequency, from time.Time) (time.Time, error) {
	switch frequency {
	case models.FrequencyDaily:
		return from.AddDate(0, 0, 1), nil
	case models.FrequencyWeekly:
		return from.AddDate(0, 0, 7), nil
	case models.FrequencyMonthly:
		return addCalendarMonth(from), nil
	case models.FrequencyOnce:
		return time.Time{}, fmt.Errorf("one-shot tasks have no recurrence")
	default:
		return time.Time{}, fmt.Errorf("unknown frequency %q", frequency)
	}
}

func addCalendarMonth(from time.Time) time.Time {
	year, month, day := from.Date()
	month++
	if month > time.December {
		month = time.January
		year++
	}
	if last := daysInMonth(year, month); day > last {
		day = last
	}
	hour, min, sec := from.Clock()
	return time.Date(year, month, day, hour, min, sec, from.Nanosecond(), from.Location())
}

func daysInMonth(year int, month time.Month) int {
	// Day 0 of the following month is the last day of this one
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
