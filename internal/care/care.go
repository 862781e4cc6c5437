// Package care computes when recurring plant-care tasks fall due.
//
// All arithmetic is done on calendar dates in the location of the
// reference time, so a task due today reads 0 days regardless of the
// hour it was last completed or the hour it is checked.
package care

import "time"

// DateLayout is the format used for dates reported to the model.
const DateLayout = "2006-01-02"

// Status classifies a task relative to today.
type Status string

const (
	StatusOverdue  Status = "overdue"
	StatusDueToday Status = "due_today"
	StatusUpcoming Status = "upcoming"
)

// Due is the computed state of one recurring task.
type Due struct {
	NextDue   time.Time
	DaysUntil int
	Status    Status
}

// Evaluate returns when a task completed at lastCompleted with the given
// frequency is next due, relative to now.
func Evaluate(lastCompleted time.Time, frequencyDays int, now time.Time) Due {
	next := lastCompleted.AddDate(0, 0, frequencyDays)
	days := DaysBetween(now, next)
	return Due{
		NextDue:   next,
		DaysUntil: days,
		Status:    StatusFor(days),
	}
}

// StatusFor maps a signed day count to its status label.
func StatusFor(daysUntil int) Status {
	switch {
	case daysUntil < 0:
		return StatusOverdue
	case daysUntil == 0:
		return StatusDueToday
	default:
		return StatusUpcoming
	}
}

// DaysBetween returns the number of calendar days from from's date to
// to's date, both taken in from's location. Negative when to is earlier.
func DaysBetween(from, to time.Time) int {
	loc := from.Location()
	a := civilDay(from)
	b := civilDay(to.In(loc))
	// Unix seconds rather than b.Sub(a): a Duration saturates near 292 years.
	return int((b.Unix() - a.Unix()) / secondsPerDay)
}

const secondsPerDay = 24 * 60 * 60

// civilDay truncates t to midnight UTC of the same wall-clock date. Using
// UTC for the subtraction sidesteps DST days that are 23 or 25 hours long.
func civilDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
