package intent

import (
	"strings"
	"time"
)

// DateRange is a symbolic relative window understood by the translator.
type DateRange string

const (
	Today     DateRange = "today"
	Yesterday DateRange = "yesterday"
	ThisWeek  DateRange = "this_week"
	LastWeek  DateRange = "last_week"
	ThisMonth DateRange = "this_month"
)

var dateRanges = []DateRange{Today, Yesterday, ThisWeek, LastWeek, ThisMonth}

// ParseDateRange accepts the symbolic names in any case, with a space,
// underscore or hyphen between words ("this week", "THIS_WEEK").
func ParseDateRange(s string) (DateRange, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer(" ", "_", "-", "_").Replace(s)
	for _, dr := range dateRanges {
		if s == string(dr) {
			return dr, true
		}
	}
	return "", false
}

// Resolve returns the half-open window [from, to) for dr in loc, relative
// to now. Weeks start on Monday. ok is false for an unknown range.
func (dr DateRange) Resolve(now time.Time, loc *time.Location) (from, to time.Time, ok bool) {
	if loc == nil {
		loc = time.Local
	}
	now = now.In(loc)
	sod := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	monday := sod.AddDate(0, 0, -((int(sod.Weekday()) + 6) % 7))

	switch dr {
	case Today:
		from, to = sod, sod.AddDate(0, 0, 1)
	case Yesterday:
		from, to = sod.AddDate(0, 0, -1), sod
	case ThisWeek:
		from, to = monday, monday.AddDate(0, 0, 7)
	case LastWeek:
		from, to = monday.AddDate(0, 0, -7), monday
	case ThisMonth:
		first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc)
		from, to = first, first.AddDate(0, 1, 0)
	default:
		return time.Time{}, time.Time{}, false
	}
	if from.After(to) {
		from, to = to, from
	}
	return from, to, true
}
