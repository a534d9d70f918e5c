package dispatch

import (
	"fmt"
	"time"
)

// ZoneName is the single civil time zone every date and week window is
// computed in. All parsed document dates are normalized into this zone
// immediately after parsing so day-granularity comparisons never mix zones.
const ZoneName = "America/New_York"

var zone = mustLoadZone()

func mustLoadZone() *time.Location {
	loc, err := time.LoadLocation(ZoneName)
	if err != nil {
		panic(fmt.Sprintf("cannot load time zone %s: %v", ZoneName, err))
	}
	return loc
}

// Zone returns the fixed civil time zone used by the whole system.
func Zone() *time.Location {
	return zone
}

// Date is a civil calendar date in the fixed zone, with no time of day.
// Entities are compared only at day granularity.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf normalizes an instant to the civil date it falls on in the fixed
// zone, stripping any time-of-day component.
func DateOf(t time.Time) Date {
	y, m, d := t.In(zone).Date()
	return Date{Year: y, Month: m, Day: d}
}

// Time returns the first instant of the date in the fixed zone.
func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, zone)
}

func (d Date) String() string {
	return d.Time().Format("2006-01-02")
}

// Before reports whether d is strictly earlier than other.
func (d Date) Before(other Date) bool {
	if d.Year != other.Year {
		return d.Year < other.Year
	}
	if d.Month != other.Month {
		return d.Month < other.Month
	}
	return d.Day < other.Day
}

// MarshalJSON encodes the date as "YYYY-MM-DD".
func (d Date) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON decodes a "YYYY-MM-DD" string.
func (d *Date) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return fmt.Errorf("invalid date literal: %s", s)
	}
	t, err := time.ParseInLocation("2006-01-02", s[1:len(s)-1], zone)
	if err != nil {
		return fmt.Errorf("invalid date %s: %w", s, err)
	}
	*d = DateOf(t)
	return nil
}

// WeekWindow is the Monday 00:00:00 through Friday 23:59:59 span of one
// work week in the fixed zone.
type WeekWindow struct {
	Start time.Time
	End   time.Time
}

// WindowFor computes the week window containing the reference instant.
// The instant is injected rather than read from the wall clock so runs can
// be backtested deterministically.
func WindowFor(instant time.Time) WeekWindow {
	t := instant.In(zone)
	// Monday = 0 ... Sunday = 6
	offset := (int(t.Weekday()) + 6) % 7
	monday := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, zone).AddDate(0, 0, -offset)
	friday := monday.AddDate(0, 0, 4)
	end := time.Date(friday.Year(), friday.Month(), friday.Day(), 23, 59, 59, int(time.Second-time.Nanosecond), zone)
	return WeekWindow{Start: monday, End: end}
}

// StartDate returns the Monday of the window as a civil date.
func (w WeekWindow) StartDate() Date {
	return DateOf(w.Start)
}

// EndDate returns the Friday of the window as a civil date.
func (w WeekWindow) EndDate() Date {
	return DateOf(w.End)
}

// Contains reports whether a civil date falls within the window, inclusive
// on both ends.
func (w WeekWindow) Contains(d Date) bool {
	return !d.Before(w.StartDate()) && !w.EndDate().Before(d)
}

// Label renders the window as "Week of MM/DD/YYYY", the form used in email
// subjects and reports.
func (w WeekWindow) Label() string {
	return "Week of " + w.Start.Format("01/02/2006")
}
