package scheduling

import (
	"fmt"
	"time"
)

// Clock is a wall-clock time of day in minutes after midnight, written as
// 24h "HH:MM".
type Clock int

const minutesPerDay = 24 * 60

var ErrInvalidClock = fmt.Errorf("%w: time must be HH:MM between 00:00 and 23:59", ErrInvalid)

func ParseClock(s string) (Clock, error) {
	if len(s) != 5 || s[2] != ':' {
		return 0, ErrInvalidClock
	}
	h, ok1 := twoDigits(s[0], s[1])
	m, ok2 := twoDigits(s[3], s[4])
	if !ok1 || !ok2 || h > 23 || m > 59 {
		return 0, ErrInvalidClock
	}
	return Clock(h*60 + m), nil
}

func twoDigits(a, b byte) (int, bool) {
	if a < '0' || a > '9' || b < '0' || b > '9' {
		return 0, false
	}
	return int(a-'0')*10 + int(b-'0'), true
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

func (c Clock) Add(minutes int) Clock { return c + Clock(minutes) }

// On returns the instant of c on date (YYYY-MM-DD) in loc.
func (c Clock) On(date string, loc *time.Location) (time.Time, error) {
	d, err := time.ParseInLocation(time.DateOnly, date, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date must be YYYY-MM-DD", ErrInvalid)
	}
	return time.Date(d.Year(), d.Month(), d.Day(), int(c)/60, int(c)%60, 0, 0, loc), nil
}

// Interval is a half-open [Start, End) range of clock times.
type Interval struct {
	Start Clock
	End   Clock
}

// Overlaps reports whether two half-open intervals share any minute.
// Touching intervals do not overlap.
func (a Interval) Overlaps(b Interval) bool {
	return a.Start < b.End && b.Start < a.End
}

func (a Interval) String() string {
	return a.Start.String() + "-" + a.End.String()
}

// GenerateSlots lays slots of the given length from start while the slot
// still ends by end. A trailing partial slot is dropped.
func GenerateSlots(start, end Clock, minutes int) []Interval {
	if minutes <= 0 || start >= end {
		return nil
	}
	var out []Interval
	for s := start; s.Add(minutes) <= end; s = s.Add(minutes) {
		out = append(out, Interval{Start: s, End: s.Add(minutes)})
	}
	return out
}

// OnGrid reports whether slotStart begins one of the generated slots.
func OnGrid(start, end Clock, minutes int, slotStart Clock) bool {
	if minutes <= 0 || slotStart < start || slotStart.Add(minutes) > end {
		return false
	}
	return int(slotStart-start)%minutes == 0
}
