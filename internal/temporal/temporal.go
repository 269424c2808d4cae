// Package temporal converts between wire-format wall-clock tuples and zoned
// instants.
//
// Two representations are in play. A zoned instant is an ordinary time.Time
// in the display zone. A floating value is a time.Time in UTC whose fields
// are a wall clock of some other zone; recurrence iteration and the neutral
// side of a window boundary use it so that wall-clock math is never shifted
// twice.
package temporal

import (
	"errors"
	"fmt"
	"time"

	"calview/internal/model"
)

// ErrMalformedTime is returned when a wire tuple is not a valid date-time.
var ErrMalformedTime = errors.New("malformed time")

// Validate checks that w names a real calendar date and clock time.
func Validate(w model.WireTime) error {
	if w.Month < 1 || w.Month > 12 {
		return fmt.Errorf("%w: month %d", ErrMalformedTime, w.Month)
	}
	if w.Day < 1 || w.Day > daysIn(time.Month(w.Month), w.Year) {
		return fmt.Errorf("%w: day %d of %04d-%02d", ErrMalformedTime, w.Day, w.Year, w.Month)
	}
	if w.Hour < 0 || w.Hour > 23 || w.Minute < 0 || w.Minute > 59 || w.Second < 0 || w.Second > 59 {
		return fmt.Errorf("%w: clock %02d:%02d:%02d", ErrMalformedTime, w.Hour, w.Minute, w.Second)
	}
	return nil
}

// WireToZoned interprets w as a wall clock in source (UTC when nil) and
// returns the same instant in target (time.Local when nil).
func WireToZoned(w model.WireTime, source, target *time.Location) (time.Time, error) {
	if source == nil {
		source = time.UTC
	}
	if target == nil {
		target = time.Local
	}
	if err := Validate(w); err != nil {
		return time.Time{}, err
	}
	t := time.Date(w.Year, time.Month(w.Month), w.Day, w.Hour, w.Minute, w.Second, 0, source)
	return t.In(target), nil
}

// ZonedToWire projects t into target (UTC when nil) and truncates it to wire
// precision.
func ZonedToWire(t time.Time, target *time.Location) model.WireTime {
	if target == nil {
		target = time.UTC
	}
	t = t.In(target)
	return model.WireTime{
		Year:   t.Year(),
		Month:  int(t.Month()),
		Day:    t.Day(),
		Hour:   t.Hour(),
		Minute: t.Minute(),
		Second: t.Second(),
	}
}

// WireToFloating returns the floating value carrying w's fields unchanged.
func WireToFloating(w model.WireTime) (time.Time, error) {
	return WireToZoned(w, time.UTC, time.UTC)
}

// Floating drops t's zone, keeping its wall-clock fields.
func Floating(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
}

// Anchor places the wall-clock fields of the floating value f into loc.
// Nonexistent local times (DST gaps) resolve the way time.Date does.
func Anchor(f time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	return time.Date(f.Year(), f.Month(), f.Day(), f.Hour(), f.Minute(), f.Second(), 0, loc)
}

// SameDate reports whether a and b fall on the same calendar date in their
// own zones.
func SameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// DateOnly returns the all-day wire value of w's date.
func DateOnly(w model.WireTime) model.WireTime {
	return model.WireTime{Year: w.Year, Month: w.Month, Day: w.Day, IsDate: true}
}

// FormatOffset renders the zone offset of loc at t the short way, e.g.
// "GMT+2" or "GMT-3:30".
func FormatOffset(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	_, off := t.In(loc).Zone()
	sign := "+"
	if off < 0 {
		sign = "-"
		off = -off
	}
	h, m := off/3600, (off%3600)/60
	if m == 0 {
		return fmt.Sprintf("GMT%s%d", sign, h)
	}
	return fmt.Sprintf("GMT%s%d:%02d", sign, h, m)
}

func daysIn(m time.Month, year int) int {
	return time.Date(year, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
