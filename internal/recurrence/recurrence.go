// Package recurrence compiles the decomposed recurrence of an event into a
// rule that can be iterated in floating wall-clock time.
package recurrence

import (
	"errors"
	"fmt"
	"time"

	"github.com/samber/mo"
	"github.com/teambition/rrule-go"

	"calview/internal/model"
	"calview/internal/temporal"
)

// ErrMalformedRecurrence is returned when a recurrence cannot be compiled.
var ErrMalformedRecurrence = errors.New("malformed recurrence")

var weekdays = [7]rrule.Weekday{rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA, rrule.SU}

type exclusion struct {
	at     time.Time
	isDate bool
}

// Rule is a compiled recurrence. Until and exclusions are held as floating
// values of the display zone.
type Rule struct {
	freq     rrule.Frequency
	byDay    []rrule.Weekday
	until    mo.Option[time.Time]
	excludes []exclusion
}

// Compile compiles rec for the display zone, reading its wire values as UTC.
// It returns None when rec does not recur.
func Compile(rec *model.Recurrence, display *time.Location) (mo.Option[*Rule], error) {
	return CompileFrom(rec, time.UTC, display)
}

// CompileFrom is Compile with an explicit source zone for the wire values.
func CompileFrom(rec *model.Recurrence, source, display *time.Location) (mo.Option[*Rule], error) {
	if !rec.Recurs() {
		return mo.None[*Rule](), nil
	}

	freq, err := rrule.StrToFreq(string(rec.Frequency))
	if err != nil {
		return mo.None[*Rule](), fmt.Errorf("%w: frequency %q", ErrMalformedRecurrence, rec.Frequency)
	}

	r := &Rule{freq: freq}

	switch len(rec.ByDay) {
	case 0:
	case 7:
		for i, on := range rec.ByDay {
			if on {
				r.byDay = append(r.byDay, weekdays[i])
			}
		}
	default:
		return mo.None[*Rule](), fmt.Errorf("%w: weekday mask has %d entries", ErrMalformedRecurrence, len(rec.ByDay))
	}

	if rec.Until != nil {
		u, err := toFloating(*rec.Until, source, display)
		if err != nil {
			return mo.None[*Rule](), fmt.Errorf("%w: until: %w", ErrMalformedRecurrence, err)
		}
		if rec.Until.IsDate {
			u = time.Date(u.Year(), u.Month(), u.Day(), 23, 59, 59, 0, time.UTC)
		}
		r.until = mo.Some(u)
	}

	for i, ex := range rec.Exclude {
		at, err := toFloating(ex, source, display)
		if err != nil {
			return mo.None[*Rule](), fmt.Errorf("%w: exclusion %d: %w", ErrMalformedRecurrence, i, err)
		}
		r.excludes = append(r.excludes, exclusion{at: at, isDate: ex.IsDate})
	}

	// Let rrule-go reject anything it would not iterate.
	if _, err := rrule.NewRRule(r.options(time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC))); err != nil {
		return mo.None[*Rule](), fmt.Errorf("%w: %w", ErrMalformedRecurrence, err)
	}

	return mo.Some(r), nil
}

// toFloating converts a wire value into the display zone's floating form.
// Date-only values carry no instant and keep their date fields.
func toFloating(w model.WireTime, source, display *time.Location) (time.Time, error) {
	if w.IsDate {
		return temporal.WireToFloating(temporal.DateOnly(w))
	}
	z, err := temporal.WireToZoned(w, source, display)
	if err != nil {
		return time.Time{}, err
	}
	return temporal.Floating(z), nil
}

func (r *Rule) options(start time.Time) rrule.ROption {
	opt := rrule.ROption{
		Freq:      r.freq,
		Dtstart:   start,
		Interval:  1,
		Wkst:      rrule.MO,
		Byweekday: r.byDay,
	}
	if u, ok := r.until.Get(); ok {
		opt.Until = u
	}
	return opt
}

// Frequency returns the rule's frequency in iCalendar spelling.
func (r *Rule) Frequency() model.Frequency {
	return model.Frequency(r.freq.String())
}

// PastUntil reports whether t lies beyond the rule's until.
func (r *Rule) PastUntil(t time.Time) bool {
	u, ok := r.until.Get()
	return ok && t.After(u)
}

// Excludes reports whether the floating value t is an excluded occurrence.
// Date-only exclusions match the whole day.
func (r *Rule) Excludes(t time.Time) bool {
	for _, ex := range r.excludes {
		if ex.isDate {
			if temporal.SameDate(ex.at, t) {
				return true
			}
			continue
		}
		if ex.at.Equal(t) {
			return true
		}
	}
	return false
}

// Iterator walks the rule's occurrences starting at the floating value start.
type Iterator struct {
	next rrule.Next
}

// Iterator returns a fresh lazy iterator anchored at start.
func (r *Rule) Iterator(start time.Time) *Iterator {
	rr, err := rrule.NewRRule(r.options(temporal.Floating(start)))
	if err != nil {
		// Options were validated by Compile; an exhausted iterator is the
		// only sane answer left.
		return &Iterator{}
	}
	return &Iterator{next: rr.Iterator()}
}

// Next returns the next candidate in ascending order.
func (it *Iterator) Next() (time.Time, bool) {
	if it.next == nil {
		return time.Time{}, false
	}
	t, ok := it.next()
	if !ok {
		it.next = nil
	}
	return t, ok
}
