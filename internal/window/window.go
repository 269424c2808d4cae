// Package window tracks the visible time window.
package window

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"calview/internal/model"
	"calview/internal/temporal"
)

// ErrNoDays is returned when a boundary is requested for an empty day list.
var ErrNoDays = errors.New("no visible days")

// MonthDay is one visible day. A zero Year means the year of "now".
type MonthDay struct {
	Month int `json:"month"`
	Day   int `json:"day"`
	Year  int `json:"year,omitempty"`
}

// Point is one edge of the window in both representations: Neutral holds
// the display zone's wall clock as a floating value, Local the instant.
type Point struct {
	Neutral time.Time
	Local   time.Time
}

// Boundary is the inclusive visible window.
type Boundary struct {
	Start Point
	End   Point
}

// Compute builds the boundary from the first to the last day in days:
// 00:00:00 of the first and 23:59:59 of the last.
func Compute(days []MonthDay, now time.Time, display *time.Location) (Boundary, error) {
	if len(days) == 0 {
		return Boundary{}, ErrNoDays
	}
	if display == nil {
		display = time.Local
	}
	year := now.In(display).Year()

	first, last := days[0], days[len(days)-1]
	start, err := point(first, year, 0, 0, 0, display)
	if err != nil {
		return Boundary{}, fmt.Errorf("first day: %w", err)
	}
	end, err := point(last, year, 23, 59, 59, display)
	if err != nil {
		return Boundary{}, fmt.Errorf("last day: %w", err)
	}
	return Boundary{Start: start, End: end}, nil
}

func point(d MonthDay, year, h, m, s int, display *time.Location) (Point, error) {
	if d.Year != 0 {
		year = d.Year
	}
	w := model.WireTime{Year: year, Month: d.Month, Day: d.Day, Hour: h, Minute: m, Second: s}
	neutral, err := temporal.WireToFloating(w)
	if err != nil {
		return Point{}, err
	}
	return Point{Neutral: neutral, Local: temporal.Anchor(neutral, display)}, nil
}

// Span returns n consecutive days starting at from's date.
func Span(from time.Time, n int) []MonthDay {
	days := make([]MonthDay, 0, max(n, 0))
	y, m, d := from.Date()
	for i := range n {
		t := time.Date(y, m, d+i, 12, 0, 0, 0, time.UTC)
		days = append(days, MonthDay{Month: int(t.Month()), Day: t.Day(), Year: t.Year()})
	}
	return days
}

// Week returns the seven days of the week containing now, starting on
// weekStart.
func Week(now time.Time, weekStart time.Weekday) []MonthDay {
	back := (int(now.Weekday()) - int(weekStart) + 7) % 7
	y, m, d := now.Date()
	return Span(time.Date(y, m, d-back, 12, 0, 0, 0, time.UTC), 7)
}

// Tracker keeps the boundary current as the day list and the clock move.
// It recomputes only when the day list or the date of "now" changes.
type Tracker struct {
	mu sync.Mutex

	display *time.Location
	days    []MonthDay
	today   string
	now     time.Time

	boundary Boundary
	valid    bool
	revision uint64
}

// NewTracker returns an empty tracker for the display zone.
func NewTracker(display *time.Location) *Tracker {
	if display == nil {
		display = time.Local
	}
	return &Tracker{display: display}
}

// SetDays replaces the visible day list.
func (t *Tracker) SetDays(days []MonthDay) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if slices.Equal(days, t.days) && t.valid {
		return nil
	}
	t.days = slices.Clone(days)
	return t.recompute()
}

// SetNow advances the tracker's clock.
func (t *Tracker) SetNow(now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
	today := now.In(t.display).Format(time.DateOnly)
	if today == t.today {
		return nil
	}
	t.today = today
	if len(t.days) == 0 {
		return nil
	}
	return t.recompute()
}

func (t *Tracker) recompute() error {
	now := t.now
	if now.IsZero() {
		now = time.Now()
	}
	b, err := Compute(t.days, now, t.display)
	if err != nil {
		t.valid = false
		return err
	}
	if !t.valid || b != t.boundary {
		t.revision++
	}
	t.boundary = b
	t.valid = true
	return nil
}

// Boundary returns the current window, or false when none is set.
func (t *Tracker) Boundary() (Boundary, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.boundary, t.valid
}

// Days returns a copy of the visible day list.
func (t *Tracker) Days() []MonthDay {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.days)
}

// Revision increases whenever the boundary changes.
func (t *Tracker) Revision() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.revision
}
