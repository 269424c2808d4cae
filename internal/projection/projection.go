// Package projection derives display-ready calendars from stored ones.
package projection

import (
	"fmt"
	"math"
	"time"

	"github.com/samber/mo"

	"calview/internal/model"
	"calview/internal/recurrence"
	"calview/internal/temporal"
)

// Color returns the display color for a hue.
func Color(hue int) string {
	return fmt.Sprintf("hsl(%ddeg, 50%%, 50%%)", hue)
}

// Lookup resolves back references into the owning store.
type Lookup interface {
	Calendar(id string) mo.Option[*model.Calendar]
	Event(calendarID, eventID string) mo.Option[*model.Event]
}

// ProjectedCalendar is a calendar in the display zone.
type ProjectedCalendar struct {
	ID          string
	Name        string
	Description string
	Hue         int
	Visible     bool

	Events []*ProjectedEvent

	byID map[string]*ProjectedEvent
}

// Color is derived from Hue on every call.
func (c *ProjectedCalendar) Color() string { return Color(c.Hue) }

// Event returns the projected event with the given id.
func (c *ProjectedCalendar) Event(id string) (*ProjectedEvent, bool) {
	ev, ok := c.byID[id]
	return ev, ok
}

// ProjectedEvent is an event in the display zone. CalendarID and ID point
// back at the stored records without owning them.
type ProjectedEvent struct {
	ID           string
	CalendarID   string
	CalendarName string
	Title        string
	Description  string
	Location     string

	Start    time.Time
	End      time.Time
	Duration time.Duration

	Rule mo.Option[*recurrence.Rule]
	Hue  int
}

// Color is derived from Hue on every call.
func (e *ProjectedEvent) Color() string { return Color(e.Hue) }

// Recurring reports whether the event carries a compiled rule.
func (e *ProjectedEvent) Recurring() bool { return e.Rule.IsPresent() }

// Source resolves the stored calendar and event. Either may be absent when
// the store has moved on since projection.
func (e *ProjectedEvent) Source(l Lookup) (mo.Option[*model.Calendar], mo.Option[*model.Event]) {
	if l == nil {
		return mo.None[*model.Calendar](), mo.None[*model.Event]()
	}
	return l.Calendar(e.CalendarID), l.Event(e.CalendarID, e.ID)
}

// Projector converts wire calendars into the display zone.
type Projector struct {
	source  *time.Location
	display *time.Location
}

// New returns a Projector reading wire values in source and producing
// values in display. Nil means UTC and time.Local respectively.
func New(source, display *time.Location) *Projector {
	if source == nil {
		source = time.UTC
	}
	if display == nil {
		display = time.Local
	}
	return &Projector{source: source, display: display}
}

// Display returns the display zone.
func (p *Projector) Display() *time.Location { return p.display }

type projectedFields struct {
	start, end time.Time
	duration   time.Duration
	rule       mo.Option[*recurrence.Rule]
}

// Project converts cal. When previous describes the same calendar it is
// updated in place and returned; event records whose ids survive keep their
// identity. On error previous is left untouched.
func (p *Projector) Project(cal *model.Calendar, previous *ProjectedCalendar) (*ProjectedCalendar, error) {
	fields := make([]projectedFields, len(cal.Events))
	for i := range cal.Events {
		f, err := p.convert(&cal.Events[i])
		if err != nil {
			return nil, fmt.Errorf("project calendar %s event %s: %w", cal.ID, cal.Events[i].ID, err)
		}
		fields[i] = f
	}

	out := previous
	if out == nil || out.ID != cal.ID {
		out = &ProjectedCalendar{ID: cal.ID, Visible: true}
	}
	out.Name = cal.Name
	out.Description = cal.Description
	out.Hue = cal.Hue

	byID := make(map[string]*ProjectedEvent, len(cal.Events))
	events := make([]*ProjectedEvent, 0, len(cal.Events))
	for i := range cal.Events {
		src := &cal.Events[i]
		pe, ok := out.byID[src.ID]
		if _, dup := byID[src.ID]; !ok || dup {
			pe = &ProjectedEvent{ID: src.ID}
		}
		pe.CalendarID = cal.ID
		pe.CalendarName = cal.Name
		pe.Title = src.Title
		pe.Description = src.Description
		pe.Location = src.Location
		pe.Start = fields[i].start
		pe.End = fields[i].end
		pe.Duration = fields[i].duration
		pe.Rule = fields[i].rule
		pe.Hue = cal.Hue

		byID[src.ID] = pe
		events = append(events, pe)
	}
	out.Events = events
	out.byID = byID
	return out, nil
}

func (p *Projector) convert(ev *model.Event) (projectedFields, error) {
	start, err := temporal.WireToZoned(ev.Start, p.source, p.display)
	if err != nil {
		return projectedFields{}, fmt.Errorf("start: %w", err)
	}
	end, err := temporal.WireToZoned(ev.End, p.source, p.display)
	if err != nil {
		return projectedFields{}, fmt.Errorf("end: %w", err)
	}
	rule, err := recurrence.CompileFrom(ev.Recurrence, p.source, p.display)
	if err != nil {
		return projectedFields{}, err
	}
	return projectedFields{
		start:    start,
		end:      end,
		duration: roundMinutes(end.Sub(start)),
		rule:     rule,
	}, nil
}

// roundMinutes rounds d to whole minutes, halves away from zero.
func roundMinutes(d time.Duration) time.Duration {
	m := math.Round(d.Minutes())
	return time.Duration(m) * time.Minute
}
