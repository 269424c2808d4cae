// Package materialize enumerates the concrete occurrences of projected
// events that intersect a visible window.
package materialize

import (
	"time"

	appLog "calview/internal/log"
	"calview/internal/projection"
	"calview/internal/temporal"
	"calview/internal/window"
)

// Sink receives one occurrence. start is in the display zone.
type Sink func(start time.Time, ev *projection.ProjectedEvent)

// Options controls a Materializer.
type Options struct {
	// Display is the zone occurrences are anchored in. Nil means time.Local.
	Display *time.Location

	// Lookup, when set, is consulted once per calendar; events whose stored
	// record is gone produce nothing.
	Lookup projection.Lookup

	// MaxOccurrencesPerEvent caps emitted occurrences of a single event.
	// Zero means no cap.
	MaxOccurrencesPerEvent int
}

// Result summarises one run.
type Result struct {
	Emitted int
	// Truncated lists "calendarID/eventID" of events that hit the cap.
	Truncated []string
}

// Materializer is stateless between runs and safe for concurrent use.
type Materializer struct {
	opts Options
}

func New(opts Options) *Materializer {
	if opts.Display == nil {
		opts.Display = time.Local
	}
	if opts.MaxOccurrencesPerEvent < 0 {
		opts.MaxOccurrencesPerEvent = 0
	}
	return &Materializer{opts: opts}
}

// Run emits occurrences in calendar order, then event order, then
// chronologically within each event.
func (m *Materializer) Run(cals []*projection.ProjectedCalendar, b window.Boundary, sink Sink) Result {
	var res Result
	for _, cal := range cals {
		if cal == nil || !cal.Visible {
			continue
		}
		live, checked := m.storedEvents(cal.ID)
		for _, ev := range cal.Events {
			if checked && !live[ev.ID] {
				appLog.Debug("materialize: source event gone", "calendar", ev.CalendarID, "event", ev.ID)
				continue
			}

			var n int
			var capped bool
			if ev.Recurring() {
				n, capped = m.recurring(ev, b, sink)
			} else {
				n = m.single(ev, b, sink)
			}
			res.Emitted += n

			if capped {
				key := ev.CalendarID + "/" + ev.ID
				res.Truncated = append(res.Truncated, key)
				appLog.Warn("materialize: occurrences truncated at cap",
					"event", key,
					"cap", m.opts.MaxOccurrencesPerEvent,
				)
			}
		}
	}
	return res
}

// storedEvents returns the ids of cal's events still held by the lookup.
// checked is false when no lookup is configured.
func (m *Materializer) storedEvents(calendarID string) (live map[string]bool, checked bool) {
	if m.opts.Lookup == nil {
		return nil, false
	}
	stored, ok := m.opts.Lookup.Calendar(calendarID).Get()
	if !ok {
		return map[string]bool{}, true
	}
	live = make(map[string]bool, len(stored.Events))
	for i := range stored.Events {
		live[stored.Events[i].ID] = true
	}
	return live, true
}

func (m *Materializer) single(ev *projection.ProjectedEvent, b window.Boundary, sink Sink) int {
	if ev.End.Before(b.Start.Local) || ev.Start.After(b.End.Local) {
		return 0
	}
	sink(ev.Start, ev)
	return 1
}

func (m *Materializer) recurring(ev *projection.ProjectedEvent, b window.Boundary, sink Sink) (int, bool) {
	rule := ev.Rule.MustGet()
	it := rule.Iterator(temporal.Floating(ev.Start))

	emitted := 0
	for {
		next, ok := it.Next()
		if !ok {
			return emitted, false
		}
		if next.After(b.End.Neutral) {
			if next.Before(b.Start.Neutral) {
				continue
			}
			return emitted, false
		}
		if rule.PastUntil(next) {
			return emitted, false
		}
		if rule.Excludes(next) {
			continue
		}

		start := temporal.Anchor(next, m.opts.Display)
		end := start.Add(ev.Duration)
		if !end.After(b.Start.Local) {
			continue
		}

		if m.opts.MaxOccurrencesPerEvent > 0 && emitted >= m.opts.MaxOccurrencesPerEvent {
			return emitted, true
		}
		sink(start, ev)
		emitted++
	}
}
