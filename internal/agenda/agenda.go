// Package agenda drives recompute passes: it keeps projected calendars in
// step with the store and hands every visible occurrence to a host.
package agenda

import (
	"fmt"
	"sync"
	"time"

	"github.com/samber/mo"

	"calview/internal/materialize"
	"calview/internal/model"
	"calview/internal/projection"
	"calview/internal/window"
)

// Source is the calendar store as the engine sees it.
type Source interface {
	projection.Lookup
	IDs() []string
	Revision(id string) uint64
}

// Host receives a pass. Cleanup always precedes the occurrences and Finish
// always follows them.
type Host interface {
	Cleanup()
	SetOccurrence(start time.Time, ev *projection.ProjectedEvent)
	Finish()
}

// Options configures an Engine.
type Options struct {
	SourceZone             *time.Location
	Display                *time.Location
	MaxOccurrencesPerEvent int
}

type cached struct {
	cal      *projection.ProjectedCalendar
	revision uint64
}

// Engine owns the projection cache. Passes are serialised.
type Engine struct {
	mu sync.Mutex

	src       Source
	tracker   *window.Tracker
	projector *projection.Projector
	mat       *materialize.Materializer

	cache   map[string]cached
	hidden  map[string]bool
	ordered []*projection.ProjectedCalendar
}

func New(src Source, tracker *window.Tracker, opts Options) *Engine {
	if opts.Display == nil {
		opts.Display = time.Local
	}
	return &Engine{
		src:       src,
		tracker:   tracker,
		projector: projection.New(opts.SourceZone, opts.Display),
		mat: materialize.New(materialize.Options{
			Display:                opts.Display,
			Lookup:                 src,
			MaxOccurrencesPerEvent: opts.MaxOccurrencesPerEvent,
		}),
		cache:  make(map[string]cached),
		hidden: make(map[string]bool),
	}
}

// SetVisible shows or hides a calendar from the next pass on.
func (e *Engine) SetVisible(calendarID string, visible bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if visible {
		delete(e.hidden, calendarID)
	} else {
		e.hidden[calendarID] = true
	}
	if c, ok := e.cache[calendarID]; ok {
		c.cal.Visible = visible
	}
}

// Visible reports whether a calendar is shown.
func (e *Engine) Visible(calendarID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.hidden[calendarID]
}

// Calendars returns the projections of the last pass in store order.
func (e *Engine) Calendars() []*projection.ProjectedCalendar {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*projection.ProjectedCalendar, len(e.ordered))
	copy(out, e.ordered)
	return out
}

// Calendar returns the projection of one calendar from the last pass.
func (e *Engine) Calendar(id string) mo.Option[*projection.ProjectedCalendar] {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.cache[id]; ok {
		return mo.Some(c.cal)
	}
	return mo.None[*projection.ProjectedCalendar]()
}

// Recompute re-projects calendars whose revision moved, then runs
// Cleanup, one SetOccurrence per occurrence, and Finish on host. Projection
// and boundary failures return before Cleanup.
func (e *Engine) Recompute(host Host) (materialize.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.refresh(); err != nil {
		return materialize.Result{}, err
	}

	b, ok := e.tracker.Boundary()
	if !ok {
		return materialize.Result{}, window.ErrNoDays
	}

	host.Cleanup()
	res := e.mat.Run(e.ordered, b, host.SetOccurrence)
	host.Finish()
	return res, nil
}

func (e *Engine) refresh() error {
	ids := e.src.IDs()
	next := make(map[string]cached, len(ids))
	ordered := make([]*projection.ProjectedCalendar, 0, len(ids))

	for _, id := range ids {
		rev := e.src.Revision(id)
		prev, hit := e.cache[id]
		if hit && prev.revision == rev {
			next[id] = prev
			ordered = append(ordered, prev.cal)
			continue
		}

		cal, ok := e.src.Calendar(id).Get()
		if !ok {
			// Deleted between IDs and Calendar.
			continue
		}
		var previous *projection.ProjectedCalendar
		if hit {
			previous = prev.cal
		}
		pc, err := e.projector.Project(cal, previous)
		if err != nil {
			return fmt.Errorf("recompute: %w", err)
		}
		pc.Visible = !e.hidden[id]
		next[id] = cached{cal: pc, revision: rev}
		ordered = append(ordered, pc)
	}

	e.cache = next
	e.ordered = ordered
	return nil
}

// Occurrence is one entry collected by a Collector. Fields are copied from
// the projected event during the pass and never alias it.
type Occurrence struct {
	Start time.Time
	End   time.Time

	CalendarID   string
	CalendarName string
	EventID      string
	Title        string
	Description  string
	Location     string
	Color        string

	// Frequency is empty for one-off events.
	Frequency model.Frequency
}

func snapshot(start time.Time, ev *projection.ProjectedEvent) Occurrence {
	occ := Occurrence{
		Start:        start,
		End:          start.Add(ev.Duration),
		CalendarID:   ev.CalendarID,
		CalendarName: ev.CalendarName,
		EventID:      ev.ID,
		Title:        ev.Title,
		Description:  ev.Description,
		Location:     ev.Location,
		Color:        ev.Color(),
	}
	if rule, ok := ev.Rule.Get(); ok {
		occ.Frequency = rule.Frequency()
	}
	return occ
}

// Collector is a Host that keeps the last finished pass.
type Collector struct {
	mu      sync.RWMutex
	pending []Occurrence
	done    []Occurrence
}

func (c *Collector) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = nil
}

func (c *Collector) SetOccurrence(start time.Time, ev *projection.ProjectedEvent) {
	occ := snapshot(start, ev)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, occ)
}

func (c *Collector) Finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.done = c.pending
	c.pending = nil
}

// Occurrences returns the occurrences of the last finished pass.
func (c *Collector) Occurrences() []Occurrence {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Occurrence, len(c.done))
	copy(out, c.done)
	return out
}

var _ Host = (*Collector)(nil)
