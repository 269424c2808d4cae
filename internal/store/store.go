// Package store owns the application's calendars and applies mutations to
// them. Every mutation is validated before it is applied and bumps the
// revision of the calendar it touched.
package store

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"

	"calview/internal/model"
	"calview/internal/recurrence"
	"calview/internal/temporal"
)

var (
	// ErrNotFound is returned for unknown calendar or event ids.
	ErrNotFound = errors.New("not found")
	// ErrInvalidEvent is returned when an event would violate the data model.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrInvalidCalendar is returned for calendars with out-of-range fields
	// or duplicate ids.
	ErrInvalidCalendar = errors.New("invalid calendar")
)

// DeleteMode selects what deleting an event occurrence removes.
type DeleteMode int

const (
	// DeleteNonRecurring removes a plain event.
	DeleteNonRecurring DeleteMode = iota
	// DeleteThis removes one occurrence by adding an exclusion.
	DeleteThis
	// DeleteSince removes the chosen occurrence and every later one.
	DeleteSince
	// DeleteAll removes the event with all its occurrences.
	DeleteAll
)

func (m DeleteMode) String() string {
	switch m {
	case DeleteNonRecurring:
		return "non-recurring"
	case DeleteThis:
		return "this"
	case DeleteSince:
		return "since"
	case DeleteAll:
		return "all"
	default:
		return fmt.Sprintf("DeleteMode(%d)", int(m))
	}
}

// ParseDeleteMode is the inverse of DeleteMode.String.
func ParseDeleteMode(s string) (DeleteMode, error) {
	for _, m := range []DeleteMode{DeleteNonRecurring, DeleteThis, DeleteSince, DeleteAll} {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown delete mode %q", s)
}

// DeleteOptions selects the occurrence a recurring delete applies to. Time
// is the occurrence start in wire form; it is ignored by DeleteNonRecurring
// and DeleteAll.
type DeleteOptions struct {
	Mode DeleteMode
	Time model.WireTime
}

// Store holds calendars in order. It is safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	calendars []*model.Calendar
	revisions map[string]uint64
	seq       uint64
}

func New() *Store {
	return &Store{revisions: make(map[string]uint64)}
}

// ValidateEvent checks an event against the data model.
func ValidateEvent(ev *model.Event) error {
	if err := temporal.Validate(ev.Start); err != nil {
		return fmt.Errorf("%w %q: start: %w", ErrInvalidEvent, ev.ID, err)
	}
	if err := temporal.Validate(ev.End); err != nil {
		return fmt.Errorf("%w %q: end: %w", ErrInvalidEvent, ev.ID, err)
	}
	if ev.End.Before(ev.Start) {
		return fmt.Errorf("%w %q: ends before it starts", ErrInvalidEvent, ev.ID)
	}
	if _, err := recurrence.Compile(ev.Recurrence, time.UTC); err != nil {
		return fmt.Errorf("%w %q: %w", ErrInvalidEvent, ev.ID, err)
	}
	return nil
}

func validateCalendar(cal *model.Calendar) error {
	if cal.Hue < 0 || cal.Hue > 359 {
		return fmt.Errorf("%w %q: hue %d out of range", ErrInvalidCalendar, cal.ID, cal.Hue)
	}
	seen := make(map[string]struct{}, len(cal.Events))
	for i := range cal.Events {
		ev := &cal.Events[i]
		if _, dup := seen[ev.ID]; dup {
			return fmt.Errorf("%w %q: duplicate event id", ErrInvalidEvent, ev.ID)
		}
		seen[ev.ID] = struct{}{}
		if err := ValidateEvent(ev); err != nil {
			return err
		}
	}
	return nil
}

// Calendars returns a deep copy of all calendars in order.
func (s *Store) Calendars() []model.Calendar {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Calendar, len(s.calendars))
	for i, c := range s.calendars {
		out[i] = cloneCalendar(c)
	}
	return out
}

// Calendar returns a copy of the calendar with the given id.
func (s *Store) Calendar(id string) mo.Option[*model.Calendar] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, c := s.find(id)
	if c == nil {
		return mo.None[*model.Calendar]()
	}
	cp := cloneCalendar(c)
	return mo.Some(&cp)
}

// Event returns a copy of one event.
func (s *Store) Event(calendarID, eventID string) mo.Option[*model.Event] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, c := s.find(calendarID)
	if c == nil {
		return mo.None[*model.Event]()
	}
	i := eventIndex(c, eventID)
	if i < 0 {
		return mo.None[*model.Event]()
	}
	ev := cloneEvent(c.Events[i])
	return mo.Some(&ev)
}

// Revision returns the calendar's revision, 0 when it does not exist.
// Revisions are unique across the store, so a recreated calendar never
// repeats an old value.
func (s *Store) Revision(id string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revisions[id]
}

// IDs returns calendar ids in order.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, len(s.calendars))
	for i, c := range s.calendars {
		ids[i] = c.ID
	}
	return ids
}

// AddCalendar appends cal. An empty id is filled with a new one; the stored
// calendar is returned.
func (s *Store) AddCalendar(cal model.Calendar) (model.Calendar, error) {
	cal = cloneCalendar(&cal)
	if cal.ID == "" {
		cal.ID = uuid.NewString()
	}
	for i := range cal.Events {
		if cal.Events[i].ID == "" {
			cal.Events[i].ID = uuid.NewString()
		}
	}
	if err := validateCalendar(&cal); err != nil {
		return model.Calendar{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, c := s.find(cal.ID); c != nil {
		return model.Calendar{}, fmt.Errorf("%w %q: already exists", ErrInvalidCalendar, cal.ID)
	}
	s.calendars = append(s.calendars, &cal)
	s.bump(cal.ID)
	return cloneCalendar(&cal), nil
}

// ReplaceCalendar stores cal whole, appending it when the id is new. This is
// how refreshed sources and already-applied sync records come in.
func (s *Store) ReplaceCalendar(cal model.Calendar) error {
	if cal.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidCalendar)
	}
	cal = cloneCalendar(&cal)
	if err := validateCalendar(&cal); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if i, c := s.find(cal.ID); c != nil {
		s.calendars[i] = &cal
	} else {
		s.calendars = append(s.calendars, &cal)
	}
	s.bump(cal.ID)
	return nil
}

// EditCalendar applies a partial update.
func (s *Store) EditCalendar(id string, ch model.CalendarChanges) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, c := s.find(id)
	if c == nil {
		return fmt.Errorf("calendar %q: %w", id, ErrNotFound)
	}
	if ch.Hue != nil && (*ch.Hue < 0 || *ch.Hue > 359) {
		return fmt.Errorf("%w %q: hue %d out of range", ErrInvalidCalendar, id, *ch.Hue)
	}
	if ch.Name != nil {
		c.Name = *ch.Name
	}
	if ch.Description != nil {
		c.Description = *ch.Description
	}
	if ch.Hue != nil {
		c.Hue = *ch.Hue
	}
	s.bump(id)
	return nil
}

// DeleteCalendar removes a calendar and its events.
func (s *Store) DeleteCalendar(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, c := s.find(id)
	if c == nil {
		return fmt.Errorf("calendar %q: %w", id, ErrNotFound)
	}
	s.calendars = slices.Delete(s.calendars, i, i+1)
	delete(s.revisions, id)
	return nil
}

// AddEvent appends ev to a calendar and returns the stored copy.
func (s *Store) AddEvent(calendarID string, ev model.Event) (model.Event, error) {
	ev = cloneEvent(ev)
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if err := ValidateEvent(&ev); err != nil {
		return model.Event{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, c := s.find(calendarID)
	if c == nil {
		return model.Event{}, fmt.Errorf("calendar %q: %w", calendarID, ErrNotFound)
	}
	if eventIndex(c, ev.ID) >= 0 {
		return model.Event{}, fmt.Errorf("%w %q: duplicate event id", ErrInvalidEvent, ev.ID)
	}
	c.Events = append(c.Events, ev)
	s.bump(calendarID)
	return cloneEvent(ev), nil
}

// EditEvent applies a partial update. The result is validated as a whole
// before it replaces the stored event.
func (s *Store) EditEvent(calendarID, eventID string, ch model.EventChanges) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, i, err := s.findEvent(calendarID, eventID)
	if err != nil {
		return err
	}

	ev := cloneEvent(c.Events[i])
	if ch.Title != nil {
		ev.Title = *ch.Title
	}
	if ch.Description != nil {
		ev.Description = *ch.Description
	}
	if ch.Location != nil {
		ev.Location = *ch.Location
	}
	if ch.Start != nil {
		ev.Start = *ch.Start
	}
	if ch.End != nil {
		ev.End = *ch.End
	}
	if ch.Recurrence != nil {
		if ch.Recurrence.Recurs() {
			r := cloneRecurrence(*ch.Recurrence)
			ev.Recurrence = &r
		} else {
			ev.Recurrence = nil
		}
	}
	if err := ValidateEvent(&ev); err != nil {
		return err
	}

	c.Events[i] = ev
	s.bump(calendarID)
	return nil
}

// DeleteEvent removes an event, or part of a recurring one, per opts.Mode.
// Recurring-only modes on a plain event delete it.
func (s *Store) DeleteEvent(calendarID, eventID string, opts DeleteOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, i, err := s.findEvent(calendarID, eventID)
	if err != nil {
		return err
	}
	ev := &c.Events[i]

	if !ev.Recurrence.Recurs() || opts.Mode == DeleteNonRecurring || opts.Mode == DeleteAll {
		c.Events = slices.Delete(c.Events, i, i+1)
		s.bump(calendarID)
		return nil
	}

	if err := temporal.Validate(opts.Time); err != nil {
		return fmt.Errorf("%w %q: occurrence time: %w", ErrInvalidEvent, eventID, err)
	}

	switch opts.Mode {
	case DeleteThis:
		ev.Recurrence.Exclude = append(ev.Recurrence.Exclude, opts.Time)
	case DeleteSince:
		if !ev.Start.Before(opts.Time) {
			c.Events = slices.Delete(c.Events, i, i+1)
			break
		}
		until := oneSecondBefore(opts.Time)
		if ev.Recurrence.Until == nil || until.Before(*ev.Recurrence.Until) {
			ev.Recurrence.Until = &until
		}
	default:
		return fmt.Errorf("%w %q: unknown delete mode %v", ErrInvalidEvent, eventID, opts.Mode)
	}
	s.bump(calendarID)
	return nil
}

func oneSecondBefore(w model.WireTime) model.WireTime {
	t := time.Date(w.Year, time.Month(w.Month), w.Day, w.Hour, w.Minute, w.Second, 0, time.UTC)
	return temporal.ZonedToWire(t.Add(-time.Second), time.UTC)
}

func (s *Store) bump(id string) {
	s.seq++
	s.revisions[id] = s.seq
}

func (s *Store) find(id string) (int, *model.Calendar) {
	for i, c := range s.calendars {
		if c.ID == id {
			return i, c
		}
	}
	return -1, nil
}

func (s *Store) findEvent(calendarID, eventID string) (*model.Calendar, int, error) {
	_, c := s.find(calendarID)
	if c == nil {
		return nil, -1, fmt.Errorf("calendar %q: %w", calendarID, ErrNotFound)
	}
	i := eventIndex(c, eventID)
	if i < 0 {
		return nil, -1, fmt.Errorf("event %q in calendar %q: %w", eventID, calendarID, ErrNotFound)
	}
	return c, i, nil
}

func eventIndex(c *model.Calendar, id string) int {
	return slices.IndexFunc(c.Events, func(e model.Event) bool { return e.ID == id })
}

func cloneCalendar(c *model.Calendar) model.Calendar {
	out := *c
	out.Events = make([]model.Event, len(c.Events))
	for i, ev := range c.Events {
		out.Events[i] = cloneEvent(ev)
	}
	return out
}

func cloneEvent(ev model.Event) model.Event {
	if ev.Recurrence != nil {
		r := cloneRecurrence(*ev.Recurrence)
		ev.Recurrence = &r
	}
	return ev
}

func cloneRecurrence(r model.Recurrence) model.Recurrence {
	if r.Until != nil {
		u := *r.Until
		r.Until = &u
	}
	r.ByDay = slices.Clone(r.ByDay)
	r.Exclude = slices.Clone(r.Exclude)
	return r
}
