package ics

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"
	"github.com/teambition/rrule-go"

	appLog "calview/internal/log"
	"calview/internal/model"
	"calview/internal/store"
	"calview/internal/temporal"
)

// ImportOptions controls how a feed becomes a calendar.
type ImportOptions struct {
	// ID is the calendar id. Empty means a new random id.
	ID string
	// Name overrides the feed's own calendar name.
	Name string
	// Hue is used when set; otherwise a random hue is picked.
	Hue *int
	// Floating is the zone for values that carry neither TZID nor Z.
	// Nil means time.Local.
	Floating *time.Location
	// Wire is the zone stored wire values are expressed in. Nil means UTC.
	Wire *time.Location
	// Display is the zone occurrences will be materialized in. COUNT is
	// folded into an until on its wall clock. Nil means Floating.
	Display *time.Location
}

// Import parses an ICS payload into a calendar. Events that cannot be
// represented are logged and skipped; RECURRENCE-ID overrides are skipped.
func Import(r io.Reader, opts ImportOptions) (model.Calendar, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return model.Calendar{}, err
	}
	return ParseICS(body, opts)
}

// ParseICS is Import over an in-memory body.
func ParseICS(body []byte, opts ImportOptions) (model.Calendar, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return model.Calendar{}, errors.New("empty ICS body")
	}
	if opts.Floating == nil {
		opts.Floating = time.Local
	}
	if opts.Wire == nil {
		opts.Wire = time.UTC
	}
	if opts.Display == nil {
		opts.Display = opts.Floating
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Error("ics parse failed", err, "id", opts.ID)
		return model.Calendar{}, err
	}

	out := model.Calendar{ID: opts.ID, Name: opts.Name}
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if opts.Hue != nil {
		out.Hue = *opts.Hue
	} else {
		out.Hue = rand.IntN(360)
	}

	for _, p := range cal.CalendarProperties {
		switch p.IANAToken {
		case string(ical.PropertyXWRCalName), string(ical.PropertyName):
			if out.Name == "" {
				out.Name = p.Value
			}
		case string(ical.PropertyXWRCalDesc), string(ical.PropertyDescription):
			if out.Description == "" {
				out.Description = p.Value
			}
		}
	}

	seen := make(map[string]bool)
	skipped := 0
	for _, ve := range cal.Events() {
		if ve.GetProperty(ical.ComponentPropertyRecurrenceId) != nil {
			skipped++
			continue
		}
		ev, perr := parseVEvent(ve, opts)
		if perr == nil {
			perr = store.ValidateEvent(&ev)
		}
		if perr == nil && seen[ev.ID] {
			perr = fmt.Errorf("duplicate UID %q", ev.ID)
		}
		if perr != nil {
			appLog.Error("ics vevent skipped", perr, "id", out.ID)
			skipped++
			continue
		}
		seen[ev.ID] = true
		out.Events = append(out.Events, ev)
	}

	appLog.Info("ics parse completed", "id", out.ID, "event_count", len(out.Events), "skipped", skipped)
	return out, nil
}

func parseVEvent(ve *ical.VEvent, opts ImportOptions) (model.Event, error) {
	var out model.Event
	floating := opts.Floating

	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil && p.Value != "" {
		out.ID = p.Value
	} else {
		out.ID = uuid.NewString()
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Title = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = p.Value
	}

	startProp := ve.GetProperty(ical.ComponentPropertyDtStart)
	if startProp == nil {
		return out, errors.New("missing DTSTART")
	}
	allDay := isDateValue(startProp)

	start, err := eventTime(startProp, floating, allDay, ve.GetStartAt, ve.GetAllDayStartAt)
	if err != nil {
		return out, fmt.Errorf("DTSTART: %w", err)
	}

	end := start
	if allDay {
		end = start.AddDate(0, 0, 1)
	}
	if endProp := ve.GetProperty(ical.ComponentPropertyDtEnd); endProp != nil {
		end, err = eventTime(endProp, floating, isDateValue(endProp), ve.GetEndAt, ve.GetAllDayEndAt)
		if err != nil {
			return out, fmt.Errorf("DTEND: %w", err)
		}
	}

	out.Start = temporal.ZonedToWire(start, opts.Wire)
	out.End = temporal.ZonedToWire(end, opts.Wire)

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil && p.Value != "" {
		rec, err := parseRRule(p.Value, start, opts)
		if err != nil {
			return out, fmt.Errorf("RRULE: %w", err)
		}
		for _, ex := range ve.GetProperties(ical.ComponentPropertyExdate) {
			dates, err := parseDateList(ex, opts)
			if err != nil {
				return out, fmt.Errorf("EXDATE: %w", err)
			}
			rec.Exclude = append(rec.Exclude, dates...)
		}
		out.Recurrence = rec
	}

	return out, nil
}

// eventTime reads a DTSTART/DTEND property. Floating values are read in
// floating; all-day values become midnight in floating.
func eventTime(p *ical.IANAProperty, floating *time.Location, allDay bool, timed, date func() (time.Time, error)) (time.Time, error) {
	if allDay {
		d, err := date()
		if err != nil {
			return time.Time{}, err
		}
		return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, floating), nil
	}
	if isFloating(p) {
		return time.ParseInLocation("20060102T150405", strings.TrimSpace(p.Value), floating)
	}
	return timed()
}

func isDateValue(p *ical.IANAProperty) bool {
	if vs, ok := p.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

func isFloating(p *ical.IANAProperty) bool {
	_, hasTZ := p.ICalParameters["TZID"]
	return !hasTZ && !strings.HasSuffix(strings.TrimSpace(p.Value), "Z")
}

// parseRRule decomposes an RRULE value. COUNT is folded into an until by
// expanding the rule once; parts the data model cannot carry are dropped
// with a warning.
func parseRRule(value string, start time.Time, opts ImportOptions) (*model.Recurrence, error) {
	opt, err := rrule.StrToROptionInLocation(value, opts.Floating)
	if err != nil {
		return nil, err
	}

	rec := &model.Recurrence{Frequency: model.Frequency(opt.Freq.String())}

	var byDay []rrule.Weekday
	ordinal := false
	if len(opt.Byweekday) > 0 {
		rec.ByDay = make([]bool, 7)
		for i := range opt.Byweekday {
			d := opt.Byweekday[i].Day()
			if !rec.ByDay[d] {
				byDay = append(byDay, plainWeekdays[d])
			}
			rec.ByDay[d] = true
			ordinal = ordinal || opt.Byweekday[i].N() != 0
		}
	}

	switch {
	case !opt.Until.IsZero():
		until := temporal.ZonedToWire(opt.Until, opts.Wire)
		if untilIsDate(value) {
			until = temporal.DateOnly(model.WireTime{Year: opt.Until.Year(), Month: int(opt.Until.Month()), Day: opt.Until.Day()})
		}
		rec.Until = &until
	case opt.Count > 0:
		// Expand the rule the way it will be materialized: on the display
		// zone's wall clock with only the parts the model keeps.
		counted, err := rrule.NewRRule(rrule.ROption{
			Freq:      opt.Freq,
			Dtstart:   temporal.Floating(start.In(opts.Display)),
			Count:     opt.Count,
			Byweekday: byDay,
		})
		if err != nil {
			return nil, err
		}
		if all := counted.All(); len(all) > 0 {
			last := temporal.Anchor(all[len(all)-1], opts.Display)
			until := temporal.ZonedToWire(last, opts.Wire)
			rec.Until = &until
		}
	}

	if ordinal || opt.Interval > 1 || len(opt.Bymonth) > 0 || len(opt.Bymonthday) > 0 || len(opt.Bysetpos) > 0 ||
		len(opt.Byyearday) > 0 || len(opt.Byweekno) > 0 || len(opt.Byhour) > 0 ||
		len(opt.Byminute) > 0 || len(opt.Bysecond) > 0 || len(opt.Byeaster) > 0 {
		appLog.Warn("ics rrule parts ignored", "rrule", value)
	}
	return rec, nil
}

var plainWeekdays = [7]rrule.Weekday{rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA, rrule.SU}

func untilIsDate(value string) bool {
	for _, part := range strings.Split(value, ";") {
		if v, ok := strings.CutPrefix(part, "UNTIL="); ok {
			return !strings.Contains(v, "T")
		}
	}
	return false
}

// parseDateList reads a comma-separated EXDATE value honoring its VALUE and
// TZID parameters.
func parseDateList(p *ical.IANAProperty, opts ImportOptions) ([]model.WireTime, error) {
	loc := opts.Floating
	if tz, ok := p.ICalParameters["TZID"]; ok && len(tz) == 1 {
		l, err := time.LoadLocation(tz[0])
		if err != nil {
			return nil, err
		}
		loc = l
	}

	var out []model.WireTime
	for _, part := range strings.Split(p.Value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		w, err := parseICSTime(part, loc, opts.Wire)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

// parseICSTime parses one DATE or DATE-TIME value into wire form. DATE
// values keep their date fields and are marked IsDate.
func parseICSTime(v string, loc, wire *time.Location) (model.WireTime, error) {
	switch {
	case strings.HasSuffix(v, "Z"):
		t, err := time.Parse("20060102T150405Z", v)
		if err != nil {
			return model.WireTime{}, err
		}
		return temporal.ZonedToWire(t, wire), nil
	case strings.Contains(v, "T"):
		t, err := time.ParseInLocation("20060102T150405", v, loc)
		if err != nil {
			return model.WireTime{}, err
		}
		return temporal.ZonedToWire(t, wire), nil
	default:
		t, err := time.Parse("20060102", v)
		if err != nil {
			return model.WireTime{}, err
		}
		return model.WireTime{Year: t.Year(), Month: int(t.Month()), Day: t.Day(), IsDate: true}, nil
	}
}
