package ics

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"

	"calview/internal/model"
	"calview/internal/temporal"
)

const productID = "-//calview//calview//EN"

var weekdays = [7]rrule.Weekday{rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA, rrule.SU}

// Export writes cal as a VCALENDAR. Stored values are read in wire (nil
// means UTC) and written in UTC.
func Export(w io.Writer, cal model.Calendar, wire *time.Location) error {
	if wire == nil {
		wire = time.UTC
	}
	out := ical.NewCalendar()
	out.Props.SetText(ical.PropVersion, "2.0")
	out.Props.SetText(ical.PropProductID, productID)
	out.Props.SetText("X-WR-TIMEZONE", "UTC")
	if cal.Name != "" {
		out.Props.SetText("X-WR-CALNAME", cal.Name)
		out.Props.SetText(ical.PropName, cal.Name)
	}
	if cal.Description != "" {
		out.Props.SetText("X-WR-CALDESC", cal.Description)
	}

	stamp := time.Now().UTC()
	for _, ev := range cal.Events {
		out.Children = append(out.Children, exportEvent(ev, stamp, wire))
	}

	if err := ical.NewEncoder(w).Encode(out); err != nil {
		return fmt.Errorf("encode calendar %s: %w", cal.ID, err)
	}
	return nil
}

func exportEvent(ev model.Event, stamp time.Time, wire *time.Location) *ical.Component {
	comp := ical.NewComponent(ical.CompEvent)
	comp.Props.SetText(ical.PropUID, ev.ID)
	comp.Props.SetDateTime(ical.PropDateTimeStamp, stamp)
	comp.Props.SetText(ical.PropSummary, ev.Title)
	if ev.Description != "" {
		comp.Props.SetText(ical.PropDescription, ev.Description)
	}
	if ev.Location != "" {
		comp.Props.SetText(ical.PropLocation, ev.Location)
	}
	comp.Props.SetDateTime(ical.PropDateTimeStart, toUTC(ev.Start, wire))
	comp.Props.SetDateTime(ical.PropDateTimeEnd, toUTC(ev.End, wire))

	if !ev.Recurrence.Recurs() {
		return comp
	}

	// RRULE is set raw; SetText would escape its separators.
	rule := ical.NewProp(ical.PropRecurrenceRule)
	rule.Value = rruleValue(ev.Recurrence, wire)
	comp.Props.Set(rule)

	var dates, times []string
	for _, ex := range ev.Recurrence.Exclude {
		if ex.IsDate {
			dates = append(dates, fmt.Sprintf("%04d%02d%02d", ex.Year, ex.Month, ex.Day))
		} else {
			times = append(times, toUTC(ex, wire).Format("20060102T150405Z"))
		}
	}
	if len(times) > 0 {
		p := ical.NewProp(ical.PropExceptionDates)
		p.Value = strings.Join(times, ",")
		comp.Props.Add(p)
	}
	if len(dates) > 0 {
		p := ical.NewProp(ical.PropExceptionDates)
		p.SetValueType(ical.ValueDate)
		p.Value = strings.Join(dates, ",")
		comp.Props.Add(p)
	}
	return comp
}

func rruleValue(rec *model.Recurrence, wire *time.Location) string {
	freq, err := rrule.StrToFreq(string(rec.Frequency))
	if err != nil {
		// Stored events are validated; keep the value verbatim otherwise.
		return "FREQ=" + string(rec.Frequency)
	}
	opt := rrule.ROption{Freq: freq}
	if len(rec.ByDay) == 7 {
		for i, on := range rec.ByDay {
			if on {
				opt.Byweekday = append(opt.Byweekday, weekdays[i])
			}
		}
	}
	if rec.Until != nil {
		u := toUTC(*rec.Until, wire)
		if rec.Until.IsDate {
			u = u.Add(24*time.Hour - time.Second)
		}
		opt.Until = u
	}
	return opt.RRuleString()
}

func toUTC(w model.WireTime, wire *time.Location) time.Time {
	t, err := temporal.WireToZoned(w, wire, time.UTC)
	if err != nil {
		return time.Date(w.Year, time.Month(w.Month), w.Day, w.Hour, w.Minute, w.Second, 0, time.UTC)
	}
	return t
}
