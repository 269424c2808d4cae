package model

// WireTime is the storage/interchange form of a date-time: plain wall-clock
// fields, always expressed in the neutral zone (UTC).
//
// IsDate marks a value without time-of-day significance (an all-day value).
// Hour/Minute/Second are expected to be zero in that case.
type WireTime struct {
	Year   int  `yaml:"year" json:"year"`
	Month  int  `yaml:"month" json:"month"`
	Day    int  `yaml:"day" json:"day"`
	Hour   int  `yaml:"hour" json:"hour"`
	Minute int  `yaml:"minute" json:"minute"`
	Second int  `yaml:"second" json:"second"`
	IsDate bool `yaml:"is_date,omitempty" json:"is_date,omitempty"`
}

// Before reports whether w is strictly earlier than o, comparing wall-clock
// fields only.
func (w WireTime) Before(o WireTime) bool {
	a := [...]int{w.Year, w.Month, w.Day, w.Hour, w.Minute, w.Second}
	b := [...]int{o.Year, o.Month, o.Day, o.Hour, o.Minute, o.Second}
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Frequency is the recurrence unit, spelled the iCalendar way.
type Frequency string

const (
	Yearly   Frequency = "YEARLY"
	Monthly  Frequency = "MONTHLY"
	Weekly   Frequency = "WEEKLY"
	Daily    Frequency = "DAILY"
	Hourly   Frequency = "HOURLY"
	Minutely Frequency = "MINUTELY"
	Secondly Frequency = "SECONDLY"
)

// Recurrence is the decomposed recurrence of an event. An empty Frequency
// means the event does not recur.
type Recurrence struct {
	Frequency Frequency `yaml:"freq,omitempty" json:"freq,omitempty"`

	// Until is an inclusive upper bound on iteration.
	Until *WireTime `yaml:"until,omitempty" json:"until,omitempty"`

	// ByDay is a Monday-first weekday mask (7 entries). A mask with no day
	// selected is ignored.
	ByDay []bool `yaml:"by_day,omitempty" json:"by_day,omitempty"`

	// Exclude lists occurrences that must not be produced.
	Exclude []WireTime `yaml:"exclude,omitempty" json:"exclude,omitempty"`
}

// Recurs reports whether r describes a repeating event.
func (r *Recurrence) Recurs() bool {
	return r != nil && r.Frequency != ""
}

// Event is a calendar entry. When Recurrence is set the event is a template:
// Start anchors the recurrence, Start/End give time-of-day and duration of
// every occurrence.
type Event struct {
	ID string `yaml:"id" json:"id"`

	Title       string `yaml:"title" json:"title"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Location    string `yaml:"location,omitempty" json:"location,omitempty"`

	Start WireTime `yaml:"start" json:"start"`
	End   WireTime `yaml:"end" json:"end"`

	Recurrence *Recurrence `yaml:"recurrence,omitempty" json:"recurrence,omitempty"`
}

// Calendar owns an ordered list of events.
type Calendar struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Hue is in degrees, 0-359, and drives the display color.
	Hue int `yaml:"hue" json:"hue"`

	Events []Event `yaml:"events" json:"events"`
}

// CalendarChanges is a partial update of a calendar. Nil fields are left
// untouched.
type CalendarChanges struct {
	Name        *string
	Description *string
	Hue         *int
}

// EventChanges is a partial update of an event. Nil fields are left
// untouched; a non-nil Recurrence replaces the whole recurrence, and an empty
// one (no frequency) makes the event non-recurring.
type EventChanges struct {
	Title       *string
	Description *string
	Location    *string
	Start       *WireTime
	End         *WireTime
	Recurrence  *Recurrence
}
