package ics

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"calview/internal/config"
	appLog "calview/internal/log"
	"calview/internal/model"
)

const sampleICS = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//test//EN
X-WR-CALNAME:Team
X-WR-CALDESC:Shared team calendar
BEGIN:VEVENT
UID:standup@example.com
DTSTAMP:20240101T000000Z
SUMMARY:Standup
LOCATION:Room 1
DTSTART;TZID=Europe/Berlin:20240115T090000
DTEND;TZID=Europe/Berlin:20240115T091500
RRULE:FREQ=WEEKLY;BYDAY=MO,WE;UNTIL=20240205T080000Z
EXDATE;TZID=Europe/Berlin:20240117T090000
EXDATE;VALUE=DATE:20240122
END:VEVENT
BEGIN:VEVENT
UID:standup@example.com
RECURRENCE-ID;TZID=Europe/Berlin:20240124T090000
DTSTAMP:20240101T000000Z
SUMMARY:Standup (moved)
DTSTART;TZID=Europe/Berlin:20240124T100000
DTEND;TZID=Europe/Berlin:20240124T101500
END:VEVENT
BEGIN:VEVENT
UID:holiday@example.com
DTSTAMP:20240101T000000Z
SUMMARY:Holiday
DTSTART;VALUE=DATE:20240126
DTEND;VALUE=DATE:20240127
END:VEVENT
BEGIN:VEVENT
UID:counted@example.com
DTSTAMP:20240101T000000Z
SUMMARY:Three times
DTSTART:20240101T120000Z
DTEND:20240101T130000Z
RRULE:FREQ=DAILY;COUNT=3
END:VEVENT
BEGIN:VEVENT
UID:broken@example.com
DTSTAMP:20240101T000000Z
SUMMARY:Ends first
DTSTART:20240101T120000Z
DTEND:20240101T110000Z
END:VEVENT
END:VCALENDAR
`

func crlf(s string) string {
	return strings.ReplaceAll(s, "\n", "\r\n")
}

func TestImport(t *testing.T) {
	hue := 42
	cal, err := Import(strings.NewReader(crlf(sampleICS)), ImportOptions{ID: "team", Hue: &hue, Floating: time.UTC})
	require.NoError(t, err)

	assert.Equal(t, "team", cal.ID)
	assert.Equal(t, "Team", cal.Name)
	assert.Equal(t, "Shared team calendar", cal.Description)
	assert.Equal(t, 42, cal.Hue)
	require.Len(t, cal.Events, 3)

	standup := cal.Events[0]
	assert.Equal(t, "standup@example.com", standup.ID)
	assert.Equal(t, "Room 1", standup.Location)
	assert.Equal(t, model.WireTime{Year: 2024, Month: 1, Day: 15, Hour: 8}, standup.Start)
	assert.Equal(t, model.WireTime{Year: 2024, Month: 1, Day: 15, Hour: 8, Minute: 15}, standup.End)
	require.NotNil(t, standup.Recurrence)
	assert.Equal(t, model.Weekly, standup.Recurrence.Frequency)
	assert.Equal(t, []bool{true, false, true, false, false, false, false}, standup.Recurrence.ByDay)
	assert.Equal(t, &model.WireTime{Year: 2024, Month: 2, Day: 5, Hour: 8}, standup.Recurrence.Until)
	assert.Equal(t, []model.WireTime{
		{Year: 2024, Month: 1, Day: 17, Hour: 8},
		{Year: 2024, Month: 1, Day: 22, IsDate: true},
	}, standup.Recurrence.Exclude)

	holiday := cal.Events[1]
	assert.Equal(t, model.WireTime{Year: 2024, Month: 1, Day: 26}, holiday.Start)
	assert.Equal(t, model.WireTime{Year: 2024, Month: 1, Day: 27}, holiday.End)
	assert.Nil(t, holiday.Recurrence)

	counted := cal.Events[2]
	require.NotNil(t, counted.Recurrence)
	assert.Equal(t, &model.WireTime{Year: 2024, Month: 1, Day: 3, Hour: 12}, counted.Recurrence.Until)
}

func singleEvent(rule, start string) string {
	return crlf(`BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//test//EN
BEGIN:VEVENT
UID:one@example.com
DTSTAMP:20240101T000000Z
SUMMARY:One
DTSTART:` + start + `
RRULE:` + rule + `
END:VEVENT
END:VCALENDAR
`)
}

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	appLog.SetOutput(&buf)
	t.Cleanup(func() { appLog.SetOutput(os.Stderr) })
	return &buf
}

func TestImport_WarnsOnDroppedRuleParts(t *testing.T) {
	cases := map[string]bool{
		"FREQ=WEEKLY;BYDAY=MO,WE":      false,
		"FREQ=MONTHLY;BYDAY=2MO":       true,
		"FREQ=MONTHLY;BYDAY=-1FR":      true,
		"FREQ=WEEKLY;INTERVAL=2":       true,
		"FREQ=YEARLY;BYMONTH=3":        true,
		"FREQ=DAILY;BYHOUR=9,17":       true,
		"FREQ=DAILY;COUNT=2;BYDAY=TU":  false,
		"FREQ=MONTHLY;BYMONTHDAY=1,15": true,
	}
	for rule, warns := range cases {
		t.Run(rule, func(t *testing.T) {
			buf := captureLog(t)
			cal, err := ParseICS([]byte(singleEvent(rule, "20240101T090000Z")), ImportOptions{ID: "c", Floating: time.UTC})
			require.NoError(t, err)
			require.Len(t, cal.Events, 1)
			if warns {
				assert.Contains(t, buf.String(), "ics rrule parts ignored")
			} else {
				assert.NotContains(t, buf.String(), "ics rrule parts ignored")
			}
		})
	}
}

func TestImport_OrdinalWeekdayKeepsWeekday(t *testing.T) {
	captureLog(t)
	cal, err := ParseICS([]byte(singleEvent("FREQ=MONTHLY;BYDAY=2MO", "20240108T090000Z")), ImportOptions{ID: "c", Floating: time.UTC})
	require.NoError(t, err)
	require.Len(t, cal.Events, 1)
	assert.Equal(t, []bool{true, false, false, false, false, false, false}, cal.Events[0].Recurrence.ByDay)
}

func TestImport_CountFoldedOnDisplayClock(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	// 09:00 Berlin daily across the end of summer time on 2024-10-27.
	body := []byte(singleEvent("FREQ=DAILY;COUNT=3", "20241025T070000Z"))

	cal, err := ParseICS(body, ImportOptions{ID: "c", Floating: time.UTC, Display: berlin})
	require.NoError(t, err)
	require.Len(t, cal.Events, 1)
	assert.Equal(t, &model.WireTime{Year: 2024, Month: 10, Day: 27, Hour: 8}, cal.Events[0].Recurrence.Until)

	utc, err := ParseICS(body, ImportOptions{ID: "c", Floating: time.UTC})
	require.NoError(t, err)
	assert.Equal(t, &model.WireTime{Year: 2024, Month: 10, Day: 27, Hour: 7}, utc.Events[0].Recurrence.Until)
}

func TestImport_RandomHueAndID(t *testing.T) {
	cal, err := ParseICS([]byte(crlf(sampleICS)), ImportOptions{Name: "Mine"})
	require.NoError(t, err)
	assert.NotEmpty(t, cal.ID)
	assert.Equal(t, "Mine", cal.Name)
	assert.GreaterOrEqual(t, cal.Hue, 0)
	assert.Less(t, cal.Hue, 360)
}

func TestImport_Empty(t *testing.T) {
	_, err := ParseICS([]byte("  \n"), ImportOptions{})
	assert.Error(t, err)
}

func TestExportRoundTrip(t *testing.T) {
	until := model.WireTime{Year: 2024, Month: 3, Day: 1, Hour: 8}
	cal := model.Calendar{
		ID:          "work",
		Name:        "Work",
		Description: "Things; with, punctuation",
		Events: []model.Event{
			{
				ID: "a", Title: "Planning, weekly", Location: "HQ",
				Start: model.WireTime{Year: 2024, Month: 1, Day: 15, Hour: 8},
				End:   model.WireTime{Year: 2024, Month: 1, Day: 15, Hour: 9},
				Recurrence: &model.Recurrence{
					Frequency: model.Weekly,
					Until:     &until,
					ByDay:     []bool{true, false, false, false, true, false, false},
					Exclude: []model.WireTime{
						{Year: 2024, Month: 1, Day: 19, Hour: 8},
						{Year: 2024, Month: 1, Day: 22, IsDate: true},
					},
				},
			},
			{
				ID: "b", Title: "One-off",
				Start: model.WireTime{Year: 2024, Month: 1, Day: 16, Hour: 12, Minute: 30},
				End:   model.WireTime{Year: 2024, Month: 1, Day: 16, Hour: 13},
			},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, Export(&buf, cal, nil))
	text := buf.String()
	assert.Contains(t, text, "X-WR-CALNAME:Work")
	assert.Contains(t, text, "RRULE:FREQ=WEEKLY;UNTIL=20240301T080000Z;BYDAY=MO,FR")

	hue := 0
	back, err := Import(&buf, ImportOptions{ID: "work", Hue: &hue, Floating: time.UTC})
	require.NoError(t, err)
	assert.Equal(t, cal.Name, back.Name)
	assert.Equal(t, cal.Description, back.Description)
	assert.Equal(t, cal.Events, back.Events)
}

func TestFetcher_LocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cal.ics")
	require.NoError(t, os.WriteFile(path, []byte("BODY"), 0o600))

	f := NewFetcher(t.TempDir())
	for _, u := range []string{path, "file://" + path} {
		feed, err := f.Fetch(context.Background(), config.CalendarSource{ID: "x", URL: u})
		require.NoError(t, err)
		assert.Equal(t, "x", feed.CalendarID)
		assert.Equal(t, "BODY", string(feed.Body))
		assert.False(t, feed.Cached)
	}

	_, err := f.Fetch(context.Background(), config.CalendarSource{ID: "x", URL: filepath.Join(t.TempDir(), "nope.ics")})
	assert.Error(t, err)
	_, err = f.Fetch(context.Background(), config.CalendarSource{ID: "empty"})
	assert.Error(t, err)
}

func TestFetcher_ConditionalAndFallback(t *testing.T) {
	var hits atomic.Int32
	var down atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if down.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte("FEED"))
	}))
	defer srv.Close()

	cacheDir := t.TempDir()
	f := NewFetcher(cacheDir)
	src := config.CalendarSource{ID: "remote", URL: srv.URL + "/cal.ics?token=secret"}

	feed, err := f.Fetch(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, "FEED", string(feed.Body))
	assert.False(t, feed.Cached)
	assert.FileExists(t, filepath.Join(cacheDir, "remote", "feed.ics"))

	data, err := os.ReadFile(filepath.Join(cacheDir, "remote", "feed.yaml"))
	require.NoError(t, err)
	var meta feedMeta
	require.NoError(t, yaml.Unmarshal(data, &meta))
	assert.Equal(t, `"v1"`, meta.ETag)
	assert.Equal(t, src.URL, meta.URL)
	assert.Equal(t, 4, meta.Bytes)

	feed, err = f.Fetch(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, "FEED", string(feed.Body))
	assert.True(t, feed.Cached)
	assert.False(t, feed.Stale)

	down.Store(true)
	feed, err = f.Fetch(context.Background(), src)
	require.NoError(t, err)
	assert.True(t, feed.Cached)
	assert.True(t, feed.Stale)
	assert.Equal(t, int32(3), hits.Load())

	// A fresh fetcher over the same directory still has the copy.
	feed, err = NewFetcher(cacheDir).Fetch(context.Background(), src)
	require.NoError(t, err)
	assert.True(t, feed.Stale)
}

func TestFetcher_URLChangeDropsCache(t *testing.T) {
	var conditional atomic.Bool
	var down atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if down.Load() {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		if r.Header.Get("If-None-Match") != "" {
			conditional.Store(true)
		}
		w.Header().Set("ETag", `"`+r.URL.Path+`"`)
		_, _ = w.Write([]byte(r.URL.Path))
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir())
	feed, err := f.Fetch(context.Background(), config.CalendarSource{ID: "c", URL: srv.URL + "/old.ics"})
	require.NoError(t, err)
	assert.Equal(t, "/old.ics", string(feed.Body))

	moved := config.CalendarSource{ID: "c", URL: srv.URL + "/new.ics"}
	feed, err = f.Fetch(context.Background(), moved)
	require.NoError(t, err)
	assert.Equal(t, "/new.ics", string(feed.Body))
	assert.False(t, conditional.Load())

	down.Store(true)
	feed, err = f.Fetch(context.Background(), moved)
	require.NoError(t, err)
	assert.Equal(t, "/new.ics", string(feed.Body))

	_, err = f.Fetch(context.Background(), config.CalendarSource{ID: "c", URL: srv.URL + "/other.ics"})
	assert.Error(t, err)
}

func TestFetcher_RejectsOversizedFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("x"), MaxFeedBytes+1))
	}))
	defer srv.Close()

	_, err := NewFetcher("").Fetch(context.Background(), config.CalendarSource{ID: "big", URL: srv.URL})
	assert.ErrorIs(t, err, ErrFeedTooLarge)
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "https://example.com/…", redactURL("https://user:pw@example.com/private.ics?token=abc"))
	assert.Equal(t, "file:path.ics", redactURL("/local/path.ics"))
	assert.Equal(t, "file:cal.ics", redactURL("file:///srv/cal.ics"))
}
