package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"calview/internal/agenda"
	"calview/internal/config"
	"calview/internal/ics"
	appLog "calview/internal/log"
	"calview/internal/model"
	"calview/internal/projection"
	"calview/internal/store"
	"calview/internal/temporal"
	"calview/internal/window"
)

// Deps are the collaborators a Server works on.
type Deps struct {
	Config  *config.Config
	Store   *store.Store
	Engine  *agenda.Engine
	Tracker *window.Tracker

	// SourceZone is the zone stored wire values are expressed in.
	SourceZone *time.Location
	Display    *time.Location

	// OnChange runs after every successful mutation, e.g. to persist state.
	OnChange func()
}

// Server provides the HTTP API over the store and the agenda engine.
type Server struct {
	Deps
	router *mux.Router
}

// NewServer constructs a new Server.
func NewServer(deps Deps) *Server {
	if deps.Display == nil {
		deps.Display = time.Local
	}
	if deps.SourceZone == nil {
		deps.SourceZone = time.UTC
	}
	s := &Server{Deps: deps, router: mux.NewRouter()}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.router)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.Config.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.Config == nil || s.Config.BasicAuth == nil {
		return false
	}
	return s.Config.BasicAuth.Username != "" && s.Config.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.Config.BasicAuth.Username
	password := s.Config.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="calview", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Serve runs the HTTP server on cfg.Listen until ctx is cancelled, then
// shuts it down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Config.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.Config.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) registerRoutes() {
	r := s.router
	r.HandleFunc("/health", s.handleHealth).Methods("GET")

	r.HandleFunc("/api/occurrences", s.handleOccurrences).Methods("GET")
	r.HandleFunc("/api/days", s.handleGetDays).Methods("GET")
	r.HandleFunc("/api/days", s.handleSetDays).Methods("PUT")

	r.HandleFunc("/api/calendars", s.handleListCalendars).Methods("GET")
	r.HandleFunc("/api/calendars", s.handleAddCalendar).Methods("POST")
	r.HandleFunc("/api/calendars/{calendarId}", s.handleGetCalendar).Methods("GET")
	r.HandleFunc("/api/calendars/{calendarId}", s.handleEditCalendar).Methods("PATCH")
	r.HandleFunc("/api/calendars/{calendarId}", s.handleDeleteCalendar).Methods("DELETE")
	r.HandleFunc("/api/calendars/{calendarId}/visible", s.handleSetVisible).Methods("PUT")
	r.HandleFunc("/api/calendars/{calendarId}/export.ics", s.handleExport).Methods("GET")

	r.HandleFunc("/api/calendars/{calendarId}/events", s.handleAddEvent).Methods("POST")
	r.HandleFunc("/api/calendars/{calendarId}/events/{eventId}", s.handleGetEvent).Methods("GET")
	r.HandleFunc("/api/calendars/{calendarId}/events/{eventId}", s.handleEditEvent).Methods("PATCH")
	r.HandleFunc("/api/calendars/{calendarId}/events/{eventId}", s.handleDeleteEvent).Methods("DELETE")
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// occurrencesResponse is the JSON response shape for /api/occurrences.
type occurrencesResponse struct {
	Occurrences     []occurrenceDTO `json:"occurrences"`
	Truncated       []string        `json:"truncated,omitempty"`
	RangeStart      time.Time       `json:"range_start"`
	RangeEnd        time.Time       `json:"range_end"`
	DisplayTimeZone string          `json:"display_timezone"`
	DisplayOffset   string          `json:"display_offset"`
}

// occurrenceDTO is a JSON-friendly view of an occurrence.
type occurrenceDTO struct {
	CalendarID   string    `json:"calendar_id"`
	CalendarName string    `json:"calendar_name,omitempty"`
	EventID      string    `json:"event_id"`
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	Location     string    `json:"location,omitempty"`
	Color        string    `json:"color"`
	Recurring    bool      `json:"recurring"`
	Frequency    string    `json:"frequency,omitempty"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
}

// handleOccurrences runs a recompute pass and returns its occurrences.
func (s *Server) handleOccurrences(w http.ResponseWriter, _ *http.Request) {
	var col agenda.Collector
	res, err := s.Engine.Recompute(&col)
	if err != nil {
		if errors.Is(err, window.ErrNoDays) {
			writeError(w, http.StatusConflict, "no visible days set")
			return
		}
		appLog.Error("api occurrences: recompute failed", err)
		writeError(w, http.StatusInternalServerError, "failed to compute occurrences")
		return
	}

	b, _ := s.Tracker.Boundary()
	occs := col.Occurrences()
	resp := occurrencesResponse{
		Occurrences:     make([]occurrenceDTO, 0, len(occs)),
		Truncated:       res.Truncated,
		RangeStart:      b.Start.Local,
		RangeEnd:        b.End.Local,
		DisplayTimeZone: s.Display.String(),
		DisplayOffset:   temporal.FormatOffset(b.Start.Local, s.Display),
	}
	for _, occ := range occs {
		resp.Occurrences = append(resp.Occurrences, occurrenceDTO{
			CalendarID:   occ.CalendarID,
			CalendarName: occ.CalendarName,
			EventID:      occ.EventID,
			Title:        occ.Title,
			Description:  occ.Description,
			Location:     occ.Location,
			Color:        occ.Color,
			Recurring:    occ.Frequency != "",
			Frequency:    string(occ.Frequency),
			Start:        occ.Start,
			End:          occ.End,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// daysRequest sets the window either from an explicit list or a view.
type daysRequest struct {
	Days []window.MonthDay `json:"days,omitempty"`
	// View is "day", "week" or "span" and is relative to today.
	View string `json:"view,omitempty"`
	// Count is the number of days for "span".
	Count int `json:"count,omitempty"`
}

type daysResponse struct {
	Days       []window.MonthDay `json:"days"`
	RangeStart *time.Time        `json:"range_start,omitempty"`
	RangeEnd   *time.Time        `json:"range_end,omitempty"`
}

func (s *Server) handleGetDays(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.daysResponse())
}

func (s *Server) handleSetDays(w http.ResponseWriter, r *http.Request) {
	var req daysRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	days := req.Days
	if len(days) == 0 {
		var ok bool
		days, ok = ViewDays(req.View, req.Count, time.Now().In(s.Display), s.weekStart())
		if !ok {
			writeError(w, http.StatusBadRequest, "days or a known view is required")
			return
		}
	}
	if err := s.Tracker.SetDays(days); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.daysResponse())
}

func (s *Server) daysResponse() daysResponse {
	resp := daysResponse{Days: s.Tracker.Days()}
	if resp.Days == nil {
		resp.Days = []window.MonthDay{}
	}
	if b, ok := s.Tracker.Boundary(); ok {
		resp.RangeStart = &b.Start.Local
		resp.RangeEnd = &b.End.Local
	}
	return resp
}

func (s *Server) weekStart() time.Weekday {
	if s.Config == nil {
		return time.Monday
	}
	return s.Config.FirstWeekday()
}

// ViewDays expands a named view relative to now. Unknown views report false.
func ViewDays(view string, count int, now time.Time, weekStart time.Weekday) ([]window.MonthDay, bool) {
	switch strings.ToLower(view) {
	case "day":
		return window.Span(now, 1), true
	case "week":
		return window.Week(now, weekStart), true
	case "span":
		if count <= 0 {
			return nil, false
		}
		return window.Span(now, count), true
	default:
		return nil, false
	}
}

// calendarDTO summarizes a calendar for listings.
type calendarDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Hue         int    `json:"hue"`
	Color       string `json:"color"`
	Visible     bool   `json:"visible"`
	EventCount  int    `json:"event_count"`
}

func (s *Server) handleListCalendars(w http.ResponseWriter, _ *http.Request) {
	cals := s.Store.Calendars()
	out := make([]calendarDTO, 0, len(cals))
	for _, c := range cals {
		out = append(out, calendarDTO{
			ID:          c.ID,
			Name:        c.Name,
			Description: c.Description,
			Hue:         c.Hue,
			Color:       projection.Color(c.Hue),
			Visible:     s.Engine.Visible(c.ID),
			EventCount:  len(c.Events),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAddCalendar(w http.ResponseWriter, r *http.Request) {
	var cal model.Calendar
	if err := json.NewDecoder(r.Body).Decode(&cal); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	stored, err := s.Store.AddCalendar(cal)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.changed()
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleGetCalendar(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["calendarId"]
	cal, ok := s.Store.Calendar(id).Get()
	if !ok {
		writeError(w, http.StatusNotFound, "calendar not found")
		return
	}
	writeJSON(w, http.StatusOK, cal)
}

type calendarChangesRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Hue         *int    `json:"hue"`
}

func (s *Server) handleEditCalendar(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["calendarId"]
	var req calendarChangesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	err := s.Store.EditCalendar(id, model.CalendarChanges{
		Name:        req.Name,
		Description: req.Description,
		Hue:         req.Hue,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.changed()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteCalendar(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["calendarId"]
	if err := s.Store.DeleteCalendar(id); err != nil {
		writeStoreError(w, err)
		return
	}
	s.changed()
	w.WriteHeader(http.StatusNoContent)
}

type visibleRequest struct {
	Visible bool `json:"visible"`
}

func (s *Server) handleSetVisible(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["calendarId"]
	if s.Store.Calendar(id).IsAbsent() {
		writeError(w, http.StatusNotFound, "calendar not found")
		return
	}
	var req visibleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.Engine.SetVisible(id, req.Visible)
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["calendarId"]
	cal, ok := s.Store.Calendar(id).Get()
	if !ok {
		writeError(w, http.StatusNotFound, "calendar not found")
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+cal.ID+`.ics"`)
	if err := ics.Export(w, *cal, s.SourceZone); err != nil {
		appLog.Error("api export failed", err, "calendar_id", id)
	}
}

func (s *Server) handleAddEvent(w http.ResponseWriter, r *http.Request) {
	calID := mux.Vars(r)["calendarId"]
	var ev model.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	stored, err := s.Store.AddEvent(calID, ev)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.changed()
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ev, ok := s.Store.Event(vars["calendarId"], vars["eventId"]).Get()
	if !ok {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

type eventChangesRequest struct {
	Title       *string           `json:"title"`
	Description *string           `json:"description"`
	Location    *string           `json:"location"`
	Start       *model.WireTime   `json:"start"`
	End         *model.WireTime   `json:"end"`
	Recurrence  *model.Recurrence `json:"recurrence"`
}

func (s *Server) handleEditEvent(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req eventChangesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	err := s.Store.EditEvent(vars["calendarId"], vars["eventId"], model.EventChanges{
		Title:       req.Title,
		Description: req.Description,
		Location:    req.Location,
		Start:       req.Start,
		End:         req.End,
		Recurrence:  req.Recurrence,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.changed()
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteEvent removes an event or part of it.
//
// DELETE /api/calendars/{calendarId}/events/{eventId}?mode=this&at=2024-01-17T09:00:00+01:00
//   - mode: non-recurring (default), this, since, all
//   - at:   start of the chosen occurrence as returned by /api/occurrences
func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	q := r.URL.Query()

	opts := store.DeleteOptions{Mode: store.DeleteNonRecurring}
	if m := q.Get("mode"); m != "" {
		mode, err := store.ParseDeleteMode(m)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		opts.Mode = mode
	}
	if opts.Mode == store.DeleteThis || opts.Mode == store.DeleteSince {
		at, err := time.Parse(time.RFC3339, q.Get("at"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "at must be an RFC 3339 time")
			return
		}
		opts.Time = temporal.ZonedToWire(at, s.SourceZone)
	}

	if err := s.Store.DeleteEvent(vars["calendarId"], vars["eventId"], opts); err != nil {
		writeStoreError(w, err)
		return
	}
	s.changed()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) changed() {
	if s.OnChange != nil {
		s.OnChange()
	}
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrInvalidEvent), errors.Is(err, store.ErrInvalidCalendar):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		appLog.Error("api store operation failed", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
