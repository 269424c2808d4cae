package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"calview/internal/agenda"
	"calview/internal/config"
	"calview/internal/ics"
	appLog "calview/internal/log"
	"calview/internal/store"
	"calview/internal/temporal"
	"calview/internal/web"
	"calview/internal/window"
)

type flagConfig struct {
	configPath string
	listen     string
	once       bool
	days       int
	logLevel   string
}

// app bundles the long-lived pieces main wires together.
type app struct {
	conf    *config.Config
	display *time.Location
	source  *time.Location

	store   *store.Store
	tracker *window.Tracker
	engine  *agenda.Engine
	fetcher *ics.Fetcher
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.logLevel != "" {
		conf.LogLevel = flags.logLevel
	}
	if flags.days > 0 {
		conf.View = "span"
		conf.HorizonDays = flags.days
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	appLog.Info("calview starting",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"source_timezone", conf.SourceTimezone,
		"view", conf.View,
		"horizon_days", conf.HorizonDays,
		"calendar_count", len(conf.Calendars),
		"once", flags.once,
	)

	a, err := newApp(conf)
	if err != nil {
		appLog.Error("failed to initialise", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.refresh(ctx)
	if err := a.rollDays(time.Now()); err != nil {
		appLog.Error("failed to set visible days", err)
		os.Exit(1)
	}

	if flags.once {
		if err := a.printOnce(os.Stdout); err != nil {
			appLog.Error("recompute failed", err)
			os.Exit(1)
		}
		return
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	sched, err := a.schedule(ctx)
	if err != nil {
		appLog.Error("failed to schedule jobs", err, "refresh", conf.RefreshCron)
		os.Exit(1)
	}
	sched.Start()

	srv := web.NewServer(web.Deps{
		Config:     conf,
		Store:      a.store,
		Engine:     a.engine,
		Tracker:    a.tracker,
		SourceZone: a.source,
		Display:    a.display,
		OnChange:   a.persist,
	})
	if err := srv.Serve(ctx); err != nil {
		appLog.Error("HTTP server stopped", err)
	}

	<-sched.Stop().Done()
	a.persist()
	appLog.Info("calview exiting")
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/calview/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Load sources, print the visible occurrences and exit")
	flag.IntVar(&cfg.days, "days", 0, "Show this many days starting today (overrides the configured view)")
	flag.StringVar(&cfg.logLevel, "log-level", "", "debug, info, warn or error (overrides config if set)")

	flag.Parse()

	return cfg
}

func newApp(conf *config.Config) (*app, error) {
	display, err := conf.Location()
	if err != nil {
		return nil, err
	}
	source, err := conf.SourceLocation()
	if err != nil {
		return nil, err
	}

	st := store.New()
	if conf.StateFile != "" {
		if err := st.Load(conf.StateFile); err != nil {
			return nil, fmt.Errorf("load state: %w", err)
		}
	}

	tracker := window.NewTracker(display)
	engine := agenda.New(st, tracker, agenda.Options{
		SourceZone:             source,
		Display:                display,
		MaxOccurrencesPerEvent: conf.MaxOccurrencesPerEvent,
	})
	for _, src := range conf.Calendars {
		if src.Hidden {
			engine.SetVisible(src.ID, false)
		}
	}

	return &app{
		conf:    conf,
		display: display,
		source:  source,
		store:   st,
		tracker: tracker,
		engine:  engine,
		fetcher: ics.NewFetcher(conf.CacheDir),
	}, nil
}

// refresh re-imports every configured source. Sources that fail keep their
// previous contents.
func (a *app) refresh(ctx context.Context) {
	if len(a.conf.Calendars) == 0 {
		return
	}
	imported, stale := 0, 0
	for _, c := range a.conf.Calendars {
		if ctx.Err() != nil {
			break
		}
		feed, err := a.fetcher.Fetch(ctx, c)
		if err != nil {
			appLog.Error("source fetch failed", err, "id", c.ID)
			continue
		}
		if feed.Stale {
			stale++
		}
		hue := c.Hue
		if hue == nil {
			// Keep the hue picked on an earlier import.
			if prev, ok := a.store.Calendar(c.ID).Get(); ok {
				hue = &prev.Hue
			}
		}
		cal, err := ics.ParseICS(feed.Body, ics.ImportOptions{
			ID:       c.ID,
			Name:     c.Name,
			Hue:      hue,
			Floating: a.display,
			Wire:     a.source,
			Display:  a.display,
		})
		if err != nil {
			appLog.Error("source import failed", err, "id", c.ID)
			continue
		}
		if err := a.store.ReplaceCalendar(cal); err != nil {
			appLog.Error("source store failed", err, "id", c.ID)
			continue
		}
		imported++
	}
	appLog.Info("sources refreshed", "imported", imported, "stale", stale, "failed", len(a.conf.Calendars)-imported)
	a.persist()
}

// rollDays advances the tracker to now and, for relative views, recomputes
// the visible day list.
func (a *app) rollDays(now time.Time) error {
	local := now.In(a.display)
	if err := a.tracker.SetNow(local); err != nil {
		return err
	}
	days, ok := web.ViewDays(a.conf.View, a.conf.HorizonDays, local, a.conf.FirstWeekday())
	if !ok {
		return fmt.Errorf("unknown view %q", a.conf.View)
	}
	return a.tracker.SetDays(days)
}

func (a *app) schedule(ctx context.Context) (*cron.Cron, error) {
	c := cron.New(cron.WithLocation(a.display))

	if _, err := c.AddFunc("@midnight", func() {
		if err := a.rollDays(time.Now()); err != nil {
			appLog.Error("day roll-over failed", err)
			return
		}
		appLog.Info("day rolled over", "revision", a.tracker.Revision())
	}); err != nil {
		return nil, err
	}

	if _, err := c.AddFunc(a.conf.RefreshCron, func() {
		a.refresh(ctx)
	}); err != nil {
		return nil, fmt.Errorf("refresh schedule: %w", err)
	}
	return c, nil
}

func (a *app) persist() {
	if a.conf.StateFile == "" {
		return
	}
	if err := a.store.Save(a.conf.StateFile); err != nil {
		appLog.Error("state save failed", err, "path", a.conf.StateFile)
	}
}

// printOnce runs a single pass and prints it grouped by day.
func (a *app) printOnce(w io.Writer) error {
	var col agenda.Collector
	res, err := a.engine.Recompute(&col)
	if err != nil {
		return err
	}

	occs := col.Occurrences()
	slices.SortStableFunc(occs, func(x, y agenda.Occurrence) int { return x.Start.Compare(y.Start) })

	lastDay := ""
	for _, occ := range occs {
		start := occ.Start.In(a.display)
		if day := start.Format("Mon 2006-01-02"); day != lastDay {
			fmt.Fprintf(w, "%s (%s)\n", day, temporal.FormatOffset(start, a.display))
			lastDay = day
		}
		cal := occ.CalendarName
		if cal == "" {
			cal = occ.CalendarID
		}
		fmt.Fprintf(w, "  %s-%s  %s  [%s]\n",
			start.Format("15:04"), occ.End.In(a.display).Format("15:04"), occ.Title, cal)
	}
	if len(res.Truncated) > 0 {
		fmt.Fprintf(w, "truncated: %s\n", strings.Join(res.Truncated, ", "))
	}
	return nil
}
