package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"calview/internal/atomicfile"
	appLog "calview/internal/log"
)

// EnvPrefix marks environment overrides. A double underscore separates
// nested keys: CALVIEW_BASIC_AUTH__USERNAME sets basic_auth.username.
const EnvPrefix = "CALVIEW_"

// CalendarSource describes one feed imported as a calendar.
type CalendarSource struct {
	// ID is the calendar id; it stays stable across refreshes.
	ID string `koanf:"id" yaml:"id" json:"id"`
	// Name overrides the feed's own name.
	Name string `koanf:"name" yaml:"name,omitempty" json:"name,omitempty"`
	// URL is an http(s) URL or a local path.
	URL string `koanf:"url" yaml:"url" json:"url"`
	// Hue fixes the display hue; unset means random.
	Hue *int `koanf:"hue" yaml:"hue,omitempty" json:"hue,omitempty"`
	// Hidden starts the calendar invisible.
	Hidden bool `koanf:"hidden" yaml:"hidden,omitempty" json:"hidden,omitempty"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `koanf:"username" yaml:"username" json:"username"`
	Password string `koanf:"password" yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `koanf:"listen" yaml:"listen" json:"listen"`

	// Timezone is the IANA display zone (e.g. "Europe/Berlin").
	Timezone string `koanf:"timezone" yaml:"timezone" json:"timezone"`

	// SourceTimezone is the zone wire values are stored in.
	SourceTimezone string `koanf:"source_timezone" yaml:"source_timezone" json:"source_timezone"`

	// WeekStart is "monday" or "sunday".
	WeekStart string `koanf:"week_start" yaml:"week_start" json:"week_start"`

	// View picks the visible days: "day", "week" or "span" (HorizonDays
	// starting today).
	View string `koanf:"view" yaml:"view" json:"view"`

	// HorizonDays is the length of the "span" view.
	HorizonDays int `koanf:"horizon_days" yaml:"horizon_days" json:"horizon_days"`

	// RefreshCron is a cron schedule for reloading calendar sources.
	RefreshCron string `koanf:"refresh" yaml:"refresh" json:"refresh"`

	// MaxOccurrencesPerEvent caps occurrences of a single event per pass.
	// Zero disables the cap.
	MaxOccurrencesPerEvent int `koanf:"max_occurrences_per_event" yaml:"max_occurrences_per_event" json:"max_occurrences_per_event"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `koanf:"log_level" yaml:"log_level" json:"log_level"`

	// StateFile keeps calendars between runs. Empty disables persistence.
	StateFile string `koanf:"state_file" yaml:"state_file" json:"state_file"`

	// CacheDir holds the HTTP cache of remote sources.
	CacheDir string `koanf:"cache_dir" yaml:"cache_dir" json:"cache_dir"`

	Calendars []CalendarSource `koanf:"calendars" yaml:"calendars" json:"calendars"`

	// BasicAuth, if non-nil, protects every endpoint except /health.
	BasicAuth *BasicAuthConfig `koanf:"basic_auth" yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:                 "127.0.0.1:8080",
		Timezone:               "Local",
		SourceTimezone:         "UTC",
		WeekStart:              "monday",
		View:                   "week",
		HorizonDays:            7,
		RefreshCron:            "*/15 * * * *",
		MaxOccurrencesPerEvent: 5000,
		LogLevel:               "info",
		StateFile:              "./var/state.yaml",
		CacheDir:               "./var/ics-cache",
		Calendars:              []CalendarSource{},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	d := DefaultConfig()
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.Timezone == "" {
		c.Timezone = d.Timezone
	}
	if c.SourceTimezone == "" {
		c.SourceTimezone = d.SourceTimezone
	}
	switch c.WeekStart = strings.ToLower(c.WeekStart); c.WeekStart {
	case "monday", "sunday":
	default:
		c.WeekStart = d.WeekStart
	}
	switch c.View = strings.ToLower(c.View); c.View {
	case "day", "week", "span":
	default:
		c.View = d.View
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = d.HorizonDays
	}
	if c.RefreshCron == "" {
		c.RefreshCron = d.RefreshCron
	}
	if c.MaxOccurrencesPerEvent < 0 {
		c.MaxOccurrencesPerEvent = 0
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.CacheDir == "" {
		c.CacheDir = d.CacheDir
	}
	if c.Calendars == nil {
		c.Calendars = []CalendarSource{}
	}
	if c.BasicAuth != nil && c.BasicAuth.Username == "" {
		c.BasicAuth = nil
	}
}

// Validate reports settings that Normalize cannot repair.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("timezone: %w", err)
	}
	if _, err := c.SourceLocation(); err != nil {
		return fmt.Errorf("source_timezone: %w", err)
	}
	seen := make(map[string]bool, len(c.Calendars))
	for i, src := range c.Calendars {
		if src.ID == "" || src.URL == "" {
			return fmt.Errorf("calendars[%d]: id and url are required", i)
		}
		if seen[src.ID] {
			return fmt.Errorf("calendars[%d]: duplicate id %q", i, src.ID)
		}
		seen[src.ID] = true
		if src.Hue != nil && (*src.Hue < 0 || *src.Hue > 359) {
			return fmt.Errorf("calendars[%d]: hue %d out of range", i, *src.Hue)
		}
	}
	return nil
}

// Location returns the display zone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// SourceLocation returns the zone wire values are read in.
func (c *Config) SourceLocation() (*time.Location, error) {
	return time.LoadLocation(c.SourceTimezone)
}

// FirstWeekday maps WeekStart onto time.Weekday.
func (c *Config) FirstWeekday() time.Weekday {
	if c.WeekStart == "sunday" {
		return time.Sunday
	}
	return time.Monday
}

// Load builds the configuration from defaults, the YAML file at path and
// CALVIEW_ environment variables, in that order. A missing file is created
// with the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	k := koanf.New(".")
	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
		appLog.Info("config file not found, writing defaults", "path", path)
		if err := Save(path, DefaultConfig()); err != nil {
			appLog.Error("config default write failed", err, "path", path)
		}
	}

	err := k.Load(env.Provider(".", env.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(k, v string) (string, any) {
			k = strings.ToLower(strings.TrimPrefix(k, EnvPrefix))
			return strings.ReplaceAll(k, "__", "."), v
		},
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Normalize()
	return &cfg, nil
}

// Save writes cfg to path as YAML, atomically and with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	data, err := yamlv3.Marshal(cfg)
	if err != nil {
		return err
	}
	return atomicfile.Write(path, data, 0o600)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
