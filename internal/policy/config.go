package policy

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default policy values. The 24h session window and 72h free entry point
// are WhatsApp platform rules; the rest is the product's anti-spam ceiling.
const (
	DefaultTimezone        = "America/Bogota"
	DefaultBusinessStart   = "07:00"
	DefaultBusinessEnd     = "20:00"
	DefaultSessionWindow   = 24 * time.Hour
	DefaultFreeEntryWindow = 72 * time.Hour
	DefaultDailyLimit      = 4
	DefaultMinInterval     = 4 * time.Hour
	DefaultInboundGuard    = 5 * time.Minute
)

// bogotaOffset is used when the tz database is unavailable. Colombia has
// no daylight saving time.
const bogotaOffset = -5 * 60 * 60

// Config holds the messaging window policy. It can be loaded from YAML;
// omitted keys keep their defaults.
type Config struct {
	Timezone         string        `yaml:"timezone"`
	BusinessStart    string        `yaml:"business_hours_start"`
	BusinessEnd      string        `yaml:"business_hours_end"`
	SessionWindow    time.Duration `yaml:"session_window"`
	FreeEntryWindow  time.Duration `yaml:"free_entry_window"`
	DisableFreeEntry bool          `yaml:"disable_free_entry"`
	DailyLimit       int           `yaml:"daily_limit"`
	MinInterval      time.Duration `yaml:"min_interval"`
	InboundGuard     time.Duration `yaml:"inbound_guard"`
}

// DefaultConfig returns the production policy.
func DefaultConfig() Config {
	return Config{
		Timezone:        DefaultTimezone,
		BusinessStart:   DefaultBusinessStart,
		BusinessEnd:     DefaultBusinessEnd,
		SessionWindow:   DefaultSessionWindow,
		FreeEntryWindow: DefaultFreeEntryWindow,
		DailyLimit:      DefaultDailyLimit,
		MinInterval:     DefaultMinInterval,
		InboundGuard:    DefaultInboundGuard,
	}
}

// LoadConfig reads a YAML policy file layered over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read policy file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	slog.Debug("policy.LoadConfig: loaded policy file", "path", path, "timezone", cfg.Timezone,
		"daily_limit", cfg.DailyLimit, "min_interval", cfg.MinInterval, "inbound_guard", cfg.InboundGuard)
	return cfg, nil
}

// Validate checks that the policy is internally consistent.
func (c Config) Validate() error {
	start, err := parseClock(c.BusinessStart)
	if err != nil {
		return fmt.Errorf("business_hours_start: %w", err)
	}
	end, err := parseClock(c.BusinessEnd)
	if err != nil {
		return fmt.Errorf("business_hours_end: %w", err)
	}
	switch {
	case start >= end:
		return errors.New("business_hours_start must be before business_hours_end")
	case c.SessionWindow <= 0:
		return errors.New("session_window must be positive")
	case !c.DisableFreeEntry && c.FreeEntryWindow <= 0:
		return errors.New("free_entry_window must be positive")
	case c.DailyLimit <= 0:
		return errors.New("daily_limit must be positive")
	case c.MinInterval < 0 || c.InboundGuard < 0:
		return errors.New("min_interval and inbound_guard must not be negative")
	}
	if _, err := loadLocation(c.Timezone); err != nil {
		return err
	}
	return nil
}

// parseClock parses "HH:MM" into an offset from midnight.
func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("want HH:MM, got %q", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func loadLocation(name string) (*time.Location, error) {
	loc, err := time.LoadLocation(name)
	if err == nil {
		return loc, nil
	}
	if name == DefaultTimezone {
		slog.Warn("policy: tz database unavailable, using fixed UTC-5 offset", "timezone", name, "error", err)
		return time.FixedZone(DefaultTimezone, bogotaOffset), nil
	}
	return nil, fmt.Errorf("unknown timezone %q: %w", name, err)
}
