// Package moonconfig loads MOON's TOML configuration and overlays it with
// environment variables, env always winning, validated once after the
// overlay — per spec.md §6 and §9 ("Env overlay precedence").
package moonconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/coinbuidl/moon/internal/moonerr"
)

// Thresholds controls trigger evaluation (spec.md §4.6).
type Thresholds struct {
	TriggerRatio float64 `toml:"trigger_ratio"`
}

// Watcher controls cycle timing.
type Watcher struct {
	PollIntervalSecs int64 `toml:"poll_interval_secs"`
	CooldownSecs     int64 `toml:"cooldown_secs"`
}

// InboundWatch controls the inbound-file watcher (spec.md §4.1 step 3).
type InboundWatch struct {
	Enabled     bool     `toml:"enabled"`
	Recursive   bool     `toml:"recursive"`
	WatchPaths  []string `toml:"watch_paths"`
	EventMode   string   `toml:"event_mode"`
}

// Distill controls the Distillation Engine and Retention GC grace period.
type Distill struct {
	Mode                string `toml:"mode"` // manual | idle | daily
	IdleSecs            int64  `toml:"idle_secs"`
	MaxPerCycle         int    `toml:"max_per_cycle"`
	ResidentialTimezone string `toml:"residential_timezone"`
	TopicDiscovery      bool   `toml:"topic_discovery"`
	ArchiveGraceHours   int64  `toml:"archive_grace_hours"`
}

// Retention is accepted and validated per spec.md §6's configuration
// grammar, but (per SPEC_FULL.md's Open Question resolution) no core
// operation branches on active/warm/cold tiers — spec.md's Retention GC
// (§4.8) is purely archive_grace_hours-driven.
type Retention struct {
	ActiveDays int64 `toml:"active_days"`
	WarmDays   int64 `toml:"warm_days"`
	ColdDays   int64 `toml:"cold_days"`
}

// Config is the root configuration document.
type Config struct {
	Thresholds   Thresholds   `toml:"thresholds"`
	Watcher      Watcher      `toml:"watcher"`
	InboundWatch InboundWatch `toml:"inbound_watch"`
	Distill      Distill      `toml:"distill"`
	Retention    Retention    `toml:"retention"`
}

// Default returns MOON's built-in defaults, mirroring
// original_source/src/moon/config.rs's Default impls.
func Default() *Config {
	return &Config{
		Thresholds: Thresholds{TriggerRatio: 0.85},
		Watcher: Watcher{
			PollIntervalSecs: 30,
			CooldownSecs:     300,
		},
		InboundWatch: InboundWatch{
			Enabled:    true,
			Recursive:  true,
			WatchPaths: nil,
			EventMode:  "now",
		},
		Distill: Distill{
			Mode:                "manual",
			IdleSecs:            360,
			MaxPerCycle:         1,
			ResidentialTimezone: "UTC",
			TopicDiscovery:      false,
			ArchiveGraceHours:   60,
		},
		Retention: Retention{
			ActiveDays: 7,
			WarmDays:   30,
			ColdDays:   31,
		},
	}
}

// ResolveConfigPath follows spec.md §6: $MOON_CONFIG_PATH, else
// $MOON_HOME/moon.toml, else $HOME/MOON/moon.toml.
func ResolveConfigPath(moonHome string) string {
	if v := os.Getenv("MOON_CONFIG_PATH"); v != "" {
		return v
	}
	if moonHome != "" {
		return filepath.Join(moonHome, "moon.toml")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "moon.toml"
	}
	return filepath.Join(home, "MOON", "moon.toml")
}

// Load reads the TOML file at path (if present), overlays configured
// environment variables, and validates the result. A missing file is not
// an error: Default() plus env overrides is a valid configuration.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("%w: parsing %s: %v", moonerr.ConfigInvalid, path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: stat %s: %v", moonerr.ConfigInvalid, path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envStr(dst *string, keys ...string) {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			*dst = v
			return
		}
	}
}

func envBool(dst *bool, keys ...string) error {
	for _, k := range keys {
		v := os.Getenv(k)
		if v == "" {
			continue
		}
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			*dst = true
			return nil
		case "0", "false", "no", "off":
			*dst = false
			return nil
		default:
			return fmt.Errorf("%w: %s=%q is not a recognised boolean", moonerr.ConfigInvalid, k, v)
		}
	}
	return nil
}

func envFloat(dst *float64, keys ...string) error {
	for _, k := range keys {
		v := os.Getenv(k)
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a number", moonerr.ConfigInvalid, k, v)
		}
		*dst = f
		return nil
	}
	return nil
}

func envInt64(dst *int64, keys ...string) error {
	for _, k := range keys {
		v := os.Getenv(k)
		if v == "" {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not an integer", moonerr.ConfigInvalid, k, v)
		}
		*dst = n
		return nil
	}
	return nil
}

func envInt(dst *int, keys ...string) error {
	var tmp int64
	if *dst != 0 {
		tmp = int64(*dst)
	}
	if err := envInt64(&tmp, keys...); err != nil {
		return err
	}
	*dst = int(tmp)
	return nil
}

func envCSVPaths(dst *[]string, keys ...string) {
	for _, k := range keys {
		v := os.Getenv(k)
		if v == "" {
			continue
		}
		var out []string
		for _, part := range strings.Split(v, ",") {
			p := strings.TrimSpace(part)
			if p != "" {
				out = append(out, p)
			}
		}
		*dst = out
		return
	}
}

// applyEnvOverrides mirrors original_source/src/moon/config.rs's
// load_config: every field is overridable, with legacy alias chains kept
// for trigger_ratio (several historical env var names referred to the
// same threshold under different compaction/prune/archive-ratio names).
func applyEnvOverrides(cfg *Config) error {
	if err := envFloat(&cfg.Thresholds.TriggerRatio,
		"MOON_TRIGGER_RATIO",
		"MOON_THRESHOLD_COMPACTION_RATIO",
		"MOON_THRESHOLD_PRUNE_RATIO",
		"MOON_THRESHOLD_ARCHIVE_RATIO",
	); err != nil {
		return err
	}

	if err := envInt64(&cfg.Watcher.PollIntervalSecs, "MOON_POLL_INTERVAL_SECS"); err != nil {
		return err
	}
	if err := envInt64(&cfg.Watcher.CooldownSecs, "MOON_COOLDOWN_SECS"); err != nil {
		return err
	}

	if err := envBool(&cfg.InboundWatch.Enabled, "MOON_INBOUND_WATCH_ENABLED"); err != nil {
		return err
	}
	if err := envBool(&cfg.InboundWatch.Recursive, "MOON_INBOUND_WATCH_RECURSIVE"); err != nil {
		return err
	}
	envCSVPaths(&cfg.InboundWatch.WatchPaths, "MOON_INBOUND_WATCH_PATHS")
	envStr(&cfg.InboundWatch.EventMode, "MOON_INBOUND_EVENT_MODE")

	envStr(&cfg.Distill.Mode, "MOON_DISTILL_MODE")
	if err := envInt64(&cfg.Distill.IdleSecs, "MOON_DISTILL_IDLE_SECS"); err != nil {
		return err
	}
	if err := envInt(&cfg.Distill.MaxPerCycle, "MOON_DISTILL_MAX_PER_CYCLE"); err != nil {
		return err
	}
	envStr(&cfg.Distill.ResidentialTimezone, "MOON_DISTILL_RESIDENTIAL_TIMEZONE")
	if err := envBool(&cfg.Distill.TopicDiscovery, "MOON_DISTILL_TOPIC_DISCOVERY"); err != nil {
		return err
	}
	if err := envInt64(&cfg.Distill.ArchiveGraceHours, "MOON_DISTILL_ARCHIVE_GRACE_HOURS"); err != nil {
		return err
	}

	if err := envInt64(&cfg.Retention.ActiveDays, "MOON_RETENTION_ACTIVE_DAYS"); err != nil {
		return err
	}
	if err := envInt64(&cfg.Retention.WarmDays, "MOON_RETENTION_WARM_DAYS"); err != nil {
		return err
	}
	if err := envInt64(&cfg.Retention.ColdDays, "MOON_RETENTION_COLD_DAYS"); err != nil {
		return err
	}

	return nil
}

// Validate enforces the constraints spec.md §6 lists. Invalid values in
// either the file or the environment are rejected here, after the overlay,
// per §9 ("validation runs once after the overlay").
func Validate(cfg *Config) error {
	if cfg.Thresholds.TriggerRatio <= 0 || cfg.Thresholds.TriggerRatio > 1 {
		return fmt.Errorf("%w: thresholds.trigger_ratio must be in (0,1], got %v", moonerr.ConfigInvalid, cfg.Thresholds.TriggerRatio)
	}
	if cfg.Watcher.PollIntervalSecs < 1 {
		return fmt.Errorf("%w: watcher.poll_interval_secs must be >= 1", moonerr.ConfigInvalid)
	}
	if cfg.InboundWatch.EventMode == "" {
		return fmt.Errorf("%w: inbound_watch.event_mode must be non-empty", moonerr.ConfigInvalid)
	}
	switch cfg.Distill.Mode {
	case "manual", "idle", "daily":
	default:
		return fmt.Errorf("%w: distill.mode must be one of manual|idle|daily, got %q", moonerr.ConfigInvalid, cfg.Distill.Mode)
	}
	if cfg.Distill.MaxPerCycle < 1 {
		return fmt.Errorf("%w: distill.max_per_cycle must be >= 1", moonerr.ConfigInvalid)
	}
	if cfg.Distill.IdleSecs < 1 {
		return fmt.Errorf("%w: distill.idle_secs must be >= 1", moonerr.ConfigInvalid)
	}
	if cfg.Distill.ArchiveGraceHours < 1 {
		return fmt.Errorf("%w: distill.archive_grace_hours must be > 0", moonerr.ConfigInvalid)
	}
	if cfg.Retention.ActiveDays < 1 {
		return fmt.Errorf("%w: retention.active_days must be >= 1", moonerr.ConfigInvalid)
	}
	if cfg.Retention.WarmDays < cfg.Retention.ActiveDays {
		return fmt.Errorf("%w: retention.warm_days must be >= active_days", moonerr.ConfigInvalid)
	}
	if cfg.Retention.ColdDays <= cfg.Retention.WarmDays {
		return fmt.Errorf("%w: retention.cold_days must be > warm_days", moonerr.ConfigInvalid)
	}
	return nil
}
