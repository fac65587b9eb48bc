package config

import (
	"fmt"
	"strings"
	"time"

	"tickerwire/pkg/logx"
)

// Config is the full on-disk configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
// Everything except logging is read once at startup; editing the file at
// runtime only re-applies the logging block.
type Config struct {
	// Timezone is the IANA zone used for daily triggers and source-local
	// date filtering. Defaults to Asia/Kolkata.
	Timezone string `json:"timezone,omitempty"`

	Logging  logx.Config    `json:"logging"`
	Telegram TelegramConfig `json:"telegram"`
	Storage  StorageConfig  `json:"storage"`
	Pipeline PipelineConfig `json:"pipeline"`
	Sources  SourcesConfig  `json:"sources"`
}

type TelegramConfig struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`

	// SendTimeout bounds a single outbound send. Default "10s".
	SendTimeout string `json:"send_timeout,omitempty"`
}

type StorageConfig struct {
	Path string `json:"path"`

	// BusyTimeout is the sqlite busy_timeout. Default "5s".
	BusyTimeout string `json:"busy_timeout,omitempty"`

	// Retention is how long delivery records are kept. Dedup only needs to
	// cover the realistic re-delivery window, so pruning older rows is
	// correctness-neutral. Default "720h" (30 days).
	Retention string `json:"retention,omitempty"`
}

type PipelineConfig struct {
	// Pace is the minimum delay between consecutive item dispatches.
	// Default "2s".
	Pace string `json:"pace,omitempty"`

	// ShutdownGrace is how long in-flight runs get to finish their current
	// item on shutdown. Default "15s".
	ShutdownGrace string `json:"shutdown_grace,omitempty"`

	Retry RetryConfig `json:"retry"`
}

type RetryConfig struct {
	MaxAttempts int     `json:"max_attempts,omitempty"` // default 3
	BaseDelay   string  `json:"base_delay,omitempty"`   // default "2s"
	MaxDelay    string  `json:"max_delay,omitempty"`    // default "30s"
	Jitter      float64 `json:"jitter,omitempty"`       // default 0.2
}

type SourcesConfig struct {
	Insights      InsightsConfig      `json:"insights"`
	LiveNews      LiveNewsConfig      `json:"live_news"`
	GlobalMarkets GlobalMarketsConfig `json:"global_markets"`
}

type InsightsConfig struct {
	Enabled    bool   `json:"enabled"`
	URL        string `json:"url,omitempty"`
	RangeType  string `json:"range_type,omitempty"`  // default "today"
	StockGroup string `json:"stock_group,omitempty"` // default "All"
	Interval   string `json:"interval,omitempty"`    // default "5m"
	MaxPerRun  int    `json:"max_per_run,omitempty"`
}

type LiveNewsConfig struct {
	Enabled   bool   `json:"enabled"`
	URL       string `json:"url,omitempty"`
	Interval  string `json:"interval,omitempty"`    // default "5m"
	MaxPerRun int    `json:"max_per_run,omitempty"` // default 10
}

type GlobalMarketsConfig struct {
	Enabled bool `json:"enabled"`

	// DailyAt is the wall-clock trigger time (HH:MM) in Timezone.
	// Default "08:30". If the process is down at that moment, the day's
	// run is skipped; there is no catch-up.
	DailyAt string `json:"daily_at,omitempty"`

	MajorIndicesURL  string `json:"major_indices_url,omitempty"`
	IndianIndicesURL string `json:"indian_indices_url,omitempty"`
	CommoditiesURL   string `json:"commodities_url,omitempty"`
	CurrenciesURL    string `json:"currencies_url,omitempty"`
}

// Validate checks the parts that would otherwise fail at an awkward time.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if c.Telegram.ChatID == 0 {
		return fmt.Errorf("telegram.chat_id is required")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("timezone: %w", err)
		}
	}
	if !c.Sources.Insights.Enabled && !c.Sources.LiveNews.Enabled && !c.Sources.GlobalMarkets.Enabled {
		return fmt.Errorf("sources: at least one source must be enabled")
	}
	if c.Sources.GlobalMarkets.Enabled {
		if _, _, err := ParseHHMM(c.Sources.GlobalMarkets.DailyAtOrDefault()); err != nil {
			return fmt.Errorf("sources.global_markets.daily_at: %w", err)
		}
	}
	for path, raw := range map[string]string{
		"telegram.send_timeout":      c.Telegram.SendTimeout,
		"storage.busy_timeout":       c.Storage.BusyTimeout,
		"storage.retention":          c.Storage.Retention,
		"pipeline.pace":              c.Pipeline.Pace,
		"pipeline.shutdown_grace":    c.Pipeline.ShutdownGrace,
		"pipeline.retry.base_delay":  c.Pipeline.Retry.BaseDelay,
		"pipeline.retry.max_delay":   c.Pipeline.Retry.MaxDelay,
		"sources.insights.interval":  c.Sources.Insights.Interval,
		"sources.live_news.interval": c.Sources.LiveNews.Interval,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	return nil
}

// Location resolves the configured timezone, defaulting to Asia/Kolkata.
// Validate() has already rejected unknown zones.
func (c *Config) Location() *time.Location {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		tz = "Asia/Kolkata"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}

func (g GlobalMarketsConfig) DailyAtOrDefault() string {
	if strings.TrimSpace(g.DailyAt) == "" {
		return "08:30"
	}
	return strings.TrimSpace(g.DailyAt)
}
