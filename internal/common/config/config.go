// Package config loads and validates the batch configuration file used
// by the scrape command.
package config

import (
	"fmt"
	"time"

	"github.com/pubplat/scraper/internal/common/configtypes"
	"github.com/pubplat/scraper/internal/common/yamlutil"
	"github.com/pubplat/scraper/pkg/types"
)

// DateLayout is the window date format accepted in config files and flags.
const DateLayout = "2006-01-02"

// Load reads a scrape configuration file with strict field checking.
func Load(path string) (*configtypes.ScrapeConfig, error) {
	var cfg configtypes.ScrapeConfig
	if err := yamlutil.UnmarshalStrictFile(path, &cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(&cfg)
	return &cfg, nil
}

// ApplyDefaults fills unset fields with working defaults.
func ApplyDefaults(cfg *configtypes.ScrapeConfig) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = configtypes.LogLevelInfo
	}
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
		cfg.Log.Console.Format = configtypes.LogFormatConsole
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "pubplat"
	}
}

// ToBatchConfig converts the file representation into the runtime batch
// configuration, parsing the date window and applying batch defaults.
func ToBatchConfig(cfg *configtypes.ScrapeConfig) (*types.BatchConfig, error) {
	start, err := ParseDate(cfg.Window.From)
	if err != nil {
		return nil, fmt.Errorf("invalid window.from: %w", err)
	}
	end, err := ParseDate(cfg.Window.To)
	if err != nil {
		return nil, fmt.Errorf("invalid window.to: %w", err)
	}

	batch := &types.BatchConfig{
		Publishers:              cfg.Publishers,
		WindowStart:             start,
		WindowEnd:               end,
		MaxPagesPerPublisher:    cfg.Pages,
		RequestIntervalSeconds:  cfg.Interval,
		FetchBodies:             cfg.FetchBodies,
		BodyKeyword:             cfg.BodyKeyword,
		MaxConcurrentPublishers: cfg.Concurrency.Publishers,
		MaxConcurrentRequests:   cfg.Concurrency.Requests,
		OutputPath:              cfg.Output,
	}
	batch.ApplyDefaults()
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	return batch, nil
}

// ParseDate parses a YYYY-MM-DD date in local time.
func ParseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("date is empty")
	}
	t, err := time.ParseInLocation(DateLayout, s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected %s: %w", DateLayout, err)
	}
	return t, nil
}
