// Package config exposes strongly typed service configuration loaded from
// YAML. Configuration is read once at startup and pushed into components as
// explicit values; nothing reads a shared mutable store at runtime.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// App captures process-wide runtime settings.
type App struct {
	ListenAddr  string `yaml:"listen_addr" validate:"required"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

// Aggregation configures bucket folding and chunk storage.
type Aggregation struct {
	BucketWidthMs    int64 `yaml:"bucket_width_ms" validate:"required,gt=0"`
	DrainIntervalMs  int64 `yaml:"drain_interval_ms" validate:"gte=0"`
	ChunkMaxBars     int   `yaml:"chunk_max_bars" validate:"gte=0"`
	RedrawSuppressMs int64 `yaml:"redraw_suppress_ms" validate:"gte=0"`
}

// Counter configures the sliding-window flow counters.
type Counter struct {
	WindowMs      int64 `yaml:"window_ms" validate:"required,gt=0"`
	GranularityMs int64 `yaml:"granularity_ms" validate:"required,gt=0,ltefield=WindowMs"`
}

// Source declares one exchange/instrument feed contribution and whether it
// starts out counted in combined bars.
type Source struct {
	ID     string `yaml:"id" validate:"required"`
	Active bool   `yaml:"active"`
}

// Feed configures the inbound trade transport.
type Feed struct {
	Endpoint   string `yaml:"endpoint" validate:"required"`
	MaxSources int    `yaml:"max_sources"`
}

// Serie declares one derived output series.
type Serie struct {
	ID      string             `yaml:"id" validate:"required"`
	Visual  string             `yaml:"visual" validate:"required"`
	Formula string             `yaml:"formula" validate:"required"`
	Options map[string]float64 `yaml:"options"`
}

// Config is the root configuration document.
type Config struct {
	App         App         `yaml:"app"`
	Aggregation Aggregation `yaml:"aggregation"`
	Counter     Counter     `yaml:"counter"`
	Feed        Feed        `yaml:"feed"`
	Sources     []Source    `yaml:"sources" validate:"min=1,dive"`
	Series      []Serie     `yaml:"series" validate:"dive"`
}

// Load reads and validates a YAML configuration file, applying defaults for
// optional settings.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyDefaults fills optional settings with sensible values.
func (c *Config) applyDefaults() {
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.Aggregation.DrainIntervalMs == 0 {
		c.Aggregation.DrainIntervalMs = 100
	}
	if c.Aggregation.RedrawSuppressMs == 0 {
		c.Aggregation.RedrawSuppressMs = 500
	}
	if c.Counter.WindowMs == 0 {
		c.Counter.WindowMs = 60_000
	}
	if c.Counter.GranularityMs == 0 {
		c.Counter.GranularityMs = 10_000
	}
}

// BucketWidth returns the bucket width as a duration.
func (a Aggregation) BucketWidth() time.Duration {
	return time.Duration(a.BucketWidthMs) * time.Millisecond
}

// DrainInterval returns the drain period as a duration.
func (a Aggregation) DrainInterval() time.Duration {
	return time.Duration(a.DrainIntervalMs) * time.Millisecond
}

// RedrawSuppress returns the redraw suppression span as a duration.
func (a Aggregation) RedrawSuppress() time.Duration {
	return time.Duration(a.RedrawSuppressMs) * time.Millisecond
}

// Window returns the counter window as a duration.
func (c Counter) Window() time.Duration {
	return time.Duration(c.WindowMs) * time.Millisecond
}

// Granularity returns the counter slot span as a duration.
func (c Counter) Granularity() time.Duration {
	return time.Duration(c.GranularityMs) * time.Millisecond
}
