// Package config loads and validates listing monitor configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	// Fire times are resolved in named zones even on hosts without tzdata.
	_ "time/tzdata"

	"github.com/spf13/viper"

	"github.com/JakeFAU/listing-monitor/internal/monitor"
	"github.com/JakeFAU/listing-monitor/internal/proxypool"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Proxy       ProxyConfig       `mapstructure:"proxy"`
	Fetch       FetchConfig       `mapstructure:"fetch"`
	Render      RenderConfig      `mapstructure:"render"`
	Detector    DetectorConfig    `mapstructure:"detector"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics"`
	Task        TaskConfig        `mapstructure:"task"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	Registry    RegistryConfig    `mapstructure:"registry"`
	Items       []ItemConfig      `mapstructure:"items"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port    int  `mapstructure:"port"`
	Enabled bool `mapstructure:"enabled"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ProxyConfig lists egress endpoints and the circuit breaker policy.
type ProxyConfig struct {
	Endpoints        []proxypool.EndpointConfig `mapstructure:"endpoints"`
	FailureThreshold int                        `mapstructure:"failure_threshold"`
	Cooldown         time.Duration              `mapstructure:"cooldown"`
}

// PoolConfig converts the section into proxypool.Config.
func (p ProxyConfig) PoolConfig() proxypool.Config {
	return proxypool.Config{
		Endpoints:        p.Endpoints,
		FailureThreshold: p.FailureThreshold,
		Cooldown:         p.Cooldown,
	}
}

// FetchConfig governs the static fetch tiers and the orchestrator retry loop.
type FetchConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	UserAgent   string        `mapstructure:"user_agent"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
	SiteRPS     float64       `mapstructure:"site_rps"`
	SiteBurst   int           `mapstructure:"site_burst"`
}

// RenderConfig configures the rendering tier.
type RenderConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Driver      string        `mapstructure:"driver"`
	MaxParallel int           `mapstructure:"max_parallel"`
	NavTimeout  time.Duration `mapstructure:"nav_timeout"`
	// StockProbe forces a render pass whenever the static tiers left the
	// inventory signal unknown.
	StockProbe bool `mapstructure:"stock_probe"`
}

// DetectorConfig tunes anti-automation detection.
type DetectorConfig struct {
	ChallengeMarkers []string `mapstructure:"challenge_markers"`
	MinBodyBytes     int      `mapstructure:"min_body_bytes"`
}

// DiagnosticsConfig controls dumps of suspicious documents.
type DiagnosticsConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Backend   string        `mapstructure:"backend"`
	BaseDir   string        `mapstructure:"base_dir"`
	Bucket    string        `mapstructure:"bucket"`
	Prefix    string        `mapstructure:"prefix"`
	Retention time.Duration `mapstructure:"retention"`
}

// TaskConfig controls the task executor and worker pool.
type TaskConfig struct {
	RetryCeiling   int           `mapstructure:"retry_ceiling"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	Concurrency    int           `mapstructure:"concurrency"`
	QueueDepth     int           `mapstructure:"queue_depth"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
}

// SchedulerConfig lists wall-clock fire times ("HH:MM").
type SchedulerConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Times    []string `mapstructure:"times"`
	Location string   `mapstructure:"location"`
}

// LoadLocation resolves Location; empty means UTC.
func (s SchedulerConfig) LoadLocation() (*time.Location, error) {
	if s.Location == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(s.Location)
	if err != nil {
		return nil, fmt.Errorf("scheduler.location: %w", err)
	}
	return loc, nil
}

// StorageConfig selects the repository backend.
type StorageConfig struct {
	Backend    string `mapstructure:"backend"`
	DSN        string `mapstructure:"dsn"`
	MaxConns   int32  `mapstructure:"max_conns"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// NotifyConfig selects the alert delivery backend.
type NotifyConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// RegistryConfig points at an optional YAML file of tracked items.
type RegistryConfig struct {
	File string `mapstructure:"file"`
}

// ItemConfig is an inline tracked item.
type ItemConfig struct {
	ID                 string `mapstructure:"id"`
	ExternalID         string `mapstructure:"external_id"`
	Site               string `mapstructure:"site"`
	InventoryThreshold *int   `mapstructure:"inventory_threshold"`
}

// TrackedItems converts the inline items.
func (c Config) TrackedItems() []monitor.TrackedItem {
	out := make([]monitor.TrackedItem, 0, len(c.Items))
	for _, item := range c.Items {
		out = append(out, monitor.TrackedItem{
			ID:                 item.ID,
			ExternalID:         item.ExternalID,
			Site:               item.Site,
			InventoryThreshold: item.InventoryThreshold,
		})
	}
	return out
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LISTINGWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// DefaultChallengeMarkers are lowercase substrings of known interstitial pages.
var DefaultChallengeMarkers = []string{
	"enter the characters you see below",
	"type the characters you see in this image",
	"/errors/validatecaptcha",
	"sorry, we just need to make sure you're not a robot",
	"api-services-support@amazon.com",
	"request was throttled",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.enabled", true)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("proxy.failure_threshold", 3)
	v.SetDefault("proxy.cooldown", 5*time.Minute)
	v.SetDefault("fetch.timeout", 20*time.Second)
	v.SetDefault("fetch.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")
	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("fetch.backoff_base", 2*time.Second)
	v.SetDefault("fetch.backoff_max", 30*time.Second)
	v.SetDefault("fetch.site_rps", 0.5)
	v.SetDefault("fetch.site_burst", 1)
	v.SetDefault("render.enabled", false)
	v.SetDefault("render.driver", "chromedp")
	v.SetDefault("render.max_parallel", 1)
	v.SetDefault("render.nav_timeout", 45*time.Second)
	v.SetDefault("render.stock_probe", false)
	v.SetDefault("detector.challenge_markers", DefaultChallengeMarkers)
	v.SetDefault("detector.min_body_bytes", 2048)
	v.SetDefault("diagnostics.enabled", false)
	v.SetDefault("diagnostics.backend", "local")
	v.SetDefault("diagnostics.base_dir", "diagnostics")
	v.SetDefault("diagnostics.prefix", "dumps")
	v.SetDefault("diagnostics.retention", 72*time.Hour)
	v.SetDefault("task.retry_ceiling", 3)
	v.SetDefault("task.retry_delay", 6*time.Hour)
	v.SetDefault("task.concurrency", 4)
	v.SetDefault("task.queue_depth", 256)
	v.SetDefault("task.sweep_interval", time.Minute)
	v.SetDefault("task.attempt_timeout", 5*time.Minute)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.times", []string{"08:00", "20:00"})
	v.SetDefault("scheduler.location", "UTC")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.max_conns", 8)
	v.SetDefault("storage.sqlite_path", "listingwatch.db")
	v.SetDefault("notify.backend", "log")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Enabled && c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Proxy.FailureThreshold <= 0 {
		return errors.New("proxy.failure_threshold must be > 0")
	}
	if c.Proxy.Cooldown <= 0 {
		return errors.New("proxy.cooldown must be > 0")
	}
	if c.Fetch.Timeout <= 0 {
		return errors.New("fetch.timeout must be > 0")
	}
	if c.Fetch.MaxAttempts <= 0 {
		return errors.New("fetch.max_attempts must be > 0")
	}
	if c.Fetch.BackoffBase < 0 || c.Fetch.BackoffMax < c.Fetch.BackoffBase {
		return errors.New("fetch.backoff_max must be >= fetch.backoff_base >= 0")
	}
	if c.Render.Enabled {
		switch c.Render.Driver {
		case "chromedp", "rod":
		default:
			return fmt.Errorf("render.driver %q must be chromedp or rod", c.Render.Driver)
		}
		if c.Render.MaxParallel <= 0 {
			return errors.New("render.max_parallel must be > 0 when rendering is enabled")
		}
	}
	if c.Diagnostics.Enabled {
		switch c.Diagnostics.Backend {
		case "local", "memory":
		case "gcs":
			if c.Diagnostics.Bucket == "" {
				return errors.New("diagnostics.bucket is required for the gcs backend")
			}
		default:
			return fmt.Errorf("diagnostics.backend %q is not supported", c.Diagnostics.Backend)
		}
	}
	if c.Task.RetryCeiling <= 0 {
		return errors.New("task.retry_ceiling must be > 0")
	}
	if c.Task.RetryDelay <= 0 {
		return errors.New("task.retry_delay must be > 0")
	}
	if c.Task.Concurrency <= 0 {
		return errors.New("task.concurrency must be > 0")
	}
	if c.Task.QueueDepth <= 0 {
		return errors.New("task.queue_depth must be > 0")
	}
	if c.Scheduler.Enabled && len(c.Scheduler.Times) == 0 {
		return errors.New("scheduler.times must not be empty when the scheduler is enabled")
	}
	if _, err := c.Scheduler.LoadLocation(); err != nil {
		return err
	}
	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return errors.New("storage.dsn is required for the postgres backend")
		}
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return errors.New("storage.sqlite_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	switch c.Notify.Backend {
	case "log", "memory":
	case "pubsub":
		if c.Notify.ProjectID == "" || c.Notify.Topic == "" {
			return errors.New("notify.project_id and notify.topic are required for the pubsub backend")
		}
	default:
		return fmt.Errorf("notify.backend %q is not supported", c.Notify.Backend)
	}
	for i, item := range c.Items {
		if item.ExternalID == "" {
			return fmt.Errorf("items[%d].external_id is required", i)
		}
		if item.InventoryThreshold != nil && *item.InventoryThreshold < 0 {
			return fmt.Errorf("items[%d].inventory_threshold must be >= 0", i)
		}
	}
	return nil
}
