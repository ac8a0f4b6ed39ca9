package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 3, cfg.Proxy.FailureThreshold)
	require.Equal(t, 3, cfg.Task.RetryCeiling)
	require.Equal(t, 6*time.Hour, cfg.Task.RetryDelay)
	require.Equal(t, []string{"08:00", "20:00"}, cfg.Scheduler.Times)
	require.Equal(t, "memory", cfg.Storage.Backend)
	require.Equal(t, "log", cfg.Notify.Backend)
	require.NotEmpty(t, cfg.Detector.ChallengeMarkers)
}

func TestLoadWithFileOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
logging:
  development: true
  level: debug
proxy:
  failure_threshold: 5
  cooldown: 2m
  endpoints:
    - id: p1
      host: proxy.local
      port: 3128
      username: user
      password: pass
    - host: socks.local
      port: 1080
      scheme: socks5
fetch:
  max_attempts: 4
  backoff_base: 1s
  backoff_max: 8s
render:
  enabled: true
  driver: rod
  max_parallel: 2
  stock_probe: true
task:
  retry_ceiling: 5
  retry_delay: 2h
scheduler:
  times: ["06:30"]
  location: Europe/Berlin
storage:
  backend: sqlite
  sqlite_path: /tmp/watch.db
items:
  - id: item-1
    external_id: B000TEST01
    site: www.amazon.de
    inventory_threshold: 10
  - external_id: B000TEST02
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.True(t, cfg.Logging.Development)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, 5, cfg.Proxy.FailureThreshold)
	require.Equal(t, 2*time.Minute, cfg.Proxy.Cooldown)
	require.Len(t, cfg.Proxy.Endpoints, 2)
	require.Equal(t, "user", cfg.Proxy.Endpoints[0].Username)
	require.Equal(t, "socks5", cfg.Proxy.Endpoints[1].Scheme)
	require.Equal(t, 4, cfg.Fetch.MaxAttempts)
	require.Equal(t, 8*time.Second, cfg.Fetch.BackoffMax)
	require.Equal(t, "rod", cfg.Render.Driver)
	require.True(t, cfg.Render.StockProbe)
	require.Equal(t, 5, cfg.Task.RetryCeiling)
	require.Equal(t, 2*time.Hour, cfg.Task.RetryDelay)
	require.Equal(t, []string{"06:30"}, cfg.Scheduler.Times)
	require.Equal(t, "sqlite", cfg.Storage.Backend)

	require.Len(t, cfg.Items, 2)
	require.NotNil(t, cfg.Items[0].InventoryThreshold)
	require.Equal(t, 10, *cfg.Items[0].InventoryThreshold)
	require.Nil(t, cfg.Items[1].InventoryThreshold)

	items := cfg.TrackedItems()
	require.Equal(t, "item-1", items[0].ID)
	require.Equal(t, "www.amazon.de", items[0].Site)
	require.Equal(t, "B000TEST02", items[1].ExternalID)

	loc, err := cfg.Scheduler.LoadLocation()
	require.NoError(t, err)
	require.Equal(t, "Europe/Berlin", loc.String())

	pool := cfg.Proxy.PoolConfig()
	require.Equal(t, 5, pool.FailureThreshold)
	require.Len(t, pool.Endpoints, 2)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("LISTINGWATCH_TASK_CONCURRENCY", "11")
	t.Setenv("LISTINGWATCH_NOTIFY_BACKEND", "memory")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 11, cfg.Task.Concurrency)
	require.Equal(t, "memory", cfg.Notify.Backend)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	base, err := Load("")
	require.NoError(t, err)

	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero threshold", func(c *Config) { c.Proxy.FailureThreshold = 0 }},
		{"zero cooldown", func(c *Config) { c.Proxy.Cooldown = 0 }},
		{"zero attempts", func(c *Config) { c.Fetch.MaxAttempts = 0 }},
		{"backoff max below base", func(c *Config) { c.Fetch.BackoffMax = c.Fetch.BackoffBase - time.Millisecond }},
		{"unknown render driver", func(c *Config) { c.Render.Enabled = true; c.Render.Driver = "selenium" }},
		{"gcs without bucket", func(c *Config) { c.Diagnostics.Enabled = true; c.Diagnostics.Backend = "gcs" }},
		{"zero retry ceiling", func(c *Config) { c.Task.RetryCeiling = 0 }},
		{"postgres without dsn", func(c *Config) { c.Storage.Backend = "postgres" }},
		{"unknown storage", func(c *Config) { c.Storage.Backend = "mongo" }},
		{"pubsub without topic", func(c *Config) { c.Notify.Backend = "pubsub" }},
		{"unknown location", func(c *Config) { c.Scheduler.Location = "Mars/Olympus" }},
		{"scheduler without times", func(c *Config) { c.Scheduler.Times = nil }},
		{"item without external id", func(c *Config) { c.Items = []ItemConfig{{ID: "x"}} }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			cfg.Items = nil
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}

	require.NoError(t, base.Validate())
}
