package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-monitor/internal/config"
	"github.com/JakeFAU/listing-monitor/internal/monitor"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Server.Enabled = false
	cfg.Scheduler.Enabled = false
	cfg.Notify.Backend = "memory"
	cfg.Fetch.MaxAttempts = 1
	cfg.Fetch.BackoffBase = 0
	cfg.Fetch.BackoffMax = 0
	cfg.Fetch.SiteRPS = 0
	cfg.Fetch.Timeout = 2 * time.Second
	// Nothing listens on port 1, so every fetch fails fast.
	cfg.Items = []config.ItemConfig{{ID: "grinder", ExternalID: "B000TEST01", Site: "127.0.0.1:1"}}
	return cfg
}

func TestBuildRequiresItems(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Items = nil
	_, err := Build(context.Background(), cfg, nil)
	require.ErrorContains(t, err, "registry init failed")
}

func TestBuildServesOpsRoutes(t *testing.T) {
	t.Parallel()

	app, err := Build(context.Background(), testConfig(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, app.Close()) })

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/items", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "B000TEST01")
}

func TestScrapeOnceFailureSchedulesRetry(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Storage.Backend = "sqlite"
	cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "watch.db")
	cfg.Diagnostics.Enabled = true
	cfg.Diagnostics.Backend = "local"
	cfg.Diagnostics.BaseDir = t.TempDir()

	app, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, app.Close()) })
	require.NotNil(t, app.pruner)

	result, err := app.ScrapeOnce(context.Background(), "grinder")
	require.ErrorIs(t, err, monitor.ErrExtractionIncomplete)
	require.Equal(t, monitor.TaskPending, result.Task.State)
	require.Equal(t, 1, result.Task.RetryCount)
	require.NotEmpty(t, result.Task.LastMessage)

	_, err = app.Retrigger(context.Background(), result.Task.ID)
	require.ErrorIs(t, err, monitor.ErrTaskNotClaimable)
	_, err = app.Retrigger(context.Background(), "missing")
	require.ErrorIs(t, err, monitor.ErrNotFound)
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Scheduler.Enabled = true
	cfg.Diagnostics.Enabled = true
	cfg.Diagnostics.Backend = "memory"

	app, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, app.Close()) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}
