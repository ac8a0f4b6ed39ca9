package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-monitor/internal/monitor"
)

var base = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func openMemory(t *testing.T) *Repository {
	t.Helper()
	repo, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func pending(id string, at time.Time) monitor.ScrapeTask {
	return monitor.ScrapeTask{ID: id, ItemID: "item-1", State: monitor.TaskPending, ScheduledAt: at, UpdatedAt: at}
}

func commit(t *testing.T, repo *Repository, taskID string, snap monitor.Snapshot, alerts ...monitor.Alert) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, repo.CreateTask(ctx, pending(taskID, snap.CapturedAt)))
	task, err := repo.ClaimTask(ctx, taskID, snap.CapturedAt)
	require.NoError(t, err)
	task.UpdatedAt = snap.CapturedAt
	require.NoError(t, repo.CommitSuccess(ctx, task, snap, alerts))
}

func TestTaskLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := openMemory(t)
	require.NoError(t, repo.CreateTask(ctx, pending("t1", base)))

	claimed, err := repo.ClaimTask(ctx, "t1", base.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, monitor.TaskRunning, claimed.State)
	require.Equal(t, base.Add(time.Second), claimed.UpdatedAt)
	require.Equal(t, base, claimed.ScheduledAt)

	_, err = repo.ClaimTask(ctx, "t1", base)
	require.ErrorIs(t, err, monitor.ErrTaskNotClaimable)
	_, err = repo.ClaimTask(ctx, "nope", base)
	require.ErrorIs(t, err, monitor.ErrNotFound)

	require.NoError(t, repo.CreateTask(ctx, pending("later", base.Add(time.Hour))))
	_, err = repo.ClaimTask(ctx, "later", base)
	require.ErrorIs(t, err, monitor.ErrTaskNotClaimable)
	require.ErrorContains(t, err, "due at")
	claimedLater, err := repo.ClaimTask(ctx, "later", base.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, monitor.TaskRunning, claimedLater.State)

	claimed.State = monitor.TaskPending
	claimed.RetryCount = 1
	claimed.LastMessage = "no proxy endpoint available"
	claimed.ScheduledAt = base.Add(6 * time.Hour)
	require.NoError(t, repo.UpdateTask(ctx, claimed))

	got, err := repo.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, 1, got.RetryCount)
	require.Equal(t, "no proxy endpoint available", got.LastMessage)

	due, err := repo.ListDueTasks(ctx, base.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, due)
	due, err = repo.ListDueTasks(ctx, base.Add(6*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	require.ErrorIs(t, repo.UpdateTask(ctx, pending("ghost", base)), monitor.ErrNotFound)
	tasks, err := repo.ListTasks(ctx, "item-1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
}

func TestCommitSuccessRoundTripsSnapshot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := openMemory(t)
	price := decimal.RequireFromString("24.99")
	rating := decimal.RequireFromString("4.6")
	pct := decimal.RequireFromString("-16.67")
	snap := monitor.Snapshot{
		ID:              "s1",
		ItemID:          "item-1",
		Title:           ptr("Grinder"),
		Price:           &price,
		Rank:            &monitor.Rank{Position: 1234, Category: "Home & Kitchen", SubPosition: ptr(7), SubCategory: "Burr Grinders"},
		Inventory:       monitor.QuantityInventory(8),
		TotalReviews:    ptr(1520),
		AvgRating:       &rating,
		IsLightningDeal: ptr(true),
		CapturedAt:      base,
	}
	alert := monitor.Alert{ID: "a1", ItemID: "item-1", Kind: monitor.AlertPriceChange, OldValue: "29.99", NewValue: "24.99", ChangePercent: &pct, OccurredAt: base}
	commit(t, repo, "t1", snap, alert)

	latest, err := repo.LatestSnapshot(ctx, "item-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	require.Equal(t, "t1", latest.TaskID)
	require.Equal(t, "Grinder", *latest.Title)
	require.True(t, latest.Price.Equal(price))
	require.Equal(t, snap.Rank, latest.Rank)
	require.Equal(t, monitor.QuantityInventory(8), latest.Inventory)
	require.Equal(t, 1520, *latest.TotalReviews)
	require.True(t, *latest.IsLightningDeal)
	require.Nil(t, latest.MainImageDigest)
	require.Equal(t, base, latest.CapturedAt)

	task, err := repo.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, monitor.TaskSuccess, task.State)

	alerts, err := repo.ListAlerts(ctx, "item-1", base, time.Time{})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.True(t, alerts[0].ChangePercent.Equal(pct))

	alerts, err = repo.ListAlerts(ctx, "item-1", base.Add(-time.Hour), base)
	require.NoError(t, err)
	require.Empty(t, alerts)
}

func TestCommitSuccessIsAllOrNothing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := openMemory(t)
	commit(t, repo, "t1", monitor.Snapshot{ID: "s1", ItemID: "item-1", CapturedAt: base})

	// Task is SUCCESS now; a replayed commit must not add a row.
	task, err := repo.GetTask(ctx, "t1")
	require.NoError(t, err)
	err = repo.CommitSuccess(ctx, task, monitor.Snapshot{ID: "s2", ItemID: "item-1", CapturedAt: base}, nil)
	require.ErrorIs(t, err, monitor.ErrTaskNotClaimable)

	// Duplicate alert id fails the insert and rolls back the task transition.
	require.NoError(t, repo.CreateTask(ctx, pending("t2", base)))
	claimed, err := repo.ClaimTask(ctx, "t2", base)
	require.NoError(t, err)
	dup := monitor.Alert{ID: "dup", ItemID: "item-1", Kind: monitor.AlertTitleChange, NewValue: "x", OccurredAt: base}
	err = repo.CommitSuccess(ctx, claimed, monitor.Snapshot{ID: "s3", ItemID: "item-1", CapturedAt: base.Add(time.Hour)}, []monitor.Alert{dup, dup})
	require.Error(t, err)

	got, err := repo.GetTask(ctx, "t2")
	require.NoError(t, err)
	require.Equal(t, monitor.TaskRunning, got.State)
	snaps, err := repo.RecentSnapshots(ctx, "item-1", 10)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
}

func TestSnapshotQueries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := openMemory(t)
	for i, id := range []string{"a", "b", "c"} {
		commit(t, repo, "t-"+id, monitor.Snapshot{ID: "s-" + id, ItemID: "item-1", CapturedAt: base.Add(time.Duration(i) * time.Hour)})
	}

	recent, err := repo.RecentSnapshots(ctx, "item-1", 2)
	require.NoError(t, err)
	require.Equal(t, "s-c", recent[0].ID)
	require.Equal(t, "s-b", recent[1].ID)

	since, err := repo.SnapshotsSince(ctx, "item-1", base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, since, 2)
	require.Equal(t, "s-b", since[0].ID)

	none, err := repo.LatestSnapshot(ctx, "other")
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestOpenFileDatabase(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "listing.db")
	repo, err := Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, repo.CreateTask(context.Background(), pending("t1", base)))
	require.NoError(t, repo.Close())

	reopened, err := Open(context.Background(), path)
	require.NoError(t, err)
	defer reopened.Close()
	_, err = reopened.GetTask(context.Background(), "t1")
	require.NoError(t, err)

	_, err = Open(context.Background(), "")
	require.Error(t, err)
}
