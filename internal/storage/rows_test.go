package storage

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-monitor/internal/monitor"
)

func ptr[T any](v T) *T { return &v }

func TestSnapshotRowRoundTrip(t *testing.T) {
	t.Parallel()

	price := decimal.RequireFromString("24.99")
	rating := decimal.RequireFromString("4.5")
	snap := monitor.Snapshot{
		ID:              "snap-1",
		ItemID:          "item-1",
		TaskID:          "task-1",
		Title:           ptr("Grinder"),
		Price:           &price,
		Rank:            &monitor.Rank{Position: 1234, Category: "Home & Kitchen", SubPosition: ptr(5), SubCategory: "Burr Grinders"},
		Inventory:       monitor.QuantityInventory(8),
		AvgRating:       &rating,
		IsLightningDeal: ptr(false),
		CapturedAt:      time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC),
	}
	row := FlattenSnapshot(snap)
	require.Len(t, row.Args(), len(SnapshotColumns))
	require.Len(t, row.Dest(), len(SnapshotColumns))
	require.Equal(t, "quantity", row.InventoryKind)
	require.Equal(t, "24.99", *row.Price)

	got, err := row.Snapshot()
	require.NoError(t, err)
	require.Equal(t, snap.Rank, got.Rank)
	require.True(t, got.Price.Equal(price))
	require.Equal(t, snap.Inventory, got.Inventory)
	require.Equal(t, "task-1", got.TaskID)
	require.Nil(t, got.MainImageDigest)
}

func TestSnapshotRowWithoutRankOrInventory(t *testing.T) {
	t.Parallel()

	row := FlattenSnapshot(monitor.Snapshot{ID: "s", ItemID: "i"})
	require.Nil(t, row.RankPosition)
	require.Nil(t, row.TaskID)
	require.Equal(t, "unknown", row.InventoryKind)

	got, err := row.Snapshot()
	require.NoError(t, err)
	require.Nil(t, got.Rank)
	require.False(t, got.Inventory.Known())

	row.InventoryKind = "bogus"
	_, err = row.Snapshot()
	require.Error(t, err)

	row.InventoryKind = "unknown"
	row.Price = ptr("not-a-number")
	_, err = row.Snapshot()
	require.Error(t, err)
}

func TestAlertAndTaskRows(t *testing.T) {
	t.Parallel()

	pct := decimal.RequireFromString("-16.67")
	at := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	args := AlertArgs(monitor.Alert{ID: "a", ItemID: "i", Kind: monitor.AlertPriceChange, NewValue: "24.99", ChangePercent: &pct, OccurredAt: at})
	require.Len(t, args, len(AlertColumns))
	require.Equal(t, "PRICE_CHANGE", args[2])

	row := AlertRow{ID: "a", Kind: "PRICE_CHANGE", ChangePercent: ptr("-16.67"), OccurredAt: at}
	require.Len(t, row.Dest(), len(AlertColumns))
	alert, err := row.Alert()
	require.NoError(t, err)
	require.True(t, alert.ChangePercent.Equal(pct))

	require.Len(t, TaskArgs(monitor.ScrapeTask{}), len(TaskColumns))
	task := (&TaskRow{ID: "t", State: "FAILED", RetryCount: 3}).Task()
	require.Equal(t, monitor.TaskFailed, task.State)
	require.Equal(t, 3, task.RetryCount)
}

func TestNotClaimable(t *testing.T) {
	t.Parallel()

	due := time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC)
	err := NotClaimable(monitor.ScrapeTask{ID: "t1", State: monitor.TaskPending, ScheduledAt: due})
	require.ErrorIs(t, err, monitor.ErrTaskNotClaimable)
	require.ErrorContains(t, err, "due at 2025-06-01T14:00:00Z")

	err = NotClaimable(monitor.ScrapeTask{ID: "t1", State: monitor.TaskFailed})
	require.ErrorIs(t, err, monitor.ErrTaskNotClaimable)
	require.ErrorContains(t, err, "is FAILED")
}
