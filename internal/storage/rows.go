// Package storage holds the row mapping shared by the SQL repositories.
// Snapshots, tasks and alerts are flattened into nullable scalar columns so
// the same shapes work for Postgres and SQLite.
package storage

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/JakeFAU/listing-monitor/internal/monitor"
)

// SnapshotColumns lists the snapshot table columns in Args/Dest order.
var SnapshotColumns = []string{
	"id", "item_id", "task_id", "title", "price",
	"rank_position", "rank_category", "rank_sub_position", "rank_sub_category",
	"inventory_kind", "inventory_qty",
	"main_image_digest", "rich_content_digest",
	"total_reviews", "avg_rating",
	"bullet_text", "negative_review_digest", "coupon_value", "is_lightning_deal",
	"captured_at",
}

// SnapshotRow is the flat form of monitor.Snapshot.
type SnapshotRow struct {
	ID                   string
	ItemID               string
	TaskID               *string
	Title                *string
	Price                *string
	RankPosition         *int
	RankCategory         *string
	RankSubPosition      *int
	RankSubCategory      *string
	InventoryKind        string
	InventoryQty         *int
	MainImageDigest      *string
	RichContentDigest    *string
	TotalReviews         *int
	AvgRating            *string
	BulletText           *string
	NegativeReviewDigest *string
	CouponValue          *string
	IsLightningDeal      *bool
	CapturedAt           time.Time
}

// FlattenSnapshot converts s for storage.
func FlattenSnapshot(s monitor.Snapshot) SnapshotRow {
	kind, qty := s.Inventory.Encode()
	row := SnapshotRow{
		ID:                   s.ID,
		ItemID:               s.ItemID,
		TaskID:               nonEmpty(s.TaskID),
		Title:                s.Title,
		Price:                decimalText(s.Price),
		InventoryKind:        kind,
		InventoryQty:         qty,
		MainImageDigest:      s.MainImageDigest,
		RichContentDigest:    s.RichContentDigest,
		TotalReviews:         s.TotalReviews,
		AvgRating:            decimalText(s.AvgRating),
		BulletText:           s.BulletText,
		NegativeReviewDigest: s.NegativeReviewDigest,
		CouponValue:          s.CouponValue,
		IsLightningDeal:      s.IsLightningDeal,
		CapturedAt:           s.CapturedAt.UTC(),
	}
	if s.Rank != nil {
		pos := s.Rank.Position
		row.RankPosition = &pos
		row.RankCategory = nonEmpty(s.Rank.Category)
		row.RankSubPosition = s.Rank.SubPosition
		row.RankSubCategory = nonEmpty(s.Rank.SubCategory)
	}
	return row
}

// Args returns the values in SnapshotColumns order.
func (r *SnapshotRow) Args() []any {
	return []any{
		r.ID, r.ItemID, r.TaskID, r.Title, r.Price,
		r.RankPosition, r.RankCategory, r.RankSubPosition, r.RankSubCategory,
		r.InventoryKind, r.InventoryQty,
		r.MainImageDigest, r.RichContentDigest,
		r.TotalReviews, r.AvgRating,
		r.BulletText, r.NegativeReviewDigest, r.CouponValue, r.IsLightningDeal,
		r.CapturedAt,
	}
}

// Dest returns scan destinations in SnapshotColumns order.
func (r *SnapshotRow) Dest() []any {
	return []any{
		&r.ID, &r.ItemID, &r.TaskID, &r.Title, &r.Price,
		&r.RankPosition, &r.RankCategory, &r.RankSubPosition, &r.RankSubCategory,
		&r.InventoryKind, &r.InventoryQty,
		&r.MainImageDigest, &r.RichContentDigest,
		&r.TotalReviews, &r.AvgRating,
		&r.BulletText, &r.NegativeReviewDigest, &r.CouponValue, &r.IsLightningDeal,
		&r.CapturedAt,
	}
}

// Snapshot rebuilds the domain value.
func (r *SnapshotRow) Snapshot() (monitor.Snapshot, error) {
	inv, err := monitor.DecodeInventory(r.InventoryKind, r.InventoryQty)
	if err != nil {
		return monitor.Snapshot{}, fmt.Errorf("snapshot %s: %w", r.ID, err)
	}
	price, err := parseDecimal(r.Price)
	if err != nil {
		return monitor.Snapshot{}, fmt.Errorf("snapshot %s price: %w", r.ID, err)
	}
	rating, err := parseDecimal(r.AvgRating)
	if err != nil {
		return monitor.Snapshot{}, fmt.Errorf("snapshot %s rating: %w", r.ID, err)
	}
	s := monitor.Snapshot{
		ID:                   r.ID,
		ItemID:               r.ItemID,
		Title:                r.Title,
		Price:                price,
		Inventory:            inv,
		MainImageDigest:      r.MainImageDigest,
		RichContentDigest:    r.RichContentDigest,
		TotalReviews:         r.TotalReviews,
		AvgRating:            rating,
		BulletText:           r.BulletText,
		NegativeReviewDigest: r.NegativeReviewDigest,
		CouponValue:          r.CouponValue,
		IsLightningDeal:      r.IsLightningDeal,
		CapturedAt:           r.CapturedAt.UTC(),
	}
	if r.TaskID != nil {
		s.TaskID = *r.TaskID
	}
	if r.RankPosition != nil {
		s.Rank = &monitor.Rank{
			Position:    *r.RankPosition,
			Category:    deref(r.RankCategory),
			SubPosition: r.RankSubPosition,
			SubCategory: deref(r.RankSubCategory),
		}
	}
	return s, nil
}

// AlertColumns lists the alert table columns in AlertArgs order.
var AlertColumns = []string{"id", "item_id", "kind", "old_value", "new_value", "change_percent", "occurred_at"}

// AlertArgs returns a's values in AlertColumns order.
func AlertArgs(a monitor.Alert) []any {
	return []any{a.ID, a.ItemID, string(a.Kind), a.OldValue, a.NewValue, decimalText(a.ChangePercent), a.OccurredAt.UTC()}
}

// AlertRow is the flat form of monitor.Alert.
type AlertRow struct {
	ID            string
	ItemID        string
	Kind          string
	OldValue      string
	NewValue      string
	ChangePercent *string
	OccurredAt    time.Time
}

// Dest returns scan destinations in AlertColumns order.
func (r *AlertRow) Dest() []any {
	return []any{&r.ID, &r.ItemID, &r.Kind, &r.OldValue, &r.NewValue, &r.ChangePercent, &r.OccurredAt}
}

// Alert rebuilds the domain value.
func (r *AlertRow) Alert() (monitor.Alert, error) {
	pct, err := parseDecimal(r.ChangePercent)
	if err != nil {
		return monitor.Alert{}, fmt.Errorf("alert %s change percent: %w", r.ID, err)
	}
	return monitor.Alert{
		ID:            r.ID,
		ItemID:        r.ItemID,
		Kind:          monitor.AlertKind(r.Kind),
		OldValue:      r.OldValue,
		NewValue:      r.NewValue,
		ChangePercent: pct,
		OccurredAt:    r.OccurredAt.UTC(),
	}, nil
}

// TaskColumns lists the task table columns in TaskArgs order.
var TaskColumns = []string{"id", "item_id", "state", "retry_count", "last_message", "scheduled_at", "updated_at"}

// TaskArgs returns t's values in TaskColumns order.
func TaskArgs(t monitor.ScrapeTask) []any {
	return []any{t.ID, t.ItemID, string(t.State), t.RetryCount, t.LastMessage, t.ScheduledAt.UTC(), t.UpdatedAt.UTC()}
}

// TaskRow is the flat form of monitor.ScrapeTask.
type TaskRow struct {
	ID          string
	ItemID      string
	State       string
	RetryCount  int
	LastMessage string
	ScheduledAt time.Time
	UpdatedAt   time.Time
}

// Dest returns scan destinations in TaskColumns order.
func (r *TaskRow) Dest() []any {
	return []any{&r.ID, &r.ItemID, &r.State, &r.RetryCount, &r.LastMessage, &r.ScheduledAt, &r.UpdatedAt}
}

// Task rebuilds the domain value.
func (r *TaskRow) Task() monitor.ScrapeTask {
	return monitor.ScrapeTask{
		ID:          r.ID,
		ItemID:      r.ItemID,
		State:       monitor.TaskState(r.State),
		RetryCount:  r.RetryCount,
		LastMessage: r.LastMessage,
		ScheduledAt: r.ScheduledAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
}

func decimalText(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseDecimal(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// NotClaimable explains why a conditional claim of task matched no row.
func NotClaimable(task monitor.ScrapeTask) error {
	if task.State == monitor.TaskPending {
		return fmt.Errorf("task %s due at %s: %w", task.ID, task.ScheduledAt.UTC().Format(time.RFC3339), monitor.ErrTaskNotClaimable)
	}
	return fmt.Errorf("task %s is %s: %w", task.ID, task.State, monitor.ErrTaskNotClaimable)
}
