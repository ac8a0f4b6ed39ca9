// Package detect diffs consecutive snapshots of a tracked item and emits
// typed alerts.
package detect

import (
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/JakeFAU/listing-monitor/internal/monitor"
)

var hundred = decimal.NewFromInt(100)

// Rule inspects one aspect of a snapshot pair. previous may be nil.
type Rule func(item monitor.TrackedItem, previous *monitor.Snapshot, current monitor.Snapshot) *monitor.Alert

// Detector evaluates its rules independently and collects every alert that
// fires. It holds no state.
type Detector struct {
	rules []Rule
}

// New returns a Detector with DefaultRules, or the given rules when provided.
func New(rules ...Rule) *Detector {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Detector{rules: rules}
}

// DefaultRules is the full rule set in evaluation order.
func DefaultRules() []Rule {
	return []Rule{
		PriceChange,
		InventoryThreshold,
		stringChange(monitor.AlertTitleChange, func(s *monitor.Snapshot) *string { return s.Title }),
		stringChange(monitor.AlertImageChange, func(s *monitor.Snapshot) *string { return s.MainImageDigest }),
		stringChange(monitor.AlertContentChange, func(s *monitor.Snapshot) *string { return s.RichContentDigest }),
		stringChange(monitor.AlertBulletChange, func(s *monitor.Snapshot) *string { return s.BulletText }),
		stringChange(monitor.AlertReviewChange, func(s *monitor.Snapshot) *string { return s.NegativeReviewDigest }),
		stringChange(monitor.AlertCouponChange, func(s *monitor.Snapshot) *string { return s.CouponValue }),
		DealStarted,
	}
}

// Detect returns the alerts raised by current relative to previous. Alerts
// carry the item id and the capture time of current; ids are assigned by the
// caller at persistence time.
func (d *Detector) Detect(item monitor.TrackedItem, previous *monitor.Snapshot, current monitor.Snapshot) []monitor.Alert {
	var alerts []monitor.Alert
	for _, rule := range d.rules {
		a := rule(item, previous, current)
		if a == nil {
			continue
		}
		a.ItemID = item.ID
		a.OccurredAt = current.CapturedAt
		alerts = append(alerts, *a)
	}
	return alerts
}

// PriceChange fires when both prices are present and differ.
func PriceChange(_ monitor.TrackedItem, previous *monitor.Snapshot, current monitor.Snapshot) *monitor.Alert {
	if previous == nil || previous.Price == nil || current.Price == nil {
		return nil
	}
	if previous.Price.Equal(*current.Price) {
		return nil
	}
	pct := PercentChange(*previous.Price, *current.Price)
	return &monitor.Alert{
		Kind:          monitor.AlertPriceChange,
		OldValue:      previous.Price.StringFixed(2),
		NewValue:      current.Price.StringFixed(2),
		ChangePercent: &pct,
	}
}

// PercentChange is (current-previous)/previous*100 rounded to two places, or
// zero when previous is zero.
func PercentChange(previous, current decimal.Decimal) decimal.Decimal {
	if previous.IsZero() {
		return decimal.Zero
	}
	return current.Sub(previous).Div(previous).Mul(hundred).Round(2)
}

// InventoryThreshold fires when the current quantity is known and below the
// item's threshold. The previous snapshot is not consulted.
func InventoryThreshold(item monitor.TrackedItem, _ *monitor.Snapshot, current monitor.Snapshot) *monitor.Alert {
	if item.InventoryThreshold == nil {
		return nil
	}
	qty, ok := current.Inventory.Count()
	if !ok || qty >= *item.InventoryThreshold {
		return nil
	}
	return &monitor.Alert{
		Kind:     monitor.AlertInventoryThreshold,
		OldValue: strconv.Itoa(*item.InventoryThreshold),
		NewValue: strconv.Itoa(qty),
	}
}

// DealStarted fires on a false to true transition of the lightning-deal flag.
func DealStarted(_ monitor.TrackedItem, previous *monitor.Snapshot, current monitor.Snapshot) *monitor.Alert {
	if previous == nil || previous.IsLightningDeal == nil || current.IsLightningDeal == nil {
		return nil
	}
	if *previous.IsLightningDeal || !*current.IsLightningDeal {
		return nil
	}
	return &monitor.Alert{
		Kind:     monitor.AlertDealStarted,
		OldValue: "false",
		NewValue: "true",
	}
}

// stringChange fires when both sides carry the field and the values differ.
func stringChange(kind monitor.AlertKind, field func(*monitor.Snapshot) *string) Rule {
	return func(_ monitor.TrackedItem, previous *monitor.Snapshot, current monitor.Snapshot) *monitor.Alert {
		if previous == nil {
			return nil
		}
		before, after := field(previous), field(&current)
		if before == nil || after == nil || *before == *after {
			return nil
		}
		return &monitor.Alert{Kind: kind, OldValue: *before, NewValue: *after}
	}
}
