// Package notify turns persisted alerts into human readable messages and
// hands them to a delivery sink. Delivery is best effort: failures are logged
// and counted, never returned.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-monitor/internal/metrics"
	"github.com/JakeFAU/listing-monitor/internal/monitor"
)

// Format renders the title and body delivered for one alert.
func Format(item monitor.TrackedItem, alert monitor.Alert) (string, string) {
	title := fmt.Sprintf("[%s] %s", alert.Kind, item.ExternalID)

	var b strings.Builder
	fmt.Fprintf(&b, "Item: %s\n", item.ExternalID)
	fmt.Fprintf(&b, "URL: %s\n", item.URL())
	if alert.OldValue != "" {
		fmt.Fprintf(&b, "Previous: %s\n", alert.OldValue)
	}
	fmt.Fprintf(&b, "Current: %s\n", alert.NewValue)
	if alert.ChangePercent != nil {
		fmt.Fprintf(&b, "Change: %s%%\n", alert.ChangePercent.StringFixed(2))
	}
	fmt.Fprintf(&b, "Observed: %s", alert.OccurredAt.UTC().Format(time.RFC3339))
	return title, b.String()
}

// Dispatcher delivers alerts one by one.
type Dispatcher struct {
	deliverer monitor.Deliverer
	timeout   time.Duration
	logger    *zap.Logger
}

// NewDispatcher wraps deliverer. A positive timeout bounds each delivery.
func NewDispatcher(deliverer monitor.Deliverer, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{deliverer: deliverer, timeout: timeout, logger: logger.Named("notify")}
}

// Notify delivers every alert and returns how many were accepted by the sink.
func (d *Dispatcher) Notify(ctx context.Context, item monitor.TrackedItem, alerts []monitor.Alert) int {
	if d == nil || d.deliverer == nil {
		return 0
	}
	delivered := 0
	for _, alert := range alerts {
		title, body := Format(item, alert)
		if err := d.deliver(ctx, title, body); err != nil {
			metrics.ObserveNotifyFailure()
			d.logger.Warn("alert delivery failed",
				zap.String("item_id", item.ID),
				zap.String("alert_id", alert.ID),
				zap.String("kind", string(alert.Kind)),
				zap.Error(err),
			)
			continue
		}
		delivered++
	}
	return delivered
}

func (d *Dispatcher) deliver(ctx context.Context, title, body string) (err error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("deliverer panic: %v", r)
		}
	}()
	return d.deliverer.Deliver(ctx, title, body)
}
