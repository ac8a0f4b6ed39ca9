package headless

import (
	"context"

	"github.com/JakeFAU/listing-monitor/internal/monitor"
)

// Disabled stands in for the rendering tier when it is turned off.
type Disabled struct{}

// NewDisabled creates a Disabled renderer.
func NewDisabled() *Disabled {
	return &Disabled{}
}

// Name implements monitor.Fetcher.
func (Disabled) Name() string { return "disabled" }

// Enabled reports false so callers can skip the rendering pass entirely.
func (Disabled) Enabled() bool { return false }

// Fetch always returns monitor.ErrRendererDisabled.
func (Disabled) Fetch(_ context.Context, _ string) (monitor.RawDocument, error) {
	return monitor.RawDocument{}, monitor.ErrRendererDisabled
}
