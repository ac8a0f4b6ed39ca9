// Package registry holds the set of tracked items.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/listing-monitor/internal/monitor"
)

// Static is an immutable, ordered item registry.
type Static struct {
	items []monitor.TrackedItem
	byID  map[string]int
}

// New validates items. An item without an ID is keyed by its external ID.
func New(items []monitor.TrackedItem) (*Static, error) {
	r := &Static{
		items: make([]monitor.TrackedItem, 0, len(items)),
		byID:  make(map[string]int, len(items)),
	}
	for i, item := range items {
		if item.ExternalID == "" {
			return nil, fmt.Errorf("item %d: external_id is required", i)
		}
		if item.ID == "" {
			item.ID = item.ExternalID
		}
		if item.InventoryThreshold != nil && *item.InventoryThreshold < 0 {
			return nil, fmt.Errorf("item %s: inventory_threshold must be >= 0", item.ID)
		}
		if _, dup := r.byID[item.ID]; dup {
			return nil, fmt.Errorf("duplicate item id %q", item.ID)
		}
		r.byID[item.ID] = len(r.items)
		r.items = append(r.items, item)
	}
	return r, nil
}

type file struct {
	Items []monitor.TrackedItem `yaml:"items"`
}

// ReadFile parses a YAML document with a top-level "items" list.
func ReadFile(path string) ([]monitor.TrackedItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry file: %w", err)
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse registry file %s: %w", path, err)
	}
	return f.Items, nil
}

// Load merges inline items with those from path, when set.
func Load(inline []monitor.TrackedItem, path string) (*Static, error) {
	items := append([]monitor.TrackedItem(nil), inline...)
	if path != "" {
		fromFile, err := ReadFile(path)
		if err != nil {
			return nil, err
		}
		items = append(items, fromFile...)
	}
	if len(items) == 0 {
		return nil, errors.New("no tracked items configured")
	}
	return New(items)
}

// ListItems returns items in registration order.
func (r *Static) ListItems(context.Context) ([]monitor.TrackedItem, error) {
	return append([]monitor.TrackedItem(nil), r.items...), nil
}

// GetItem looks up an item by ID.
func (r *Static) GetItem(_ context.Context, itemID string) (monitor.TrackedItem, error) {
	idx, ok := r.byID[itemID]
	if !ok {
		return monitor.TrackedItem{}, fmt.Errorf("item %s: %w", itemID, monitor.ErrNotFound)
	}
	return r.items[idx], nil
}

// Len returns the number of items.
func (r *Static) Len() int { return len(r.items) }
