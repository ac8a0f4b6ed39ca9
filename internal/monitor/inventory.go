package monitor

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// InventoryKind distinguishes the three inventory states.
type InventoryKind uint8

// Inventory kinds. The zero value is InventoryUnknown.
const (
	InventoryUnknown InventoryKind = iota
	InventoryQuantity
	InventoryInStock
)

// Inventory is the tri-state stock signal: nothing known, a known quantity
// (zero meaning out of stock), or in stock with no count shown.
type Inventory struct {
	Kind     InventoryKind
	Quantity int
}

// UnknownInventory reports no availability indicator.
func UnknownInventory() Inventory { return Inventory{} }

// QuantityInventory reports an explicit count.
func QuantityInventory(n int) Inventory {
	if n < 0 {
		n = 0
	}
	return Inventory{Kind: InventoryQuantity, Quantity: n}
}

// InStockInventory reports in stock without a visible count.
func InStockInventory() Inventory { return Inventory{Kind: InventoryInStock} }

// Known reports whether any availability indicator was seen.
func (i Inventory) Known() bool { return i.Kind != InventoryUnknown }

// Count returns the quantity when it is known.
func (i Inventory) Count() (int, bool) {
	if i.Kind != InventoryQuantity {
		return 0, false
	}
	return i.Quantity, true
}

// String renders the inventory for alerts and logs.
func (i Inventory) String() string {
	switch i.Kind {
	case InventoryQuantity:
		return strconv.Itoa(i.Quantity)
	case InventoryInStock:
		return "in_stock"
	default:
		return "unknown"
	}
}

// Encode returns the storage representation: kind label and nullable quantity.
func (i Inventory) Encode() (string, *int) {
	switch i.Kind {
	case InventoryQuantity:
		q := i.Quantity
		return "quantity", &q
	case InventoryInStock:
		return "in_stock", nil
	default:
		return "unknown", nil
	}
}

// DecodeInventory is the inverse of Encode.
func DecodeInventory(kind string, qty *int) (Inventory, error) {
	switch kind {
	case "", "unknown":
		return UnknownInventory(), nil
	case "in_stock":
		return InStockInventory(), nil
	case "quantity":
		if qty == nil {
			return Inventory{}, fmt.Errorf("inventory kind quantity without count")
		}
		return QuantityInventory(*qty), nil
	default:
		return Inventory{}, fmt.Errorf("unknown inventory kind %q", kind)
	}
}

type inventoryJSON struct {
	Kind     string `json:"kind"`
	Quantity *int   `json:"quantity,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (i Inventory) MarshalJSON() ([]byte, error) {
	kind, qty := i.Encode()
	return json.Marshal(inventoryJSON{Kind: kind, Quantity: qty})
}

// UnmarshalJSON implements json.Unmarshaler.
func (i *Inventory) UnmarshalJSON(data []byte) error {
	var raw inventoryJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode inventory: %w", err)
	}
	inv, err := DecodeInventory(raw.Kind, raw.Quantity)
	if err != nil {
		return err
	}
	*i = inv
	return nil
}
