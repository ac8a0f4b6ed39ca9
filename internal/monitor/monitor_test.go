package monitor

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func TestInventoryStatesAreDistinct(t *testing.T) {
	t.Parallel()

	unknown := UnknownInventory()
	inStock := InStockInventory()
	outOfStock := QuantityInventory(0)

	require.False(t, unknown.Known())
	require.True(t, inStock.Known())
	require.True(t, outOfStock.Known())
	require.NotEqual(t, unknown, inStock)
	require.NotEqual(t, inStock, outOfStock)

	_, ok := inStock.Count()
	require.False(t, ok)
	n, ok := outOfStock.Count()
	require.True(t, ok)
	require.Zero(t, n)

	require.Equal(t, QuantityInventory(0), QuantityInventory(-4))
	require.Equal(t, "unknown", unknown.String())
	require.Equal(t, "in_stock", inStock.String())
	require.Equal(t, "7", QuantityInventory(7).String())
}

func TestInventoryEncodeDecode(t *testing.T) {
	t.Parallel()

	for _, inv := range []Inventory{UnknownInventory(), InStockInventory(), QuantityInventory(0), QuantityInventory(12)} {
		kind, qty := inv.Encode()
		got, err := DecodeInventory(kind, qty)
		require.NoError(t, err)
		require.Equal(t, inv, got)
	}

	_, err := DecodeInventory("quantity", nil)
	require.Error(t, err)
	_, err = DecodeInventory("plenty", nil)
	require.Error(t, err)

	got, err := DecodeInventory("", nil)
	require.NoError(t, err)
	require.False(t, got.Known())
}

func TestInventoryJSON(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(Snapshot{Inventory: QuantityInventory(3)})
	require.NoError(t, err)
	require.Contains(t, string(data), `"inventory":{"kind":"quantity","quantity":3}`)

	var snap Snapshot
	require.NoError(t, json.Unmarshal([]byte(`{"inventory":{"kind":"in_stock"}}`), &snap))
	require.Equal(t, InStockInventory(), snap.Inventory)

	require.Error(t, json.Unmarshal([]byte(`{"inventory":{"kind":"lots"}}`), &snap))
}

func TestTrackedItemURL(t *testing.T) {
	t.Parallel()

	require.Equal(t, "https://www.amazon.com/dp/B000TEST01", TrackedItem{ExternalID: "B000TEST01"}.URL())
	require.Equal(t, "https://www.amazon.de/dp/B000TEST01", TrackedItem{ExternalID: "B000TEST01", Site: "www.amazon.de"}.URL())
}

func TestSnapshotHasMandatory(t *testing.T) {
	t.Parallel()

	require.False(t, Snapshot{Title: ptr("x")}.HasMandatory())
	price := decimal.RequireFromString("9.99")
	require.True(t, Snapshot{Price: &price}.HasMandatory())
	require.True(t, Snapshot{Rank: &Rank{Position: 4}}.HasMandatory())
}

func TestTaskStateTerminal(t *testing.T) {
	t.Parallel()

	require.False(t, TaskPending.Terminal())
	require.False(t, TaskRunning.Terminal())
	require.True(t, TaskSuccess.Terminal())
	require.True(t, TaskFailed.Terminal())
}

func TestTopUpFillsOnlyMissingFields(t *testing.T) {
	t.Parallel()

	price := decimal.RequireFromString("19.99")
	base := Snapshot{Title: ptr("static title"), Price: &price, Inventory: InStockInventory()}
	rendered := Snapshot{
		Title:           ptr("rendered title"),
		Inventory:       QuantityInventory(4),
		IsLightningDeal: ptr(true),
	}

	base.TopUp(rendered)
	require.Equal(t, "static title", *base.Title)
	require.True(t, base.Price.Equal(price))
	require.Equal(t, QuantityInventory(4), base.Inventory)
	require.True(t, *base.IsLightningDeal)

	base.TopUp(Snapshot{Inventory: InStockInventory()})
	require.Equal(t, QuantityInventory(4), base.Inventory)
}

func TestTransportErrorUnwrapAndRetryable(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection reset")
	err := fmt.Errorf("attempt: %w", &TransportError{Tier: "static", ProxyID: "p1", StatusCode: 503, Err: cause})

	require.ErrorIs(t, err, cause)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	require.Equal(t, 503, te.StatusCode)
	require.Contains(t, err.Error(), "status 503")

	require.True(t, IsRetryable(err))
	require.True(t, IsRetryable(ErrNoProxyAvailable))
	require.True(t, IsRetryable(fmt.Errorf("wrap: %w", ErrSuspiciousDocument)))
	require.False(t, IsRetryable(ErrExtractionIncomplete))
	require.False(t, IsRetryable(nil))
}
