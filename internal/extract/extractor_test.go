package extract

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-monitor/internal/hash/sha256"
	"github.com/JakeFAU/listing-monitor/internal/monitor"
)

var fixedNow = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func loadFixture(t *testing.T, name string) monitor.RawDocument {
	t.Helper()
	body, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return monitor.RawDocument{URL: "https://www.amazon.com/dp/B000TEST01", StatusCode: 200, Body: body}
}

func newExtractor(opts ...Option) *Extractor {
	return New(append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)...)
}

func TestExtractFullListing(t *testing.T) {
	t.Parallel()

	snap := newExtractor().Extract(loadFixture(t, "listing.html"))
	hasher := sha256.New()

	require.Equal(t, fixedNow, snap.CapturedAt)
	require.NotNil(t, snap.Title)
	require.Equal(t, "Burr Coffee Grinder, Stainless Steel", *snap.Title)
	require.NotNil(t, snap.Price)
	require.Equal(t, "1299.99", snap.Price.String())
	require.NotNil(t, snap.Rank)
	require.Equal(t, 1234, snap.Rank.Position)
	require.Equal(t, "Kitchen & Dining", snap.Rank.Category)
	require.Equal(t, 5, *snap.Rank.SubPosition)
	require.Equal(t, "Burr Coffee Grinders", snap.Rank.SubCategory)
	require.Equal(t, monitor.QuantityInventory(7), snap.Inventory)
	require.Equal(t, hasher.HashText("https://m.media-amazon.com/images/I/grinder-large.jpg"), *snap.MainImageDigest)
	require.Equal(t, hasher.HashText("Built to last Premium steel burrs."), *snap.RichContentDigest)
	require.Equal(t, 12345, *snap.TotalReviews)
	require.Equal(t, "4.6", snap.AvgRating.String())
	require.Equal(t, "40 grind settings\nConical burrs", *snap.BulletText)
	require.Equal(t, hasher.HashText("Broke after a week."), *snap.NegativeReviewDigest)
	require.Equal(t, "$5.00", *snap.CouponValue)
	require.True(t, *snap.IsLightningDeal)
	require.True(t, snap.HasMandatory())
}

func TestExtractSparseListing(t *testing.T) {
	t.Parallel()

	snap := newExtractor().Extract(loadFixture(t, "sparse.html"))

	require.Equal(t, "Kaffeemühle", *snap.Title)
	require.Equal(t, "24.99", snap.Price.String())
	require.Equal(t, monitor.InStockInventory(), snap.Inventory)
	require.Nil(t, snap.Rank)
	require.Nil(t, snap.MainImageDigest)
	require.Nil(t, snap.RichContentDigest)
	require.Nil(t, snap.TotalReviews)
	require.Nil(t, snap.AvgRating)
	require.Nil(t, snap.BulletText)
	require.Nil(t, snap.NegativeReviewDigest)
	require.Nil(t, snap.CouponValue)
	require.NotNil(t, snap.IsLightningDeal)
	require.False(t, *snap.IsLightningDeal)
}

func TestExtractNoAvailabilityIsUnknown(t *testing.T) {
	t.Parallel()

	doc := monitor.RawDocument{Body: []byte(`<html><span id="productTitle">Thing</span><span id="priceblock_ourprice">$3.50</span></html>`)}
	snap := newExtractor().Extract(doc)
	require.False(t, snap.Inventory.Known())
	require.Equal(t, "3.5", snap.Price.String())
}

func TestExtractTitleFallbacks(t *testing.T) {
	t.Parallel()

	snap := newExtractor().Extract(monitor.RawDocument{Body: []byte(`<html><head><meta property="og:title" content="OG Title"></head></html>`)})
	require.Equal(t, "OG Title", *snap.Title)

	snap = newExtractor().Extract(monitor.RawDocument{Body: []byte(`<html><head><title>Amazon.com: Head Title</title></head></html>`)})
	require.Equal(t, "Head Title", *snap.Title)
}

func TestExtractNeverFails(t *testing.T) {
	t.Parallel()

	exploding := Field{Name: "exploding", Apply: func(*Page, *monitor.Snapshot) bool { panic("boom") }}
	e := newExtractor(WithFields(exploding, Field{Name: FieldTitle, Apply: extractTitle}))

	snap := e.Extract(monitor.RawDocument{Body: []byte(`<span id="productTitle">Still here</span>`)})
	require.Equal(t, "Still here", *snap.Title)

	empty := e.Extract(monitor.RawDocument{})
	require.Nil(t, empty.Title)
	require.Equal(t, fixedNow, empty.CapturedAt)
}

func TestExtractIgnoresNonPositivePrice(t *testing.T) {
	t.Parallel()

	snap := newExtractor().Extract(monitor.RawDocument{Body: []byte(`<span id="priceblock_ourprice">$0.00</span>`)})
	require.Nil(t, snap.Price)
	require.False(t, snap.HasMandatory())
}
